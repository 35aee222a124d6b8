package medium

import (
	"context"
	stdErrors "errors"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
)

const (
	defaultRedisOpTimeout = 5 * time.Second

	redisValueField   = "v"
	redisVersionField = "n"
)

// Both fields live in one hash so a conditional write touches a single key
// and stays valid on Redis Cluster.
var casScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "n")
if not cur then cur = "0" end
if cur ~= ARGV[2] then
    return 0
end
redis.call("HSET", KEYS[1], "v", ARGV[1])
redis.call("HINCRBY", KEYS[1], "n", 1)
return 1
`)

// Redis implements Versioned using a Redis hash per key.
type Redis struct {
	client  redis.Cmdable
	timeout time.Duration
}

// RedisOption configures a Redis medium.
type RedisOption func(*redisOptions)

type redisOptions struct {
	timeout time.Duration
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisOptions) {
		o.timeout = d
	}
}

// NewRedis returns a Redis medium using the provided client.
func NewRedis(client redis.Cmdable, opts ...RedisOption) *Redis {
	o := redisOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Redis{client: client, timeout: o.timeout}
}

// Get implements Medium.Get.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, mapRedisErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	v, err := r.client.HGet(cctx, key, redisValueField).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapRedisErr(err)
	}
	return v, true, nil
}

// Set implements Medium.Set. Every write bumps the version so conditional
// writers notice it.
func (r *Redis) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return mapRedisErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	pipe := r.client.TxPipeline()
	pipe.HSet(cctx, key, redisValueField, value)
	pipe.HIncrBy(cctx, key, redisVersionField, 1)
	if _, err := pipe.Exec(cctx); err != nil {
		return mapRedisErr(err)
	}
	return nil
}

// GetVersioned implements Versioned.GetVersioned.
func (r *Redis) GetVersioned(ctx context.Context, key string) (string, uint64, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, false, mapRedisErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	vals, err := r.client.HMGet(cctx, key, redisValueField, redisVersionField).Result()
	if err != nil {
		return "", 0, false, mapRedisErr(err)
	}
	var version uint64
	if s, ok := vals[1].(string); ok {
		version, err = strconv.ParseUint(s, 10, 64)
		if err != nil {
			return "", 0, false, err
		}
	}
	v, ok := vals[0].(string)
	if !ok {
		return "", version, false, nil
	}
	return v, version, true, nil
}

// SetIfVersion implements Versioned.SetIfVersion.
func (r *Redis) SetIfVersion(ctx context.Context, key, value string, version uint64) error {
	if err := ctx.Err(); err != nil {
		return mapRedisErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	applied, err := casScript.Run(cctx, r.client, []string{key}, value, strconv.FormatUint(version, 10)).Int()
	if err != nil {
		return mapRedisErr(err)
	}
	if applied == 0 {
		return leaseerrors.ErrVersionConflict
	}
	return nil
}

func mapRedisErr(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return leaseerrors.ErrTimeout
	}
	if stdErrors.Is(err, redis.ErrClosed) {
		return leaseerrors.ErrConnectionClosed
	}
	var rerr redis.Error
	if stdErrors.As(err, &rerr) && strings.HasPrefix(rerr.Error(), "OOM") {
		return leaseerrors.ErrCapacityExceeded
	}
	return err
}

var _ Versioned = (*Redis)(nil)
