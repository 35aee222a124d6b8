package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-lease/v1/lease"
	"github.com/mirkobrombin/go-lease/v1/lock"
	"github.com/mirkobrombin/go-lease/v1/presets"
	"github.com/mirkobrombin/go-lease/v1/watchbus"
)

// config is the resolved leasectl configuration.
type config struct {
	backend   string
	key       string
	ttl       time.Duration
	policy    lock.ReleasePolicy
	retries   int
	timeout   time.Duration
	redis     presets.RedisOptions
	natsURL   string
	bucket    string
	dir       string
	bus       string
	brokers   []string
	logLevel  slog.Level
	tracing   bool
	listen    string
	sweepEach time.Duration
}

// setupFlags registers the persistent flags shared by every command.
func setupFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("backend", presets.BackendFile, wrap("storage backend holding the lease table (memory, redis, nats, file)"))
	f.String("key", lease.DefaultKey, wrap("key of the lease table in the backend"))
	f.Duration("ttl", lock.DefaultTTL, wrap("lease lifetime"))
	f.String("policy", lock.PolicyPermissive.String(), wrap("release policy (permissive, strict)"))
	f.Int("optimistic-retries", -1, wrap("enable conditional writes with this many retries; negative disables"))
	f.Duration("timeout", 5*time.Second, wrap("timeout of a single backend call"))
	f.String("redis-addr", "localhost:6379", wrap("redis address"))
	f.String("redis-password", "", wrap("redis password"))
	f.Int("redis-db", 0, wrap("redis database"))
	f.Int("redis-pool-size", 0, wrap("connections per redis client, 0 keeps the client default"))
	f.String("nats-url", "nats://127.0.0.1:4222", wrap("nats server url"))
	f.String("nats-bucket", "leases", wrap("jetstream key-value bucket"))
	f.String("dir", ".leases", wrap("directory of the file backend"))
	f.String("bus", "", wrap("event bus override (kafka); empty uses the backend bus"))
	f.StringSlice("kafka-brokers", []string{"localhost:9092"}, wrap("kafka brokers for --bus kafka"))
	f.String("log-level", "warn", wrap("log level (debug, info, warn, error)"))
}

// initConfig loads .env files and binds LEASE_* environment variables.
func initConfig(v *viper.Viper, cmd *cobra.Command) error {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v.SetEnvPrefix("lease")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return v.BindPFlags(cmd.InheritedFlags())
}

func loadConfig(v *viper.Viper) (*config, error) {
	policy, err := lock.ParseReleasePolicy(v.GetString("policy"))
	if err != nil {
		return nil, err
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString("log-level"))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", v.GetString("log-level"), err)
	}
	return &config{
		backend: v.GetString("backend"),
		key:     v.GetString("key"),
		ttl:     v.GetDuration("ttl"),
		policy:  policy,
		retries: v.GetInt("optimistic-retries"),
		timeout: v.GetDuration("timeout"),
		redis: presets.RedisOptions{
			Addr:     v.GetString("redis-addr"),
			Password: v.GetString("redis-password"),
			DB:       v.GetInt("redis-db"),
			PoolSize: v.GetInt("redis-pool-size"),
			Timeout:  v.GetDuration("timeout"),
		},
		natsURL:   v.GetString("nats-url"),
		bucket:    v.GetString("nats-bucket"),
		dir:       v.GetString("dir"),
		bus:       v.GetString("bus"),
		brokers:   v.GetStringSlice("kafka-brokers"),
		logLevel:  level,
		tracing:   v.GetBool("trace"),
		listen:    v.GetString("listen"),
		sweepEach: v.GetDuration("sweep-interval"),
	}, nil
}

func (c *config) lockOptions() []lock.Option {
	opts := []lock.Option{lock.WithTTL(c.ttl), lock.WithReleasePolicy(c.policy)}
	if c.retries >= 0 {
		opts = append(opts, lock.WithOptimisticWrites(c.retries))
	}
	if c.tracing {
		opts = append(opts, lock.WithTracing())
	}
	return opts
}

// openStack builds the coordinator described by c. The returned function
// releases every connection it opened.
func (c *config) openStack() (*presets.Stack, func(), error) {
	pc := presets.Config{
		Backend:    c.backend,
		Key:        c.key,
		Redis:      c.redis,
		NATSURL:    c.natsURL,
		NATSBucket: c.bucket,
		Dir:        c.dir,
	}
	var kafka *watchbus.KafkaWatchBus
	switch c.bus {
	case "":
	case "kafka":
		cfg := sarama.NewConfig()
		cfg.Producer.Return.Successes = true
		var err error
		kafka, err = watchbus.NewKafkaWatchBus(c.brokers, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("kafka bus: %w", err)
		}
		pc.Bus = kafka
	default:
		return nil, nil, fmt.Errorf("unknown bus %q", c.bus)
	}
	s, err := presets.Open(pc, c.lockOptions()...)
	if err != nil {
		if kafka != nil {
			_ = kafka.Close()
		}
		return nil, nil, err
	}
	return s, func() {
		_ = s.Close()
		if kafka != nil {
			_ = kafka.Close()
		}
	}, nil
}

// wrap folds help text at 50 columns.
func wrap(text string) string {
	const width = 50
	var lines []string
	var cur strings.Builder
	for _, word := range strings.Fields(text) {
		if cur.Len() > 0 && cur.Len()+1+len(word) > width {
			lines = append(lines, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(word)
	}
	if cur.Len() > 0 {
		lines = append(lines, cur.String())
	}
	return strings.Join(lines, "\n")
}
