package medium

import (
	"context"
	stdErrors "errors"

	nats "github.com/nats-io/nats.go"

	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
)

// NATS implements Versioned on top of a JetStream key-value bucket. Entry
// revisions are used as versions.
type NATS struct {
	kv nats.KeyValue
}

// NewNATS wraps an existing key-value bucket.
func NewNATS(kv nats.KeyValue) *NATS {
	return &NATS{kv: kv}
}

// OpenNATS binds to the named bucket, creating it with a history of one
// revision when it does not exist yet.
func OpenNATS(js nats.JetStreamContext, bucket string) (*NATS, error) {
	kv, err := js.KeyValue(bucket)
	if stdErrors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket, History: 1})
	}
	if err != nil {
		return nil, mapNATSErr(err)
	}
	return NewNATS(kv), nil
}

// Get implements Medium.Get.
func (n *NATS) Get(ctx context.Context, key string) (string, bool, error) {
	v, _, ok, err := n.GetVersioned(ctx, key)
	return v, ok, err
}

// Set implements Medium.Set.
func (n *NATS) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return mapNATSErr(err)
	}
	if _, err := n.kv.PutString(key, value); err != nil {
		return mapNATSErr(err)
	}
	return nil
}

// GetVersioned implements Versioned.GetVersioned.
func (n *NATS) GetVersioned(ctx context.Context, key string) (string, uint64, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, false, mapNATSErr(err)
	}
	entry, err := n.kv.Get(key)
	if stdErrors.Is(err, nats.ErrKeyNotFound) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, mapNATSErr(err)
	}
	return string(entry.Value()), entry.Revision(), true, nil
}

// SetIfVersion implements Versioned.SetIfVersion. Version zero means the key
// must not exist yet.
func (n *NATS) SetIfVersion(ctx context.Context, key, value string, version uint64) error {
	if err := ctx.Err(); err != nil {
		return mapNATSErr(err)
	}
	var err error
	if version == 0 {
		_, err = n.kv.Create(key, []byte(value))
	} else {
		_, err = n.kv.Update(key, []byte(value), version)
	}
	if stdErrors.Is(err, nats.ErrKeyExists) {
		return leaseerrors.ErrVersionConflict
	}
	if err != nil {
		return mapNATSErr(err)
	}
	return nil
}

func mapNATSErr(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded), stdErrors.Is(err, nats.ErrTimeout):
		return leaseerrors.ErrTimeout
	case stdErrors.Is(err, nats.ErrConnectionClosed):
		return leaseerrors.ErrConnectionClosed
	case stdErrors.Is(err, nats.ErrMaxPayload):
		return leaseerrors.ErrCapacityExceeded
	}
	return err
}

var _ Versioned = (*NATS)(nil)
