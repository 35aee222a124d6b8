// Package medium defines the shared storage port used by the lease store and
// ships the backends it can run on: an in-memory map, Redis, NATS JetStream
// key-value buckets, a process local Ristretto cache and plain files guarded
// by an OS level file lock.
//
// Backends that can perform conditional writes implement Versioned, which
// enables optimistic lease updates. NewBreaker wraps any backend with a
// circuit breaker so a failing store is skipped instead of hammered.
package medium
