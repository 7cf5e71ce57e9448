// Package kv provides the short-lived key-value storage used for
// conversation state, idempotency records, caches and rate-limit
// counters. Two backends exist: Redis for production and an in-memory
// map for development and tests.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when a key does not exist or has expired.
var ErrMiss = errors.New("kv: key not found")

// Store is the minimal contract shared by both backends. Values are
// opaque strings; counters live in the same keyspace through Incr.
type Store interface {
	// Get returns the value stored under key, or ErrMiss.
	Get(ctx context.Context, key string) (string, error)

	// SetEx stores value under key with the given time to live.
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error

	// Incr increments the counter stored under key and refreshes its
	// time to live, returning the new count.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
}
