// Package kv provides a uniform key-value storage abstraction over
// several interchangeable backends: an Upstash-style REST store, a local
// Redis server, a SQLite file, and an in-memory map. Exactly one backend
// is selected at startup and used for the process lifetime.
//
// Values are opaque strings (the domain layer serializes to JSON text);
// the adapter never interprets them. A value that fails to decode is the
// caller's problem to catch and skip.
package kv

import (
	"context"
	"strings"
	"time"
)

// Separator joins key parts into a flat storage key.
const Separator = ":"

// Entry is a single key-value pair yielded by Scan.
type Entry struct {
	Key   string
	Value string
}

// ScanFunc receives entries during a prefix scan. Returning a non-nil
// error stops the scan and propagates the error to the caller.
type ScanFunc func(Entry) error

// Store is the backend-agnostic key-value contract. All methods take a
// context; backends that cannot honor cancellation mid-command complete
// the in-flight operation regardless.
type Store interface {
	// Kind identifies the active backend ("upstash", "redis", "sqlite",
	// "memory").
	Kind() string

	// Get returns the stored value for key, and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value under key, replacing any previous value and
	// clearing any expiry.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Scan visits every plain value whose key starts with prefix, in no
	// particular order. Entries added or removed concurrently may or may
	// not be visited; entries present for the whole scan are never missed.
	Scan(ctx context.Context, prefix string, fn ScanFunc) error

	// SAdd adds members to the set at key and reports how many were new.
	SAdd(ctx context.Context, key string, members ...string) (int, error)

	// SRem removes members from the set at key and reports how many were
	// actually removed.
	SRem(ctx context.Context, key string, members ...string) (int, error)

	// SMembers returns all members of the set at key. An absent set is an
	// empty slice.
	SMembers(ctx context.Context, key string) ([]string, error)

	// Expire sets a time-to-live on key. A non-positive ttl deletes the
	// key immediately.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Close releases backend resources.
	Close() error
}

// Key joins parts into a storage key with the fixed separator.
func Key(parts ...string) string {
	return strings.Join(parts, Separator)
}

// Prefix builds a separator-terminated scan prefix from parts, so that
// "site" matches "site:a" but not the sibling "sitemap". No parts means
// an empty prefix matching everything.
func Prefix(parts ...string) string {
	if len(parts) == 0 {
		return ""
	}
	return Key(parts...) + Separator
}
