package cache

import (
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no entry exists for a key.
var ErrNotFound = errors.New("cache: entry not found")

// Entry is one stored response.
type Entry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}

// Provider is an interface for a cache entry store.
// It stores and retrieves []byte values, which represent serialized HTTP
// responses, under versioned bucket-scoped keys. Operating on key prefixes
// is important so individual buckets and deploy versions can be listed,
// counted and purged independently.
//
// Implementations must be thread-safe!
type Provider interface {
	// Get returns the stored entry for the given key, if it exists.
	Get(key string) (Entry, bool, error)
	// Put stores the given entry, replacing any previous entry for the key.
	Put(Entry) error
	// Purge removes the entry for the given key. Removing a missing key
	// is not an error.
	Purge(key string) error
	// AllKeys calls the given callback for each key with the given prefix.
	// It calls the callback in order to enable very large key sets to be
	// processable (an implementation might use paging, for instance).
	AllKeys(prefix string, cb func(string)) error
	// Count returns the number of entries with the given prefix.
	Count(prefix string) (int, error)
	// Oldest returns the key and storage time of the entry with the
	// earliest StoredAt under the given prefix. Drives oldest-first
	// eviction when a bucket exceeds its entry bound.
	Oldest(prefix string) (string, time.Time, error)
	// Close releases the underlying storage.
	Close() error
}
