// Package knowledge provides the shared, versioned key/value store that
// agents use for cross-agent facts and per-conversation memory.
package knowledge

import (
	"context"
	"time"
)

// Entry is one versioned knowledge record. Versions per key start at 1
// and increase by exactly one on every write to that key.
type Entry struct {
	Key       string
	Value     any
	Version   uint64
	Writer    string
	WrittenAt time.Time
}

// ChangeEvent notifies a subscriber of a committed write.
type ChangeEvent struct {
	Entry Entry
}

// Store is the abstract knowledge contract. Writes to a single key are
// serialized; writes to distinct keys proceed independently. Readers
// always observe a fully committed entry.
type Store interface {
	// Get returns the current entry for key, or CodeNotFound.
	Get(ctx context.Context, key string) (Entry, error)

	// Put writes value under key on behalf of writer and returns the new
	// version.
	Put(ctx context.Context, key string, value any, writer string) (uint64, error)

	// CompareAndSet writes only if the current version equals expected.
	// A stale expected version returns CodeConflict. Expected version 0
	// asserts the key does not exist yet.
	CompareAndSet(ctx context.Context, key string, expected uint64, value any, writer string) (uint64, error)

	// Subscribe returns a channel of change events for keys with the
	// given prefix (empty prefix matches everything) and a cancel
	// function. The channel is closed on cancel or store Close;
	// re-subscribing starts a fresh stream.
	Subscribe(ctx context.Context, keyPrefix string) (<-chan ChangeEvent, func())

	// Close shuts the store down and terminates all subscriptions.
	Close(ctx context.Context) error
}

// TaskResultKey is the well-known key under which the scheduler stores a
// completed task's result.
func TaskResultKey(taskID string) string {
	return "task:" + taskID + ":result"
}
