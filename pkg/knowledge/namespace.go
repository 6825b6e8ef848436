package knowledge

import (
	"context"
	"strings"
)

// Namespaced wraps a Store, prefixing every key. It is how ephemeral
// per-conversation memory shares the durable store's machinery: same
// contract, its own key space.
type Namespaced struct {
	store  Store
	prefix string
}

// NewNamespaced returns a view of store under the given prefix. A ":" is
// appended when the prefix does not already end with one.
func NewNamespaced(store Store, prefix string) *Namespaced {
	if prefix != "" && prefix[len(prefix)-1] != ':' {
		prefix += ":"
	}
	return &Namespaced{store: store, prefix: prefix}
}

// Get implements Store.
func (n *Namespaced) Get(ctx context.Context, key string) (Entry, error) {
	entry, err := n.store.Get(ctx, n.prefix+key)
	if err != nil {
		return Entry{}, err
	}
	entry.Key = key
	return entry, nil
}

// Put implements Store.
func (n *Namespaced) Put(ctx context.Context, key string, value any, writer string) (uint64, error) {
	return n.store.Put(ctx, n.prefix+key, value, writer)
}

// CompareAndSet implements Store.
func (n *Namespaced) CompareAndSet(ctx context.Context, key string, expected uint64, value any, writer string) (uint64, error) {
	return n.store.CompareAndSet(ctx, n.prefix+key, expected, value, writer)
}

// Subscribe implements Store. Events are rewritten so subscribers see
// the same key space Get exposes, without the namespace prefix.
func (n *Namespaced) Subscribe(ctx context.Context, keyPrefix string) (<-chan ChangeEvent, func()) {
	inner, cancel := n.store.Subscribe(ctx, n.prefix+keyPrefix)
	out := make(chan ChangeEvent, subscriberBuffer)
	go func() {
		defer close(out)
		for ev := range inner {
			ev.Entry.Key = strings.TrimPrefix(ev.Entry.Key, n.prefix)
			select {
			case out <- ev:
			default:
			}
		}
	}()
	return out, cancel
}

// Close is a no-op: the lifetime of the underlying store belongs to its
// owner, not to any namespaced view.
func (n *Namespaced) Close(_ context.Context) error {
	return nil
}
