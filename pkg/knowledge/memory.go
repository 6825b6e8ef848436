package knowledge

import (
	"context"
	"sync"
	"time"

	"github.com/jllopis/agora/pkg/errors"
)

const subscriberBuffer = 64

// InMemory is the in-process knowledge backend. Each key owns its own
// lock, so writers to distinct keys never contend.
type InMemory struct {
	mu      sync.RWMutex
	entries map[string]*cell
	closed  bool
	events  *fanout
}

type cell struct {
	mu    sync.Mutex
	entry Entry
}

// NewInMemory creates an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{
		entries: make(map[string]*cell),
		events:  newFanout(),
	}
}

// Get implements Store.
func (s *InMemory) Get(_ context.Context, key string) (Entry, error) {
	s.mu.RLock()
	c, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		c.mu.Lock()
		entry := c.entry
		c.mu.Unlock()
		// Version 0 means the cell was allocated by a writer that has not
		// committed yet.
		if entry.Version > 0 {
			return entry, nil
		}
	}
	return Entry{}, errors.New(errors.CodeNotFound, "knowledge key not found", nil).
		WithContext("key", key)
}

// Put implements Store.
func (s *InMemory) Put(_ context.Context, key string, value any, writer string) (uint64, error) {
	c, err := s.cellFor(key)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.entry = Entry{
		Key:       key,
		Value:     value,
		Version:   c.entry.Version + 1,
		Writer:    writer,
		WrittenAt: time.Now().UTC(),
	}
	committed := c.entry
	c.mu.Unlock()

	s.events.notify(committed)
	return committed.Version, nil
}

// CompareAndSet implements Store.
func (s *InMemory) CompareAndSet(_ context.Context, key string, expected uint64, value any, writer string) (uint64, error) {
	c, err := s.cellFor(key)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	if c.entry.Version != expected {
		current := c.entry.Version
		c.mu.Unlock()
		return 0, errors.New(errors.CodeConflict, "stale expected version", nil).
			WithContext("key", key).
			WithContext("expected", expected).
			WithContext("current", current)
	}
	c.entry = Entry{
		Key:       key,
		Value:     value,
		Version:   expected + 1,
		Writer:    writer,
		WrittenAt: time.Now().UTC(),
	}
	committed := c.entry
	c.mu.Unlock()

	s.events.notify(committed)
	return committed.Version, nil
}

// Subscribe implements Store.
func (s *InMemory) Subscribe(_ context.Context, keyPrefix string) (<-chan ChangeEvent, func()) {
	return s.events.subscribe(keyPrefix)
}

// Close implements Store.
func (s *InMemory) Close(_ context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.events.close()
	return nil
}

func (s *InMemory) cellFor(key string) (*cell, error) {
	s.mu.RLock()
	c, ok := s.entries[key]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, errors.New(errors.CodeShutdown, "knowledge store closed", nil)
	}
	if ok {
		return c, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New(errors.CodeShutdown, "knowledge store closed", nil)
	}
	if c, ok := s.entries[key]; ok {
		return c, nil
	}
	c = &cell{}
	s.entries[key] = c
	return c, nil
}
