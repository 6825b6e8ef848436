package knowledge

import (
	"strings"
	"sync"
)

// fanout delivers change events to prefix subscribers. Shared by the
// in-memory and sqlite backends.
type fanout struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	prefix string
	ch     chan ChangeEvent
}

func newFanout() *fanout {
	return &fanout{subs: make(map[int]*subscriber)}
}

func (f *fanout) subscribe(prefix string) (<-chan ChangeEvent, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan ChangeEvent, subscriberBuffer)
	if f.closed {
		close(ch)
		return ch, func() {}
	}

	id := f.nextID
	f.nextID++
	f.subs[id] = &subscriber{prefix: prefix, ch: ch}

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub.ch)
		}
	}
	return ch, cancel
}

// notify fans a committed write out to matching subscribers. Slow
// subscribers lose events rather than blocking writers.
func (f *fanout) notify(entry Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		if !strings.HasPrefix(entry.Key, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- ChangeEvent{Entry: entry}:
		default:
		}
	}
}

func (f *fanout) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, sub := range f.subs {
		delete(f.subs, id)
		close(sub.ch)
	}
}
