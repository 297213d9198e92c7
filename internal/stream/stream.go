package stream

import (
	"context"
	"sync"

	"github.com/sebastianmuntean/eori-platform-sub000/internal/registry"
)

const subscriberBuffer = 16

// Stream fan-outs registry events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

type subscriber struct {
	ch     chan registry.Event
	filter func(registry.Event) bool
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events accepted by filter (nil accepts all). The channel is closed when the
// provided context ends.
func (s *Stream) Subscribe(ctx context.Context, filter func(registry.Event) bool) <-chan registry.Event {
	ch := make(chan registry.Event, subscriberBuffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{ch: ch, filter: filter}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(_ context.Context, evt registry.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.filter != nil && !sub.filter(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Subscribers reports the number of live subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// ForDocument accepts events of one document.
func ForDocument(id string) func(registry.Event) bool {
	return func(evt registry.Event) bool { return evt.DocumentID == id }
}

var _ registry.Publisher = (*Stream)(nil)
