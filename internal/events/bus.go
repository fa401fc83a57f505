package events

import (
	"sync"
	"time"
)

// Sink receives every published event in structured form.
// Implementations must not block.
type Sink interface {
	Write(rec Record)
}

// Bus is a lightweight pub/sub broker using channels.
type Bus struct {
	mu    sync.RWMutex
	subs  map[Event][]chan any
	sinks []Sink
	now   func() time.Time
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan any), now: time.Now}
}

// AddSink attaches a sink that sees every event regardless of topic.
func (b *Bus) AddSink(s Sink) {
	if s == nil {
		return
	}
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Subscribe registers a listener for an event and returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	b.subs[e] = append(b.subs[e], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[e]
			for i, c := range subs {
				if c == ch {
					close(c)
					b.subs[e] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		})
	}

	return ch, unsub
}

// Publish fan-outs the payload to subscribers asynchronously to avoid blocking.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		select {
		case ch <- payload:
		default:
			// drop if subscriber is slow; keep broker non-blocking
		}
	}
	if len(b.sinks) == 0 {
		return
	}
	rec := Record{Type: e, Timestamp: b.now().UTC(), Data: payload}
	for _, s := range b.sinks {
		s.Write(rec)
	}
}
