package localbus

import (
	"sync"

	"github.com/mcdev12/spellingbee/go/internal/quiz/envelope"
	"github.com/rs/zerolog/log"
)

// Handler receives entries published on the bus.
type Handler func(entry envelope.Entry)

type subscription struct {
	id uint64
	fn Handler
}

// Bus is the same-device transport. Publish invokes every current handler
// synchronously, in registration order, on the publisher's goroutine.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
}

// New creates an empty bus
func New() *Bus {
	return &Bus{}
}

// Subscribe registers fn and returns a function that removes it. Calling the
// returned function more than once is a no-op.
func (b *Bus) Subscribe(fn Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish fans entry out to the handlers registered at call time. Handlers
// run outside the lock so they may publish or unsubscribe themselves.
func (b *Bus) Publish(entry envelope.Entry) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.invoke(s, entry)
	}
}

// invoke isolates a panicking handler from the rest of the fan-out.
func (b *Bus) invoke(s subscription, entry envelope.Entry) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Uint64("subscription", s.id).
				Str("key", entry.Key).
				Str("type", string(entry.Payload.Type)).
				Msg("local handler panicked")
		}
	}()
	s.fn(entry)
}

// Len returns the number of registered handlers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
