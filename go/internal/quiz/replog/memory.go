package replog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/spellingbee/go/internal/quiz/envelope"
	"github.com/rs/zerolog/log"
)

const memoryTailBuffer = 1024

// MemoryBackend keeps room logs in process memory. Each tail has its own
// delivery goroutine so delivery is asynchronous like a network backend.
type MemoryBackend struct {
	clock clockwork.Clock

	mu        sync.Mutex
	rooms     map[string][]envelope.Entry
	tails     map[string]map[uint64]*memoryTail
	nextID    uint64
	appendErr error
	closed    bool
}

type memoryTail struct {
	id   uint64
	room string
	ch   chan envelope.Entry
	done chan struct{}
	once sync.Once
}

// NewMemoryBackend creates an empty in-memory log. InsertedAt comes from clock.
func NewMemoryBackend(clock clockwork.Clock) *MemoryBackend {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryBackend{
		clock: clock,
		rooms: make(map[string][]envelope.Entry),
		tails: make(map[string]map[uint64]*memoryTail),
	}
}

// FailAppends makes every following Append return err. Pass nil to recover.
func (b *MemoryBackend) FailAppends(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.appendErr = err
}

func (b *MemoryBackend) Append(ctx context.Context, entry envelope.Entry) (envelope.Entry, error) {
	if err := ctx.Err(); err != nil {
		return envelope.Entry{}, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return envelope.Entry{}, ErrClosed
	}
	if b.appendErr != nil {
		err := b.appendErr
		b.mu.Unlock()
		return envelope.Entry{}, fmt.Errorf("append to room %s: %w", entry.Room, err)
	}

	entry.InsertedAt = b.clock.Now()
	b.rooms[entry.Room] = append(b.rooms[entry.Room], entry)

	// Enqueue while holding the lock so every tail sees append order.
	for _, t := range b.tails[entry.Room] {
		t.enqueue(entry)
	}
	b.mu.Unlock()

	return entry, nil
}

func (b *MemoryBackend) Tail(ctx context.Context, room string, fn func(envelope.Entry)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	b.nextID++
	t := &memoryTail{
		id:   b.nextID,
		room: room,
		ch:   make(chan envelope.Entry, memoryTailBuffer),
		done: make(chan struct{}),
	}
	if b.tails[room] == nil {
		b.tails[room] = make(map[uint64]*memoryTail)
	}
	b.tails[room][t.id] = t

	if entries := b.rooms[room]; len(entries) > 0 {
		t.enqueue(entries[len(entries)-1])
	}

	go t.run(ctx, fn)

	return subscriptionFunc(func() error {
		b.removeTail(t)
		return nil
	}), nil
}

func (b *MemoryBackend) removeTail(t *memoryTail) {
	b.mu.Lock()
	if tails, ok := b.tails[t.room]; ok {
		delete(tails, t.id)
		if len(tails) == 0 {
			delete(b.tails, t.room)
		}
	}
	b.mu.Unlock()
	t.stop()
}

// Prune drops entries inserted before olderThan.
func (b *MemoryBackend) Prune(_ context.Context, olderThan time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for room, entries := range b.rooms {
		kept := entries[:0]
		for _, e := range entries {
			if e.InsertedAt.Before(olderThan) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(b.rooms, room)
			continue
		}
		b.rooms[room] = kept
	}
	return removed, nil
}

// Entries returns a copy of the log of room.
func (b *MemoryBackend) Entries(room string) []envelope.Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]envelope.Entry(nil), b.rooms[room]...)
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var tails []*memoryTail
	for _, room := range b.tails {
		for _, t := range room {
			tails = append(tails, t)
		}
	}
	b.tails = make(map[string]map[uint64]*memoryTail)
	b.mu.Unlock()

	for _, t := range tails {
		t.stop()
	}
	return nil
}

func (t *memoryTail) enqueue(entry envelope.Entry) {
	select {
	case t.ch <- entry:
	case <-t.done:
	default:
		log.Warn().
			Str("room", t.room).
			Str("key", entry.Key).
			Msg("memory tail buffer full, dropping entry")
	}
}

func (t *memoryTail) run(ctx context.Context, fn func(envelope.Entry)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case entry := <-t.ch:
			fn(entry)
		}
	}
}

func (t *memoryTail) stop() {
	t.once.Do(func() { close(t.done) })
}
