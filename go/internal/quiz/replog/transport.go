package replog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcdev12/spellingbee/go/internal/quiz/envelope"
	"github.com/rs/zerolog/log"
)

const (
	DefaultAppendTimeout = 5 * time.Second
	DefaultQueueSize     = 256
)

// Config tunes a Transport.
type Config struct {
	AppendTimeout time.Duration
	QueueSize     int
}

// Stats is a snapshot of transport counters.
type Stats struct {
	Appended uint64 `json:"appended"`
	Failed   uint64 `json:"failed"`
	Dropped  uint64 `json:"dropped"`
	Disabled bool   `json:"disabled"`
}

// Transport wraps a Backend with fire-and-forget appends. Appends are queued
// and written by a single worker so a publisher's entries reach the log in
// publish order. A Transport built on a nil Backend is disabled: appends are
// dropped and tails never deliver.
type Transport struct {
	backend Backend
	cfg     Config

	mu     sync.Mutex
	closed bool
	queue  chan envelope.Entry
	done   chan struct{}

	appended atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
}

func NewTransport(backend Backend, cfg Config) *Transport {
	if cfg.AppendTimeout <= 0 {
		cfg.AppendTimeout = DefaultAppendTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	t := &Transport{backend: backend, cfg: cfg}
	if backend == nil {
		log.Warn().Msg("replicated log disabled, syncing on this device only")
		return t
	}

	t.queue = make(chan envelope.Entry, cfg.QueueSize)
	t.done = make(chan struct{})
	go t.worker()
	return t
}

// Disabled reports whether no replicated backend is configured.
func (t *Transport) Disabled() bool {
	return t == nil || t.backend == nil
}

// Append queues entry for replication. Failures are logged and counted and
// never reach the caller.
func (t *Transport) Append(entry envelope.Entry) {
	if t.Disabled() {
		log.Debug().Str("key", entry.Key).Msg("replicated log disabled, append dropped")
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	select {
	case t.queue <- entry:
	default:
		t.dropped.Add(1)
		log.Warn().
			Str("room", entry.Room).
			Str("key", entry.Key).
			Msg("replicated append queue full, entry dropped")
	}
}

func (t *Transport) worker() {
	defer close(t.done)
	for entry := range t.queue {
		t.write(entry)
	}
}

func (t *Transport) write(entry envelope.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.AppendTimeout)
	defer cancel()

	if _, err := t.backend.Append(ctx, entry); err != nil {
		t.failed.Add(1)
		log.Warn().
			Err(err).
			Str("room", entry.Room).
			Str("key", entry.Key).
			Str("type", string(entry.Payload.Type)).
			Msg("replicated append failed")
		return
	}
	t.appended.Add(1)
}

// AppendSync replicates entry and waits for the backend.
func (t *Transport) AppendSync(ctx context.Context, entry envelope.Entry) (envelope.Entry, error) {
	if t.Disabled() {
		return envelope.Entry{}, ErrDisabled
	}

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return envelope.Entry{}, ErrClosed
	}

	stored, err := t.backend.Append(ctx, entry)
	if err != nil {
		t.failed.Add(1)
		return envelope.Entry{}, err
	}
	t.appended.Add(1)
	return stored, nil
}

// Tail starts delivering entries of room to fn. The returned stop function is
// idempotent. On a disabled transport it returns ErrDisabled and a no-op stop.
func (t *Transport) Tail(ctx context.Context, room string, fn func(envelope.Entry)) (func(), error) {
	if t.Disabled() {
		return func() {}, ErrDisabled
	}

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return func() {}, ErrClosed
	}

	sub, err := t.backend.Tail(ctx, room, fn)
	if err != nil {
		return func() {}, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := sub.Stop(); err != nil {
				log.Warn().Err(err).Str("room", room).Msg("failed to stop replicated tail")
			}
		})
	}, nil
}

// Prune removes entries older than olderThan when the backend supports it.
func (t *Transport) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	if t.Disabled() {
		return 0, ErrDisabled
	}
	p, ok := t.backend.(Pruner)
	if !ok {
		return 0, nil
	}
	return p.Prune(ctx, olderThan)
}

func (t *Transport) Stats() Stats {
	if t == nil {
		return Stats{Disabled: true}
	}
	return Stats{
		Appended: t.appended.Load(),
		Failed:   t.failed.Load(),
		Dropped:  t.dropped.Load(),
		Disabled: t.Disabled(),
	}
}

// Close flushes queued appends and closes the backend.
func (t *Transport) Close() error {
	if t.Disabled() {
		return nil
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.queue)
	t.mu.Unlock()

	<-t.done
	return t.backend.Close()
}
