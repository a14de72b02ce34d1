package roomsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/spellingbee/go/internal/quiz/dedup"
	"github.com/mcdev12/spellingbee/go/internal/quiz/envelope"
	"github.com/mcdev12/spellingbee/go/internal/quiz/localbus"
	"github.com/mcdev12/spellingbee/go/internal/quiz/replog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRoom       = "default"
	DefaultStaleAfter = 5 * time.Minute
)

var (
	ErrClosed    = errors.New("room sync is closed")
	ErrEmptyRoom = errors.New("room id is empty")
)

// Source tells which transport delivered an entry.
type Source string

const (
	SourceLocal      Source = "local"
	SourceReplicated Source = "replicated"
)

// Handler receives de-duplicated envelopes of the active room.
type Handler func(env envelope.Envelope)

// EntryHandler receives de-duplicated entries together with their source.
type EntryHandler func(entry envelope.Entry, source Source)

// RoomStore persists the device's active room across restarts.
type RoomStore interface {
	Load() (string, error)
	Save(room string) error
}

type Options struct {
	// Bus is the same-device transport. New creates a private one when nil.
	Bus *localbus.Bus
	// Transport is the replicated log. Nil or disabled means local-only sync.
	Transport *replog.Transport
	// Room is used when RoomStore holds no room.
	Room       string
	RoomStore  RoomStore
	Clock      clockwork.Clock
	StaleAfter time.Duration
	Dedup      dedup.Config
}

// Stats are facade counters since New.
type Stats struct {
	Room        string       `json:"room"`
	Published   uint64       `json:"published"`
	Delivered   uint64       `json:"delivered"`
	Duplicates  uint64       `json:"duplicates"`
	Stale       uint64       `json:"stale"`
	ForeignRoom uint64       `json:"foreignRoom"`
	Invalid     uint64       `json:"invalid"`
	Replicated  replog.Stats `json:"replicated"`
}

// Facade unifies the local bus and the replicated log behind one
// publish/subscribe surface scoped to the active room.
type Facade struct {
	bus        *localbus.Bus
	transport  *replog.Transport
	store      RoomStore
	clock      clockwork.Clock
	staleAfter time.Duration
	dedupCfg   dedup.Config

	ctx    context.Context
	cancel context.CancelFunc

	// roomMu serializes room switches; mu guards the fields below it.
	roomMu sync.Mutex

	mu           sync.Mutex
	room         string
	closed       bool
	subs         []*subscription
	roomHandlers map[uint64]func(string)
	nextID       uint64
	stopTail     func()
	unsubBus     func()

	// latest is the most recent entry of the active room, replayed to late
	// subscribers.
	latest *delivery

	published   atomic.Uint64
	delivered   atomic.Uint64
	duplicates  atomic.Uint64
	stale       atomic.Uint64
	foreignRoom atomic.Uint64
	invalid     atomic.Uint64
}

type delivery struct {
	entry  envelope.Entry
	source Source
}

type subscription struct {
	id    uint64
	guard *dedup.Guard
	fn    EntryHandler
}

// New builds a facade, restores the active room and starts tailing it.
func New(opts Options) *Facade {
	if opts.Bus == nil {
		opts.Bus = localbus.New()
	}
	if opts.Transport == nil {
		opts.Transport = replog.NewTransport(nil, replog.Config{})
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}

	room := opts.Room
	if opts.RoomStore != nil {
		stored, err := opts.RoomStore.Load()
		switch {
		case err == nil && stored != "":
			room = stored
		case err != nil:
			log.Debug().Err(err).Msg("no stored room")
		}
	}
	if room == "" {
		room = DefaultRoom
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Facade{
		bus:          opts.Bus,
		transport:    opts.Transport,
		store:        opts.RoomStore,
		clock:        opts.Clock,
		staleAfter:   opts.StaleAfter,
		dedupCfg:     opts.Dedup,
		ctx:          ctx,
		cancel:       cancel,
		room:         room,
		roomHandlers: make(map[uint64]func(string)),
	}

	f.unsubBus = f.bus.Subscribe(func(entry envelope.Entry) {
		f.dispatch(entry, SourceLocal)
	})
	f.stopTail = f.tail(room)

	log.Info().
		Str("room", room).
		Bool("replicated", !f.transport.Disabled()).
		Msg("room sync started")

	return f
}

func (f *Facade) tail(room string) func() {
	if f.transport.Disabled() {
		return func() {}
	}
	stop, err := f.transport.Tail(f.ctx, room, func(entry envelope.Entry) {
		if entry.Room == "" {
			entry.Room = room
		}
		f.dispatch(entry, SourceReplicated)
	})
	if err != nil {
		log.Warn().Err(err).Str("room", room).Msg("failed to tail room, continuing local-only")
	}
	return stop
}

// Publish stamps env with a fresh key, the active room and the local time,
// delivers it on the local bus and queues it for replication. Only a
// validation error or a closed facade is returned.
func (f *Facade) Publish(env envelope.Envelope) (envelope.Entry, error) {
	if err := env.Validate(); err != nil {
		return envelope.Entry{}, err
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return envelope.Entry{}, ErrClosed
	}
	room := f.room
	f.mu.Unlock()

	entry := envelope.Entry{
		Key:        replog.NewKey(),
		Room:       room,
		Payload:    env,
		InsertedAt: f.clock.Now(),
	}
	f.published.Add(1)

	f.transport.Append(entry)
	f.bus.Publish(entry)

	return entry, nil
}

// SendSpeech publishes a speech cue.
func (f *Facade) SendSpeech(secondsLeft int, shouldSpeak bool) (envelope.Entry, error) {
	return f.Publish(envelope.NewSpeech(secondsLeft, shouldSpeak))
}

// Subscribe registers handler for envelopes of the active room. Each
// subscription keeps its own cursor, so an entry seen on both transports is
// handled once. Handlers may run on the publisher's goroutine or on the
// replicated log's delivery goroutine.
func (f *Facade) Subscribe(handler Handler) func() {
	return f.SubscribeEntries(func(entry envelope.Entry, _ Source) {
		handler(entry.Payload)
	})
}

// SubscribeEntries is Subscribe with the full entry and its source.
func (f *Facade) SubscribeEntries(fn EntryHandler) func() {
	f.mu.Lock()
	f.nextID++
	sub := &subscription{
		id:    f.nextID,
		guard: dedup.NewGuard(f.dedupCfg),
		fn:    fn,
	}
	var replay *delivery
	if !f.closed {
		f.subs = append(f.subs, sub)
		replay = f.latest
	}
	f.mu.Unlock()

	if replay != nil {
		f.deliver(sub, replay.entry, replay.source)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			for i, s := range f.subs {
				if s.id == sub.id {
					f.subs = append(f.subs[:i:i], f.subs[i+1:]...)
					break
				}
			}
			f.mu.Unlock()
		})
	}
}

func (f *Facade) dispatch(entry envelope.Entry, source Source) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	room := f.room
	accepted := entry.Room == room && entry.Payload.Type.Valid()
	if accepted {
		f.latest = &delivery{entry: entry, source: source}
	}
	subs := f.subs
	f.mu.Unlock()

	if !accepted {
		if entry.Room != room {
			f.foreignRoom.Add(1)
			log.Debug().
				Str("room", room).
				Str("entry_room", entry.Room).
				Str("key", entry.Key).
				Str("source", string(source)).
				Msg("dropping entry from another room")
			return
		}
		f.invalid.Add(1)
		log.Warn().
			Str("room", room).
			Str("key", entry.Key).
			Str("type", string(entry.Payload.Type)).
			Msg("dropping entry with unknown type")
		return
	}

	for _, s := range subs {
		f.deliver(s, entry, source)
	}
}

// deliver runs entry through the subscription's cursor and invokes its
// handler unless the entry is a duplicate or stale.
func (f *Facade) deliver(s *subscription, entry envelope.Entry, source Source) {
	if !s.guard.Accept(entry) {
		f.duplicates.Add(1)
		log.Debug().
			Uint64("subscription", s.id).
			Str("key", entry.Key).
			Str("source", string(source)).
			Msg("duplicate suppressed")
		return
	}

	if !entry.InsertedAt.IsZero() && f.clock.Since(entry.InsertedAt) > f.staleAfter {
		// Accepted into the cursor so it is not retried, never dispatched.
		f.stale.Add(1)
		log.Debug().
			Str("key", entry.Key).
			Time("inserted_at", entry.InsertedAt).
			Msg("stale entry dropped")
		return
	}

	f.delivered.Add(1)
	f.invoke(s, entry, source)
}

func (f *Facade) invoke(s *subscription, entry envelope.Entry, source Source) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Uint64("subscription", s.id).
				Str("key", entry.Key).
				Msg("room sync handler panicked")
		}
	}()
	s.fn(entry, source)
}

// Room returns the active room.
func (f *Facade) Room() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.room
}

// SetRoom switches the active room: the old tail stops, every subscription
// cursor is cleared and the new room is tailed from its most recent entry.
func (f *Facade) SetRoom(room string) error {
	if room == "" {
		return ErrEmptyRoom
	}

	f.roomMu.Lock()
	defer f.roomMu.Unlock()

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	if f.room == room {
		f.mu.Unlock()
		return nil
	}
	prev := f.room
	stopTail := f.stopTail
	f.room = room
	f.latest = nil
	for _, s := range f.subs {
		s.guard.Reset()
	}
	handlers := make([]func(string), 0, len(f.roomHandlers))
	for _, fn := range f.roomHandlers {
		handlers = append(handlers, fn)
	}
	f.mu.Unlock()

	stopTail()
	next := f.tail(room)

	f.mu.Lock()
	f.stopTail = next
	f.mu.Unlock()

	if f.store != nil {
		if err := f.store.Save(room); err != nil {
			log.Warn().Err(err).Str("room", room).Msg("failed to persist active room")
		}
	}

	log.Info().Str("from", prev).Str("to", room).Msg("room changed")

	for _, fn := range handlers {
		fn(room)
	}
	return nil
}

// OnRoomChange registers fn to be called with the new room after each switch.
func (f *Facade) OnRoomChange(fn func(room string)) func() {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.roomHandlers[id] = fn
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.roomHandlers, id)
			f.mu.Unlock()
		})
	}
}

// Replicated reports whether a replicated log is active.
func (f *Facade) Replicated() bool {
	return !f.transport.Disabled()
}

// Prune removes replicated entries older than the given age.
func (f *Facade) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := f.transport.Prune(ctx, f.clock.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune replicated log: %w", err)
	}
	return n, nil
}

func (f *Facade) Stats() Stats {
	return Stats{
		Room:        f.Room(),
		Published:   f.published.Load(),
		Delivered:   f.delivered.Load(),
		Duplicates:  f.duplicates.Load(),
		Stale:       f.stale.Load(),
		ForeignRoom: f.foreignRoom.Load(),
		Invalid:     f.invalid.Load(),
		Replicated:  f.transport.Stats(),
	}
}

// Close stops the tail, drops every subscription and flushes pending appends.
func (f *Facade) Close() error {
	f.roomMu.Lock()
	defer f.roomMu.Unlock()

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	stopTail := f.stopTail
	f.subs = nil
	f.roomHandlers = make(map[uint64]func(string))
	f.mu.Unlock()

	f.unsubBus()
	stopTail()
	f.cancel()

	if err := f.transport.Close(); err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	return nil
}
