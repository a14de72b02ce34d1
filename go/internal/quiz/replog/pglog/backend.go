package pglog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
	"github.com/mcdev12/spellingbee/go/internal/quiz/envelope"
	"github.com/mcdev12/spellingbee/go/internal/quiz/replog"
	"github.com/rs/zerolog/log"
)

// NotifyChannel is the channel the room_events trigger notifies on.
const NotifyChannel = "quiz_room_events"

type Config struct {
	DatabaseURL      string        // Postgres DSN
	FallbackInterval time.Duration // How often tails poll for missed notifications
	PingInterval     time.Duration
	BatchSize        int // Max rows fetched per tail query
	MinReconnect     time.Duration
	MaxReconnect     time.Duration
	SkipMigrations   bool
}

func DefaultConfig() Config {
	return Config{
		FallbackInterval: 5 * time.Second,
		PingInterval:     90 * time.Second,
		BatchSize:        100,
		MinReconnect:     10 * time.Second,
		MaxReconnect:     time.Minute,
	}
}

var _ replog.Backend = (*Backend)(nil)
var _ replog.Pruner = (*Backend)(nil)

// Backend stores room logs in the room_events table. Appends and reads go
// through a pgx pool; a pq listener wakes tails when the insert trigger fires.
type Backend struct {
	pool     *pgxpool.Pool
	listener *pq.Listener
	cfg      Config

	mu     sync.Mutex
	tails  map[uint64]*tail
	nextID uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// New migrates the schema, opens the pool and starts listening.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	def := DefaultConfig()
	if cfg.FallbackInterval <= 0 {
		cfg.FallbackInterval = def.FallbackInterval
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MinReconnect <= 0 {
		cfg.MinReconnect = def.MinReconnect
	}
	if cfg.MaxReconnect <= 0 {
		cfg.MaxReconnect = def.MaxReconnect
	}

	if !cfg.SkipMigrations {
		if err := Migrate(cfg.DatabaseURL); err != nil {
			return nil, err
		}
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	l := pq.NewListener(
		cfg.DatabaseURL,
		cfg.MinReconnect,
		cfg.MaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	if err := l.Listen(NotifyChannel); err != nil {
		pool.Close()
		l.Close()
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().
		Str("channel", NotifyChannel).
		Msg("listening for notifications")

	runCtx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		pool:     pool,
		listener: l,
		cfg:      cfg,
		tails:    make(map[uint64]*tail),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go b.run(runCtx)

	return b, nil
}

func (b *Backend) run(ctx context.Context) {
	defer close(b.done)

	pingTicker := time.NewTicker(b.cfg.PingInterval)
	fallbackTicker := time.NewTicker(b.cfg.FallbackInterval)
	defer pingTicker.Stop()
	defer fallbackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case note := <-b.listener.Notify:
			if note == nil {
				// nil notification means the connection was re-established;
				// anything could have been missed.
				b.wakeAll()
				continue
			}
			room, ok := parseNotification(note.Extra)
			if !ok {
				log.Warn().Str("payload", note.Extra).Msg("invalid room event notification")
				continue
			}
			b.wakeRoom(room)
		case <-fallbackTicker.C:
			b.wakeAll()
		case <-pingTicker.C:
			if err := b.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

// parseNotification splits a "room:seq" trigger payload.
func parseNotification(extra string) (string, bool) {
	i := strings.LastIndexByte(extra, ':')
	if i < 0 {
		return "", false
	}
	if _, err := strconv.ParseInt(extra[i+1:], 10, 64); err != nil {
		return "", false
	}
	return extra[:i], true
}

func (b *Backend) wakeRoom(room string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.tails {
		if t.room == room {
			t.wake()
		}
	}
}

func (b *Backend) wakeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.tails {
		t.wake()
	}
}

const insertEvent = `
INSERT INTO room_events (key, room, data)
VALUES ($1, $2, $3)
ON CONFLICT (room, key) DO NOTHING
RETURNING inserted_at`

const selectInsertedAt = `SELECT inserted_at FROM room_events WHERE room = $1 AND key = $2`

func (b *Backend) Append(ctx context.Context, entry envelope.Entry) (envelope.Entry, error) {
	data, err := json.Marshal(entry.Payload)
	if err != nil {
		return envelope.Entry{}, fmt.Errorf("marshal envelope: %w", err)
	}

	var insertedAt time.Time
	err = b.pool.QueryRow(ctx, insertEvent, entry.Key, entry.Room, data).Scan(&insertedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Already stored by an earlier attempt.
		err = b.pool.QueryRow(ctx, selectInsertedAt, entry.Room, entry.Key).Scan(&insertedAt)
	}
	if err != nil {
		return envelope.Entry{}, fmt.Errorf("insert room event: %w", err)
	}

	entry.InsertedAt = insertedAt
	return entry, nil
}

const selectLatest = `
SELECT seq, key, room, data, inserted_at
FROM room_events
WHERE room = $1
ORDER BY seq DESC
LIMIT 1`

const selectAfter = `
SELECT seq, key, room, data, inserted_at
FROM room_events
WHERE room = $1 AND seq > $2
ORDER BY seq
LIMIT $3`

type row struct {
	seq   int64
	entry envelope.Entry
}

func scanRows(rows pgx.Rows) ([]row, error) {
	defer rows.Close()

	var out []row
	for rows.Next() {
		var (
			r    row
			data []byte
		)
		if err := rows.Scan(&r.seq, &r.entry.Key, &r.entry.Room, &data, &r.entry.InsertedAt); err != nil {
			return nil, fmt.Errorf("scan room event: %w", err)
		}
		env, err := envelope.Decode(data)
		if err != nil {
			log.Warn().Err(err).Int64("seq", r.seq).Msg("skipping undecodable room event")
			continue
		}
		r.entry.Payload = env
		out = append(out, r)
	}
	return out, rows.Err()
}

// Tail delivers the latest row of room and then every later row.
func (b *Backend) Tail(ctx context.Context, room string, fn func(envelope.Entry)) (replog.Subscription, error) {
	rows, err := b.pool.Query(ctx, selectLatest, room)
	if err != nil {
		return nil, fmt.Errorf("query latest room event: %w", err)
	}
	latest, err := scanRows(rows)
	if err != nil {
		return nil, err
	}

	tailCtx, cancel := context.WithCancel(context.Background())
	t := &tail{
		room:    room,
		fn:      fn,
		backend: b,
		wakeCh:  make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if len(latest) > 0 {
		t.cursor = latest[0].seq - 1
	}

	b.mu.Lock()
	b.nextID++
	t.id = b.nextID
	b.tails[t.id] = t
	b.mu.Unlock()

	t.stopAfter = context.AfterFunc(ctx, func() { b.removeTail(t) })

	go t.run(tailCtx)
	t.wake()

	return t, nil
}

func (b *Backend) removeTail(t *tail) {
	b.mu.Lock()
	delete(b.tails, t.id)
	b.mu.Unlock()
	// Not waiting on t.done: Stop may be called from inside fn.
	t.cancel()
}

type tail struct {
	id      uint64
	room    string
	fn      func(envelope.Entry)
	backend *Backend
	cursor  int64

	wakeCh    chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
	stopAfter func() bool
	once      sync.Once
}

func (t *tail) wake() {
	select {
	case t.wakeCh <- struct{}{}:
	default:
	}
}

func (t *tail) run(ctx context.Context) {
	defer close(t.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.wakeCh:
			if err := t.drain(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("room", t.room).Msg("failed to fetch room events")
			}
		}
	}
}

func (t *tail) drain(ctx context.Context) error {
	for {
		rows, err := t.backend.pool.Query(ctx, selectAfter, t.room, t.cursor, t.backend.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("query room events: %w", err)
		}
		batch, err := scanRows(rows)
		if err != nil {
			return err
		}
		for _, r := range batch {
			if ctx.Err() != nil {
				return nil
			}
			t.cursor = r.seq
			t.fn(r.entry)
		}
		if len(batch) < t.backend.cfg.BatchSize {
			return nil
		}
	}
}

func (t *tail) Stop() error {
	t.once.Do(func() {
		t.stopAfter()
		t.backend.removeTail(t)
	})
	return nil
}

// Prune deletes rows inserted before olderThan.
func (b *Backend) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := b.pool.Exec(ctx, `DELETE FROM room_events WHERE inserted_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune room events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (b *Backend) Close() error {
	b.cancel()
	<-b.done

	b.mu.Lock()
	tails := make([]*tail, 0, len(b.tails))
	for _, t := range b.tails {
		tails = append(tails, t)
	}
	b.mu.Unlock()
	for _, t := range tails {
		t.Stop()
	}

	err := b.listener.Close()
	b.pool.Close()
	if err != nil {
		return fmt.Errorf("close listener: %w", err)
	}
	return nil
}
