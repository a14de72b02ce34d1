package replog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/spellingbee/go/internal/quiz/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu   sync.Mutex
	keys []string
}

func (c *collector) add(e envelope.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = append(c.keys, e.Key)
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.keys...)
}

func newEntry(room, key string) envelope.Entry {
	return envelope.Entry{Key: key, Room: room, Payload: envelope.NewClear()}
}

func TestNewKey_IsOrderedAndUnique(t *testing.T) {
	a := NewKey()
	b := NewKey()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36)
	assert.LessOrEqual(t, a[:13], b[:13], "v7 keys share a time-ordered prefix")
}

func TestMemoryBackend_TailDeliversLatestThenNew(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend(clockwork.NewFakeClock())

	_, err := backend.Append(ctx, newEntry("A", "1"))
	require.NoError(t, err)
	_, err = backend.Append(ctx, newEntry("A", "2"))
	require.NoError(t, err)
	_, err = backend.Append(ctx, newEntry("B", "b1"))
	require.NoError(t, err)

	var got collector
	sub, err := backend.Tail(ctx, "A", got.add)
	require.NoError(t, err)
	defer sub.Stop()

	_, err = backend.Append(ctx, newEntry("A", "3"))
	require.NoError(t, err)
	_, err = backend.Append(ctx, newEntry("B", "b2"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(got.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"2", "3"}, got.snapshot())
}

func TestMemoryBackend_AssignsInsertedAt(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	backend := NewMemoryBackend(clock)

	stored, err := backend.Append(context.Background(), newEntry("A", "1"))
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), stored.InsertedAt)
}

func TestMemoryBackend_StopEndsDelivery(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend(nil)

	var got collector
	sub, err := backend.Tail(ctx, "A", got.add)
	require.NoError(t, err)

	_, err = backend.Append(ctx, newEntry("A", "1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, sub.Stop())
	require.NoError(t, sub.Stop())

	_, err = backend.Append(ctx, newEntry("A", "2"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"1"}, got.snapshot())
}

func TestMemoryBackend_Prune(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	backend := NewMemoryBackend(clock)

	_, err := backend.Append(ctx, newEntry("A", "old"))
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)
	_, err = backend.Append(ctx, newEntry("A", "new"))
	require.NoError(t, err)

	removed, err := backend.Prune(ctx, clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	entries := backend.Entries("A")
	require.Len(t, entries, 1)
	assert.Equal(t, "new", entries[0].Key)
}

func TestMemoryBackend_Closed(t *testing.T) {
	backend := NewMemoryBackend(nil)
	require.NoError(t, backend.Close())
	require.NoError(t, backend.Close())

	_, err := backend.Append(context.Background(), newEntry("A", "1"))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = backend.Tail(context.Background(), "A", func(envelope.Entry) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTransport_AppendIsFireAndForget(t *testing.T) {
	backend := NewMemoryBackend(nil)
	transport := NewTransport(backend, Config{})

	transport.Append(newEntry("A", "1"))
	require.NoError(t, transport.Close())

	assert.Len(t, backend.Entries("A"), 1)
	assert.Equal(t, Stats{Appended: 1}, transport.Stats())
}

func TestTransport_AppendFailureIsCountedNotReturned(t *testing.T) {
	backend := NewMemoryBackend(nil)
	backend.FailAppends(errors.New("network down"))
	transport := NewTransport(backend, Config{})

	require.NotPanics(t, func() { transport.Append(newEntry("A", "1")) })
	require.NoError(t, transport.Close())

	assert.Equal(t, uint64(1), transport.Stats().Failed)
	assert.Empty(t, backend.Entries("A"))
}

func TestTransport_Disabled(t *testing.T) {
	transport := NewTransport(nil, Config{})
	assert.True(t, transport.Disabled())

	transport.Append(newEntry("A", "1"))

	stop, err := transport.Tail(context.Background(), "A", func(envelope.Entry) {})
	assert.ErrorIs(t, err, ErrDisabled)
	require.NotNil(t, stop)
	stop()

	_, err = transport.AppendSync(context.Background(), newEntry("A", "1"))
	assert.ErrorIs(t, err, ErrDisabled)

	assert.True(t, transport.Stats().Disabled)
	assert.NoError(t, transport.Close())
}

func TestTransport_AppendAfterCloseIsDropped(t *testing.T) {
	backend := NewMemoryBackend(nil)
	transport := NewTransport(backend, Config{})
	require.NoError(t, transport.Close())

	transport.Append(newEntry("A", "1"))
	assert.Zero(t, transport.Stats().Appended)
}

func TestTransport_TailAndPrune(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	backend := NewMemoryBackend(clock)
	transport := NewTransport(backend, Config{})
	defer transport.Close()

	var got collector
	stop, err := transport.Tail(ctx, "A", got.add)
	require.NoError(t, err)
	defer stop()

	stored, err := transport.AppendSync(ctx, newEntry("A", "1"))
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), stored.InsertedAt)

	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	clock.Advance(25 * time.Hour)
	removed, err := transport.Prune(ctx, clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestTransport_PreservesPublishOrder(t *testing.T) {
	backend := NewMemoryBackend(nil)
	transport := NewTransport(backend, Config{})

	var want []string
	for i := 0; i < 50; i++ {
		key := NewKey()
		want = append(want, key)
		transport.Append(newEntry("A", key))
	}
	require.NoError(t, transport.Close())

	var got []string
	for _, e := range backend.Entries("A") {
		got = append(got, e.Key)
	}
	assert.Equal(t, want, got)
}

func TestTransport_FullQueueDrops(t *testing.T) {
	backend := &blockingBackend{MemoryBackend: NewMemoryBackend(nil), release: make(chan struct{})}
	transport := NewTransport(backend, Config{QueueSize: 1})

	// One entry is held by the worker, one fills the queue, the rest drop.
	for i := 0; i < 5; i++ {
		transport.Append(newEntry("A", NewKey()))
	}
	require.Eventually(t, func() bool { return transport.Stats().Dropped >= 3 }, time.Second, 5*time.Millisecond)

	close(backend.release)
	require.NoError(t, transport.Close())
	assert.Equal(t, uint64(5), transport.Stats().Appended+transport.Stats().Dropped)
}

type blockingBackend struct {
	*MemoryBackend
	release chan struct{}
}

func (b *blockingBackend) Append(ctx context.Context, entry envelope.Entry) (envelope.Entry, error) {
	<-b.release
	return b.MemoryBackend.Append(ctx, entry)
}
