package localbus

import (
	"testing"

	"github.com/mcdev12/spellingbee/go/internal/quiz/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(key string) envelope.Entry {
	return envelope.Entry{Key: key, Room: "A", Payload: envelope.NewClear()}
}

func TestBus_DeliversInRegistrationOrder(t *testing.T) {
	bus := New()
	var calls []string

	bus.Subscribe(func(e envelope.Entry) { calls = append(calls, "first:"+e.Key) })
	bus.Subscribe(func(e envelope.Entry) { calls = append(calls, "second:"+e.Key) })

	bus.Publish(entry("1"))
	bus.Publish(entry("2"))

	assert.Equal(t, []string{"first:1", "second:1", "first:2", "second:2"}, calls)
}

func TestBus_PanickingHandlerDoesNotStopOthers(t *testing.T) {
	bus := New()
	var got []string

	bus.Subscribe(func(envelope.Entry) { panic("boom") })
	bus.Subscribe(func(e envelope.Entry) { got = append(got, e.Key) })

	require.NotPanics(t, func() { bus.Publish(entry("k")) })
	assert.Equal(t, []string{"k"}, got)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New()
	count := 0

	unsubscribe := bus.Subscribe(func(envelope.Entry) { count++ })
	bus.Publish(entry("1"))
	unsubscribe()
	unsubscribe()
	bus.Publish(entry("2"))

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, bus.Len())
}

func TestBus_ReentrantPublish(t *testing.T) {
	bus := New()
	var got []string

	bus.Subscribe(func(e envelope.Entry) {
		got = append(got, e.Key)
		if e.Key == "outer" {
			bus.Publish(entry("inner"))
		}
	})

	bus.Publish(entry("outer"))
	assert.Equal(t, []string{"outer", "inner"}, got)
}

func TestBus_UnsubscribeDuringPublish(t *testing.T) {
	bus := New()
	var got []string

	var unsubscribe func()
	unsubscribe = bus.Subscribe(func(e envelope.Entry) {
		got = append(got, "self:"+e.Key)
		unsubscribe()
	})
	bus.Subscribe(func(e envelope.Entry) { got = append(got, "other:"+e.Key) })

	bus.Publish(entry("1"))
	bus.Publish(entry("2"))

	assert.Equal(t, []string{"self:1", "other:1", "other:2"}, got)
}
