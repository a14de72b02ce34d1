package replog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/spellingbee/go/internal/quiz/envelope"
)

var (
	ErrDisabled = errors.New("replicated log is disabled")
	ErrClosed   = errors.New("replicated log is closed")
)

// Backend is an append-only, per-room event log shared by every device.
type Backend interface {
	// Append stores entry under entry.Room and returns it with the
	// server-assigned InsertedAt.
	Append(ctx context.Context, entry envelope.Entry) (envelope.Entry, error)

	// Tail delivers the most recent existing entry of room, if any, and then
	// every entry appended afterwards, one at a time in append order.
	Tail(ctx context.Context, room string, fn func(envelope.Entry)) (Subscription, error)

	Close() error
}

// Subscription is a running tail.
type Subscription interface {
	Stop() error
}

// Pruner is implemented by backends that need explicit garbage collection
// of entries past the retention window.
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Time) (int, error)
}

// NewKey returns a producer-assigned, time-ordered entry key. The same key is
// stamped on the local delivery and on the replicated entry so consumers can
// recognise the two as one event.
func NewKey() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

type subscriptionFunc func() error

func (f subscriptionFunc) Stop() error { return f() }
