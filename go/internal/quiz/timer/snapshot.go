package timer

import (
	"encoding/json"
	"time"

	"github.com/mcdev12/spellingbee/go/internal/quiz/envelope"
)

// State is the countdown phase.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateEnded   State = "ended"
)

// Snapshot is the derived countdown view of one screen. EndsAt is the zero
// time unless the countdown is running.
type Snapshot struct {
	Word      string
	State     State
	EndsAt    time.Time
	Remaining int // whole seconds, never negative
	Duration  int // configured round length in seconds, 0 if unknown
}

func (s Snapshot) IsRunning() bool { return s.State == StateRunning }
func (s Snapshot) IsPaused() bool  { return s.State == StatePaused }

// HasEndsAt reports whether an absolute end time is known.
func (s Snapshot) HasEndsAt() bool { return !s.EndsAt.IsZero() }

func (s Snapshot) equal(o Snapshot) bool {
	return s.Word == o.Word &&
		s.State == o.State &&
		s.EndsAt.Equal(o.EndsAt) &&
		s.Remaining == o.Remaining &&
		s.Duration == o.Duration
}

type snapshotJSON struct {
	Word             string           `json:"word"`
	State            State            `json:"state"`
	IsRunning        bool             `json:"isRunning"`
	IsPaused         bool             `json:"isPaused"`
	EndsAt           *envelope.Millis `json:"endsAt"`
	RemainingSeconds int              `json:"remainingSeconds"`
	Duration         int              `json:"duration,omitempty"`
}

// MarshalJSON renders the snapshot the way screens paint it.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := snapshotJSON{
		Word:             s.Word,
		State:            s.State,
		IsRunning:        s.IsRunning(),
		IsPaused:         s.IsPaused(),
		RemainingSeconds: s.Remaining,
		Duration:         s.Duration,
	}
	if out.State == "" {
		out.State = StateIdle
	}
	if s.HasEndsAt() {
		ms := envelope.MillisOf(s.EndsAt)
		out.EndsAt = &ms
	}
	return json.Marshal(out)
}

// remaining is max(0, floor((endsAt-now)/1s)).
func remaining(now, endsAt time.Time) int {
	d := endsAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(d / time.Second)
}
