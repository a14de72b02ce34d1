package timer

import (
	"time"

	"github.com/mcdev12/spellingbee/go/internal/quiz/envelope"
)

const (
	DefaultDuration   = 60 // seconds, used by start when no duration is known
	DefaultAddSeconds = 10
)

// Result is one reduction step.
type Result struct {
	Next     Snapshot
	Outbound []envelope.Envelope // envelopes an authority should publish
	Changed  bool
}

// Reduce applies env to s at time now. It is pure: the caller owns ticking
// and publishing.
func Reduce(now time.Time, s Snapshot, env envelope.Envelope) Result {
	if s.State == "" {
		s.State = StateIdle
	}

	next := s
	var out []envelope.Envelope

	switch env.Type {
	case envelope.KindUpdate:
		if env.Update != nil {
			next = reduceUpdate(now, s, *env.Update)
		}

	case envelope.KindPause:
		if env.Pause != nil {
			next = reducePause(now, s, *env.Pause)
		} else {
			next = reducePause(now, s, envelope.PausePayload{})
		}

	case envelope.KindEnd:
		var word string
		if env.End != nil {
			word = env.End.Word
		}
		if word != "" {
			next = Snapshot{Word: word, State: StateEnded, Duration: s.Duration}
		} else {
			next = Snapshot{State: StateIdle, Duration: s.Duration}
		}

	case envelope.KindClear:
		next = Snapshot{State: StateIdle}

	case envelope.KindJudge:
		// A verdict ends the round.
		if s.IsRunning() || s.IsPaused() {
			next = Snapshot{Word: s.Word, State: StateIdle, Duration: s.Duration}
		}

	case envelope.KindControl:
		if env.Control != nil {
			out = control(now, s, *env.Control)
		}

	case envelope.KindSpeech, envelope.KindVideo:
	}

	return Result{Next: next, Outbound: out, Changed: !next.equal(s)}
}

func reduceUpdate(now time.Time, s Snapshot, p envelope.UpdatePayload) Snapshot {
	if !p.IsRunning {
		// Selection only. An active countdown is left alone.
		if s.IsRunning() || s.IsPaused() {
			return s
		}
		next := Snapshot{Word: p.Word, State: StateIdle, Duration: s.Duration}
		if p.Duration != nil {
			next.Duration = *p.Duration
		}
		return next
	}

	endsAt := now.Add(time.Duration(p.TimeLeft) * time.Second)
	if p.EndsAt != nil {
		endsAt = p.EndsAt.Time()
	}

	next := Snapshot{
		Word:      s.Word,
		State:     StateRunning,
		EndsAt:    endsAt,
		Remaining: remaining(now, endsAt),
		Duration:  s.Duration,
	}
	if p.Word != "" {
		next.Word = p.Word
	}
	if p.Duration != nil {
		next.Duration = *p.Duration
	}
	return next
}

func reducePause(now time.Time, s Snapshot, p envelope.PausePayload) Snapshot {
	active := s.IsRunning() || s.IsPaused()
	if !active && p.TimeLeft == nil {
		return s
	}

	next := Snapshot{
		Word:      s.Word,
		State:     StatePaused,
		Remaining: s.Remaining,
		Duration:  s.Duration,
	}
	switch {
	case p.TimeLeft != nil:
		next.Remaining = max(0, *p.TimeLeft)
	case s.HasEndsAt():
		next.Remaining = remaining(now, s.EndsAt)
	}
	if p.Word != "" {
		next.Word = p.Word
	}
	return next
}

// control turns an operator command into the envelopes that carry it out.
// The snapshot itself is untouched; it changes when those envelopes come back.
func control(now time.Time, s Snapshot, p envelope.ControlPayload) []envelope.Envelope {
	switch p.Action {
	case envelope.ControlStart:
		d := s.Duration
		if p.Duration != nil && *p.Duration > 0 {
			d = *p.Duration
		}
		if d <= 0 {
			d = DefaultDuration
		}
		return []envelope.Envelope{runningUpdate(s.Word, now.Add(time.Duration(d)*time.Second), now, d)}

	case envelope.ControlPause:
		if !s.IsRunning() {
			return nil
		}
		left := remaining(now, s.EndsAt)
		return []envelope.Envelope{envelope.NewPause(envelope.PausePayload{Word: s.Word, TimeLeft: &left})}

	case envelope.ControlResume:
		if !s.IsPaused() {
			return nil
		}
		return []envelope.Envelope{runningUpdate(s.Word, now.Add(time.Duration(s.Remaining)*time.Second), now, s.Duration)}

	case envelope.ControlAdd:
		secs := DefaultAddSeconds
		if p.AddSeconds != nil {
			secs = *p.AddSeconds
		}
		switch {
		case s.IsRunning():
			endsAt := s.EndsAt.Add(time.Duration(secs) * time.Second)
			if endsAt.Before(now) {
				endsAt = now
			}
			return []envelope.Envelope{runningUpdate(s.Word, endsAt, now, s.Duration)}
		case s.IsPaused():
			left := max(0, s.Remaining+secs)
			return []envelope.Envelope{envelope.NewPause(envelope.PausePayload{Word: s.Word, TimeLeft: &left})}
		}
		return nil

	case envelope.ControlEnd:
		if !s.IsRunning() && !s.IsPaused() {
			return nil
		}
		return []envelope.Envelope{envelope.NewEnd("")}

	case envelope.ControlReset:
		return []envelope.Envelope{envelope.NewClear()}
	}
	return nil
}

func runningUpdate(word string, endsAt, now time.Time, duration int) envelope.Envelope {
	ms := envelope.MillisOf(endsAt)
	p := envelope.UpdatePayload{
		Word:      word,
		TimeLeft:  remaining(now, endsAt),
		IsRunning: true,
		EndsAt:    &ms,
	}
	if duration > 0 {
		p.Duration = &duration
	}
	return envelope.NewUpdate(p)
}
