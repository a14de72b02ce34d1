package timer

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mcdev12/spellingbee/go/internal/quiz/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func intPtr(v int) *int { return &v }

func millis(t time.Time) *envelope.Millis {
	ms := envelope.MillisOf(t)
	return &ms
}

func running(word string, endsAt time.Time, now time.Time) Snapshot {
	return Snapshot{Word: word, State: StateRunning, EndsAt: endsAt, Remaining: remaining(now, endsAt)}
}

func TestRemaining(t *testing.T) {
	assert.Equal(t, 30, remaining(t0, t0.Add(30*time.Second)))
	assert.Equal(t, 29, remaining(t0, t0.Add(29999*time.Millisecond)))
	assert.Equal(t, 0, remaining(t0, t0.Add(999*time.Millisecond)))
	assert.Equal(t, 0, remaining(t0, t0.Add(-10*time.Second)))
}

func TestReduce(t *testing.T) {
	tests := []struct {
		name    string
		prev    Snapshot
		env     envelope.Envelope
		want    Snapshot
		changed bool
	}{
		{
			name: "running update derives endsAt from timeLeft at receipt",
			prev: Snapshot{State: StateIdle},
			env:  envelope.NewUpdate(envelope.UpdatePayload{Word: "Quartz", TimeLeft: 30, IsRunning: true}),
			want: Snapshot{Word: "Quartz", State: StateRunning, EndsAt: t0.Add(30 * time.Second), Remaining: 30},
			changed: true,
		},
		{
			name: "running update prefers explicit endsAt",
			prev: Snapshot{State: StateIdle},
			env: envelope.NewUpdate(envelope.UpdatePayload{
				Word: "Quartz", TimeLeft: 60, IsRunning: true, EndsAt: millis(t0.Add(20 * time.Second)), Duration: intPtr(60),
			}),
			want:    Snapshot{Word: "Quartz", State: StateRunning, EndsAt: t0.Add(20 * time.Second), Remaining: 20, Duration: 60},
			changed: true,
		},
		{
			name:    "running update without word keeps the word",
			prev:    Snapshot{Word: "Quartz", State: StatePaused, Remaining: 12},
			env:     envelope.NewUpdate(envelope.UpdatePayload{IsRunning: true, EndsAt: millis(t0.Add(5 * time.Second))}),
			want:    Snapshot{Word: "Quartz", State: StateRunning, EndsAt: t0.Add(5 * time.Second), Remaining: 5},
			changed: true,
		},
		{
			name: "selection leaves a running timer alone",
			prev: running("Quartz", t0.Add(40*time.Second), t0),
			env:  envelope.NewUpdate(envelope.UpdatePayload{Word: "Zephyr"}),
			want: running("Quartz", t0.Add(40*time.Second), t0),
		},
		{
			name: "selection leaves a paused timer alone",
			prev: Snapshot{Word: "Quartz", State: StatePaused, Remaining: 12},
			env:  envelope.NewUpdate(envelope.UpdatePayload{Word: "Zephyr"}),
			want: Snapshot{Word: "Quartz", State: StatePaused, Remaining: 12},
		},
		{
			name:    "selection while idle shows the word at zero",
			prev:    Snapshot{State: StateIdle},
			env:     envelope.NewUpdate(envelope.UpdatePayload{Word: "Zephyr", TimeLeft: 45}),
			want:    Snapshot{Word: "Zephyr", State: StateIdle},
			changed: true,
		},
		{
			name:    "selection after end returns to idle",
			prev:    Snapshot{Word: "Quartz", State: StateEnded},
			env:     envelope.NewUpdate(envelope.UpdatePayload{Word: "Zephyr", Duration: intPtr(90)}),
			want:    Snapshot{Word: "Zephyr", State: StateIdle, Duration: 90},
			changed: true,
		},
		{
			name:    "pause uses its timeLeft",
			prev:    running("Quartz", t0.Add(40*time.Second), t0),
			env:     envelope.NewPause(envelope.PausePayload{TimeLeft: intPtr(38)}),
			want:    Snapshot{Word: "Quartz", State: StatePaused, Remaining: 38},
			changed: true,
		},
		{
			name:    "pause without timeLeft recomputes from endsAt",
			prev:    Snapshot{Word: "Quartz", State: StateRunning, EndsAt: t0.Add(17500 * time.Millisecond), Remaining: 20},
			env:     envelope.NewPause(envelope.PausePayload{}),
			want:    Snapshot{Word: "Quartz", State: StatePaused, Remaining: 17},
			changed: true,
		},
		{
			name: "pause while paused retains remaining",
			prev: Snapshot{Word: "Quartz", State: StatePaused, Remaining: 9},
			env:  envelope.NewPause(envelope.PausePayload{}),
			want: Snapshot{Word: "Quartz", State: StatePaused, Remaining: 9},
		},
		{
			name: "pause with no payload while idle is ignored",
			prev: Snapshot{State: StateIdle},
			env:  envelope.Envelope{Type: envelope.KindPause},
			want: Snapshot{State: StateIdle},
		},
		{
			name:    "pause with timeLeft while idle restores a paused round",
			prev:    Snapshot{State: StateIdle},
			env:     envelope.NewPause(envelope.PausePayload{Word: "Quartz", TimeLeft: intPtr(7)}),
			want:    Snapshot{Word: "Quartz", State: StatePaused, Remaining: 7},
			changed: true,
		},
		{
			name:    "end with word is a terminal display state",
			prev:    running("Quartz", t0.Add(3*time.Second), t0),
			env:     envelope.NewEnd("Quartz"),
			want:    Snapshot{Word: "Quartz", State: StateEnded},
			changed: true,
		},
		{
			name:    "end without word aborts to idle",
			prev:    running("Quartz", t0.Add(3*time.Second), t0),
			env:     envelope.NewEnd(""),
			want:    Snapshot{State: StateIdle},
			changed: true,
		},
		{
			name:    "end with missing payload aborts",
			prev:    Snapshot{Word: "Quartz", State: StatePaused, Remaining: 4},
			env:     envelope.Envelope{Type: envelope.KindEnd},
			want:    Snapshot{State: StateIdle},
			changed: true,
		},
		{
			name:    "clear resets from any state",
			prev:    Snapshot{Word: "Quartz", State: StateEnded, Duration: 60},
			env:     envelope.NewClear(),
			want:    Snapshot{State: StateIdle},
			changed: true,
		},
		{
			name:    "judge while running is an implicit end",
			prev:    running("Quartz", t0.Add(30*time.Second), t0),
			env:     envelope.NewJudge(envelope.JudgePayload{CorrectWord: "Quartz", TypedWord: "Quartz", IsCorrect: true}),
			want:    Snapshot{Word: "Quartz", State: StateIdle},
			changed: true,
		},
		{
			name: "judge while ended changes nothing",
			prev: Snapshot{Word: "Quartz", State: StateEnded},
			env:  envelope.NewJudge(envelope.JudgePayload{CorrectWord: "Quartz", TypedWord: "Qartz"}),
			want: Snapshot{Word: "Quartz", State: StateEnded},
		},
		{
			name: "speech has no timer effect",
			prev: running("Quartz", t0.Add(30*time.Second), t0),
			env:  envelope.NewSpeech(3, true),
			want: running("Quartz", t0.Add(30*time.Second), t0),
		},
		{
			name: "video has no timer effect",
			prev: Snapshot{State: StateIdle},
			env:  envelope.NewVideo(envelope.VideoPayload{Action: "play"}),
			want: Snapshot{State: StateIdle},
		},
		{
			name: "update with malformed payload is ignored",
			prev: running("Quartz", t0.Add(30*time.Second), t0),
			env:  envelope.Envelope{Type: envelope.KindUpdate, SelectedEntries: []envelope.Word{{Word: "Zephyr"}}},
			want: running("Quartz", t0.Add(30*time.Second), t0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Reduce(t0, tt.prev, tt.env)
			assert.True(t, tt.want.equal(res.Next), "got %+v, want %+v", res.Next, tt.want)
			assert.Equal(t, tt.changed, res.Changed)
			assert.Empty(t, res.Outbound)
		})
	}
}

func TestReduce_ControlProducesOutbound(t *testing.T) {
	run := running("Quartz", t0.Add(30*time.Second), t0)
	paused := Snapshot{Word: "Quartz", State: StatePaused, Remaining: 12, Duration: 60}
	idle := Snapshot{Word: "Quartz", State: StateIdle, Duration: 45}

	ctl := func(a envelope.ControlAction) envelope.Envelope {
		return envelope.NewControl(envelope.ControlPayload{Action: a})
	}

	t.Run("start uses configured duration", func(t *testing.T) {
		res := Reduce(t0, idle, ctl(envelope.ControlStart))
		require.Len(t, res.Outbound, 1)
		u := res.Outbound[0].Update
		require.NotNil(t, u)
		assert.True(t, u.IsRunning)
		assert.Equal(t, "Quartz", u.Word)
		assert.Equal(t, 45, u.TimeLeft)
		assert.Equal(t, envelope.MillisOf(t0.Add(45*time.Second)), *u.EndsAt)
		assert.False(t, res.Changed, "control does not change state by itself")
	})

	t.Run("start with explicit duration", func(t *testing.T) {
		res := Reduce(t0, idle, envelope.NewControl(envelope.ControlPayload{Action: envelope.ControlStart, Duration: intPtr(90)}))
		require.Len(t, res.Outbound, 1)
		assert.Equal(t, 90, res.Outbound[0].Update.TimeLeft)
		assert.Equal(t, 90, *res.Outbound[0].Update.Duration)
	})

	t.Run("start falls back to default duration", func(t *testing.T) {
		res := Reduce(t0, Snapshot{}, ctl(envelope.ControlStart))
		require.Len(t, res.Outbound, 1)
		assert.Equal(t, DefaultDuration, res.Outbound[0].Update.TimeLeft)
	})

	t.Run("pause freezes remaining", func(t *testing.T) {
		res := Reduce(t0.Add(4*time.Second), run, ctl(envelope.ControlPause))
		require.Len(t, res.Outbound, 1)
		require.NotNil(t, res.Outbound[0].Pause)
		assert.Equal(t, 26, *res.Outbound[0].Pause.TimeLeft)
	})

	t.Run("resume restarts from paused remaining", func(t *testing.T) {
		res := Reduce(t0, paused, ctl(envelope.ControlResume))
		require.Len(t, res.Outbound, 1)
		u := res.Outbound[0].Update
		assert.Equal(t, 12, u.TimeLeft)
		assert.Equal(t, envelope.MillisOf(t0.Add(12*time.Second)), *u.EndsAt)
	})

	t.Run("add extends a running countdown", func(t *testing.T) {
		res := Reduce(t0, run, envelope.NewControl(envelope.ControlPayload{Action: envelope.ControlAdd, AddSeconds: intPtr(15)}))
		require.Len(t, res.Outbound, 1)
		assert.Equal(t, 45, res.Outbound[0].Update.TimeLeft)
	})

	t.Run("add while paused republishes the pause", func(t *testing.T) {
		res := Reduce(t0, paused, ctl(envelope.ControlAdd))
		require.Len(t, res.Outbound, 1)
		assert.Equal(t, 12+DefaultAddSeconds, *res.Outbound[0].Pause.TimeLeft)
	})

	t.Run("end aborts an active round", func(t *testing.T) {
		res := Reduce(t0, run, ctl(envelope.ControlEnd))
		require.Len(t, res.Outbound, 1)
		assert.Equal(t, envelope.KindEnd, res.Outbound[0].Type)
		assert.Empty(t, res.Outbound[0].End.Word)
	})

	t.Run("reset clears", func(t *testing.T) {
		res := Reduce(t0, paused, ctl(envelope.ControlReset))
		require.Len(t, res.Outbound, 1)
		assert.Equal(t, envelope.KindClear, res.Outbound[0].Type)
	})

	t.Run("inapplicable actions produce nothing", func(t *testing.T) {
		assert.Empty(t, Reduce(t0, idle, ctl(envelope.ControlPause)).Outbound)
		assert.Empty(t, Reduce(t0, idle, ctl(envelope.ControlResume)).Outbound)
		assert.Empty(t, Reduce(t0, idle, ctl(envelope.ControlAdd)).Outbound)
		assert.Empty(t, Reduce(t0, idle, ctl(envelope.ControlEnd)).Outbound)
		assert.Empty(t, Reduce(t0, run, ctl("rewind")).Outbound)
	})
}

func TestSnapshot_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(running("Quartz", t0.Add(30*time.Second), t0))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"word": "Quartz",
		"state": "running",
		"isRunning": true,
		"isPaused": false,
		"endsAt": 1772366430000,
		"remainingSeconds": 30
	}`, string(data))

	data, err = json.Marshal(Snapshot{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"word":"","state":"idle","isRunning":false,"isPaused":false,"endsAt":null,"remainingSeconds":0}`, string(data))
}
