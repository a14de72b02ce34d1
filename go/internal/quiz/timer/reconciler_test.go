package timer

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/spellingbee/go/internal/quiz/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopback publishes straight back into the reconciler, like a local bus.
type loopback struct {
	mu   sync.Mutex
	r    *Reconciler
	sent []envelope.Envelope
}

func (l *loopback) Publish(env envelope.Envelope) (envelope.Entry, error) {
	l.mu.Lock()
	l.sent = append(l.sent, env)
	l.mu.Unlock()
	l.r.Handle(env)
	return envelope.Entry{Payload: env}, nil
}

func (l *loopback) kinds() []envelope.Kind {
	l.mu.Lock()
	defer l.mu.Unlock()
	kinds := make([]envelope.Kind, len(l.sent))
	for i, env := range l.sent {
		kinds[i] = env.Type
	}
	return kinds
}

// newConsumer uses a ticker interval longer than any test advances the
// clock, so only explicit Tick calls recompute.
func newConsumer(t *testing.T) (*Reconciler, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	r := NewReconciler(Options{Clock: clock, TickInterval: time.Hour})
	t.Cleanup(r.Close)
	return r, clock
}

func startUpdate(word string, timeLeft int) envelope.Envelope {
	return envelope.NewUpdate(envelope.UpdatePayload{Word: word, TimeLeft: timeLeft, IsRunning: true})
}

func TestReconciler_DriftCorrection(t *testing.T) {
	r, clock := newConsumer(t)

	r.Handle(startUpdate("Quartz", 30))
	clock.Advance(5 * time.Second)
	r.Tick()

	assert.Equal(t, 25, r.Snapshot().Remaining)
}

func TestReconciler_TickerRecomputesRemaining(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	r := NewReconciler(Options{Clock: clock})
	defer r.Close()

	r.Handle(startUpdate("Quartz", 30))
	require.True(t, r.ticking())

	clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return r.Snapshot().Remaining == 25 }, time.Second, 5*time.Millisecond)
}

func TestReconciler_MissedTicksDoNotDrift(t *testing.T) {
	r, clock := newConsumer(t)

	r.Handle(startUpdate("Quartz", 60))
	// One tick after a long stall jumps straight to the right value.
	clock.Advance(42 * time.Second)
	r.Tick()
	assert.Equal(t, 18, r.Snapshot().Remaining)
}

func TestReconciler_PauseFreezesTime(t *testing.T) {
	r, clock := newConsumer(t)

	r.Handle(startUpdate("Quartz", 30))
	clock.Advance(2 * time.Second)
	r.Handle(envelope.NewPause(envelope.PausePayload{}))

	frozen := r.Snapshot()
	assert.True(t, frozen.IsPaused())
	assert.Equal(t, 28, frozen.Remaining)
	assert.False(t, r.ticking(), "ticker is stopped on pause")

	clock.Advance(3 * time.Second)
	r.Tick()
	assert.Equal(t, frozen, r.Snapshot())
}

func TestReconciler_SelectionDoesNotClobberActiveTimer(t *testing.T) {
	r, _ := newConsumer(t)

	r.Handle(startUpdate("Quartz", 40))
	before := r.Snapshot()
	require.Equal(t, 40, before.Remaining)

	r.Handle(envelope.NewUpdate(envelope.UpdatePayload{Word: "Zephyr", IsRunning: false}))

	after := r.Snapshot()
	assert.True(t, after.IsRunning())
	assert.Equal(t, 40, after.Remaining)
	assert.Equal(t, "Quartz", after.Word)
	assert.True(t, r.ticking())
}

func TestReconciler_EndDistinguishesAbortFromExpiry(t *testing.T) {
	r, _ := newConsumer(t)

	r.Handle(startUpdate("Quartz", 10))
	r.Handle(envelope.NewEnd("Quartz"))
	assert.Equal(t, Snapshot{Word: "Quartz", State: StateEnded}, r.Snapshot())
	assert.False(t, r.ticking())

	r.Handle(startUpdate("Zephyr", 10))
	r.Handle(envelope.NewEnd(""))
	assert.Equal(t, Snapshot{State: StateIdle}, r.Snapshot())
	assert.False(t, r.ticking())
}

func TestReconciler_JudgeEndsRound(t *testing.T) {
	r, _ := newConsumer(t)

	r.Handle(startUpdate("Quartz", 10))
	r.Handle(envelope.NewJudge(envelope.JudgePayload{CorrectWord: "Quartz", TypedWord: "Quartz", IsCorrect: true}))

	snap := r.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.False(t, snap.HasEndsAt())
	assert.False(t, r.ticking())
}

func TestReconciler_QuartzScenario(t *testing.T) {
	r, clock := newConsumer(t)

	r.Handle(startUpdate("Quartz", 60))
	require.Equal(t, 60, r.Snapshot().Remaining)

	var seq []int
	for i := 0; i < 10; i++ {
		clock.Advance(time.Second)
		r.Tick()
		seq = append(seq, r.Snapshot().Remaining)
	}
	for i := 1; i < len(seq); i++ {
		assert.LessOrEqual(t, seq[i], seq[i-1], "countdown never goes up: %v", seq)
	}
	assert.InDelta(t, 50, seq[len(seq)-1], 1)

	r.Handle(envelope.NewPause(envelope.PausePayload{}))
	paused := r.Snapshot().Remaining
	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		r.Tick()
		assert.Equal(t, paused, r.Snapshot().Remaining)
	}

	resumeAt := envelope.MillisOf(clock.Now().Add(5 * time.Second))
	r.Handle(envelope.NewUpdate(envelope.UpdatePayload{IsRunning: true, EndsAt: &resumeAt}))
	assert.Equal(t, 5, r.Snapshot().Remaining)
	assert.Equal(t, "Quartz", r.Snapshot().Word)

	for want := 4; want >= 0; want-- {
		clock.Advance(time.Second)
		r.Tick()
		assert.Equal(t, want, r.Snapshot().Remaining)
	}

	// A consumer never ends the round by itself.
	clock.Advance(3 * time.Second)
	r.Tick()
	snap := r.Snapshot()
	assert.True(t, snap.IsRunning())
	assert.Zero(t, snap.Remaining)

	r.Handle(envelope.NewEnd("Quartz"))
	assert.Equal(t, StateEnded, r.Snapshot().State)
}

func TestReconciler_AuthorityAppliesControl(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	pub := &loopback{}
	r := NewReconciler(Options{Clock: clock, TickInterval: time.Hour, Authority: true, Publisher: pub})
	pub.r = r
	defer r.Close()

	r.Handle(envelope.NewUpdate(envelope.UpdatePayload{Word: "Quartz", Duration: intPtr(20)}))
	r.Handle(envelope.NewControl(envelope.ControlPayload{Action: envelope.ControlStart}))

	snap := r.Snapshot()
	require.True(t, snap.IsRunning())
	assert.Equal(t, 20, snap.Remaining)

	clock.Advance(5 * time.Second)
	r.Handle(envelope.NewControl(envelope.ControlPayload{Action: envelope.ControlPause}))
	assert.Equal(t, Snapshot{Word: "Quartz", State: StatePaused, Remaining: 15, Duration: 20}, r.Snapshot())

	r.Handle(envelope.NewControl(envelope.ControlPayload{Action: envelope.ControlAdd, AddSeconds: intPtr(5)}))
	assert.Equal(t, 20, r.Snapshot().Remaining)

	r.Handle(envelope.NewControl(envelope.ControlPayload{Action: envelope.ControlResume}))
	assert.True(t, r.Snapshot().IsRunning())
	assert.Equal(t, 20, r.Snapshot().Remaining)

	r.Handle(envelope.NewControl(envelope.ControlPayload{Action: envelope.ControlReset}))
	assert.Equal(t, StateIdle, r.Snapshot().State)
	assert.Empty(t, r.Snapshot().Word)

	assert.Equal(t, []envelope.Kind{
		envelope.KindUpdate, envelope.KindPause, envelope.KindPause, envelope.KindUpdate, envelope.KindClear,
	}, pub.kinds())
}

func TestReconciler_AuthorityEndsExpiredCountdownOnce(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	pub := &loopback{}
	r := NewReconciler(Options{Clock: clock, TickInterval: time.Hour, Authority: true, Publisher: pub})
	pub.r = r
	defer r.Close()

	r.Handle(startUpdate("Quartz", 2))
	clock.Advance(2 * time.Second)
	r.Tick()
	r.Tick()

	assert.Equal(t, []envelope.Kind{envelope.KindEnd}, pub.kinds())
	assert.Equal(t, Snapshot{Word: "Quartz", State: StateEnded}, r.Snapshot())
	assert.False(t, r.ticking())
}

func TestReconciler_ConsumerIgnoresControl(t *testing.T) {
	r, _ := newConsumer(t)

	r.Handle(envelope.NewControl(envelope.ControlPayload{Action: envelope.ControlStart}))
	assert.Equal(t, StateIdle, r.Snapshot().State)
}

func TestReconciler_OnChange(t *testing.T) {
	r, clock := newConsumer(t)

	var mu sync.Mutex
	var got []int
	unsubscribe := r.OnChange(func(s Snapshot) {
		mu.Lock()
		got = append(got, s.Remaining)
		mu.Unlock()
	})

	r.Handle(startUpdate("Quartz", 3))
	r.Handle(envelope.NewSpeech(3, true))
	clock.Advance(1500 * time.Millisecond)
	r.Tick()
	r.Tick()

	unsubscribe()
	r.Handle(envelope.NewClear())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{3, 1}, got)
}

func TestReconciler_CloseStopsTicker(t *testing.T) {
	r, clock := newConsumer(t)

	r.Handle(startUpdate("Quartz", 30))
	require.True(t, r.ticking())

	r.Close()
	assert.False(t, r.ticking())

	clock.Advance(10 * time.Second)
	r.Tick()
	r.Handle(envelope.NewClear())
	assert.Equal(t, 30, r.Snapshot().Remaining, "closed reconciler ignores ticks and envelopes")
}

func TestReconciler_TickerStopsOnEveryExitFromRunning(t *testing.T) {
	exits := []envelope.Envelope{
		envelope.NewPause(envelope.PausePayload{}),
		envelope.NewEnd("Quartz"),
		envelope.NewEnd(""),
		envelope.NewClear(),
		envelope.NewJudge(envelope.JudgePayload{CorrectWord: "Quartz"}),
	}
	for _, exit := range exits {
		t.Run(string(exit.Type), func(t *testing.T) {
			r, _ := newConsumer(t)
			r.Handle(startUpdate("Quartz", 30))
			require.True(t, r.ticking())

			r.Handle(exit)
			assert.False(t, r.ticking())
		})
	}
}
