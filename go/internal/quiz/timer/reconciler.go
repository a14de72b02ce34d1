package timer

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/spellingbee/go/internal/quiz/envelope"
	"github.com/rs/zerolog/log"
)

const DefaultTickInterval = 250 * time.Millisecond

// Publisher is where an authority sends the envelopes a reduction produced.
type Publisher interface {
	Publish(env envelope.Envelope) (envelope.Entry, error)
}

type Options struct {
	Clock        clockwork.Clock
	TickInterval time.Duration
	// Authority marks the control panel instance. Only an authority publishes
	// control outcomes and the end of an expired countdown.
	Authority bool
	Publisher Publisher
}

// Reconciler owns the countdown of one screen. Envelopes arrive through
// Handle; while running a ticker recomputes the remaining seconds from the
// absolute end time.
type Reconciler struct {
	clock     clockwork.Clock
	interval  time.Duration
	authority bool
	pub       Publisher

	mu       sync.Mutex
	snap     Snapshot
	ticker   clockwork.Ticker
	tickStop chan struct{}
	// expiredAt is the EndsAt an end envelope was already published for.
	expiredAt time.Time
	handlers  map[uint64]func(Snapshot)
	nextID    uint64
	closed    bool
}

func NewReconciler(opts Options) *Reconciler {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.Authority && opts.Publisher == nil {
		log.Warn().Msg("authority reconciler without publisher, outbound envelopes are dropped")
	}
	return &Reconciler{
		clock:     opts.Clock,
		interval:  opts.TickInterval,
		authority: opts.Authority,
		pub:       opts.Publisher,
		snap:      Snapshot{State: StateIdle},
		handlers:  make(map[uint64]func(Snapshot)),
	}
}

// Handle reduces env into the snapshot. It is safe to call from any
// goroutine and re-entrantly from a Publisher.
func (r *Reconciler) Handle(env envelope.Envelope) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	now := r.clock.Now()
	res := Reduce(now, r.snap, env)
	r.snap = res.Next
	r.syncTicker()

	var outbound []envelope.Envelope
	if r.authority {
		outbound = append(outbound, res.Outbound...)
		if end, ok := r.expired(); ok {
			outbound = append(outbound, end)
		}
	}
	snap := r.snap
	handlers := r.changeHandlers(res.Changed)
	r.mu.Unlock()

	if len(res.Outbound) > 0 && !r.authority {
		log.Debug().
			Str("type", string(env.Type)).
			Msg("ignoring control envelope on non-authority screen")
	}

	r.publish(outbound)
	notify(handlers, snap)
}

// Tick recomputes the remaining seconds of a running countdown. The ticker
// calls it; tests may call it directly.
func (r *Reconciler) Tick() {
	r.mu.Lock()
	if r.closed || !r.snap.IsRunning() {
		r.mu.Unlock()
		return
	}

	left := remaining(r.clock.Now(), r.snap.EndsAt)
	changed := left != r.snap.Remaining
	r.snap.Remaining = left

	var outbound []envelope.Envelope
	if r.authority {
		if end, ok := r.expired(); ok {
			outbound = append(outbound, end)
		}
	}
	snap := r.snap
	handlers := r.changeHandlers(changed)
	r.mu.Unlock()

	r.publish(outbound)
	notify(handlers, snap)
}

// expired returns the end envelope for a running countdown that reached zero,
// once per end time. Callers hold r.mu.
func (r *Reconciler) expired() (envelope.Envelope, bool) {
	s := r.snap
	if !s.IsRunning() || s.Remaining > 0 || s.EndsAt.Equal(r.expiredAt) {
		return envelope.Envelope{}, false
	}
	r.expiredAt = s.EndsAt
	return envelope.NewEnd(s.Word), true
}

func (r *Reconciler) publish(envs []envelope.Envelope) {
	if r.pub == nil {
		return
	}
	for _, env := range envs {
		if _, err := r.pub.Publish(env); err != nil {
			log.Error().Err(err).Str("type", string(env.Type)).Msg("failed to publish timer envelope")
		}
	}
}

// syncTicker runs the ticker exactly while the snapshot is running. Callers
// hold r.mu.
func (r *Reconciler) syncTicker() {
	if r.snap.IsRunning() {
		r.startTicker()
		return
	}
	r.stopTicker()
}

func (r *Reconciler) startTicker() {
	if r.ticker != nil {
		return
	}
	ticker := r.clock.NewTicker(r.interval)
	stop := make(chan struct{})
	r.ticker = ticker
	r.tickStop = stop

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.Chan():
				r.Tick()
			}
		}
	}()
}

// stopTicker stops and drains the ticker so no tick fires after leaving Running.
func (r *Reconciler) stopTicker() {
	if r.ticker == nil {
		return
	}
	r.ticker.Stop()
	select {
	case <-r.ticker.Chan():
	default:
	}
	close(r.tickStop)
	r.ticker = nil
	r.tickStop = nil
}

// ticking reports whether a ticker is active.
func (r *Reconciler) ticking() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ticker != nil
}

// Snapshot returns a copy of the current countdown.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

// OnChange registers fn to receive the snapshot after every change.
func (r *Reconciler) OnChange(fn func(Snapshot)) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.handlers[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.handlers, id)
			r.mu.Unlock()
		})
	}
}

func (r *Reconciler) changeHandlers(changed bool) []func(Snapshot) {
	if !changed || len(r.handlers) == 0 {
		return nil
	}
	fns := make([]func(Snapshot), 0, len(r.handlers))
	for _, fn := range r.handlers {
		fns = append(fns, fn)
	}
	return fns
}

func notify(fns []func(Snapshot), s Snapshot) {
	for _, fn := range fns {
		fn(s)
	}
}

// Close stops the ticker. Later envelopes are ignored.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.stopTicker()
	r.handlers = make(map[uint64]func(Snapshot))
}
