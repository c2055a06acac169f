// Package watchdog gates network egress on the liveness of a label stream.
// Egress is allowed while labels keep arriving and denied once none has
// been seen for longer than a threshold.
package watchdog

import (
	"log/slog"
	"sync"
	"time"
)

// Default timing.
const (
	DefaultThreshold    = 4000 * time.Millisecond
	DefaultPollInterval = 1000 * time.Millisecond
)

// State is the egress state enforced through the Gate.
type State int

const (
	Blocked State = iota
	Allowed
)

func (s State) String() string {
	switch s {
	case Blocked:
		return "blocked"
	case Allowed:
		return "allowed"
	}
	return "unknown"
}

// Gate applies egress decisions. Calls are serialised by the Watchdog and
// only made on state changes.
type Gate interface {
	Allow() error
	Deny() error
}

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithThreshold sets how long after the last label egress stays allowed.
func WithThreshold(d time.Duration) Option {
	return func(w *Watchdog) {
		if d > 0 {
			w.threshold = d
		}
	}
}

// WithPollInterval sets how often staleness is checked.
func WithPollInterval(d time.Duration) Option {
	return func(w *Watchdog) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(w *Watchdog) {
		if c != nil {
			w.clock = c
		}
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(w *Watchdog) {
		if l != nil {
			w.log = l
		}
	}
}

// WithOnBlock registers a callback run after egress is blocked for
// staleness, with the time elapsed since the last label.
func WithOnBlock(fn func(since time.Duration)) Option {
	return func(w *Watchdog) {
		w.onBlock = fn
	}
}

// Watchdog tracks the time of the last valid label and drives a Gate.
//
// The state starts Blocked and the gate is denied before New returns.
// Reset moves Blocked to Allowed; a poll finding the last label older than
// the threshold moves Allowed to Blocked. Gate calls are made while holding
// the state lock, so the gate sees transitions in the order they happen.
type Watchdog struct {
	gate      Gate
	clock     Clock
	log       *slog.Logger
	threshold time.Duration
	interval  time.Duration
	onBlock   func(time.Duration)

	mu       sync.Mutex
	state    State
	lastSeen time.Time
	stopped  bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New denies egress through gate and starts polling.
func New(gate Gate, opts ...Option) *Watchdog {
	w := &Watchdog{
		gate:      gate,
		clock:     realClock{},
		log:       slog.Default(),
		threshold: DefaultThreshold,
		interval:  DefaultPollInterval,
		state:     Blocked,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.With("component", "watchdog")

	w.mu.Lock()
	if err := w.gate.Deny(); err != nil {
		w.log.Error("initial deny failed", "error", err)
	}
	w.mu.Unlock()
	w.log.Info("egress blocked until a label is seen",
		"threshold", w.threshold, "poll_interval", w.interval)

	ticker := w.clock.NewTicker(w.interval)
	go w.run(ticker)
	return w
}

// Reset records a valid label now and allows egress if it was blocked.
// After Stop it only records the time.
func (w *Watchdog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastSeen = w.clock.Now()
	if w.stopped || w.state == Allowed {
		return
	}
	if err := w.gate.Allow(); err != nil {
		w.log.Error("allow failed, egress stays blocked", "error", err)
		return
	}
	w.state = Allowed
	w.log.Info("ALLOW as label received")
}

// State returns the current egress state.
func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// LastSeen returns the time of the last Reset, or the zero time.
func (w *Watchdog) LastSeen() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeen
}

// Stop ends polling and waits for the poll goroutine to exit. No gate call
// is made once Stop has returned. It is safe to call more than once.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()
		close(w.stop)
		<-w.done
	})
}

func (w *Watchdog) run(t Ticker) {
	defer close(w.done)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C():
			w.check()
		}
	}
}

// check blocks egress if the last label is older than the threshold.
func (w *Watchdog) check() {
	w.mu.Lock()
	if w.stopped || w.state == Blocked {
		w.mu.Unlock()
		return
	}
	since := w.clock.Now().Sub(w.lastSeen)
	if since <= w.threshold {
		w.mu.Unlock()
		return
	}
	if err := w.gate.Deny(); err != nil {
		w.mu.Unlock()
		w.log.Error("deny failed, retrying on next poll", "error", err)
		return
	}
	w.state = Blocked
	w.mu.Unlock()

	w.log.Warn("BLOCK as "+w.threshold.String()+" passed since last label", "since", since)
	if w.onBlock != nil {
		w.onBlock(since)
	}
}
