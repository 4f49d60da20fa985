// Package vsync produces per-pipeline frame timestamps.
//
// A Worker waits for hardware vblank events on its crtc. When the driver
// cannot deliver them it falls back to a synthetic deadline phase-locked to
// the last delivered timestamp. Timestamps are CLOCK_MONOTONIC nanoseconds.
package vsync

import (
	"log/slog"
	"sync"
	"time"

	"github.com/smazurov/hwcomposer/internal/metrics"
)

// DefaultPeriod is used until SetPeriod is called.
const DefaultPeriod = time.Second / 60

// Waiter blocks until the next vblank of a crtc, bounded by the driver.
type Waiter interface {
	WaitVblank(crtcIndex int) (int64, error)
}

// Callback receives one frame timestamp.
type Callback func(timestamp int64)

// Options configures a Worker.
type Options struct {
	Logger *slog.Logger
	// Name labels log lines and metrics.
	Name string
	// CrtcIndex is the crtc's position in the device's crtc list.
	CrtcIndex int
	// Period defaults to DefaultPeriod.
	Period time.Duration
	// Now returns the monotonic clock in nanoseconds. Defaults to
	// CLOCK_MONOTONIC.
	Now func() int64
}

// Worker delivers vblank timestamps to a callback while enabled.
type Worker struct {
	waiter    Waiter
	crtcIndex int
	name      string
	logger    *slog.Logger
	now       func() int64

	mu        sync.Mutex
	enabled   bool
	gen       uint64
	last      int64 // phase reference, 0 when none
	period    int64
	callback  Callback
	synthetic bool

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	started  bool
	stopOnce sync.Once
}

// New creates a disabled worker for the crtc at opts.CrtcIndex.
func New(waiter Waiter, opts Options) *Worker {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Period <= 0 {
		opts.Period = DefaultPeriod
	}
	if opts.Now == nil {
		opts.Now = monotonicNow
	}
	return &Worker{
		waiter:    waiter,
		crtcIndex: opts.CrtcIndex,
		name:      opts.Name,
		logger:    opts.Logger.With("display", opts.Name),
		now:       opts.Now,
		period:    int64(opts.Period),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// SetCallback replaces the timestamp callback. Nil drops timestamps.
func (w *Worker) SetCallback(cb Callback) {
	w.mu.Lock()
	w.callback = cb
	w.mu.Unlock()
}

// SetPeriod changes the refresh period used for synthetic timestamps.
func (w *Worker) SetPeriod(d time.Duration) {
	if d <= 0 {
		return
	}
	w.mu.Lock()
	w.period = int64(d)
	w.mu.Unlock()
}

// Enable starts or stops timestamp delivery. Disabling drops the phase
// reference and any timestamp still in flight.
func (w *Worker) Enable(on bool) {
	w.mu.Lock()
	if w.enabled == on {
		w.mu.Unlock()
		return
	}
	w.enabled = on
	w.gen++
	if !on {
		w.last = 0
	}
	w.mu.Unlock()
	w.signal()
	w.logger.Debug("Vsync toggled", "enabled", on)
}

// Enabled reports whether the worker is delivering timestamps.
func (w *Worker) Enabled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enabled
}

// Start launches the worker goroutine.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	go w.run()
}

// Stop ends the worker and waits for it. A hardware wait in progress is
// not interrupted; Stop returns once it completes.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.mu.Lock()
		started := w.started
		w.mu.Unlock()
		if started {
			<-w.done
		}
	})
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		enabled, gen := w.enabled, w.gen
		w.mu.Unlock()

		if !enabled {
			select {
			case <-w.stop:
				return
			case <-w.wake:
			}
			continue
		}

		select {
		case <-w.stop:
			return
		default:
		}

		ts, source, ok := w.next(gen)
		if !ok {
			continue
		}
		w.deliver(gen, ts, source)
	}
}

// next produces one timestamp, from the hardware when it can. ok is false
// when a synthetic sleep was interrupted.
func (w *Worker) next(gen uint64) (int64, string, bool) {
	ts, err := w.waiter.WaitVblank(w.crtcIndex)
	if err == nil {
		w.setSynthetic(false, nil)
		return ts, metrics.VsyncHardware, true
	}
	w.setSynthetic(true, err)

	w.mu.Lock()
	last, period := w.last, w.period
	w.mu.Unlock()

	now := w.now()
	deadline := NextDeadline(now, last, period)
	timer := time.NewTimer(time.Duration(deadline - now))
	defer timer.Stop()
	select {
	case <-w.stop:
		return 0, "", false
	case <-w.wake:
		// Re-check the enabled state; the caller drops a stale generation.
		return 0, "", false
	case <-timer.C:
	}
	return deadline, metrics.VsyncSynthetic, true
}

func (w *Worker) setSynthetic(on bool, err error) {
	w.mu.Lock()
	changed := w.synthetic != on
	w.synthetic = on
	w.mu.Unlock()
	if !changed {
		return
	}
	if on {
		w.logger.Info("Hardware vblank unavailable, using synthetic vsync", "error", err)
	} else {
		w.logger.Info("Hardware vblank restored")
	}
}

func (w *Worker) deliver(gen uint64, ts int64, source string) {
	w.mu.Lock()
	if !w.enabled || w.gen != gen {
		w.mu.Unlock()
		return
	}
	w.last = ts
	cb := w.callback
	w.mu.Unlock()

	metrics.IncVsync(w.name, source)
	if cb != nil {
		cb(ts)
	}
}

// NextDeadline returns the first multiple of period after last that lies
// past now, or now+period when there is no phase reference.
func NextDeadline(now, last, period int64) int64 {
	if period <= 0 {
		period = int64(DefaultPeriod)
	}
	if last <= 0 {
		return now + period
	}
	if last > now {
		return last + period
	}
	k := (now-last)/period + 1
	return last + k*period
}
