package vsync

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type waiterFunc func(crtcIndex int) (int64, error)

func (f waiterFunc) WaitVblank(crtcIndex int) (int64, error) { return f(crtcIndex) }

var errNoVblank = errors.New("no vblank")

func unavailable(int) (int64, error) { return 0, errNoVblank }

type recorder struct {
	mu  sync.Mutex
	got []int64
}

func (r *recorder) add(ts int64) {
	r.mu.Lock()
	r.got = append(r.got, ts)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.got...)
}

func (r *recorder) waitFor(t *testing.T, n int) []int64 {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := r.snapshot()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d timestamps, want %d", len(got), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func newWorker(t *testing.T, waiter Waiter, opts Options) *Worker {
	t.Helper()
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	opts.Name = "test"
	w := New(waiter, opts)
	t.Cleanup(w.Stop)
	return w
}

func TestNextDeadline(t *testing.T) {
	tests := []struct {
		name      string
		now, last int64
		period    int64
		want      int64
	}{
		{"no phase reference", 1000, 0, 100, 1100},
		{"just after last", 1010, 1000, 100, 1100},
		{"several periods late", 1350, 1000, 100, 1400},
		{"exactly on a period", 1200, 1000, 100, 1300},
		{"last in the future", 900, 1000, 100, 1100},
		{"zero period uses default", 0, 0, 0, int64(DefaultPeriod)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextDeadline(tt.now, tt.last, tt.period); got != tt.want {
				t.Errorf("NextDeadline(%d, %d, %d) = %d, want %d", tt.now, tt.last, tt.period, got, tt.want)
			}
		})
	}
}

func TestHardwareTimestamps(t *testing.T) {
	var mu sync.Mutex
	var seq int64
	var crtc int
	hw := waiterFunc(func(idx int) (int64, error) {
		time.Sleep(time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		crtc = idx
		seq += 1000
		return seq, nil
	})

	w := newWorker(t, hw, Options{CrtcIndex: 2})
	var rec recorder
	w.SetCallback(rec.add)
	w.Start()
	w.Enable(true)

	got := rec.waitFor(t, 3)
	for i, ts := range got {
		if ts != int64(i+1)*1000 {
			t.Fatalf("timestamps = %v, want the hardware sequence", got)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if crtc != 2 {
		t.Errorf("waited on crtc %d, want 2", crtc)
	}
}

func TestSyntheticIsPhaseLocked(t *testing.T) {
	const period = 5 * time.Millisecond
	w := newWorker(t, waiterFunc(unavailable), Options{Period: period})
	var rec recorder
	w.SetCallback(rec.add)
	w.Start()
	w.Enable(true)

	got := rec.waitFor(t, 4)
	for i := 1; i < len(got); i++ {
		delta := got[i] - got[i-1]
		if delta <= 0 || delta%int64(period) != 0 {
			t.Fatalf("timestamps %v are not spaced by multiples of %v", got, period)
		}
	}
}

func TestWorkerDisabledDeliversNothing(t *testing.T) {
	w := newWorker(t, waiterFunc(unavailable), Options{Period: time.Millisecond})
	var rec recorder
	w.SetCallback(rec.add)
	w.Start()

	time.Sleep(20 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("disabled worker delivered %v", got)
	}
	if w.Enabled() {
		t.Error("new worker is enabled")
	}
}

func TestDisableDropsInFlightTimestamp(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan int64)
	hw := waiterFunc(func(int) (int64, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		ts, ok := <-release
		if !ok {
			return 0, errNoVblank
		}
		return ts, nil
	})

	w := newWorker(t, hw, Options{Period: time.Hour})
	var rec recorder
	w.SetCallback(rec.add)
	w.Start()
	w.Enable(true)

	<-entered
	release <- 100
	rec.waitFor(t, 1)

	<-entered
	w.Enable(false)
	release <- 200

	w.Enable(true)
	<-entered
	release <- 300
	got := rec.waitFor(t, 2)
	close(release)

	if got[0] != 100 || got[1] != 300 {
		t.Errorf("timestamps = %v, want [100 300]: the one from before the disable must be dropped", got)
	}
}

func TestDisableClearsPhaseReference(t *testing.T) {
	w := newWorker(t, waiterFunc(unavailable), Options{Period: time.Millisecond})
	var rec recorder
	w.SetCallback(rec.add)
	w.Start()
	w.Enable(true)
	rec.waitFor(t, 2)

	w.Enable(false)
	w.mu.Lock()
	last := w.last
	w.mu.Unlock()
	if last != 0 {
		t.Errorf("phase reference %d survived the disable", last)
	}
}

func TestSetPeriod(t *testing.T) {
	w := newWorker(t, waiterFunc(unavailable), Options{})
	w.SetPeriod(0)
	if w.period != int64(DefaultPeriod) {
		t.Errorf("zero period accepted: %d", w.period)
	}
	w.SetPeriod(8 * time.Millisecond)
	if w.period != int64(8*time.Millisecond) {
		t.Errorf("period = %d", w.period)
	}
}

func TestStop(t *testing.T) {
	t.Run("without start", func(t *testing.T) {
		w := New(waiterFunc(unavailable), Options{})
		w.Stop()
		w.Stop()
	})
	t.Run("while enabled", func(t *testing.T) {
		w := New(waiterFunc(unavailable), Options{Period: time.Hour})
		w.Start()
		w.Enable(true)
		done := make(chan struct{})
		go func() {
			w.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Stop did not interrupt the synthetic sleep")
		}
	})
}
