// Package flatten requests a one-shot full GPU composition after a display
// has been idle.
//
// Every frame re-arms an idle deadline. When the deadline passes without a
// new frame the controller marks the next frame for flattening and asks the
// client for a refresh, then stays disarmed until that frame arrives.
package flatten

import (
	"log/slog"
	"sync"
	"time"

	"github.com/smazurov/hwcomposer/internal/metrics"
)

// DefaultTimeout is the idle time before a flatten is requested.
const DefaultTimeout = time.Second

// Options configures a Controller.
type Options struct {
	Logger *slog.Logger
	Name   string
	// Timeout defaults to DefaultTimeout.
	Timeout time.Duration
	// Refresh is called without any lock held when the display went idle.
	Refresh func()
}

// Controller is the idle timer of one display.
type Controller struct {
	name    string
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	armed    bool
	deadline time.Time
	flatten  bool
	refresh  func()

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	started  bool
	stopOnce sync.Once
}

// New creates a disarmed controller.
func New(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Controller{
		name:    opts.Name,
		timeout: opts.Timeout,
		logger:  opts.Logger.With("display", opts.Name),
		refresh: opts.Refresh,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// SetRefresh replaces the refresh-request callback.
func (c *Controller) SetRefresh(fn func()) {
	c.mu.Lock()
	c.refresh = fn
	c.mu.Unlock()
}

// NewFrame pushes the idle deadline out and re-arms the timer. It reports
// whether this frame should be composed entirely by the GPU, clearing the
// request.
func (c *Controller) NewFrame() bool {
	c.mu.Lock()
	flatten := c.flatten
	c.flatten = false
	c.deadline = time.Now().Add(c.timeout)
	wasArmed := c.armed
	c.armed = true
	c.mu.Unlock()

	if !wasArmed {
		c.signal()
	}
	return flatten
}

// Touch pushes the idle deadline out for a frame that was presented
// without NewFrame. A pending flatten request stays set for the next
// NewFrame and the timer stays disarmed until then.
func (c *Controller) Touch() {
	c.mu.Lock()
	c.deadline = time.Now().Add(c.timeout)
	wasArmed := c.armed
	c.armed = !c.flatten
	armed := c.armed
	c.mu.Unlock()

	if armed != wasArmed {
		c.signal()
	}
}

// Disarm stops the timer until the next frame, e.g. while the display is off.
func (c *Controller) Disarm() {
	c.mu.Lock()
	c.armed = false
	c.flatten = false
	c.mu.Unlock()
	c.signal()
}

// Start launches the timer goroutine.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	go c.run()
}

// Stop ends the timer goroutine and waits for it.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.mu.Lock()
		started := c.started
		c.mu.Unlock()
		if started {
			<-c.done
		}
	})
}

func (c *Controller) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		c.mu.Lock()
		armed, deadline := c.armed, c.deadline
		c.mu.Unlock()

		if !armed {
			select {
			case <-c.stop:
				return
			case <-c.wake:
			}
			continue
		}

		timer := time.NewTimer(time.Until(deadline))
		select {
		case <-c.stop:
			timer.Stop()
			return
		case <-c.wake:
			timer.Stop()
			continue
		case <-timer.C:
		}
		c.expire()
	}
}

// expire fires the refresh request if the deadline really passed; a frame
// that arrived meanwhile moved it.
func (c *Controller) expire() {
	c.mu.Lock()
	if !c.armed || time.Now().Before(c.deadline) {
		c.mu.Unlock()
		return
	}
	c.armed = false
	c.flatten = true
	refresh := c.refresh
	c.mu.Unlock()

	metrics.IncFlatten(c.name)
	c.logger.Debug("Display idle, requesting flattened frame", "timeout", c.timeout)
	if refresh != nil {
		refresh()
	}
}
