// Package commit drives one display pipeline through atomic commits.
//
// A Manager turns a composition plan into a single atomic request, submits
// it and tracks its present fence. Non-blocking commits are staged until
// their present fence signals; only then does the previous frame give up
// its framebuffers. A new commit first waits (bounded) on the staged fence,
// so at most one frame is in flight beyond the one on screen.
package commit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/smazurov/hwcomposer/internal/fbimport"
	"github.com/smazurov/hwcomposer/internal/kms"
	"github.com/smazurov/hwcomposer/internal/layer"
	"github.com/smazurov/hwcomposer/internal/metrics"
	"github.com/smazurov/hwcomposer/internal/planner"
	"github.com/smazurov/hwcomposer/internal/tunables"
	"github.com/smazurov/hwcomposer/pkg/linuxav/drm"
	"github.com/smazurov/hwcomposer/pkg/linuxav/syncfile"
)

// DefaultFenceTimeout bounds every present fence wait.
const DefaultFenceTimeout = 500 * time.Millisecond

// ShadowCopier copies a layer whose buffer the display cannot scan out into
// one it can. Implementations wait for the layer's acquire fence and return
// a fence that signals when the copy is complete.
type ShadowCopier interface {
	CopyToShadow(l *layer.Layer) (*fbimport.Buffer, *syncfile.Fence, error)
}

// Options configures a Manager.
type Options struct {
	Logger *slog.Logger
	// Name labels log lines and metrics, usually the connector name.
	Name string
	// Lock is the shared composition lock. Nil gives the manager its own.
	Lock sync.Locker
	// FenceTimeout defaults to DefaultFenceTimeout.
	FenceTimeout time.Duration
	// Importer creates framebuffers for layers that have none yet.
	Importer *fbimport.Importer
	// Color returns the current colour tuning. Nil means neutral.
	Color func() tunables.Values
	// Gamma is the output gamma exponent, default 1.
	Gamma float64
	// Shadow is optional.
	Shadow ShadowCopier
}

// Writeback routes the composed output into a framebuffer.
type Writeback struct {
	Connector *kms.Connector
	FB        *fbimport.Framebuffer
}

// Args describes one commit. At least one field other than TestOnly must
// be set.
type Args struct {
	Mode            *drm.ModeInfo
	Active          *bool
	Plan            *planner.Plan
	ColorAdjustment bool
	Writeback       *Writeback
	// TestOnly validates without touching the hardware or frame state.
	TestOnly bool
}

// Result is returned by a successful real commit. The caller owns every
// fence in it.
type Result struct {
	PresentFence *syncfile.Fence
	// ReleaseFences holds one fence per plan entry, in plan order.
	ReleaseFences  []*syncfile.Fence
	WritebackFence *syncfile.Fence
}

// Close closes every fence in r.
func (r *Result) Close() {
	if r == nil {
		return
	}
	_ = r.PresentFence.Close()
	for _, f := range r.ReleaseFences {
		_ = f.Close()
	}
	_ = r.WritebackFence.Close()
}

// Manager owns the frame state of one pipeline.
type Manager struct {
	name         string
	pipe         *kms.Pipeline
	dev          *kms.Device
	imp          *fbimport.Importer
	lock         sync.Locker
	logger       *slog.Logger
	fenceTimeout time.Duration
	color        func() tunables.Values
	gamma        float64
	shadow       ShadowCopier

	active      *FrameState
	staged      *FrameState
	stagedCount uint64
	closed      bool
	// committed is set by the first real commit the kernel accepted.
	committed bool

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a manager for pipe and starts its present tracker.
func New(pipe *kms.Pipeline, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Lock == nil {
		opts.Lock = &sync.Mutex{}
	}
	if opts.FenceTimeout <= 0 {
		opts.FenceTimeout = DefaultFenceTimeout
	}
	if opts.Color == nil {
		opts.Color = tunables.Defaults
	}
	if opts.Gamma <= 0 {
		opts.Gamma = 1
	}
	if opts.Name == "" {
		opts.Name = pipe.Connector.Name()
	}
	m := &Manager{
		name:         opts.Name,
		pipe:         pipe,
		dev:          pipe.Device(),
		imp:          opts.Importer,
		lock:         opts.Lock,
		logger:       opts.Logger.With("display", opts.Name),
		fenceTimeout: opts.FenceTimeout,
		color:        opts.Color,
		gamma:        opts.Gamma,
		shadow:       opts.Shadow,
		active:       &FrameState{},
		wake:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go m.track()
	return m
}

// Active reports whether the crtc is running in the latest frame.
func (m *Manager) Active() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.latestLocked().crtcActive
}

// Pending reports whether a staged frame is waiting for its present fence.
func (m *Manager) Pending() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.staged != nil
}

// OnScreen returns the framebuffer ids of the active frame.
func (m *Manager) OnScreen() []uint32 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.active.FramebufferIDs()
}

func (m *Manager) latestLocked() *FrameState {
	if m.staged != nil {
		return m.staged
	}
	return m.active
}

// promoteLocked makes the staged frame active and releases the previous one.
func (m *Manager) promoteLocked() {
	if m.staged == nil {
		return
	}
	m.releaseLocked(m.active)
	m.active = m.staged
	m.staged = nil
	m.active.closeFence()
}

func (m *Manager) releaseLocked(s *FrameState) {
	for _, err := range s.release() {
		m.logger.Warn("Failed to release frame resource", "error", err)
	}
}

// Close stops the tracker and releases both frame states. The hardware is
// left as it is. Close must not be called with the shared lock held.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stop)
		<-m.done

		m.lock.Lock()
		defer m.lock.Unlock()
		m.releaseLocked(m.staged)
		m.releaseLocked(m.active)
		m.staged = nil
		m.active = &FrameState{}
		m.closed = true
		metrics.DeleteDisplay(m.name)
	})
}
