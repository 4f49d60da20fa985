package display

import (
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/smazurov/hwcomposer/internal/commit"
	"github.com/smazurov/hwcomposer/internal/events"
	"github.com/smazurov/hwcomposer/internal/flatten"
	"github.com/smazurov/hwcomposer/internal/kms"
	"github.com/smazurov/hwcomposer/internal/layer"
	"github.com/smazurov/hwcomposer/internal/planner"
	"github.com/smazurov/hwcomposer/internal/vsync"
	"github.com/smazurov/hwcomposer/pkg/linuxav/drm"
)

// Display is one lit output: a pipeline plus its commit manager, vsync
// worker and idle timer.
type Display struct {
	m      *Manager
	name   string
	conn   *kms.Connector
	pipe   *kms.Pipeline
	commit *commit.Manager
	vsync  *vsync.Worker
	idle   *flatten.Controller
	logger *slog.Logger

	// guarded by m.mu
	mode   drm.ModeInfo
	on     bool
	closed bool
}

// newDisplay wires the per-display workers. Called with m.mu held.
func newDisplay(m *Manager, pipe *kms.Pipeline) *Display {
	name := pipe.Connector.Name()
	logger := m.logger.With("display", name)
	d := &Display{
		m:      m,
		name:   name,
		conn:   pipe.Connector,
		pipe:   pipe,
		logger: logger,
	}
	d.commit = commit.New(pipe, commit.Options{
		Logger:       m.opts.ModuleLogger("commit").With("display", name),
		Name:         name,
		Lock:         &m.mu,
		FenceTimeout: m.opts.FenceTimeout,
		Importer:     m.imp,
		Color:        m.color,
		Gamma:        m.opts.Gamma,
		Shadow:       m.opts.Shadow,
	})
	d.vsync = vsync.New(m.dev.Driver(), vsync.Options{
		Logger:    m.opts.ModuleLogger("vsync").With("display", name),
		Name:      name,
		CrtcIndex: pipe.Crtc.Index(),
	})
	d.vsync.SetCallback(func(ts int64) {
		m.bus.Publish(events.VsyncEvent{Display: name, Timestamp: ts})
	})
	d.idle = flatten.New(flatten.Options{
		Logger:  m.opts.ModuleLogger("flatten").With("display", name),
		Name:    name,
		Timeout: m.opts.FlattenTimeout,
		Refresh: func() {
			m.publish(events.RefreshRequestEvent{Display: name})
		},
	})
	return d
}

// Name returns the connector name, e.g. "HDMI-A-1".
func (d *Display) Name() string { return d.name }

// Pipeline returns the objects the display is bound to.
func (d *Display) Pipeline() *kms.Pipeline { return d.pipe }

// Mode returns the current display mode.
func (d *Display) Mode() drm.ModeInfo {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	return d.mode
}

// On reports whether the crtc is running.
func (d *Display) On() bool {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	return d.on
}

// Modes returns the modes the connector advertised at the last probe.
func (d *Display) Modes() []drm.ModeInfo {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	return slices.Clone(d.conn.Modes())
}

// Planes returns the ids of the planes leased to the display.
func (d *Display) Planes() []uint32 {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	return d.pipe.Planes()
}

// VsyncEnabled reports whether vsync events are being delivered.
func (d *Display) VsyncEnabled() bool { return d.vsync.Enabled() }

// OnScreen returns the framebuffer ids scanning out on the display.
func (d *Display) OnScreen() []uint32 { return d.commit.OnScreen() }

// light turns the display on with its preferred mode, an empty plane set
// and the current colour tuning, then starts the workers.
func (d *Display) light() error {
	mode, ok := d.conn.PreferredMode()
	if !ok {
		return kms.ErrNoPipeline
	}
	d.m.mu.Lock()
	pool := d.pipe.UsablePlanes(d.m.opts.UseOverlays, d.m.opts.UseCursor)
	d.m.mu.Unlock()

	on := true
	res, err := d.commit.Commit(commit.Args{
		Mode:            &mode,
		Active:          &on,
		Plan:            planner.Build(nil, pool),
		ColorAdjustment: true,
	})
	if err != nil {
		return err
	}
	res.Close()

	d.m.mu.Lock()
	d.mode = mode
	d.on = true
	d.m.mu.Unlock()

	d.vsync.SetPeriod(framePeriod(mode))
	d.vsync.Start()
	d.vsync.Enable(d.m.opts.Vsync)
	d.idle.Start()
	d.logger.Info("Display lit", "mode", mode.String())
	return nil
}

// BeginFrame re-arms the idle timer and reports whether the coming frame
// should be composed entirely by the GPU into a single layer.
func (d *Display) BeginFrame() bool {
	return d.idle.NewFrame()
}

// Plan assigns layers to the display's planes without committing.
func (d *Display) Plan(layers []*layer.Layer) (*planner.Plan, error) {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	return d.planLocked(layers)
}

func (d *Display) planLocked(layers []*layer.Layer) (*planner.Plan, error) {
	if err := d.usableLocked(); err != nil {
		return nil, err
	}
	pool := d.pipe.UsablePlanes(d.m.opts.UseOverlays, d.m.opts.UseCursor)
	return planner.BuildChecked(layers, pool)
}

// usableLocked reports why the display cannot take a commit right now.
func (d *Display) usableLocked() error {
	if d.closed {
		return ErrClosed
	}
	if !d.on {
		return ErrDisplayOff
	}
	return nil
}

// Validate checks that the kernel would accept layers as the next frame.
func (d *Display) Validate(layers []*layer.Layer) error {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	plan, err := d.planLocked(layers)
	if err != nil {
		return err
	}
	_, err = d.commit.CommitLocked(commit.Args{Plan: plan, TestOnly: true})
	return err
}

// Present commits layers as the next frame. When the plane pool cannot
// hold them the error wraps planner.ErrPoolExhausted and nothing is
// committed; the caller composes some layers itself and retries.
//
// A presented frame pushes the idle deadline out. Clients that want the
// flatten hint call BeginFrame before composing.
func (d *Display) Present(layers []*layer.Layer) (*commit.Result, error) {
	d.m.mu.Lock()
	plan, err := d.planLocked(layers)
	if err != nil {
		d.m.mu.Unlock()
		return nil, err
	}
	res, err := d.commit.CommitLocked(commit.Args{Plan: plan})
	d.m.mu.Unlock()

	if errors.Is(err, commit.ErrCommitRejected) {
		d.m.publish(events.CommitFailedEvent{Display: d.name, Error: err.Error(), Recovered: true})
	}
	if err == nil {
		d.idle.Touch()
	}
	return res, err
}

// SetMode switches the display to mode. It fails with ErrDisplayOff while
// the display is powered down.
func (d *Display) SetMode(mode drm.ModeInfo) error {
	d.m.mu.Lock()
	if err := d.usableLocked(); err != nil {
		d.m.mu.Unlock()
		return err
	}
	res, err := d.commit.CommitLocked(commit.Args{Mode: &mode})
	if err == nil {
		d.mode = mode
	}
	d.m.mu.Unlock()
	if err != nil {
		return err
	}
	res.Close()

	d.vsync.SetPeriod(framePeriod(mode))
	d.logger.Info("Mode changed", "mode", mode.String())
	return nil
}

// SetPower turns the crtc on or off. Vsync and the idle timer pause while
// the display is off.
func (d *Display) SetPower(on bool) error {
	d.m.mu.Lock()
	if d.closed {
		d.m.mu.Unlock()
		return ErrClosed
	}
	// Colour tuning changed while off is applied with the power-on.
	res, err := d.commit.CommitLocked(commit.Args{Active: &on, ColorAdjustment: on})
	if err == nil {
		d.on = on
	}
	d.m.mu.Unlock()
	if err != nil {
		return err
	}
	res.Close()

	if on {
		d.vsync.Enable(d.m.opts.Vsync)
	} else {
		d.vsync.Enable(false)
		d.idle.Disarm()
	}
	return nil
}

// EnableVsync starts or stops vsync events for the display.
func (d *Display) EnableVsync(on bool) { d.vsync.Enable(on) }

// ApplyColor commits the current colour tuning. A display that is off
// picks it up when it is powered on.
func (d *Display) ApplyColor() error {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	if d.usableLocked() != nil {
		return nil
	}
	res, err := d.commit.CommitLocked(commit.Args{ColorAdjustment: true})
	if err != nil {
		return err
	}
	res.Close()
	return nil
}

// SetContentProtection requests or drops HDCP on the connector.
func (d *Display) SetContentProtection(desired bool, contentType string) error {
	return d.commit.SetContentProtection(desired, contentType)
}

// ContentProtectionStatus returns the connector's HDCP state.
func (d *Display) ContentProtectionStatus() (string, error) {
	return d.commit.ContentProtectionStatus()
}

// reprobe reacts to a hotplug event on a bound connector: a failed link is
// retrained and a vanished mode is replaced by the preferred one.
func (d *Display) reprobe() {
	d.m.mu.Lock()
	mode, on := d.mode, d.on
	linkBad := d.conn.LinkStatusBad()
	modes := d.conn.Modes()
	d.m.mu.Unlock()

	if !on {
		return
	}
	if !hasMode(modes, mode) {
		preferred, ok := d.conn.PreferredMode()
		if !ok {
			return
		}
		if err := d.SetMode(preferred); err != nil {
			d.logger.Error("Failed to switch to preferred mode", "error", err)
			return
		}
		d.m.publish(events.HotplugEvent{
			Connector:   d.name,
			ConnectorID: d.conn.ID(),
			Action:      events.ActionChanged,
			Mode:        preferred.String(),
		})
		return
	}
	if linkBad {
		d.retrain(mode)
	}
}

// retrain re-commits the current mode after the kernel flagged the link.
func (d *Display) retrain(mode drm.ModeInfo) {
	d.logger.Warn("Link status bad, retraining")
	d.m.publish(events.LinkStatusEvent{Connector: d.name, Good: false})

	ev := events.LinkStatusEvent{Connector: d.name, Retrained: true}
	d.m.mu.Lock()
	err := d.usableLocked()
	var res *commit.Result
	if err == nil {
		res, err = d.commit.CommitLocked(commit.Args{Mode: &mode})
	}
	d.m.mu.Unlock()
	if err != nil {
		d.logger.Error("Link retraining failed", "error", err)
		ev.Error = err.Error()
	} else {
		res.Close()
		ev.Good = true
	}
	d.m.publish(ev)
}

// shutdown turns the display off and releases everything it holds. The
// display must already be removed from the manager.
func (d *Display) shutdown() {
	d.m.mu.Lock()
	if d.closed {
		d.m.mu.Unlock()
		return
	}
	d.closed = true
	on := d.on
	d.on = false
	d.m.mu.Unlock()

	d.vsync.Stop()
	d.idle.Stop()
	if on {
		off := false
		if res, err := d.commit.Commit(commit.Args{Active: &off}); err != nil {
			d.logger.Warn("Failed to turn display off", "error", err)
		} else {
			res.Close()
		}
	}
	d.commit.Close()

	d.m.mu.Lock()
	d.pipe.Close()
	d.m.mu.Unlock()
	d.logger.Info("Display unbound")
}

func hasMode(modes []drm.ModeInfo, mode drm.ModeInfo) bool {
	for _, m := range modes {
		if m.Hdisplay == mode.Hdisplay && m.Vdisplay == mode.Vdisplay &&
			m.Clock == mode.Clock && m.Vrefresh == mode.Vrefresh && m.Flags == mode.Flags {
			return true
		}
	}
	return false
}

// framePeriod returns the refresh period of mode.
func framePeriod(mode drm.ModeInfo) time.Duration {
	if mode.Clock == 0 || mode.Htotal == 0 || mode.Vtotal == 0 {
		if mode.Vrefresh > 0 {
			return time.Second / time.Duration(mode.Vrefresh)
		}
		return vsync.DefaultPeriod
	}
	ns := uint64(mode.Htotal) * uint64(mode.Vtotal) * 1e6 / uint64(mode.Clock)
	return time.Duration(ns)
}
