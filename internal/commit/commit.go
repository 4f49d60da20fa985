package commit

import (
	"errors"
	"fmt"

	"github.com/smazurov/hwcomposer/internal/kms"
	"github.com/smazurov/hwcomposer/internal/metrics"
	"github.com/smazurov/hwcomposer/pkg/linuxav/drm"
	"github.com/smazurov/hwcomposer/pkg/linuxav/syncfile"
)

func (a Args) empty() bool {
	return a.Mode == nil && a.Active == nil && a.Plan == nil && !a.ColorAdjustment && a.Writeback == nil
}

// Commit builds one atomic request from args and submits it.
//
// A test-only commit returns a nil Result and leaves all state untouched.
// A real commit that changes the mode or the crtc's active state blocks
// until the hardware has applied it; any other commit is submitted
// non-blocking and staged until its present fence signals. If the kernel
// rejects a real commit, every plane is disabled by a follow-up blocking
// commit and the error wraps ErrCommitRejected.
func (m *Manager) Commit(args Args) (*Result, error) {
	if args.empty() {
		return nil, ErrEmptyCommit
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.commitLocked(args)
}

// CommitLocked is Commit for callers that already hold the shared lock,
// so a plan and its commit see the same display state.
func (m *Manager) CommitLocked(args Args) (*Result, error) {
	if args.empty() {
		return nil, ErrEmptyCommit
	}
	if m.closed {
		return nil, ErrClosed
	}
	return m.commitLocked(args)
}

func (m *Manager) commitLocked(args Args) (*Result, error) {
	b := m.newBuilder(args)
	defer b.closeFences()

	if err := b.build(args); err != nil {
		m.releaseLocked(b.next)
		metrics.IncCommit(m.name, metrics.CommitAborted)
		m.logger.Warn("Commit aborted", "error", err)
		return nil, err
	}

	if args.TestOnly {
		return nil, m.testLocked(b)
	}

	// Keep at most one frame in flight beyond the one on screen.
	if m.staged != nil {
		m.waitStagedLocked()
	}

	var presentFD, writebackFD int32 = -1, -1
	crtc := m.pipe.Crtc
	if out := crtc.Prop("OUT_FENCE_PTR"); out.Exists() {
		b.req.AddOutFence(crtc.ID(), out.ID(), &presentFD)
	}
	if wb := args.Writeback; wb != nil {
		if out := wb.Connector.Prop("WRITEBACK_OUT_FENCE_PTR"); out.Exists() {
			b.req.AddOutFence(wb.Connector.ID(), out.ID(), &writebackFD)
		}
	}

	flags := uint32(drm.AtomicNonblock)
	if b.modeset {
		flags = drm.AtomicAllowModeset
	}
	if err := m.dev.Commit(b.req, flags); err != nil {
		m.releaseLocked(b.next)
		metrics.IncCommit(m.name, metrics.CommitRejected)
		m.logger.Error("Atomic commit failed", "error", err, "modeset", b.modeset)
		m.recoverLocked()
		return nil, fmt.Errorf("%w: %w", ErrCommitRejected, err)
	}

	m.committed = true
	next := b.next
	next.presentFence = syncfile.New(int(presentFD))
	res, err := m.resultLocked(next, args, writebackFD)
	if err != nil {
		m.logger.Warn("Failed to duplicate present fence", "error", err)
	}

	if b.modeset {
		m.releaseLocked(m.active)
		m.active = next
		next.closeFence()
	} else {
		m.staged = next
		m.stagedCount++
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}

	metrics.IncCommit(m.name, metrics.CommitOK)
	metrics.SetPlanesInUse(m.name, len(next.planes))
	m.logger.Debug("Committed frame",
		"planes", len(next.planes),
		"blocking", b.modeset,
		"requests", b.req.Len())
	return res, nil
}

func (m *Manager) testLocked(b *builder) error {
	flags := uint32(drm.AtomicTestOnly)
	if b.modeset {
		flags |= drm.AtomicAllowModeset
	}
	err := m.dev.Commit(b.req, flags)
	m.releaseLocked(b.next)
	if err != nil {
		metrics.IncCommit(m.name, metrics.CommitTestFail)
		m.logger.Debug("Test commit rejected", "error", err)
		return fmt.Errorf("%w: %w", ErrCommitRejected, err)
	}
	metrics.IncCommit(m.name, metrics.CommitTestOK)
	return nil
}

// waitStagedLocked waits for the staged frame to reach the screen and
// promotes it. A fence that does not signal in time is abandoned.
func (m *Manager) waitStagedLocked() {
	if err := m.staged.presentFence.Wait(m.fenceTimeout); err != nil {
		if errors.Is(err, syncfile.ErrTimeout) {
			metrics.IncFenceTimeout(m.name)
			m.logger.Warn("Present fence timed out, abandoning", "timeout", m.fenceTimeout)
		} else {
			m.logger.Warn("Present fence wait failed", "error", err)
		}
	}
	m.promoteLocked()
}

func (m *Manager) resultLocked(next *FrameState, args Args, writebackFD int32) (*Result, error) {
	res := &Result{WritebackFence: syncfile.New(int(writebackFD))}
	var err error
	if res.PresentFence, err = next.presentFence.Dup(); err != nil {
		return res, err
	}
	if args.Plan != nil {
		for range args.Plan.Entries {
			f, err := next.presentFence.Dup()
			if err != nil {
				return res, err
			}
			res.ReleaseFences = append(res.ReleaseFences, f)
		}
	}
	return res, nil
}

// recoverLocked disables every plane the pipeline may have enabled so the
// display stops reading buffers whose frame failed.
func (m *Manager) recoverLocked() {
	req := drm.NewAtomicRequest()
	seen := make(map[uint32]bool)
	planes := []*kms.Plane{m.pipe.Primary}
	planes = append(planes, m.active.planes...)
	if m.staged != nil {
		planes = append(planes, m.staged.planes...)
	}
	for _, p := range planes {
		if seen[p.ID()] {
			continue
		}
		seen[p.ID()] = true
		if err := disablePlane(req, p); err != nil {
			m.logger.Error("Recovery commit could not be built", "error", err)
			return
		}
	}

	if err := m.dev.Commit(req, 0); err != nil {
		m.logger.Error("Recovery commit failed", "error", err)
		return
	}
	if m.staged != nil {
		m.staged.clearPlanes()
		m.promoteLocked()
	}
	m.active.clearPlanes()
	metrics.IncCommit(m.name, metrics.CommitRecovered)
	metrics.SetPlanesInUse(m.name, 0)
	m.logger.Info("Recovered with all planes disabled")
}
