package commit

import (
	"errors"

	"github.com/smazurov/hwcomposer/internal/metrics"
	"github.com/smazurov/hwcomposer/pkg/linuxav/syncfile"
)

// track promotes staged frames once their present fence signals. The wait
// runs without the shared lock; promotion is skipped if a newer commit
// staged another frame in the meantime.
func (m *Manager) track() {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		case <-m.wake:
		}

		m.lock.Lock()
		count := m.stagedCount
		staged := m.staged
		var fence *syncfile.Fence
		var err error
		if staged != nil {
			fence, err = staged.presentFence.Dup()
		}
		m.lock.Unlock()

		if staged == nil {
			continue
		}
		if err != nil {
			m.logger.Warn("Tracker could not duplicate present fence", "error", err)
			continue
		}

		err = fence.Wait(m.fenceTimeout)
		_ = fence.Close()
		if err != nil {
			if errors.Is(err, syncfile.ErrTimeout) {
				metrics.IncFenceTimeout(m.name)
				m.logger.Warn("Present fence timed out in tracker, abandoning", "timeout", m.fenceTimeout)
			} else {
				m.logger.Warn("Tracker fence wait failed", "error", err)
			}
			continue
		}

		m.lock.Lock()
		if m.stagedCount == count && m.staged == staged {
			m.promoteLocked()
		}
		m.lock.Unlock()
	}
}
