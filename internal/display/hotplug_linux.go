package display

import (
	"context"
	"errors"

	"github.com/smazurov/hwcomposer/pkg/linuxav/hotplug"
)

// Watch rescans the displays on every DRM hotplug uevent until ctx is
// cancelled. The monitor is not closed.
func (m *Manager) Watch(ctx context.Context, mon *hotplug.Monitor) error {
	mon.AddSubsystemFilter(hotplug.SubsystemDRM)

	uevents := make(chan hotplug.Event, 16)
	errc := make(chan error, 1)
	go func() { errc <- mon.Run(ctx, uevents) }()

	for ev := range uevents {
		if !ev.IsDisplayChange() {
			continue
		}
		m.logger.Debug("Display hotplug",
			"devname", ev.DevName,
			"connector", ev.Connector,
			"property", ev.Property)
		m.HandleHotplug()
	}

	err := <-errc
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
