// Package logging provides slog loggers with per-module levels.
//
// Records go to stdout when something is attached to it and to the systemd
// journal when journald is running. With both present a [MultiHandler] fans
// out to each.
//
// Initialize once at startup, then fetch a logger per module:
//
//	logging.Initialize(logging.Config{
//		Level:  "info",
//		Format: "text",
//		Modules: map[string]string{
//			"commit": "debug",
//			"vsync":  "warn",
//		},
//	})
//
//	logger := logging.GetLogger("display").With("display", name)
//
// Loggers fetched before Initialize are kept; their level is updated in
// place. [SetModuleLevel] changes a level while running.
//
// Module names used by the compositor: main, kms, commit, fbimport, planner,
// vsync, flatten, display, hotplug, tunables and api.
//
// Journal entries carry SYSLOG_IDENTIFIER=hwcomposer and upper-cased
// attribute keys:
//
//	journalctl -t hwcomposer -f
//	journalctl -t hwcomposer MODULE=commit -p warning
//	journalctl -t hwcomposer DISPLAY=HDMI-A-1
//
// TOML layout:
//
//	[logging]
//	level = "info"
//	format = "text"
//	commit = "debug"
package logging
