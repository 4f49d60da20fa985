package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/smazurov/hwcomposer/internal/api"
	"github.com/smazurov/hwcomposer/internal/config"
	"github.com/smazurov/hwcomposer/internal/display"
	"github.com/smazurov/hwcomposer/internal/events"
	"github.com/smazurov/hwcomposer/internal/logging"
	"github.com/smazurov/hwcomposer/internal/metrics/exporters"
	"github.com/smazurov/hwcomposer/internal/tunables"
	"github.com/smazurov/hwcomposer/internal/version"
	"github.com/smazurov/hwcomposer/pkg/linuxav/hotplug"
)

// DaemonConfig is the resolved daemon configuration.
type DaemonConfig struct {
	// ConfigPath is watched for [logging] level changes. Optional.
	ConfigPath string

	Card           int
	Overlays       bool
	Cursor         bool
	Scaling        bool
	Vsync          bool
	FenceTimeout   time.Duration
	FlattenTimeout time.Duration
	SweepThreshold int
	Gamma          float64
	Tuning         tunables.Paths
	// Listen serves the HTTP API and /metrics when set.
	Listen string
}

// RunDaemon drives every connected output of one card until ctx is
// cancelled.
func RunDaemon(ctx context.Context, cfg DaemonConfig) error {
	logger := logging.GetLogger("main")
	logger.Info("Starting compositor", "build", version.Get(), "card", cfg.Card)

	dev, err := openDevice(cfg.Card, cfg.Scaling, logging.GetLogger("kms"))
	if err != nil {
		return err
	}
	defer dev.Close()

	store := tunables.NewStore(tunables.Options{
		Paths:  cfg.Tuning,
		Logger: logging.GetLogger("tunables"),
	})
	if err := store.Start(); err != nil {
		logger.Warn("Colour tuning reload disabled", "error", err)
	}
	defer store.Stop()

	if stop := watchLogLevels(cfg.ConfigPath, logger); stop != nil {
		defer stop()
	}

	bus := events.New()
	defer logEvents(bus, logging.GetLogger("display"))()

	mgr := display.NewManager(dev, display.Options{
		Logger:         logging.GetLogger("display"),
		ModuleLogger:   logging.GetLogger,
		Bus:            bus,
		UseOverlays:    cfg.Overlays,
		UseCursor:      cfg.Cursor,
		FenceTimeout:   cfg.FenceTimeout,
		FlattenTimeout: cfg.FlattenTimeout,
		SweepThreshold: cfg.SweepThreshold,
		Gamma:          cfg.Gamma,
		Tunables:       store,
		Vsync:          cfg.Vsync,
	})
	defer mgr.Close()

	if err := mgr.Scan(); err != nil {
		logger.Warn("Initial scan incomplete", "error", err)
	}
	if len(mgr.Displays()) == 0 {
		logger.Warn("No connected displays, waiting for hotplug")
	}

	if cfg.Listen != "" {
		srv := api.NewServer(&api.Options{
			Manager:        mgr,
			Bus:            bus,
			MetricsHandler: exporters.HTTPHandler(),
			Logger:         logging.GetLogger("api"),
		})
		go func() {
			if err := srv.Start(cfg.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("API server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := srv.Stop(shutdownCtx); err != nil {
				logger.Warn("API server shutdown", "error", err)
			}
		}()
	}

	notify(logger, daemon.SdNotifyReady)
	defer notify(logger, daemon.SdNotifyStopping)

	mon, err := hotplug.NewMonitor()
	if err != nil {
		logger.Warn("Hotplug monitoring unavailable", "error", err)
		<-ctx.Done()
		return nil
	}
	defer mon.Close()

	return mgr.Watch(ctx, mon)
}

// watchLogLevels applies [logging] changes in path to running loggers.
func watchLogLevels(path string, logger *slog.Logger) func() {
	if path == "" {
		return nil
	}
	load := func() (logging.Config, error) {
		return config.LoadLoggingConfig(path), nil
	}
	w := config.NewWatcher([]string{path}, load, logger)
	w.OnReload(func(cfg logging.Config) {
		for module, level := range cfg.Modules {
			if !logging.SetModuleLevel(module, level) {
				logger.Warn("Ignoring unknown log level", "module", module, "level", level)
			}
		}
	})
	if err := w.Start(); err != nil {
		logger.Warn("Log level reload disabled", "error", err)
		return nil
	}
	return func() { w.Stop() }
}

// logEvents records display events that need no other consumer.
func logEvents(bus *events.Bus, logger *slog.Logger) func() {
	unsubs := []func(){
		bus.Subscribe(func(ev events.HotplugEvent) {
			logger.Info("Display hotplug", "connector", ev.Connector, "action", ev.Action, "mode", ev.Mode)
		}),
		bus.Subscribe(func(ev events.CommitFailedEvent) {
			logger.Warn("Commit failed", "display", ev.Display, "error", ev.Error, "recovered", ev.Recovered)
		}),
		bus.Subscribe(func(ev events.LinkStatusEvent) {
			if !ev.Good {
				logger.Warn("Link degraded", "connector", ev.Connector, "retrained", ev.Retrained, "error", ev.Error)
			}
		}),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func notify(logger *slog.Logger, state string) {
	if sent, err := daemon.SdNotify(false, state); err != nil {
		logger.Debug("sd_notify failed", "state", state, "error", err)
	} else if sent {
		logger.Debug("Notified systemd", "state", state)
	}
}
