package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"

	"github.com/smazurov/hwcomposer/cmd"
	"github.com/smazurov/hwcomposer/internal/commit"
	"github.com/smazurov/hwcomposer/internal/config"
	"github.com/smazurov/hwcomposer/internal/flatten"
	"github.com/smazurov/hwcomposer/internal/logging"
	"github.com/smazurov/hwcomposer/internal/tunables"
	"github.com/smazurov/hwcomposer/internal/version"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"/etc/hwcomposer/config.toml"`

	// Device settings
	Card    int  `help:"DRM card index (/dev/dri/cardN)" default:"0" toml:"device.card" env:"CARD"`
	Scaling bool `help:"Allow scaled layers on non-cursor planes" default:"false" toml:"device.scaling" env:"SCALING"`

	// Composition settings
	Overlays       bool   `help:"Assign layers to overlay planes" default:"true" toml:"composition.overlays" env:"OVERLAYS"`
	Cursor         bool   `help:"Assign cursor layers to cursor planes" default:"true" toml:"composition.cursor" env:"CURSOR"`
	Vsync          bool   `help:"Deliver vsync events" default:"true" toml:"composition.vsync" env:"VSYNC"`
	FenceTimeout   string `help:"Present fence wait bound" default:"500ms" toml:"composition.fence_timeout" env:"FENCE_TIMEOUT"`
	FlattenTimeout string `help:"Idle time before a flattened frame is requested" default:"1s" toml:"composition.flatten_timeout" env:"FLATTEN_TIMEOUT"`
	SweepThreshold int    `help:"Framebuffer cache entries kept between sweeps" default:"32" toml:"composition.sweep_threshold" env:"SWEEP_THRESHOLD"`
	Gamma          string `help:"Output gamma exponent" default:"1.0" toml:"composition.gamma" env:"GAMMA"`

	// Colour tuning files
	TuningHueSaturation      string `help:"Hue/saturation tuning file" default:"" toml:"tuning.hue_saturation" env:"TUNING_HUE_SATURATION"`
	TuningBrightnessContrast string `help:"Brightness/contrast tuning file" default:"" toml:"tuning.brightness_contrast" env:"TUNING_BRIGHTNESS_CONTRAST"`

	// API settings
	Listen string `help:"Serve the HTTP API and /metrics on this address" default:"" toml:"api.listen" env:"API_LISTEN"`

	// Logging settings
	LoggingLevel    string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat   string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingKMS      string `help:"Device enumeration logging level" default:"info" toml:"logging.kms" env:"LOGGING_KMS"`
	LoggingCommit   string `help:"Atomic commit logging level" default:"info" toml:"logging.commit" env:"LOGGING_COMMIT"`
	LoggingFbimport string `help:"Framebuffer import logging level" default:"info" toml:"logging.fbimport" env:"LOGGING_FBIMPORT"`
	LoggingVsync    string `help:"Vsync logging level" default:"info" toml:"logging.vsync" env:"LOGGING_VSYNC"`
	LoggingFlatten  string `help:"Flattening logging level" default:"info" toml:"logging.flatten" env:"LOGGING_FLATTEN"`
	LoggingDisplay  string `help:"Display manager logging level" default:"info" toml:"logging.display" env:"LOGGING_DISPLAY"`
	LoggingTunables string `help:"Colour tuning logging level" default:"info" toml:"logging.tunables" env:"LOGGING_TUNABLES"`
	LoggingAPI      string `help:"HTTP API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
}

func main() {
	var cli humacli.CLI

	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		// Load configuration automatically
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		// Initialize logging system
		logging.Initialize(logging.Config{
			Level:  opts.LoggingLevel,
			Format: opts.LoggingFormat,
			Modules: map[string]string{
				"kms":      opts.LoggingKMS,
				"commit":   opts.LoggingCommit,
				"fbimport": opts.LoggingFbimport,
				"vsync":    opts.LoggingVsync,
				"flatten":  opts.LoggingFlatten,
				"display":  opts.LoggingDisplay,
				"tunables": opts.LoggingTunables,
				"api":      opts.LoggingAPI,
			},
		})

		logger := logging.GetLogger("main")

		daemonConfig := cmd.DaemonConfig{
			ConfigPath:     opts.Config,
			Card:           opts.Card,
			Overlays:       opts.Overlays,
			Cursor:         opts.Cursor,
			Scaling:        opts.Scaling,
			Vsync:          opts.Vsync,
			FenceTimeout:   parseDuration(logger, "fence timeout", opts.FenceTimeout, commit.DefaultFenceTimeout),
			FlattenTimeout: parseDuration(logger, "flatten timeout", opts.FlattenTimeout, flatten.DefaultTimeout),
			SweepThreshold: opts.SweepThreshold,
			Gamma:          parseGamma(logger, opts.Gamma),
			Tuning: tunables.Paths{
				HueSaturation:      opts.TuningHueSaturation,
				BrightnessContrast: opts.TuningBrightnessContrast,
			},
			Listen: opts.Listen,
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})

		hooks.OnStart(func() {
			defer close(done)
			if err := cmd.RunDaemon(ctx, daemonConfig); err != nil {
				logger.Error("Compositor stopped", "error", err)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down compositor")
			cancel()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				logger.Warn("Shutdown timed out")
			}
		})
	})

	cli.Root().Use = "hwcomposer"
	cli.Root().Version = version.String()

	// Add probe command
	cli.Root().AddCommand(cmd.CreateProbeCmd())

	// Run the CLI
	cli.Run()
}

func parseDuration(logger *slog.Logger, name, value string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		logger.Warn("Invalid duration, using default", "option", name, "value", value, "default", def)
		return def
	}
	return d
}

func parseGamma(logger *slog.Logger, value string) float64 {
	g, err := strconv.ParseFloat(value, 64)
	if err != nil || g <= 0 {
		logger.Warn("Invalid gamma, using 1.0", "value", value)
		return 1
	}
	return g
}
