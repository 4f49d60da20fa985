package logging

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config selects the output format and the level of each module. Modules
// without an entry use Level.
type Config struct {
	Level   string            `toml:"level"`
	Format  string            `toml:"format"`
	Modules map[string]string `toml:"modules"`
}

// moduleLogger pairs a cached logger with the LevelVar its handlers read,
// so level changes reach loggers already handed out.
type moduleLogger struct {
	logger *slog.Logger
	level  *slog.LevelVar
}

var (
	mutex       sync.RWMutex
	current     Config
	initialized bool
	rootLevel   = &slog.LevelVar{}
	modules     = make(map[string]*moduleLogger)
)

// Initialize applies cfg to every module logger, existing or future, and
// installs the default logger.
func Initialize(cfg Config) {
	mutex.Lock()
	defer mutex.Unlock()

	current = cfg
	initialized = true
	rootLevel.Set(levelOr(cfg.Level, slog.LevelInfo))

	for name, m := range modules {
		m.level.Set(levelFor(name))
		m.logger = newModuleLogger(name, m.level)
	}
	slog.SetDefault(slog.New(newHandler(cfg.Format, rootLevel)))
}

// GetLogger returns the logger for module, creating it on first use.
// Loggers created before Initialize start at info in text format.
func GetLogger(module string) *slog.Logger {
	mutex.RLock()
	m, ok := modules[module]
	mutex.RUnlock()
	if ok {
		return m.logger
	}

	mutex.Lock()
	defer mutex.Unlock()
	return lookupLocked(module).logger
}

// SetModuleLevel changes a module's level at runtime. Unknown level names
// are rejected and leave the current level in place.
func SetModuleLevel(module, level string) bool {
	parsed, ok := parseLevel(level)
	if !ok {
		return false
	}

	mutex.Lock()
	defer mutex.Unlock()
	lookupLocked(module).level.Set(parsed)
	if current.Modules == nil {
		current.Modules = make(map[string]string)
	}
	current.Modules[module] = level
	return true
}

func lookupLocked(module string) *moduleLogger {
	if m, ok := modules[module]; ok {
		return m
	}
	m := &moduleLogger{level: &slog.LevelVar{}}
	m.level.Set(levelFor(module))
	m.logger = newModuleLogger(module, m.level)
	modules[module] = m
	return m
}

// levelFor resolves a module's configured level. Caller holds mutex.
func levelFor(module string) slog.Level {
	if !initialized {
		return slog.LevelInfo
	}
	def := levelOr(current.Level, slog.LevelInfo)
	return levelOr(current.Modules[module], def)
}

func newModuleLogger(module string, level slog.Leveler) *slog.Logger {
	format := "text"
	if initialized {
		format = current.Format
	}
	return slog.New(newHandler(format, level)).With("module", module)
}

// newHandler writes to stdout when it goes anywhere useful and to the
// journal when journald is listening.
func newHandler(format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	var console slog.Handler
	if format == "json" {
		console = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		console = slog.NewTextHandler(os.Stdout, opts)
	}

	var sinks []slog.Handler
	if stdoutAttached() {
		sinks = append(sinks, console)
	}
	if IsJournalAvailable() {
		sinks = append(sinks, NewJournalHandler(level))
	}
	switch len(sinks) {
	case 0:
		return console
	case 1:
		return sinks[0]
	}
	return NewMultiHandler(sinks...)
}

// stdoutAttached is false when stdout is closed or /dev/null.
func stdoutAttached() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	mode := fi.Mode()
	return mode&(os.ModeCharDevice|os.ModeNamedPipe|os.ModeSocket) != 0 || mode.IsRegular()
}

func levelOr(name string, def slog.Level) slog.Level {
	if l, ok := parseLevel(name); ok {
		return l
	}
	return def
}

func parseLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return 0, false
}
