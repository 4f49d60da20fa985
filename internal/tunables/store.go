package tunables

import (
	"log/slog"
	"sync"
	"time"

	"github.com/smazurov/hwcomposer/internal/config"
	"github.com/smazurov/hwcomposer/internal/metrics"
)

// Store holds the current tuning values and reloads them when either file
// changes.
type Store struct {
	paths   Paths
	logger  *slog.Logger
	watcher *config.Watcher[Values]

	mu     sync.RWMutex
	values Values
}

// Options configures a Store.
type Options struct {
	Paths    Paths
	Logger   *slog.Logger
	Debounce time.Duration // zero uses the watcher default
}

// NewStore loads the files once and returns the store.
func NewStore(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{paths: opts.Paths, logger: logger}
	s.values, _ = Load(opts.Paths, logger)

	watchOpts := []config.WatcherOption[Values]{}
	if opts.Debounce > 0 {
		watchOpts = append(watchOpts, config.WithDebounce[Values](opts.Debounce))
	}
	s.watcher = config.NewWatcher(opts.Paths.list(), s.reload, logger, watchOpts...)
	s.watcher.OnReload(s.set)
	return s
}

// Values returns the latest snapshot.
func (s *Store) Values() Values {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values
}

// OnChange registers fn to run with each reloaded snapshot. fn runs on the
// watcher goroutine. Returns an unsubscribe function.
func (s *Store) OnChange(fn func(Values)) func() {
	return s.watcher.OnReload(fn)
}

// Start begins watching the tuning files. With no paths configured it
// does nothing.
func (s *Store) Start() error {
	if len(s.paths.list()) == 0 {
		return nil
	}
	return s.watcher.Start()
}

// Stop stops watching.
func (s *Store) Stop() error {
	return s.watcher.Stop()
}

func (s *Store) reload() (Values, error) {
	v, clean := Load(s.paths, s.logger)
	metrics.IncTunableReload(clean)
	return v, nil
}

func (s *Store) set(v Values) {
	s.mu.Lock()
	s.values = v
	s.mu.Unlock()
	s.logger.Info("Colour tuning reloaded",
		"hue", v.Hue, "saturation", v.Saturation,
		"brightness", v.Brightness, "contrast", v.Contrast)
}
