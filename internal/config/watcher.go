package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Watcher reloads a Store on a cron schedule such as "@every 30s".
type Watcher struct {
	store    *Store
	schedule string
	timeout  time.Duration
	log      zerolog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewWatcher creates a watcher; the schedule is validated by Start.
func NewWatcher(store *Store, schedule string, log zerolog.Logger) *Watcher {
	return &Watcher{
		store:    store,
		schedule: schedule,
		timeout:  30 * time.Second,
		log:      log,
	}
}

// Start schedules periodic reloads. Starting a running watcher is a no-op.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cron != nil {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(w.schedule, w.reload); err != nil {
		return fmt.Errorf("invalid reload schedule %q: %w", w.schedule, err)
	}
	c.Start()
	w.cron = c
	w.log.Info().Str("schedule", w.schedule).Msg("config watcher started")
	return nil
}

// Stop halts the schedule and waits for a running reload to finish.
func (w *Watcher) Stop() {
	w.mu.Lock()
	c := w.cron
	w.cron = nil
	w.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	w.log.Info().Msg("config watcher stopped")
}

func (w *Watcher) reload() {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	// Errors are logged by the store; the previous snapshot stays active.
	changed, err := w.store.Reload(ctx)
	if err == nil && changed {
		w.log.Info().Int64("version", w.store.Snapshot().Version()).Msg("config reloaded")
	}
}
