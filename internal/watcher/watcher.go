package watcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Rollover advances billing dates that have passed
type Rollover interface {
	RollOverDue(ctx context.Context) (int, error)
}

// Reaper fails import runs abandoned by a crashed process
type Reaper interface {
	ReapStale(ctx context.Context) (int64, error)
}

type Config struct {
	RolloverInterval time.Duration
	ReaperInterval   time.Duration
}

// Watcher runs the periodic maintenance jobs. Each job also runs once at
// start so a restart picks up work missed while the process was down.
type Watcher struct {
	cfg      Config
	rollover Rollover
	reaper   Reaper
	logger   *zap.Logger
}

func New(cfg Config, rollover Rollover, reaper Reaper, logger *zap.Logger) *Watcher {
	return &Watcher{
		cfg:      cfg,
		rollover: rollover,
		reaper:   reaper,
		logger:   logger,
	}
}

type job struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error
}

// Start blocks until ctx is cancelled and every job loop has returned
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("starting watcher",
		zap.Duration("rollover_interval", w.cfg.RolloverInterval),
		zap.Duration("reaper_interval", w.cfg.ReaperInterval),
	)

	jobs := []job{
		{name: "rollover", interval: w.cfg.RolloverInterval, run: w.runRollover},
		{name: "reaper", interval: w.cfg.ReaperInterval, run: w.runReaper},
	}

	var wg sync.WaitGroup
	for _, j := range jobs {
		if j.interval <= 0 {
			w.logger.Warn("job disabled", zap.String("job", j.name))
			continue
		}
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			w.loop(ctx, j)
		}(j)
	}
	wg.Wait()

	w.logger.Info("watcher shutting down")
	return ctx.Err()
}

func (w *Watcher) loop(ctx context.Context, j job) {
	w.runOnce(ctx, j)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runOnce(ctx, j)
		}
	}
}

func (w *Watcher) runOnce(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job panicked", zap.String("job", j.name), zap.Any("panic", r))
		}
	}()

	if err := j.run(ctx); err != nil && ctx.Err() == nil {
		w.logger.Error("job failed", zap.String("job", j.name), zap.Error(err))
	}
}

func (w *Watcher) runRollover(ctx context.Context) error {
	n, err := w.rollover.RollOverDue(ctx)
	if err != nil {
		return err
	}
	w.logger.Debug("rollover finished", zap.Int("updated", n))
	return nil
}

func (w *Watcher) runReaper(ctx context.Context) error {
	_, err := w.reaper.ReapStale(ctx)
	return err
}
