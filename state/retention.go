package state

import (
	"context"
	"sync"
	"time"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/telemetry"
)

// DefaultSweepInterval paces the retention sweeper.
const DefaultSweepInterval = time.Hour

type (
	// Sweeper periodically removes terminal step entries older than the
	// retention window. A zero retention disables it entirely; entries in
	// waiting_approval are never age-pruned regardless of the window.
	Sweeper struct {
		store     Store
		interval  time.Duration
		retention time.Duration
		logger    telemetry.Logger

		done   chan struct{}
		closed sync.Once
		wg     sync.WaitGroup
	}

	// SweeperOptions configures a Sweeper.
	SweeperOptions struct {
		// RetentionDays is the terminal-entry age limit in days; 0 disables
		// the sweep.
		RetentionDays int
		// Interval paces sweep runs; defaults to one hour.
		Interval time.Duration
		// Logger defaults to noop.
		Logger telemetry.Logger
	}
)

// NewSweeper constructs a sweeper over the store.
func NewSweeper(store Store, opts SweeperOptions) *Sweeper {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Sweeper{
		store:     store,
		interval:  interval,
		retention: time.Duration(opts.RetentionDays) * 24 * time.Hour,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Start launches the sweep loop. With retention disabled it returns without
// starting anything.
func (s *Sweeper) Start() {
	if s.retention <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

// Close stops the sweep loop.
func (s *Sweeper) Close() error {
	s.closed.Do(func() { close(s.done) })
	s.wg.Wait()
	return nil
}

func (s *Sweeper) sweep() {
	ctx := context.Background()
	cutoff := time.Now().Add(-s.retention)
	removed, err := s.store.SweepTerminal(ctx, cutoff)
	if err != nil {
		s.logger.Warn(ctx, "state.sweep_failed", "error", err.Error())
		return
	}
	if removed > 0 {
		s.logger.Info(ctx, "state.sweep_pruned", "removed", removed, "cutoff", cutoff.Format(time.RFC3339))
	}
}
