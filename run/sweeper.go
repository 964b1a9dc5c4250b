package run

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/relay/run/dedup"
)

// Sweeper periodically evicts terminal executions from live memory once
// their retention grace has lapsed, and prunes expired idempotency
// ledger entries. Persisted execution records are never touched.
type Sweeper struct {
	coordinator *Coordinator
	ledger      *dedup.Ledger
	interval    time.Duration
	grace       time.Duration
	logger      *zap.SugaredLogger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a retention sweeper. interval is how often the
// sweep runs; grace is how long a terminal execution stays live (and
// stream-attachable) after it finishes.
func NewSweeper(coordinator *Coordinator, ledger *dedup.Ledger, interval, grace time.Duration, logger *zap.SugaredLogger) *Sweeper {
	return &Sweeper{
		coordinator: coordinator,
		ledger:      ledger,
		interval:    interval,
		grace:       grace,
		logger:      logger,
		done:        make(chan struct{}),
	}
}

// Start launches the sweep loop in a goroutine
func (s *Sweeper) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				s.sweepOnce()
			}
		}
	}()
}

// Stop halts the sweep loop and waits for the current pass to finish
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Sweeper) sweepOnce() {
	cutoff := time.Now().Add(-s.grace)

	evicted := s.coordinator.sweep(cutoff)
	if evicted > 0 {
		s.logger.Debugw("Swept terminal executions from live memory", "count", evicted)
	}

	pruned, err := s.ledger.Prune()
	if err != nil {
		s.logger.Warnw("Failed to prune idempotency ledger", "error", err)
		return
	}
	if pruned > 0 {
		s.logger.Debugw("Pruned expired idempotency entries", "count", pruned)
	}
}
