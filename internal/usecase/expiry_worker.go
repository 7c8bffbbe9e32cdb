package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	defaultSweepInterval  = time.Minute
	defaultSweepBatchSize = 500
)

// ExpiryWorker periodically persists EXPIRED for lapsed assignments.
// Authorization never depends on it: the read-time predicate is authoritative.
type ExpiryWorker struct {
	assignments *AssignmentService
	interval    time.Duration
	batchSize   int
	logger      *zap.Logger
}

// NewExpiryWorker constructs a sweeper.
func NewExpiryWorker(assignments *AssignmentService, interval time.Duration, batchSize int, logger *zap.Logger) *ExpiryWorker {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if batchSize <= 0 {
		batchSize = defaultSweepBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExpiryWorker{assignments: assignments, interval: interval, batchSize: batchSize, logger: logger}
}

// Run sweeps until ctx is cancelled.
func (w *ExpiryWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("assignment expiry worker started", zap.Duration("interval", w.interval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("assignment expiry worker stopped")
			return nil
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *ExpiryWorker) sweep(ctx context.Context) {
	for {
		n, err := w.assignments.ExpireDue(ctx, w.batchSize)
		if err != nil {
			w.logger.Warn("assignment expiry sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			w.logger.Info("assignments expired", zap.Int("count", n))
		}
		if n < w.batchSize || ctx.Err() != nil {
			return
		}
	}
}
