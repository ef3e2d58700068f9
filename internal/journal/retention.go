package journal

import (
	"context"
	"time"

	"github.com/smartylighting/lightbus/internal/infrastructure/mqtt"
)

// Checkpointer truncates the WAL after a prune. *database.DB implements it.
type Checkpointer interface {
	Checkpoint(ctx context.Context) error
}

// Retention periodically prunes events older than MaxAge.
type Retention struct {
	Repo     Repository
	MaxAge   time.Duration
	Interval time.Duration
	// Checkpoint is optional.
	Checkpoint Checkpointer
	Logger     mqtt.Logger
}

// Run prunes once immediately and then every Interval until ctx is done.
// A zero MaxAge disables pruning and Run returns at once.
func (r Retention) Run(ctx context.Context) error {
	if r.MaxAge <= 0 {
		return nil
	}
	if r.Interval <= 0 {
		r.Interval = time.Hour
	}
	if r.Logger == nil {
		r.Logger = nopLogger{}
	}

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		r.PruneOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PruneOnce removes expired events and returns how many were deleted.
func (r Retention) PruneOnce(ctx context.Context) int64 {
	logger := r.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	n, err := r.Repo.Prune(ctx, time.Now().Add(-r.MaxAge))
	if err != nil {
		logger.Warn("journal prune failed", "error", err)
		return 0
	}
	if n == 0 {
		return 0
	}

	logger.Info("journal pruned", "deleted", n)
	if r.Checkpoint != nil {
		if err := r.Checkpoint.Checkpoint(ctx); err != nil {
			logger.Warn("journal checkpoint failed", "error", err)
		}
	}
	return n
}
