package blockade

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StartPurger deletes blockades that expired more than retention ago, every
// interval, until ctx is done.
func StartPurger(ctx context.Context, store Store, interval, retention time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("blockade_purger")
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				purgeOnce(ctx, store, now.Add(-retention), logger)
			}
		}
	}()
}

func purgeOnce(ctx context.Context, store Store, olderThan time.Time, logger *zap.Logger) {
	n, err := store.Purge(ctx, olderThan)
	if err != nil {
		logger.Warn("blockade purge failed", zap.Error(err))
		return
	}
	if n > 0 {
		logger.Info("purged expired blockades", zap.Int("count", n), zap.Time("older_than", olderThan))
	}
}
