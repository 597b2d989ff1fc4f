package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/denis-tsv/ExactlyOnce/internal/metrics"
)

type Pruner interface {
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// InboxPruner periodically deletes logged messages that are behind their
// cursor and already have a processed marker.
type InboxPruner struct {
	inbox     Pruner
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
}

func NewInboxPruner(inbox Pruner, interval, retention time.Duration, logger *slog.Logger) *InboxPruner {
	return &InboxPruner{
		inbox:     inbox,
		interval:  interval,
		retention: retention,
		logger:    logger,
	}
}

// Run returns immediately when the interval is zero.
func (p *InboxPruner) Run(ctx context.Context) error {
	if p.interval <= 0 {
		p.logger.Info("inbox pruning disabled")
		return nil
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := p.inbox.Prune(ctx, p.retention)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.logger.Error("failed to prune inbox", "error", err)
				continue
			}
			if n > 0 {
				metrics.Pruned.Add(float64(n))
				p.logger.Info("inbox pruned", "rows", n)
			}
		}
	}
}
