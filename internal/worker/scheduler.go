package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/denis-tsv/ExactlyOnce/internal/command"
	"github.com/denis-tsv/ExactlyOnce/internal/dispatch"
	"github.com/denis-tsv/ExactlyOnce/internal/domain/cursor"
	"github.com/denis-tsv/ExactlyOnce/internal/metrics"

	"golang.org/x/sync/errgroup"
)

type Claimer interface {
	ClaimDue(ctx context.Context, lease time.Duration) (*cursor.Offset, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, c *cursor.Offset) (dispatch.Result, error)
}

type SchedulerConfig struct {
	Workers              int
	LockedDelay          time.Duration
	NoInboxMessagesDelay time.Duration
	RetryDelay           time.Duration
}

// Scheduler leases due cursors and hands them to the dispatcher. Workers in
// this process and in any other process compete only through ClaimDue.
type Scheduler struct {
	cursors    Claimer
	dispatcher Dispatcher
	cfg        SchedulerConfig
	logger     *slog.Logger
}

func NewScheduler(cursors Claimer, dispatcher Dispatcher, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Scheduler{
		cursors:    cursors,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run blocks until ctx is done. It returns an error only for failures that a
// retry cannot fix, such as a message on a topic with no registered command.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "workers", s.cfg.Workers, "locked_delay", s.cfg.LockedDelay)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			return s.loop(ctx, worker)
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, worker int) error {
	logger := s.logger.With("worker", worker)

	for {
		if ctx.Err() != nil {
			return nil
		}

		found, err := s.RunOnce(ctx)
		switch {
		case errors.Is(err, command.ErrUnknownTopic):
			logger.Error("unmapped topic, stopping", "error", err)
			return err
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("failed to dispatch", "error", err)
			sleep(ctx, s.cfg.RetryDelay)
		case !found:
			sleep(ctx, s.cfg.NoInboxMessagesDelay)
		}
	}
}

// RunOnce claims at most one due cursor and dispatches it. found is false
// when no cursor was due.
func (s *Scheduler) RunOnce(ctx context.Context) (found bool, err error) {
	c, err := s.cursors.ClaimDue(ctx, s.cfg.LockedDelay)
	if err != nil {
		return false, err
	}
	if c == nil {
		return false, nil
	}
	metrics.CursorClaims.Inc()

	if _, err := s.dispatcher.Dispatch(ctx, c); err != nil {
		return true, fmt.Errorf("dispatch %s/%d after offset %d: %w", c.Topic, c.Partition, c.LastProcessedOffset, err)
	}
	return true, nil
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
