package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/denis-tsv/ExactlyOnce/internal/domain/cursor"
	"github.com/denis-tsv/ExactlyOnce/internal/domain/inbox"
	"github.com/denis-tsv/ExactlyOnce/internal/metrics"
)

type Cursors interface {
	Advance(ctx context.Context, id int64, offset int64, leasedUntil time.Time) error
	Postpone(ctx context.Context, id int64, delay time.Duration, leasedUntil time.Time) error
}

type Log interface {
	NextAfter(ctx context.Context, topic string, partition int, offset int64) (*inbox.Message, error)
}

type Config struct {
	NoInboxMessagesDelay time.Duration
	// UnitTimeout bounds one dispatch once it has started. The unit is not
	// interrupted by cancellation of the caller's context.
	UnitTimeout time.Duration
}

type Result int

const (
	// Idle means the cursor had no pending message and was postponed.
	Idle Result = iota + 1
	Dispatched
	Duplicate
)

// Dispatcher replays the inbox of a leased cursor one message at a time.
type Dispatcher struct {
	log      Log
	cursors  Cursors
	executor *Executor
	cfg      Config
	logger   *slog.Logger
}

func NewDispatcher(log Log, cursors Cursors, executor *Executor, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.UnitTimeout <= 0 {
		cfg.UnitTimeout = 30 * time.Second
	}
	return &Dispatcher{
		log:      log,
		cursors:  cursors,
		executor: executor,
		cfg:      cfg,
		logger:   logger,
	}
}

// Dispatch handles the oldest logged message after c.LastProcessedOffset.
// c must come from a claim; its LeasedUntil guards the cursor writes.
func (d *Dispatcher) Dispatch(ctx context.Context, c *cursor.Offset) (Result, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.UnitTimeout)
	defer cancel()

	msg, err := d.log.NextAfter(ctx, c.Topic, c.Partition, c.LastProcessedOffset)
	if err != nil {
		return 0, fmt.Errorf("next inbox message: %w", err)
	}

	if msg == nil {
		if err := d.cursors.Postpone(ctx, c.ID, d.cfg.NoInboxMessagesDelay, c.LeasedUntil); err != nil {
			return 0, err
		}
		metrics.CursorIdle.Inc()
		return Idle, nil
	}

	started := time.Now()
	outcome, err := d.executor.Execute(ctx, *msg, func(txCtx context.Context) error {
		return d.cursors.Advance(txCtx, c.ID, msg.Offset, c.LeasedUntil)
	})
	if err != nil {
		metrics.DispatchFailures.WithLabelValues(msg.Topic).Inc()
		return 0, err
	}

	if outcome == AlreadyProcessed {
		if err := d.cursors.Advance(ctx, c.ID, msg.Offset, c.LeasedUntil); err != nil {
			return 0, err
		}
		metrics.Dispatched.WithLabelValues(msg.Topic, metrics.OutcomeDuplicate).Inc()
		return Duplicate, nil
	}

	metrics.DispatchDuration.Observe(time.Since(started).Seconds())
	metrics.Dispatched.WithLabelValues(msg.Topic, metrics.OutcomeProcessed).Inc()
	d.logger.Debug("message dispatched",
		"topic", msg.Topic,
		"partition", msg.Partition,
		"offset", msg.Offset,
		"idempotence_key", msg.IdempotenceKey,
	)

	return Dispatched, nil
}
