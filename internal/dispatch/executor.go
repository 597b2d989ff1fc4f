package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/denis-tsv/ExactlyOnce/internal/command"
	"github.com/denis-tsv/ExactlyOnce/internal/domain/inbox"
	"github.com/denis-tsv/ExactlyOnce/internal/infrastructure/postgres"
	"github.com/denis-tsv/ExactlyOnce/internal/tracing"

	"go.opentelemetry.io/otel/codes"
)

// Ledger is the processed-marker store. Save must return an error wrapping
// inbox.ErrAlreadyProcessed when the key is already present.
type Ledger interface {
	Exists(ctx context.Context, idempotenceKey string) (bool, error)
	Save(ctx context.Context, idempotenceKey string) error
}

type Resolver interface {
	Resolve(topic string) (command.Handler, error)
}

type Outcome int

const (
	Processed Outcome = iota + 1
	AlreadyProcessed
)

func (o Outcome) String() string {
	switch o {
	case Processed:
		return "processed"
	case AlreadyProcessed:
		return "already_processed"
	default:
		return "unknown"
	}
}

// Executor runs the atomic unit shared by both delivery strategies: the
// topic's command plus the processed marker, committed together or not at all.
type Executor struct {
	tx       postgres.Transactor
	ledger   Ledger
	commands Resolver
	logger   *slog.Logger
}

func NewExecutor(tx postgres.Transactor, ledger Ledger, commands Resolver, logger *slog.Logger) *Executor {
	return &Executor{
		tx:       tx,
		ledger:   ledger,
		commands: commands,
		logger:   logger,
	}
}

// Execute handles msg once. then, when not nil, runs last inside the same
// transaction; it is skipped whenever the outcome is AlreadyProcessed.
//
// A uniqueness violation on the marker means a competing worker committed the
// same key first. That is reported as AlreadyProcessed, not as an error.
// An unregistered topic yields an error wrapping command.ErrUnknownTopic.
func (e *Executor) Execute(ctx context.Context, msg inbox.Message, then func(ctx context.Context) error) (Outcome, error) {
	processed, err := e.ledger.Exists(ctx, msg.IdempotenceKey)
	if err != nil {
		return 0, fmt.Errorf("check processed: %w", err)
	}
	if processed {
		e.logger.Info("message already processed", "idempotence_key", msg.IdempotenceKey, "topic", msg.Topic)
		return AlreadyProcessed, nil
	}

	handler, err := e.commands.Resolve(msg.Topic)
	if err != nil {
		return 0, err
	}

	spanCtx, span := tracing.StartProcessing(ctx, msg.Headers, msg.Topic, msg.IdempotenceKey)
	defer span.End()

	err = e.tx.WithinTransaction(spanCtx, func(txCtx context.Context) error {
		if err := handler.Handle(txCtx, msg); err != nil {
			return err
		}
		if err := e.ledger.Save(txCtx, msg.IdempotenceKey); err != nil {
			return err
		}
		if then != nil {
			return then(txCtx)
		}
		return nil
	})
	if errors.Is(err, inbox.ErrAlreadyProcessed) {
		e.logger.Info("message already processed", "idempotence_key", msg.IdempotenceKey, "topic", msg.Topic, "race", true)
		return AlreadyProcessed, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "processing failed")
		return 0, fmt.Errorf("execute %s/%s: %w", msg.Topic, msg.IdempotenceKey, err)
	}

	return Processed, nil
}
