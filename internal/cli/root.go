// Package cli contains the Cobra commands of the eoctl admin tool.
package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/denis-tsv/ExactlyOnce/internal/application/factories/infrastructure"
	"github.com/denis-tsv/ExactlyOnce/internal/config"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

// NewRoot constructs the root command and registers the migrate, provision
// and status subcommands.
func NewRoot(logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "eoctl",
		Short:         "Exactly-once pipeline administration",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newMigrateCommand(logger),
		newProvisionCommand(logger),
		newStatusCommand(logger),
	)

	return root
}

// withPool loads the config, connects to Postgres and runs fn with the pool.
func withPool(ctx context.Context, logger *slog.Logger, fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	factory := infrastructure.NewFactory(cfg, logger)
	defer factory.Close()

	pool, err := factory.Postgres(ctx)
	if err != nil {
		return err
	}

	return fn(ctx, cfg, pool)
}
