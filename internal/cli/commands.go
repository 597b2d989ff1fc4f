package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/denis-tsv/ExactlyOnce/internal/config"
	"github.com/denis-tsv/ExactlyOnce/internal/infrastructure/postgres"
	"github.com/denis-tsv/ExactlyOnce/internal/usecase"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

func newMigrateCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withPool(cmd.Context(), logger, func(_ context.Context, _ *config.Config, pool *pgxpool.Pool) error {
				return postgres.Migrate(pool, logger)
			})
		},
	}
}

// newProvisionCommand creates the cursor rows of a topic. Cursors are never
// created on the fly, so every partition must be provisioned before its
// messages can be dispatched.
func newProvisionCommand(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create missing cursors for the partitions of a topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			topic, _ := cmd.Flags().GetString("topic")
			partitions, _ := cmd.Flags().GetInt("partitions")
			if topic == "" {
				return fmt.Errorf("--topic is required")
			}

			return withPool(cmd.Context(), logger, func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
				n, err := postgres.NewOffsetRepository(pool).Provision(ctx, topic, partitions)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "provisioned %d new cursor(s) for %s\n", n, topic)
				return nil
			})
		},
	}
	cmd.Flags().String("topic", "", "topic name")
	cmd.Flags().Int("partitions", 1, "number of partitions")
	return cmd
}

func newStatusCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print every cursor with its pending inbox messages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withPool(cmd.Context(), logger, func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
				uc := usecase.NewListCursors(nil, postgres.NewOffsetRepository(pool), postgres.NewInboxRepository(pool))
				cursors, err := uc.Execute(ctx)
				if err != nil {
					return err
				}

				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(cursors)
			})
		},
	}
}
