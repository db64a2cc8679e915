package main

import (
	"context"
	"errors"
	"fmt"

	"qms/queue-engine/internal/config"
	"qms/queue-engine/migrations"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	steps := []struct {
		use   string
		short string
		run   func(ctx context.Context, pool *pgxpool.Pool) error
	}{
		{"up", "Apply pending migrations", migrations.Up},
		{"status", "Show migration status", migrations.Status},
		{"down", "Roll back the latest migration", migrations.Down},
	}
	for _, step := range steps {
		step := step
		cmd.AddCommand(&cobra.Command{
			Use:   step.use,
			Short: step.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withPool(cmd.Context(), func(pool *pgxpool.Pool) error {
					if err := step.run(cmd.Context(), pool); err != nil {
						return fmt.Errorf("migrate %s: %w", step.use, err)
					}
					return nil
				})
			},
		})
	}
	return cmd
}

func withPool(ctx context.Context, fn func(pool *pgxpool.Pool) error) error {
	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		return errors.New("DB_DSN is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer pool.Close()
	return fn(pool)
}
