package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

func migrateCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect schema migrations",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", envOr("MIGRATIONS_DIR", "/migrations"), "Directory holding *.up.sql and *.down.sql files")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration in name order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				applied, skipped, err := applyMigrations(ctx, pool, dir, app.logger)
				if err != nil {
					return fmt.Errorf("apply migrations: %w", err)
				}
				app.logger.Info("migrations complete", zap.Int("applied", applied), zap.Int("skipped", skipped))
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recently applied migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				return rollbackLatest(ctx, pool, dir, app.logger)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				names, err := migrationFiles(dir)
				if err != nil {
					return err
				}
				for _, name := range names {
					at, err := appliedAt(ctx, pool, name)
					if err != nil {
						return err
					}
					state := "pending"
					if at != nil {
						state = "applied " + at.Format(time.RFC3339)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%-40s %s\n", name, state)
				}
				return nil
			})
		},
	})

	return cmd
}

func withPool(fn func(ctx context.Context, pool *pgxpool.Pool) error) error {
	pool, err := connect(app.ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := ensureSchemaTable(app.ctx, pool); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return fn(app.ctx, pool)
}

func ensureSchemaTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS schema_migrations (
            name TEXT PRIMARY KEY,
            applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );
    `)
	return err
}

// migrationFiles returns the *.up.sql names in dir, sorted.
func migrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), upSuffix) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool, dir string, logger *zap.Logger) (int, int, error) {
	names, err := migrationFiles(dir)
	if err != nil {
		return 0, 0, err
	}

	applied := 0
	skipped := 0

	for _, name := range names {
		at, err := appliedAt(ctx, pool, name)
		if err != nil {
			return applied, skipped, fmt.Errorf("check applied %s: %w", name, err)
		}
		if at != nil {
			logger.Debug("skip migration", zap.String("name", name))
			skipped++
			continue
		}

		contents, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return applied, skipped, fmt.Errorf("read %s: %w", name, err)
		}

		logger.Info("applying migration", zap.String("name", name))
		start := time.Now()

		err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(contents)); err != nil {
				return fmt.Errorf("execute %s: %w", name, err)
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations(name) VALUES($1) ON CONFLICT DO NOTHING", name)
			return err
		})
		if err != nil {
			return applied, skipped, err
		}

		applied++
		logger.Info("applied migration",
			zap.String("name", name),
			zap.Duration("took", time.Since(start).Round(time.Millisecond)),
		)
	}

	return applied, skipped, nil
}

func rollbackLatest(ctx context.Context, pool *pgxpool.Pool, dir string, logger *zap.Logger) error {
	var name string
	err := pool.QueryRow(ctx, "SELECT name FROM schema_migrations ORDER BY name DESC LIMIT 1").Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		logger.Info("nothing to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("find latest migration: %w", err)
	}

	downName := strings.TrimSuffix(name, upSuffix) + downSuffix
	contents, err := os.ReadFile(filepath.Join(dir, downName))
	if err != nil {
		return fmt.Errorf("read %s: %w", downName, err)
	}

	logger.Warn("rolling back migration", zap.String("name", name))
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, string(contents)); err != nil {
			return fmt.Errorf("execute %s: %w", downName, err)
		}
		_, err := tx.Exec(ctx, "DELETE FROM schema_migrations WHERE name = $1", name)
		return err
	})
}

func appliedAt(ctx context.Context, pool *pgxpool.Pool, name string) (*time.Time, error) {
	var at time.Time
	err := pool.QueryRow(ctx, "SELECT applied_at FROM schema_migrations WHERE name = $1", name).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &at, nil
}
