// Command khidmatctl is the operator CLI: schema migrations, admin tokens
// and a quick look at the reminder backlog.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lalithlochan/khidmat/internal/observ"
)

// App holds what every subcommand needs.
type App struct {
	ctx    context.Context
	logger *zap.Logger
}

var (
	databaseURL string
	logLevel    string
	app         *App
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "khidmatctl",
		Short:         "Operate the khidmat duty roster",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initApp()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if app != nil && app.logger != nil {
				_ = app.logger.Sync()
			}
		},
	}

	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection URL (env DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOr("LOG_LEVEL", "info"), "Log level")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(remindersCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func initApp() error {
	logger, err := observ.NewLogger(envOr("ENV", "development"), logLevel, "khidmatctl")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	app = &App{ctx: context.Background(), logger: logger}
	return nil
}

// connect opens a pool that allows multi-statement SQL files.
func connect(ctx context.Context) (*pgxpool.Pool, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	cfg.ConnConfig.RuntimeParams["application_name"] = "khidmatctl"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return pool, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
