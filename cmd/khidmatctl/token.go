package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lalithlochan/khidmat/internal/api"
)

func tokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin API token signed with JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("JWT_SECRET is required")
			}
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}

			tok, err := api.IssueToken([]byte(secret), subject, api.RoleAdmin, ttl)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			app.logger.Info("issued admin token",
				zap.String("subject", subject),
				zap.Duration("ttl", ttl),
			)
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Admin identity recorded on unlocks and reviews")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	return cmd
}
