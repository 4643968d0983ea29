package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/lalithlochan/khidmat/internal/db"
)

func remindersCmd() *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "reminders",
		Short: "List reminders with their channel state and last error",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter db.ReminderStatus
			if status != "" {
				s, err := db.ParseReminderStatus(status)
				if err != nil {
					return err
				}
				filter = s
			}

			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				reminders, err := db.NewQueries(pool, app.logger).ListReminders(ctx, filter, limit, 0)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSCHEDULED\tSTATUS\tEMAIL\tWHATSAPP\tLAST ERROR")
				for _, r := range reminders {
					lastErr := "-"
					if r.LastError != nil {
						lastErr = *r.LastError
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						r.ID,
						r.ScheduledAt.Format("2006-01-02 15:04"),
						r.Status,
						channelState(r.EmailSent, r.EmailAttempts),
						channelState(r.WhatsAppSent, r.WhatsAppAttempts),
						lastErr,
					)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by PENDING, SENT, FAILED or CANCELLED")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	return cmd
}

func channelState(sent bool, attempts int) string {
	if sent {
		return "sent"
	}
	return fmt.Sprintf("%d tries", attempts)
}
