package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"vodsum/internal/config"
	"vodsum/internal/logging"
	"vodsum/internal/queue"
	"vodsum/internal/quota"
)

func newQuotaCommand(ctx *commandContext) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Show the summarizer's daily call budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				limiter := quota.NewLimiter(store.DB(), quota.ResourceSummarizer, cfg.Quota.DailyCallLimit, logging.NewNop())

				today, err := limiter.Today(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "today (%s): %d/%d used, %d remaining\n",
					today.Day, today.CallsUsed, today.CallsAllowed, today.Remaining())

				summary, err := store.Health(cmd.Context())
				if err != nil {
					return err
				}
				if summary.AwaitingQuota > 0 {
					fmt.Fprintf(out, "%d job(s) waiting for quota\n", summary.AwaitingQuota)
				}

				windows, err := limiter.History(cmd.Context(), days)
				if err != nil {
					return err
				}
				if len(windows) == 0 {
					return nil
				}
				rows := make([][]string, 0, len(windows))
				for _, w := range windows {
					rows = append(rows, []string{
						w.Day,
						strconv.Itoa(w.CallsUsed),
						strconv.Itoa(w.CallsAllowed),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Day", "Used", "Allowed"},
					rows,
					[]columnAlignment{alignLeft, alignRight, alignRight},
				))
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "Number of past windows to show")
	return cmd
}
