package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"vodsum/internal/config"
	"vodsum/internal/fanout"
	"vodsum/internal/queue"
)

func newReceiptsCommand(ctx *commandContext) *cobra.Command {
	receiptsCmd := &cobra.Command{
		Use:   "receipts",
		Short: "Inspect per-recipient delivery receipts",
	}

	receiptsCmd.AddCommand(newReceiptsListCommand(ctx))
	receiptsCmd.AddCommand(newReceiptsRedeliverCommand(ctx))

	return receiptsCmd
}

func newReceiptsListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list <job-id>",
		Short: "List delivery receipts for one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				receipts, err := fanout.NewReceipts(store.DB()).List(cmd.Context(), jobID)
				if err != nil {
					return err
				}
				if len(receipts) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "no receipts for job %d\n", jobID)
					return nil
				}
				rows := make([][]string, 0, len(receipts))
				for _, r := range receipts {
					rows = append(rows, []string{
						strconv.FormatInt(r.RecipientID, 10),
						r.State,
						r.MessageID,
						strconv.Itoa(r.Attempts),
						truncate(r.LastError, 60),
						r.UpdatedAt.Format(time.RFC3339),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Recipient", "State", "Message", "Attempts", "Last Error", "Updated"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
}

func newReceiptsRedeliverCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "redeliver <job-id>",
		Short: "Queue a completed job for another distribution pass",
		Long: "Clears the job's distribution stamp so the daemon runs another " +
			"fan-out pass. Recipients with a delivered or permanently failed " +
			"receipt are skipped; only retryable and missing deliveries are retried.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				item, err := store.GetByID(cmd.Context(), jobID)
				if err != nil {
					return err
				}
				if item == nil {
					return fmt.Errorf("job %d not found", jobID)
				}
				if item.Status != queue.StatusCompleted {
					return fmt.Errorf("job %d is %s, only completed jobs can be redelivered", jobID, item.Status)
				}
				item.DistributedAt = nil
				if err := store.Update(cmd.Context(), item); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %d queued for redelivery\n", jobID)
				return nil
			})
		},
	}
}
