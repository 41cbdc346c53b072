package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"vodsum/internal/config"
	"vodsum/internal/queue"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the job queue",
	}

	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueShowCommand(ctx))
	queueCmd.AddCommand(newQueueRetryCommand(ctx))
	queueCmd.AddCommand(newQueueClearCommand(ctx))
	queueCmd.AddCommand(newQueueHealthCommand(ctx))

	return queueCmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var statusFlag string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				var statuses []queue.Status
				if trimmed := strings.TrimSpace(statusFlag); trimmed != "" {
					for _, raw := range strings.Split(trimmed, ",") {
						status, ok := queue.ParseStatus(raw)
						if !ok {
							return fmt.Errorf("unknown status %q", raw)
						}
						statuses = append(statuses, status)
					}
				} else {
					statuses = queue.AllStatuses()
				}

				items, err := store.List(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				if len(items) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "queue is empty")
					return nil
				}

				rows := make([][]string, 0, len(items))
				for _, item := range items {
					rows = append(rows, []string{
						strconv.FormatInt(item.ID, 10),
						item.SourceID,
						item.VideoID,
						truncate(item.Title, 40),
						formatDuration(item.DurationSeconds),
						string(item.Status),
						item.SkipReason,
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Source", "Video", "Title", "Duration", "Status", "Skip Reason"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&statusFlag, "status", "", "Comma-separated status filter")
	return cmd
}

func newQueueShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one job in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				item, err := store.GetByID(cmd.Context(), id)
				if err != nil {
					return err
				}
				if item == nil {
					return fmt.Errorf("job %d not found", id)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Job %d  %s/%s\n", item.ID, item.SourceID, item.VideoID)
				fmt.Fprintf(out, "  Title:      %s\n", item.Title)
				fmt.Fprintf(out, "  URL:        %s\n", item.URL)
				fmt.Fprintf(out, "  Duration:   %s\n", formatDuration(item.DurationSeconds))
				fmt.Fprintf(out, "  Status:     %s\n", item.Status)
				fmt.Fprintf(out, "  Attempts:   %d\n", item.AttemptCount)
				if item.ErrorMessage != "" {
					fmt.Fprintf(out, "  Error:      %s\n", item.ErrorMessage)
				}
				if item.FailedFrom != "" {
					fmt.Fprintf(out, "  FailedFrom: %s\n", item.FailedFrom)
				}
				if detail, ok := item.SkipDetail(); ok {
					fmt.Fprintf(out, "  Skipped:    %s (%ds over the %ds ceiling)\n",
						item.SkipReason, detail.ActualSeconds-detail.CeilingSeconds, detail.CeilingSeconds)
				}
				if item.MediaFile != "" {
					fmt.Fprintf(out, "  Media:      %s\n", item.MediaFile)
				}
				if item.TranscriptFile != "" {
					fmt.Fprintf(out, "  Transcript: %s\n", item.TranscriptFile)
				}
				if item.SummaryText != "" {
					fmt.Fprintf(out, "  Summary:    %s\n", truncate(item.SummaryText, 200))
				}
				if tags := item.Tags(); len(tags) > 0 {
					fmt.Fprintf(out, "  Tags:       %s\n", strings.Join(tags, ", "))
				}
				if item.DistributedAt != nil {
					fmt.Fprintf(out, "  Distributed: %s\n", item.DistributedAt.Format(time.RFC3339))
				}

				times := item.PhaseTimes()
				if len(times) > 0 {
					type stamp struct {
						status queue.Status
						at     time.Time
					}
					stamps := make([]stamp, 0, len(times))
					for status, at := range times {
						stamps = append(stamps, stamp{status: status, at: at})
					}
					sort.Slice(stamps, func(i, j int) bool { return stamps[i].at.Before(stamps[j].at) })
					fmt.Fprintln(out, "  Phases:")
					for _, s := range stamps {
						fmt.Fprintf(out, "    %-14s %s\n", s.status, s.at.Format(time.RFC3339))
					}
				}
				return nil
			})
		},
	}
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [id...]",
		Short: "Re-admit failed jobs at the start of the phase they failed from",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid job id %q", arg)
				}
				ids = append(ids, id)
			}
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				retried, err := store.RetryFailed(cmd.Context(), ids...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "re-admitted %d job(s)\n", retried)
				return nil
			})
		},
	}
}

func newQueueClearCommand(ctx *commandContext) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove finished jobs from the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				var removed int64
				var err error
				if all {
					removed, err = store.Clear(cmd.Context())
				} else {
					removed, err = store.ClearTerminal(cmd.Context())
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d job(s)\n", removed)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Remove every job, not just finished ones")
	return cmd
}

func newQueueHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show aggregate queue counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				summary, err := store.Health(cmd.Context())
				if err != nil {
					return err
				}
				rows := [][]string{
					{"total", strconv.Itoa(summary.Total)},
					{"discovered", strconv.Itoa(summary.Discovered)},
					{"processing", strconv.Itoa(summary.Processing)},
					{"awaiting_quota", strconv.Itoa(summary.AwaitingQuota)},
					{"completed", strconv.Itoa(summary.Completed)},
					{"failed", strconv.Itoa(summary.Failed)},
					{"skipped", strconv.Itoa(summary.Skipped)},
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"State", "Count"},
					rows,
					[]columnAlignment{alignLeft, alignRight},
				))
				return nil
			})
		},
	}
}

func truncate(value string, max int) string {
	value = strings.TrimSpace(value)
	runes := []rune(value)
	if len(runes) <= max {
		return value
	}
	return string(runes[:max-1]) + "…"
}

func formatDuration(seconds int64) string {
	if seconds <= 0 {
		return "-"
	}
	d := time.Duration(seconds) * time.Second
	if d >= time.Hour {
		return fmt.Sprintf("%d:%02d:%02d", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
	}
	return fmt.Sprintf("%d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}
