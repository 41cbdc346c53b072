package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"vodsum/internal/cache"
	"vodsum/internal/config"
	"vodsum/internal/logging"
	"vodsum/internal/queue"
	"vodsum/internal/subscriptions"
)

func newSubsCommand(ctx *commandContext) *cobra.Command {
	subsCmd := &cobra.Command{
		Use:   "subs",
		Short: "Manage recipients and their source subscriptions",
	}

	subsCmd.AddCommand(newSubsAddCommand(ctx))
	subsCmd.AddCommand(newSubsListCommand(ctx))
	subsCmd.AddCommand(newSubsDeactivateCommand(ctx))
	subsCmd.AddCommand(newSubsSubscribeCommand(ctx))
	subsCmd.AddCommand(newSubsUnsubscribeCommand(ctx))

	return subsCmd
}

// withDirectory opens the store and builds an uncached directory: CLI
// invocations are one-shot, so a read-through cache would never get a hit.
func withDirectory(ctx *commandContext, fn func(*config.Config, *subscriptions.Directory) error) error {
	return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
		cacheLayer := cache.New(cache.NewMemoryStore(), false, logging.NewNop())
		return fn(cfg, subscriptions.NewDirectory(store.DB(), cacheLayer, logging.NewNop()))
	})
}

func newSubsAddCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "add <chat-id> <label>",
		Short: "Register a recipient chat",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			chatID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid chat id %q", args[0])
			}
			return withDirectory(ctx, func(cfg *config.Config, directory *subscriptions.Directory) error {
				id, err := directory.AddRecipient(cmd.Context(), chatID, args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recipient %d registered for chat %d\n", id, chatID)
				return nil
			})
		},
	}
}

func newSubsListCommand(ctx *commandContext) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recipients and their subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDirectory(ctx, func(cfg *config.Config, directory *subscriptions.Directory) error {
				recipients, err := directory.Recipients(cmd.Context(), !all)
				if err != nil {
					return err
				}
				if len(recipients) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no recipients")
					return nil
				}
				rows := make([][]string, 0, len(recipients))
				for _, recipient := range recipients {
					sources, err := directory.SourcesFor(cmd.Context(), recipient.ID)
					if err != nil {
						return err
					}
					rows = append(rows, []string{
						strconv.FormatInt(recipient.ID, 10),
						strconv.FormatInt(recipient.ChatID, 10),
						recipient.Label,
						yesNo(recipient.Active),
						strings.Join(sources, ", "),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Chat", "Label", "Active", "Sources"},
					rows,
					[]columnAlignment{alignRight, alignRight, alignLeft, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Include deactivated recipients")
	return cmd
}

func newSubsDeactivateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <recipient-id>",
		Short: "Stop all deliveries to a recipient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid recipient id %q", args[0])
			}
			return withDirectory(ctx, func(cfg *config.Config, directory *subscriptions.Directory) error {
				if err := directory.Deactivate(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recipient %d deactivated\n", id)
				return nil
			})
		},
	}
}

func newSubsSubscribeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe <recipient-id> <source-id>",
		Short: "Subscribe a recipient to a source",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid recipient id %q", args[0])
			}
			return withDirectory(ctx, func(cfg *config.Config, directory *subscriptions.Directory) error {
				if _, ok := cfg.SourceByID(args[1]); !ok {
					return fmt.Errorf("source %q is not configured", args[1])
				}
				if err := directory.Subscribe(cmd.Context(), id, args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recipient %d subscribed to %s\n", id, args[1])
				return nil
			})
		},
	}
}

func newSubsUnsubscribeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "unsubscribe <recipient-id> <source-id>",
		Short: "Remove one subscription",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid recipient id %q", args[0])
			}
			return withDirectory(ctx, func(cfg *config.Config, directory *subscriptions.Directory) error {
				if err := directory.Unsubscribe(cmd.Context(), id, args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recipient %d unsubscribed from %s\n", id, args[1])
				return nil
			})
		},
	}
}
