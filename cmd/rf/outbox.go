package main

import (
	"context"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"reqflow/internal/app"
	"reqflow/internal/domain"
	"reqflow/internal/engine/auth"
	"reqflow/internal/repo"
)

func outboxCmd() *cobra.Command {
	o := &cobra.Command{Use: "outbox", Short: "Inspect and drive outbound event delivery"}
	o.AddCommand(outboxListCmd())
	o.AddCommand(outboxRequeueCmd())
	o.AddCommand(outboxDispatchCmd())
	return o
}

var outboxHeader = table.Row{"ID", "Type", "Status", "Retries", "Next retry", "Last error"}

func outboxRows(items ...domain.OutboxEvent) []table.Row {
	rows := make([]table.Row, 0, len(items))
	for _, ev := range items {
		rows = append(rows, table.Row{ev.ID, ev.EventType, ev.Status, ev.RetryCount, deref(ev.NextRetryAt), ev.LastError})
	}
	return rows
}

func outboxListCmd() *cobra.Command {
	var status, requestID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list PROGRAM_ID",
		Short: "List outbound events of a program (manager)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListOutbox(ctx, p, repo.OutboxFilters{
					ProgramID: args[0],
					RequestID: requestID,
					Status:    domain.OutboxStatus(status),
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(items, outboxHeader, outboxRows(items...))
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending, sent or failed")
	cmd.Flags().StringVar(&requestID, "request", "", "request id filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func outboxRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue EVENT_ID",
		Short: "Return a failed event to pending with a fresh retry budget (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ev, err := a.Engine.RequeueOutbox(ctx, p, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(ev, outboxHeader, outboxRows(ev))
			})
		},
	}
}

func outboxDispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Run one delivery cycle against webhook.url (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			if err := auth.RequireAdmin(p); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.NewDispatcher()
				if err != nil {
					return err
				}
				stats, ran, err := d.Tick(ctx)
				if err != nil {
					return err
				}
				if isJSON() {
					return printJSON(map[string]any{"ran": ran, "stats": stats})
				}
				return printJSONOrTable(stats,
					table.Row{"Ran", "Due", "Sent", "Retried", "Failed", "Contended"},
					[]table.Row{{ran, stats.Due, stats.Sent, stats.Retried, stats.Failed, stats.Contended}})
			})
		},
	}
}
