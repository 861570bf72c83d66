package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"reqflow/internal/app"
	"reqflow/internal/domain"
	"reqflow/internal/engine"
	"reqflow/internal/repo"
)

func requestCmd() *cobra.Command {
	r := &cobra.Command{Use: "request", Short: "Work with requests"}
	r.AddCommand(requestCreateCmd())
	r.AddCommand(requestShowCmd())
	r.AddCommand(requestListCmd())
	r.AddCommand(requestUpdateCmd())
	r.AddCommand(requestTransitionCmd())
	r.AddCommand(requestTransitionsCmd())
	r.AddCommand(requestAssignCmd())
	return r
}

var requestHeader = table.Row{"ID", "Title", "Status", "Version", "Created by", "Assignee", "Updated"}

func requestRows(items ...domain.Request) []table.Row {
	rows := make([]table.Row, 0, len(items))
	for _, r := range items {
		rows = append(rows, table.Row{r.ID, r.Title, r.Status, r.Version, r.CreatedBy, deref(r.AssignedTo), r.UpdatedAt})
	}
	return rows
}

// parseFields turns key=value pairs into a fields map. Values that parse as
// JSON keep their type; "key=" with nothing after removes the key.
func parseFields(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, domain.ValidationError{Field: "field", Reason: fmt.Sprintf("expected key=value, got %q", pair)}
		}
		if raw == "" {
			out[key] = nil
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}

func requestCreateCmd() *cobra.Command {
	var title string
	var fields []string
	cmd := &cobra.Command{
		Use:   "create PROGRAM_ID",
		Short: "Open a draft request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			fm, err := parseFields(fields)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				req, err := a.Engine.CreateRequest(ctx, p, engine.RequestCreateOptions{ProgramID: args[0], Title: title, Fields: fm})
				if err != nil {
					return err
				}
				return printJSONOrTable(req, requestHeader, requestRows(req))
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "request title")
	cmd.Flags().StringArrayVar(&fields, "field", nil, "custom field as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func requestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show REQUEST_ID",
		Short: "Show a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				req, err := a.Engine.GetRequest(ctx, p, args[0])
				if err != nil {
					return err
				}
				if isJSON() {
					return printJSON(req)
				}
				if err := printJSONOrTable(req, requestHeader, requestRows(req)); err != nil {
					return err
				}
				if len(req.Fields) > 0 {
					b, _ := json.MarshalIndent(req.Fields, "", "  ")
					fmt.Println(string(b))
				}
				return nil
			})
		},
	}
}

func requestListCmd() *cobra.Command {
	var status, createdBy, assignedTo string
	var limit int
	cmd := &cobra.Command{
		Use:   "list PROGRAM_ID",
		Short: "List requests of a program, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListRequests(ctx, p, repo.RequestFilters{
					ProgramID:  args[0],
					Status:     domain.Status(status),
					CreatedBy:  createdBy,
					AssignedTo: assignedTo,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(items, requestHeader, requestRows(items...))
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&createdBy, "created-by", "", "creator filter")
	cmd.Flags().StringVar(&assignedTo, "assigned-to", "", "assignee filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func requestUpdateCmd() *cobra.Command {
	var title string
	var fields []string
	var expected int
	cmd := &cobra.Command{
		Use:   "update REQUEST_ID",
		Short: "Edit the title or custom fields of a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			fm, err := parseFields(fields)
			if err != nil {
				return err
			}
			opts := engine.RequestUpdateOptions{RequestID: args[0], Fields: fm, ExpectedVersion: expected}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				req, err := a.Engine.UpdateRequest(ctx, p, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(req, requestHeader, requestRows(req))
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringArrayVar(&fields, "field", nil, "custom field as key=value; key= removes it (repeatable)")
	cmd.Flags().IntVar(&expected, "expected-version", 0, "fail unless the request is at this version")
	return cmd
}

func requestTransitionCmd() *cobra.Command {
	var to, note string
	var expected int
	cmd := &cobra.Command{
		Use:   "transition REQUEST_ID",
		Short: "Move a request to another status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				req, err := a.Engine.Transition(ctx, p, engine.TransitionOptions{
					RequestID:       args[0],
					To:              domain.Status(to),
					ExpectedVersion: expected,
					Note:            note,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(req, requestHeader, requestRows(req))
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target status")
	cmd.Flags().StringVar(&note, "note", "", "note recorded in the audit trail")
	cmd.Flags().IntVar(&expected, "expected-version", 0, "fail unless the request is at this version")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func requestTransitionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transitions REQUEST_ID",
		Short: "List the statuses the caller may move a request to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				allowed, err := a.Engine.AllowedTransitions(ctx, p, args[0])
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(allowed))
				for _, s := range allowed {
					rows = append(rows, table.Row{s})
				}
				return printJSONOrTable(allowed, table.Row{"Allowed"}, rows)
			})
		},
	}
}

func requestAssignCmd() *cobra.Command {
	var assignee string
	cmd := &cobra.Command{
		Use:   "assign REQUEST_ID",
		Short: "Assign a request to a manager or team member; empty --to unassigns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				req, err := a.Engine.AssignRequest(ctx, p, args[0], assignee)
				if err != nil {
					return err
				}
				return printJSONOrTable(req, requestHeader, requestRows(req))
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "to", "", "assignee user id")
	return cmd
}

func auditCmd() *cobra.Command {
	c := &cobra.Command{Use: "audit", Short: "Read the audit trail"}
	c.AddCommand(auditTailCmd())
	return c
}

func auditTailCmd() *cobra.Command {
	var n int
	var requestID, actorID, action string
	cmd := &cobra.Command{
		Use:   "tail PROGRAM_ID",
		Short: "Show the latest audit entries of a program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListAudit(ctx, p, repo.AuditFilters{
					ProgramID: args[0],
					RequestID: requestID,
					ActorID:   actorID,
					Action:    action,
					Limit:     n,
				})
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, e := range items {
					rows = append(rows, table.Row{e.CreatedAt, e.Action, e.EntityType, e.EntityID, e.PerformedBy, summarize(e.Before, e.After)})
				}
				return printJSONOrTable(items, table.Row{"At", "Action", "Entity", "ID", "By", "Change"}, rows)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&requestID, "request", "", "request id filter")
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id filter")
	cmd.Flags().StringVar(&action, "action", "", "action filter, e.g. request.status_changed")
	return cmd
}

// summarize renders the status change of an audit entry when there is one.
func summarize(before, after map[string]any) string {
	from, hasFrom := before["status"]
	to, hasTo := after["status"]
	switch {
	case hasFrom && hasTo:
		return fmt.Sprintf("%v -> %v", from, to)
	case hasTo:
		return fmt.Sprintf("-> %v", to)
	}
	return ""
}
