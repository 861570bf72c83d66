package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"reqflow/internal/app"
	"reqflow/internal/domain"
	"reqflow/internal/engine/auth"
)

func programCmd() *cobra.Command {
	prg := &cobra.Command{Use: "program", Short: "Manage programs"}
	prg.AddCommand(programCreateCmd())
	prg.AddCommand(programShowCmd())
	prg.AddCommand(programListCmd())
	return prg
}

func programRows(items ...domain.Program) []table.Row {
	rows := make([]table.Row, 0, len(items))
	for _, p := range items {
		rows = append(rows, table.Row{p.ID, p.Name, p.IsActive, p.CreatedAt})
	}
	return rows
}

var programHeader = table.Row{"ID", "Name", "Active", "Created"}

func programCreateCmd() *cobra.Command {
	var name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a program (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				prog, err := a.Engine.CreateProgram(ctx, p, name, desc)
				if err != nil {
					return err
				}
				return printJSONOrTable(prog, programHeader, programRows(prog))
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "program name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func programShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show PROGRAM_ID",
		Short: "Show a program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				prog, err := a.Engine.GetProgram(ctx, p, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(prog, programHeader, programRows(prog))
			})
		},
	}
}

func programListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all programs (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			if err := auth.RequireAdmin(p); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListPrograms(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, programHeader, programRows(items...))
			})
		},
	}
}

func memberCmd() *cobra.Command {
	m := &cobra.Command{Use: "member", Short: "Manage program memberships"}
	m.AddCommand(memberAddCmd())
	m.AddCommand(memberRemoveCmd())
	m.AddCommand(memberListCmd())
	return m
}

var memberHeader = table.Row{"User", "Role", "Active", "Granted by", "Since"}

func memberRows(items ...domain.Membership) []table.Row {
	rows := make([]table.Row, 0, len(items))
	for _, m := range items {
		rows = append(rows, table.Row{m.UserID, m.Role, m.IsActive, m.GrantedBy, m.CreatedAt})
	}
	return rows
}

func memberAddCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "add PROGRAM_ID USER_ID",
		Short: "Grant a membership, replacing any active one (admin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Engine.GrantMembership(ctx, p, args[0], args[1], domain.Role(role))
				if err != nil {
					return err
				}
				return printJSONOrTable(m, memberHeader, memberRows(m))
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", string(domain.RoleClient), "manager, team_member or client")
	return cmd
}

func memberRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove PROGRAM_ID USER_ID",
		Short: "Deactivate a membership (admin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Engine.RevokeMembership(ctx, p, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(m, memberHeader, memberRows(m))
			})
		},
	}
}

func memberListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list PROGRAM_ID",
		Short: "List program members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListMembers(ctx, p, args[0], all)
				if err != nil {
					return err
				}
				if len(items) == 0 && !isJSON() {
					fmt.Println("no members")
					return nil
				}
				return printJSONOrTable(items, memberHeader, memberRows(items...))
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include deactivated memberships")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status PROGRAM_ID",
		Short: "Count requests and outbound events of a program by status (manager)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sum, err := a.Engine.Summary(ctx, p, args[0])
				if err != nil {
					return err
				}
				var rows []table.Row
				for _, s := range domain.Statuses {
					rows = append(rows, table.Row{"request", s, sum.Requests[s]})
				}
				for _, s := range []domain.OutboxStatus{domain.OutboxPending, domain.OutboxSent, domain.OutboxFailed} {
					rows = append(rows, table.Row{"outbox", s, sum.Outbox[s]})
				}
				return printJSONOrTable(sum, table.Row{"Kind", "Status", "Count"}, rows)
			})
		},
	}
}
