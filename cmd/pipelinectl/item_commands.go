package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"content-pipeline/internal/app"
	"content-pipeline/internal/models"
)

func newItemCommand(ctx *commandContext) *cobra.Command {
	itemCmd := &cobra.Command{
		Use:   "item",
		Short: "Inspect and act on work items",
	}
	itemCmd.AddCommand(newItemGetCommand(ctx))
	itemCmd.AddCommand(newItemFailCommand(ctx))
	itemCmd.AddCommand(newItemRedriveCommand(ctx))
	return itemCmd
}

type itemView struct {
	Item  models.WorkItem   `json:"item"`
	Audit []models.AuditLog `json:"audit,omitempty"`
}

func newItemGetCommand(ctx *commandContext) *cobra.Command {
	var withAudit bool
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				item, err := a.Store.GetItem(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				view := itemView{Item: item}
				if withAudit {
					if view.Audit, err = a.Store.AuditTrail(cmd.Context(), item.ID); err != nil {
						return err
					}
				}
				return ctx.print(cmd.OutOrStdout(), view, func() string {
					out := renderTable([]string{"Field", "Value"}, buildItemRows(item), nil)
					if len(view.Audit) > 0 {
						out += "\n" + renderTable([]string{"Time", "Event", "Detail"}, buildAuditRows(view.Audit), nil)
					}
					return out
				})
			})
		},
	}
	cmd.Flags().BoolVar(&withAudit, "audit", false, "Include the audit trail")
	return cmd
}

func buildItemRows(item models.WorkItem) [][]string {
	rows := [][]string{
		{"id", item.ID},
		{"candidate", item.CandidateID},
		{"stage", string(item.Stage)},
		{"status", item.Status()},
		{"retries", fmt.Sprintf("%d/%d", item.RetryCount, item.MaxRetries)},
	}
	steps := make([]string, 0, len(item.ExternalJobHandles))
	for step := range item.ExternalJobHandles {
		steps = append(steps, step)
	}
	sort.Strings(steps)
	for _, step := range steps {
		rows = append(rows, []string{"handle:" + step, item.ExternalJobHandles[step]})
	}
	if item.LastError != nil {
		rows = append(rows, []string{"last error", truncate(*item.LastError, 80)})
	}
	for _, kv := range [][2]string{
		{"media", item.Payload.MediaURL},
		{"captioned", item.Payload.CaptionedURL},
		{"cover", item.Payload.CoverURL},
	} {
		if kv[1] != "" {
			rows = append(rows, []string{kv[0], kv[1]})
		}
	}
	for _, p := range item.Payload.Posts {
		rows = append(rows, []string{"post:" + p.Platform, p.URL})
	}
	rows = append(rows,
		[]string{"created", item.CreatedAt.UTC().Format(time.RFC3339)},
		[]string{"updated", item.UpdatedAt.UTC().Format(time.RFC3339)},
	)
	return rows
}

func buildAuditRows(entries []models.AuditLog) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{e.Recorded.UTC().Format(time.RFC3339), e.Event, truncate(e.Detail, 80)})
	}
	return rows
}

func newItemFailCommand(ctx *commandContext) *cobra.Command {
	var (
		expected string
		reason   string
	)
	cmd := &cobra.Command{
		Use:   "fail <id>",
		Short: "Force a work item to failed if it is still in the expected stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, ok := models.ParseStage(expected)
			if !ok {
				return fmt.Errorf("--expected must name a stage, got %q", expected)
			}
			return ctx.withApp(cmd, func(a *app.App) error {
				item, err := a.Orchestrator.ForceFail(cmd.Context(), args[0], stage, reason)
				if err != nil {
					return err
				}
				return ctx.print(cmd.OutOrStdout(), item, func() string {
					return fmt.Sprintf("Work item %s failed (was %s)", item.ID, stage)
				})
			})
		},
	}
	cmd.Flags().StringVar(&expected, "expected", "", "Stage the item must currently be in")
	cmd.Flags().StringVar(&reason, "reason", "", "Failure reason")
	_ = cmd.MarkFlagRequired("expected")
	return cmd
}

func newItemRedriveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "redrive <id>",
		Short: "Start a fresh work item for a failed item's candidate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				item, err := a.Orchestrator.Redrive(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return ctx.print(cmd.OutOrStdout(), item, func() string {
					return fmt.Sprintf("Re-driven as %s (%s)", item.ID, item.Stage)
				})
			})
		},
	}
}
