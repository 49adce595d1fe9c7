package main

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"content-pipeline/internal/app"
	"content-pipeline/internal/auth"
	"content-pipeline/internal/models"
)

func newPoolCommand(ctx *commandContext) *cobra.Command {
	poolCmd := &cobra.Command{
		Use:   "pool",
		Short: "Manage the candidate rotation pool",
	}
	poolCmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Reconcile the pool with eligible candidates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				res, err := a.Orchestrator.SyncPool(cmd.Context())
				if err != nil {
					return err
				}
				return ctx.print(cmd.OutOrStdout(), res, func() string {
					return fmt.Sprintf("Pool synced: %d added, %d removed, %d total", res.Added, res.Removed, res.Total)
				})
			})
		},
	})
	poolCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show pooled candidates in selection order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				entries, err := a.Rotation.List(cmd.Context())
				if err != nil {
					return err
				}
				return ctx.print(cmd.OutOrStdout(), entries, func() string {
					return renderTable(
						[]string{"Candidate", "Title", "Cycle", "Times", "Last processed"},
						buildPoolRows(entries),
						[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight},
					)
				})
			})
		},
	})
	poolCmd.AddCommand(newPoolUpsertCommand(ctx))
	return poolCmd
}

func newPoolUpsertCommand(ctx *commandContext) *cobra.Command {
	var (
		ref        models.CandidateRef
		ineligible bool
		sync       bool
	)
	cmd := &cobra.Command{
		Use:   "upsert <id>",
		Short: "Add or update a candidate in the source table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref.ID = args[0]
			return ctx.withApp(cmd, func(a *app.App) error {
				if err := a.Store.UpsertCandidate(cmd.Context(), ref, !ineligible); err != nil {
					return err
				}
				if !sync {
					return ctx.print(cmd.OutOrStdout(), ref, func() string {
						return fmt.Sprintf("Candidate %s saved (eligible=%t)", ref.ID, !ineligible)
					})
				}
				res, err := a.Orchestrator.SyncPool(cmd.Context())
				if err != nil {
					return err
				}
				return ctx.print(cmd.OutOrStdout(), res, func() string {
					return fmt.Sprintf("Candidate %s saved; pool has %d candidates", ref.ID, res.Total)
				})
			})
		},
	}
	cmd.Flags().StringVar(&ref.Kind, "kind", "article", "Candidate kind")
	cmd.Flags().StringVar(&ref.Title, "title", "", "Title used for the script")
	cmd.Flags().StringVar(&ref.Summary, "summary", "", "Summary used for the script")
	cmd.Flags().StringVar(&ref.ImageURL, "image-url", "", "Source image for the cover")
	cmd.Flags().StringVar(&ref.SourceURL, "source-url", "", "Link back to the content")
	cmd.Flags().BoolVar(&ineligible, "ineligible", false, "Mark the candidate ineligible")
	cmd.Flags().BoolVar(&sync, "sync", false, "Sync the rotation pool afterwards")
	return cmd
}

func buildPoolRows(entries []models.CandidateEntry) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		cycle := "-"
		if e.CyclePosition > 0 {
			cycle = strconv.Itoa(e.CyclePosition)
		}
		last := "never"
		if !e.LastProcessedAt.IsZero() {
			last = e.LastProcessedAt.UTC().Format(time.RFC3339)
		}
		rows = append(rows, []string{e.Ref.ID, truncate(e.Ref.Title, 40), cycle, strconv.Itoa(e.TimesProcessed), last})
	}
	return rows
}

func newReconcileCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one recovery sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				report, err := a.Orchestrator.Reconcile(cmd.Context())
				if err != nil {
					return err
				}
				return ctx.print(cmd.OutOrStdout(), report, func() string {
					actions := make([]string, 0, len(report.Actions))
					for action := range report.Actions {
						actions = append(actions, action)
					}
					sort.Strings(actions)
					rows := make([][]string, 0, len(actions)+1)
					rows = append(rows, []string{"scanned", strconv.Itoa(report.Scanned)})
					for _, action := range actions {
						rows = append(rows, []string{action, strconv.Itoa(report.Actions[action])})
					}
					return renderTable([]string{"Action", "Count"}, rows, []columnAlignment{alignLeft, alignRight})
				})
			})
		},
	}
}

func newAdvanceCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "advance",
		Short: "Promote the next candidate into a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				res, err := a.Orchestrator.Advance(cmd.Context())
				if err != nil {
					return err
				}
				return ctx.print(cmd.OutOrStdout(), res, func() string {
					if !res.Advanced {
						return "Not advanced: " + res.Reason
					}
					return fmt.Sprintf("Candidate %s started as %s", res.CandidateID, res.Item.ID)
				})
			})
		},
	}
}

func newTokenCommand(ctx *commandContext) *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			token, err := auth.NewTokenService(cfg.JWT).Issue(subject, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "Token subject")
	cmd.Flags().StringVar(&role, "role", "operator", "Role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to jwt.ttl)")
	return cmd
}
