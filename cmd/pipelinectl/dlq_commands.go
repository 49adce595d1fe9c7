package main

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"content-pipeline/internal/app"
	"content-pipeline/internal/models"
)

func newDLQCommand(ctx *commandContext) *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and resolve dead letters",
	}
	dlqCmd.AddCommand(newDLQListCommand(ctx))
	dlqCmd.AddCommand(newDLQStatsCommand(ctx))
	dlqCmd.AddCommand(newDLQResolveCommand(ctx))
	dlqCmd.AddCommand(newDLQPurgeCommand(ctx))
	return dlqCmd
}

func newDLQListCommand(ctx *commandContext) *cobra.Command {
	var (
		vendor string
		kind   string
		step   string
		item   string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List unresolved dead letters, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := models.DeadLetterFilter{Vendor: vendor, Kind: models.DeadLetterKind(kind), WorkItemID: item, Limit: limit}
			if step != "" {
				s, ok := models.ParseStep(step)
				if !ok {
					return fmt.Errorf("unknown step %q", step)
				}
				f.Step = s
			}
			return ctx.withApp(cmd, func(a *app.App) error {
				entries, err := a.Store.ListUnresolvedDeadLetters(cmd.Context(), f)
				if err != nil {
					return err
				}
				if len(entries) == 0 && !ctx.jsonOutput() {
					fmt.Fprintln(cmd.OutOrStdout(), "No unresolved dead letters")
					return nil
				}
				return ctx.print(cmd.OutOrStdout(), entries, func() string {
					return renderTable(
						[]string{"ID", "Kind", "Vendor", "Step", "Item", "Seen", "Last seen", "Reason"},
						buildDeadLetterRows(entries),
						[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
					)
				})
			})
		},
	}
	cmd.Flags().StringVar(&vendor, "vendor", "", "Filter by vendor")
	cmd.Flags().StringVar(&kind, "kind", "", "Filter by kind")
	cmd.Flags().StringVar(&step, "step", "", "Filter by step name or number")
	cmd.Flags().StringVar(&item, "item", "", "Filter by work item id")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries")
	return cmd
}

func buildDeadLetterRows(entries []models.DeadLetter) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, dl := range entries {
		rows = append(rows, []string{
			dl.ID,
			string(dl.Kind),
			dl.Vendor,
			dl.Step.String(),
			dl.WorkItemID,
			strconv.Itoa(dl.Occurrences),
			dl.LastSeenAt.UTC().Format(time.RFC3339),
			truncate(dl.Reason, 60),
		})
	}
	return rows
}

func newDLQStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarise the dead letter queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				stats, err := a.Store.DeadLetterStats(cmd.Context())
				if err != nil {
					return err
				}
				return ctx.print(cmd.OutOrStdout(), stats, func() string {
					return renderTable([]string{"Metric", "Count"}, buildStatsRows(stats), []columnAlignment{alignLeft, alignRight})
				})
			})
		},
	}
}

func buildStatsRows(stats models.DeadLetterStats) [][]string {
	rows := [][]string{
		{"unresolved", strconv.Itoa(stats.Unresolved)},
		{"resolved", strconv.Itoa(stats.Resolved)},
	}
	rows = append(rows, sortedCounts("kind", stats.ByKind)...)
	rows = append(rows, sortedCounts("vendor", stats.ByVendor)...)
	if stats.OldestUnresolved != nil {
		rows = append(rows, []string{"oldest unresolved", stats.OldestUnresolved.UTC().Format(time.RFC3339)})
	}
	return rows
}

func sortedCounts(prefix string, counts map[string]int) [][]string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{prefix + ":" + k, strconv.Itoa(counts[k])})
	}
	return rows
}

func newDLQResolveCommand(ctx *commandContext) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Mark a dead letter resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				dl, err := a.Store.ResolveDeadLetter(cmd.Context(), args[0], notes)
				if err != nil {
					return err
				}
				return ctx.print(cmd.OutOrStdout(), dl, func() string {
					return fmt.Sprintf("Resolved %s (%s, %d occurrences)", dl.ID, dl.Kind, dl.Occurrences)
				})
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "Resolution notes")
	return cmd
}

func newDLQPurgeCommand(ctx *commandContext) *cobra.Command {
	var (
		olderThan         time.Duration
		includeUnresolved bool
	)
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete dead letters older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				window := olderThan
				if window <= 0 {
					window = a.Config.DLQRetention
				}
				n, err := a.Store.PurgeDeadLetters(cmd.Context(), window, includeUnresolved)
				if err != nil {
					return err
				}
				return ctx.print(cmd.OutOrStdout(), map[string]int64{"purged": n}, func() string {
					return fmt.Sprintf("Purged %d dead letters older than %s", n, window)
				})
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Age threshold (defaults to dlq_retention)")
	cmd.Flags().BoolVar(&includeUnresolved, "include-unresolved", false, "Also delete unresolved entries")
	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
