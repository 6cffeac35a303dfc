package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"leanline/internal/domain"
	"leanline/internal/engine"
	"leanline/internal/tracking"
)

func metricCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metric",
		Short: "Manage metrics and their thresholds",
		Long:  "Metrics compare a current value to a target. Warning and error thresholds decide the status; direction says whether higher or lower is better.",
	}
	cmd.AddCommand(metricCreateCmd())
	cmd.AddCommand(metricListCmd())
	cmd.AddCommand(metricGetCmd())
	cmd.AddCommand(metricUpdateCmd())
	cmd.AddCommand(metricRekeyCmd())
	cmd.AddCommand(metricDeleteCmd())
	cmd.AddCommand(metricReclassifyCmd())
	return cmd
}

func metricCreateCmd() *cobra.Command {
	var opts engine.MetricCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a metric",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ProjectID = e.Config.Project.ID
				m, err := e.CreateMetric(ctx, opts)
				if err != nil {
					return err
				}
				return printMetrics(m)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "metric id (generated if omitted)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "name")
	cmd.Flags().StringVar(&opts.Category, "category", "", "category (defaults to general)")
	cmd.Flags().StringVar(&opts.CurrentValue, "current", "", "current value, e.g. 12%")
	cmd.Flags().StringVar(&opts.TargetValue, "target", "", "target value, e.g. 25%")
	cmd.Flags().StringVar(&opts.WarningThreshold, "warning", "", "warning threshold")
	cmd.Flags().StringVar(&opts.ErrorThreshold, "error", "", "error threshold")
	cmd.Flags().StringVar(&opts.Direction, "direction", "higher-is-better", "higher-is-better or lower-is-better")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func metricListCmd() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListMetrics(ctx, e.Config.Project.ID, category)
				if err != nil {
					return err
				}
				return printMetrics(items...)
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "category filter")
	return cmd
}

func metricGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a metric by id or legacy id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.Repo.GetMetric(ctx, e.Config.Project.ID, args[0])
				if err != nil {
					return err
				}
				return printMetrics(m)
			})
		},
	}
}

func metricUpdateCmd() *cobra.Command {
	var category, name, current, target, warning, errThreshold, direction string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a metric and reclassify it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.UpdateMetric(ctx, engine.MetricUpdateOptions{
					ProjectID:        e.Config.Project.ID,
					ID:               args[0],
					Category:         changed(cmd, "category", category),
					Name:             changed(cmd, "name", name),
					CurrentValue:     changed(cmd, "current", current),
					TargetValue:      changed(cmd, "target", target),
					WarningThreshold: changed(cmd, "warning", warning),
					ErrorThreshold:   changed(cmd, "error", errThreshold),
					Direction:        changed(cmd, "direction", direction),
					ActorID:          actorID(),
				})
				var syncErr *tracking.SyncError
				if errors.As(err, &syncErr) {
					fmt.Fprintf(os.Stderr, "warning: status %s not saved after %d attempts\n", m.Status, syncErr.Attempts)
					return err
				}
				if err != nil {
					return err
				}
				return printMetrics(m)
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "category")
	cmd.Flags().StringVar(&name, "name", "", "name")
	cmd.Flags().StringVar(&current, "current", "", "current value")
	cmd.Flags().StringVar(&target, "target", "", "target value")
	cmd.Flags().StringVar(&warning, "warning", "", "warning threshold")
	cmd.Flags().StringVar(&errThreshold, "error", "", "error threshold")
	cmd.Flags().StringVar(&direction, "direction", "", "higher-is-better or lower-is-better")
	return cmd
}

func metricRekeyCmd() *cobra.Command {
	var newID string
	cmd := &cobra.Command{
		Use:   "rekey <id>",
		Short: "Move a metric to a new id, keeping the old one as legacy id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.RekeyMetric(ctx, e.Config.Project.ID, args[0], newID, actorID())
				if err != nil {
					return err
				}
				return printMetrics(m)
			})
		},
	}
	cmd.Flags().StringVar(&newID, "new-id", "", "new id (random UUID if omitted)")
	return cmd
}

func metricDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a metric and the triggers referencing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteMetric(ctx, e.Config.Project.ID, args[0], actorID())
			})
		},
	}
}

func metricReclassifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reclassify",
		Short: "Recompute every metric status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.ReclassifyMetrics(ctx, e.Config.Project.ID, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"changed": n})
				}
				fmt.Printf("%d metric(s) changed status\n", n)
				return nil
			})
		},
	}
}

func printMetrics(items ...domain.Metric) error {
	if viper.GetBool("json") {
		if len(items) == 1 {
			return printJSON(items[0])
		}
		if items == nil {
			items = []domain.Metric{}
		}
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Category", "Name", "Current", "Target", "Warning", "Error", "Direction", "Status"})
	for _, m := range items {
		tw.AppendRow(table.Row{m.ID, m.Category, m.Name, m.CurrentValue, m.TargetValue, m.WarningThreshold, m.ErrorThreshold, m.Direction, m.Status})
	}
	tw.Render()
	return nil
}
