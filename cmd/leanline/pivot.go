package main

import (
	"context"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"leanline/internal/engine"
)

func pivotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pivot",
		Short: "Manage pivot options",
	}
	cmd.AddCommand(pivotCreateCmd())
	cmd.AddCommand(pivotListCmd())
	cmd.AddCommand(pivotDeleteCmd())
	return cmd
}

func pivotCreateCmd() *cobra.Command {
	var opts engine.PivotCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pivot option",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ProjectID = e.Config.Project.ID
				p, err := e.CreatePivotOption(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "pivot option id (generated if omitted)")
	cmd.Flags().StringVar(&opts.Type, "type", "", "pivot type, e.g. customer-segment")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.TriggerDescription, "trigger", "", "what would make us take this pivot")
	cmd.Flags().StringVar(&opts.Likelihood, "likelihood", "medium", "high, medium or low")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func pivotListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pivot options",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListPivotOptions(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Likelihood", "Description"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Type, p.Likelihood, p.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func pivotDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a pivot option and its triggers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeletePivotOption(ctx, e.Config.Project.ID, args[0], actorID())
			})
		},
	}
}

func triggerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Link metrics to pivot options",
	}
	cmd.AddCommand(triggerLinkCmd())
	cmd.AddCommand(triggerUnlinkCmd())
	cmd.AddCommand(triggerListCmd())
	return cmd
}

func triggerLinkCmd() *cobra.Command {
	var thresholdType string
	cmd := &cobra.Command{
		Use:   "link <pivot-id> <metric-id>",
		Short: "Raise the pivot option when the metric is at risk",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.LinkTrigger(ctx, e.Config.Project.ID, args[0], args[1], thresholdType, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&thresholdType, "threshold", "warning", "warning or error")
	return cmd
}

func triggerUnlinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlink <pivot-id> <metric-id>",
		Short: "Remove a trigger link",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.UnlinkTrigger(ctx, e.Config.Project.ID, args[0], args[1], actorID())
			})
		},
	}
}

func triggerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List trigger links",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTriggers(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Pivot", "Metric", "Threshold", "Created"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.PivotOptionID, t.MetricID, t.ThresholdType, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func signalsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signals",
		Short: "Show active pivot triggers and at-risk metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Signals(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				active := table.NewWriter()
				active.SetOutputMirror(os.Stdout)
				active.SetTitle("Active triggers")
				active.AppendHeader(table.Row{"Pivot", "Type", "Likelihood", "Metric", "Status"})
				for _, a := range s.ActiveTriggers {
					active.AppendRow(table.Row{a.PivotOption.ID, a.PivotOption.Type, a.PivotOption.Likelihood, a.Metric.Name, a.Metric.Status})
				}
				active.Render()
				risky := table.NewWriter()
				risky.SetOutputMirror(os.Stdout)
				risky.SetTitle("At-risk metrics")
				risky.AppendHeader(table.Row{"ID", "Name", "Current", "Target", "Status"})
				for _, m := range s.AtRiskMetrics {
					risky.AppendRow(table.Row{m.ID, m.Name, m.CurrentValue, m.TargetValue, m.Status})
				}
				risky.Render()
				return nil
			})
		},
	}
}
