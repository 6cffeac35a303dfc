package main

import (
	"context"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"leanline/internal/domain"
	"leanline/internal/engine"
)

func hypothesisCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "hypothesis",
		Aliases: []string{"hyp"},
		Short:   "Record hypotheses against stages",
	}
	cmd.AddCommand(hypothesisCreateCmd())
	cmd.AddCommand(hypothesisListCmd())
	cmd.AddCommand(hypothesisUpdateCmd())
	return cmd
}

func hypothesisCreateCmd() *cobra.Command {
	var h domain.Hypothesis
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a hypothesis",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				h.ProjectID = e.Config.Project.ID
				created, err := e.CreateHypothesis(ctx, h, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&h.ID, "id", "", "hypothesis id (generated if omitted)")
	cmd.Flags().StringVar(&h.StageID, "stage", "", "stage id")
	cmd.Flags().StringVar(&h.Statement, "statement", "", "what we believe")
	cmd.Flags().StringVar(&h.Status, "status", "", "untested, testing, validated or invalidated")
	_ = cmd.MarkFlagRequired("stage")
	_ = cmd.MarkFlagRequired("statement")
	return cmd
}

func hypothesisListCmd() *cobra.Command {
	var stageID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List hypotheses",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListHypotheses(ctx, e.Config.Project.ID, stageID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Stage", "Status", "Statement"})
				for _, h := range items {
					tw.AppendRow(table.Row{h.ID, h.StageID, h.Status, h.Statement})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stageID, "stage", "", "stage filter")
	return cmd
}

func hypothesisUpdateCmd() *cobra.Command {
	var statement, status string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a hypothesis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				h, err := e.UpdateHypothesis(ctx, e.Config.Project.ID, args[0],
					changed(cmd, "statement", statement), changed(cmd, "status", status), actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(h)
			})
		},
	}
	cmd.Flags().StringVar(&statement, "statement", "", "statement")
	cmd.Flags().StringVar(&status, "status", "", "untested, testing, validated or invalidated")
	return cmd
}

func experimentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "experiment",
		Aliases: []string{"exp"},
		Short:   "Track experiments that test hypotheses",
	}
	cmd.AddCommand(experimentCreateCmd())
	cmd.AddCommand(experimentListCmd())
	cmd.AddCommand(experimentUpdateCmd())
	return cmd
}

func experimentCreateCmd() *cobra.Command {
	var x domain.Experiment
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an experiment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				x.ProjectID = e.Config.Project.ID
				created, err := e.CreateExperiment(ctx, x, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&x.ID, "id", "", "experiment id (generated if omitted)")
	cmd.Flags().StringVar(&x.HypothesisID, "hypothesis", "", "hypothesis under test")
	cmd.Flags().StringVar(&x.Name, "name", "", "name")
	cmd.Flags().StringVar(&x.Method, "method", "", "method, e.g. landing page, interviews")
	cmd.Flags().StringVar(&x.Status, "status", "", "planned, running or completed")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func experimentListCmd() *cobra.Command {
	var hypothesisID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List experiments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListExperiments(ctx, e.Config.Project.ID, hypothesisID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Hypothesis", "Name", "Method", "Status", "Result"})
				for _, x := range items {
					tw.AppendRow(table.Row{x.ID, x.HypothesisID, x.Name, x.Method, x.Status, x.Result})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&hypothesisID, "hypothesis", "", "hypothesis filter")
	return cmd
}

func experimentUpdateCmd() *cobra.Command {
	var name, method, status, result string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update an experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				x, err := e.UpdateExperiment(ctx, e.Config.Project.ID, args[0], engine.ExperimentUpdateOptions{
					Name:    changed(cmd, "name", name),
					Method:  changed(cmd, "method", method),
					Status:  changed(cmd, "status", status),
					Result:  changed(cmd, "result", result),
					ActorID: actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(x)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name")
	cmd.Flags().StringVar(&method, "method", "", "method")
	cmd.Flags().StringVar(&status, "status", "", "planned, running or completed")
	cmd.Flags().StringVar(&result, "result", "", "what we learned")
	return cmd
}

func featureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feature",
		Short: "Manage MVP features",
	}
	cmd.AddCommand(featureCreateCmd())
	cmd.AddCommand(featureListCmd())
	cmd.AddCommand(featureUpdateCmd())
	return cmd
}

func featureCreateCmd() *cobra.Command {
	var f domain.Feature
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an MVP feature",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.ProjectID = e.Config.Project.ID
				created, err := e.CreateFeature(ctx, f, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&f.ID, "id", "", "feature id (generated if omitted)")
	cmd.Flags().StringVar(&f.Name, "name", "", "name")
	cmd.Flags().StringVar(&f.Description, "description", "", "description")
	cmd.Flags().StringVar(&f.Priority, "priority", "", "must, should, could or wont")
	cmd.Flags().StringVar(&f.Status, "status", "", "planned, building, shipped or dropped")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func featureListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List MVP features",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListFeatures(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Priority", "Status"})
				for _, f := range items {
					tw.AppendRow(table.Row{f.ID, f.Name, f.Priority, f.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func featureUpdateCmd() *cobra.Command {
	var name, desc, priority, status string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update an MVP feature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.UpdateFeature(ctx, e.Config.Project.ID, args[0], engine.FeatureUpdateOptions{
					Name:        changed(cmd, "name", name),
					Description: changed(cmd, "description", desc),
					Priority:    changed(cmd, "priority", priority),
					Status:      changed(cmd, "status", status),
					ActorID:     actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&priority, "priority", "", "must, should, could or wont")
	cmd.Flags().StringVar(&status, "status", "", "planned, building, shipped or dropped")
	return cmd
}
