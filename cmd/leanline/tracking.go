package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"leanline/internal/engine"
	"leanline/internal/tracking"
	"leanline/internal/validation"
)

func progressCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Show stage and overall validation progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.Progress(ctx, e.Config.Project.ID, refresh)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				renderReport(report)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "reload every stage from the database first")
	return cmd
}

func renderReport(report validation.Report) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Stage", "Label", "Done", "Percent", "Reachable", "Criteria"})
	for _, s := range report.Stages {
		tw.AppendRow(table.Row{
			s.StageID,
			s.Label,
			fmt.Sprintf("%d/%d", s.Completed, s.Total),
			fmt.Sprintf("%d%%", s.Percent),
			s.Reachable,
			checklist(s.Flags),
		})
	}
	tw.AppendFooter(table.Row{"", "Overall", "", fmt.Sprintf("%d%%", report.Overall), "", ""})
	tw.Render()
}

func checklist(flags []bool) string {
	var b strings.Builder
	for _, f := range flags {
		if f {
			b.WriteString("[x]")
		} else {
			b.WriteString("[ ]")
		}
	}
	return b.String()
}

func criterionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "criterion",
		Short: "Tick validation criteria",
	}
	cmd.AddCommand(criterionSetCmd())
	return cmd
}

func criterionSetCmd() *cobra.Command {
	var done, undone bool
	cmd := &cobra.Command{
		Use:   "set <stage> <index>",
		Short: "Mark one criterion of a stage as done or not done",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if done == undone {
				return fmt.Errorf("exactly one of --done or --undone is required")
			}
			index, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("index must be an integer: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				upd, err := e.SetCriterion(ctx, e.Config.Project.ID, args[0], index, done, actorID())
				var syncErr *tracking.SyncError
				if errors.As(err, &syncErr) {
					if syncErr.RolledBack {
						fmt.Fprintf(os.Stderr, "warning: change rolled back after %d attempts\n", syncErr.Attempts)
					} else {
						fmt.Fprintf(os.Stderr, "warning: change kept locally but not saved after %d attempts\n", syncErr.Attempts)
					}
					return err
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(upd)
				}
				state := "not done"
				if upd.Completed {
					state = "done"
				}
				fmt.Printf("%s #%d %s: stage %d%% (%d/%d), overall %d%%\n",
					upd.StageID, upd.Index, state, upd.Stage.Percent, upd.Stage.Completed, upd.Stage.Total, upd.Overall)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&done, "done", false, "mark the criterion completed")
	cmd.Flags().BoolVar(&undone, "undone", false, "mark the criterion not completed")
	return cmd
}

func trackingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tracking",
		Short: "Show raw tracking rows as stored",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rows, err := e.Repo.ListStageTracking(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Flags", "Decoded", "Updated"})
				for _, row := range rows {
					flags := tracking.DecodeFlags(row.FlagsJSON)
					tw.AppendRow(table.Row{row.StageID, row.FlagsJSON, tracking.EncodeFlags(flags), row.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}
