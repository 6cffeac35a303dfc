package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"leanline/internal/app"
	"leanline/internal/config"
	"leanline/internal/db"
	"leanline/internal/engine"
	"leanline/internal/migrate"
	"leanline/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "leanline",
	Short: "Leanline CLI",
	Long: `Leanline tracks a lean-startup journey: validation stages, their criteria, metrics
with thresholds, and the pivot options those metrics can trigger.
Core concepts:
- Workspace: the .leanline directory holding the SQLite database.
- Project: one product idea with its own stage catalog and sync policy.
- Stages: ordered validation steps; each has criteria you tick off with 'leanline criterion set'.
- Metrics: current vs target values classified as success, warning or error.
- Pivots: options to change course; triggers link them to metrics so at-risk metrics raise signals.
- Event log: every change, view with 'leanline log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := db.EnsureWorkspace(viper.GetString("workspace")); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LEANLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("project", "", "project id (defaults to the only project in the workspace)")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "json", "actor-id", "project", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(progressCmd())
	rootCmd.AddCommand(criterionCmd())
	rootCmd.AddCommand(trackingCmd())
	rootCmd.AddCommand(metricCmd())
	rootCmd.AddCommand(pivotCmd())
	rootCmd.AddCommand(triggerCmd())
	rootCmd.AddCommand(signalsCmd())
	rootCmd.AddCommand(hypothesisCmd())
	rootCmd.AddCommand(experimentCmd())
	rootCmd.AddCommand(featureCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- helpers ---

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func openDB() (*repo.Repo, func(), error) {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace"), BusyTimeout: 5 * time.Second})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return &repo.Repo{DB: conn}, func() { conn.Close() }, nil
}

func dbPath() string {
	return db.Path(viper.GetString("workspace"))
}

func newEngine(r *repo.Repo, seed *config.Config) engine.Engine {
	return engine.New(r.DB, seed, engine.WithLogger(newLogger()))
}

// withEngine resolves the active project and hands over an engine whose Config is that
// project's stored config.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	r, closeDB, err := openDB()
	if err != nil {
		return err
	}
	defer closeDB()
	e := newEngine(r, config.Default(viper.GetString("project")))
	_, cfg, err := app.ResolveProjectAndConfig(ctx, e, viper.GetString("project"), viper.GetString("actor-id"), false)
	if err != nil {
		return err
	}
	e.Config = cfg
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	r, closeDB, err := openDB()
	if err != nil {
		return err
	}
	defer closeDB()
	return fn(ctx, *r)
}

func actorID() string {
	return viper.GetString("actor-id")
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// changed returns a pointer to v when the flag was set, so updates only touch what the
// user passed.
func changed(cmd *cobra.Command, flag, v string) *string {
	if !cmd.Flags().Changed(flag) {
		return nil
	}
	return &v
}
