package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"leanline/internal/config"
	"leanline/internal/engine"
	"leanline/internal/metrics"
	"leanline/internal/migrate"
	"leanline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath, seedFile string
	var allowDevLogin, allowActorHeader, noWebhooks bool
	var webhookInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the REST API with OpenAPI docs, Prometheus metrics at /metrics and webhook delivery. Bearer tokens are verified with LEANLINE_JWT_SECRET.",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("LEANLINE_JWT_SECRET is required for bearer auth")
			}
			seed := config.Default("")
			if seedFile != "" {
				loaded, err := config.FromFile(seedFile)
				if err != nil {
					return err
				}
				seed = loaded
			}
			r, closeDB, err := openDB()
			if err != nil {
				return err
			}
			defer closeDB()
			logger := newLogger()
			e := engine.New(r.DB, seed,
				engine.WithLogger(logger),
				engine.WithMetrics(metrics.NewManager(metrics.WithNamespace("leanline"))),
			)
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Logger:   logger,
				Auth: server.AuthConfig{
					JWTSecret:              secret,
					AllowLegacyActorHeader: allowActorHeader,
					AllowDevLogin:          allowDevLogin,
					Logger:                 logger,
				},
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			if !noWebhooks {
				g.Go(func() error {
					server.StartWebhooks(gctx, e, server.WebhookOptions{Interval: webhookInterval, Logger: logger})
					return nil
				})
			}
			version, _ := migrate.Version(r.DB)
			logger.Info("serving", "addr", addr, "base_path", basePath, "schema_version", version, "webhooks", !noWebhooks)
			fmt.Printf("Serving Leanline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().StringVar(&seedFile, "seed-config", "", "YAML config used for projects created over the API")
	cmd.Flags().BoolVar(&allowDevLogin, "allow-dev-login", false, "enable POST /auth/dev/login (never in production)")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept the X-Actor-Id header without a token")
	cmd.Flags().BoolVar(&noWebhooks, "no-webhooks", false, "disable webhook delivery")
	cmd.Flags().DurationVar(&webhookInterval, "webhook-interval", 2*time.Second, "event log polling interval for webhooks")
	_ = viper.BindEnv("jwt-secret", "LEANLINE_JWT_SECRET")
	return cmd
}

func dbCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "db", Short: "Database maintenance"}
	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closeDB, err := openDB()
			if err != nil {
				return err
			}
			defer closeDB()
			v, err := migrate.Version(r.DB)
			if err != nil {
				return err
			}
			fmt.Printf("schema at version %d\n", v)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show schema version and database path",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closeDB, err := openDB()
			if err != nil {
				return err
			}
			defer closeDB()
			current, err := migrate.Version(r.DB)
			if err != nil {
				return err
			}
			latest, err := migrate.Latest()
			if err != nil {
				return err
			}
			return printJSONOrTable(map[string]any{
				"path":    dbPath(),
				"version": current,
				"latest":  latest,
			})
		},
	})
	return cmd
}
