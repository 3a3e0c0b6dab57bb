package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rawgraph/asset-engine/internal/api"
	"github.com/rawgraph/asset-engine/internal/assets"
	"github.com/rawgraph/asset-engine/internal/engine"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the tick loop and the HTTP API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			registry, err := assets.NewRegistry()
			if err != nil {
				return err
			}

			hub := api.NewHub()
			go hub.Run()

			eng := engine.New(a.store, registry, engine.NewPrereqResolver(a.store, a.ingest))
			eng.Parallelism = a.cfg.EngineParallelism
			eng.OnMembershipChange = api.BroadcastMembershipChange(hub)

			runner := engine.NewRunner(eng, a.cfg.TickInterval())
			go func() {
				if err := runner.Run(ctx); err != nil {
					log.Printf("[Serve] runner stopped: %v", err)
				}
			}()

			router := api.SetupRouter(a.store, a.ingest, eng, hub, api.Config{
				AuthToken:        a.cfg.APIAuthToken,
				WebhookToken:     a.cfg.WebhookToken,
				AllowedOrigins:   a.cfg.AllowedOrigins,
				PublicRatePerMin: a.cfg.PublicRatePerMin,
				PublicRateBurst:  a.cfg.PublicRateBurst,
			})
			srv := &http.Server{
				Addr:    fmt.Sprintf(":%d", a.cfg.Port),
				Handler: router,
			}

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			log.Printf("[Serve] listening on :%d, tick interval %s", a.cfg.Port, a.cfg.TickInterval())
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
}

func newWorkerCmd() *cobra.Command {
	worker := &cobra.Command{
		Use:   "worker",
		Short: "One-shot engine operations",
	}
	worker.AddCommand(&cobra.Command{
		Use:   "tick",
		Short: "Run exactly one planner tick",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			registry, err := assets.NewRegistry()
			if err != nil {
				return err
			}
			eng := engine.New(a.store, registry, engine.NewPrereqResolver(a.store, a.ingest))
			eng.Parallelism = a.cfg.EngineParallelism

			stats, err := eng.Tick(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("tick %s: targets=%d materialized=%d unchanged=%d deferred=%d skipped=%d failed=%d\n",
				stats.TickID, stats.Targets, stats.Materialized, stats.Unchanged, stats.Deferred, stats.Skipped, stats.Failed)
			return nil
		},
	})
	return worker
}
