// Command engine is the operator entry point: the long-running server, a
// single-tick worker mode, root management, and direct ingest runs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/rawgraph/asset-engine/internal/config"
	"github.com/rawgraph/asset-engine/internal/ingest"
	"github.com/rawgraph/asset-engine/internal/ratelimit"
	"github.com/rawgraph/asset-engine/internal/store"
	"github.com/rawgraph/asset-engine/internal/upstream"
)

// errUsage marks argument errors so main can exit 2 instead of 1.
var errUsage = errors.New("invalid arguments")

func usageErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errUsage}, args...)...)
}

func main() {
	root := &cobra.Command{
		Use:           "engine",
		Short:         "Social-graph asset materialization engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newWorkerCmd())
	root.AddCommand(newAssetsCmd())
	root.AddCommand(newIngestCmd())

	if err := root.Execute(); err != nil {
		log.Printf("engine: %v", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// app bundles the shared wiring every command needs.
type app struct {
	cfg    *config.Config
	store  *store.Postgres
	ingest *ingest.Service
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, usageErrorf("DATABASE_URL is not set")
	}

	st, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations {
		if err := st.InitSchema(ctx); err != nil {
			st.Close()
			return nil, err
		}
	}

	ratelimit.Configure(cfg.RateGateInterval())
	client := upstream.NewHTTPClient(upstream.Config{
		BaseURL:       cfg.UpstreamBaseURL,
		APIKey:        cfg.UpstreamAPIKey,
		BodyMaxBytes:  cfg.RetentionHTTPBodyMaxBytes,
		UsersByIDsMax: cfg.BatchUsersByIDsMax,
		PostsByIDsMax: cfg.BatchPostsByIDsMax,
	})

	svc := ingest.New(st, client, ingest.Config{
		MaxQueryLength:   cfg.MaxQueryLength,
		MaxSearchWindows: cfg.MaxSearchWindows,
		UsersByIDsMax:    cfg.BatchUsersByIDsMax,
		PostsByIDsMax:    cfg.BatchPostsByIDsMax,
		SelfUserID:       cfg.SelfUserID,
	})

	return &app{cfg: cfg, store: st, ingest: svc}, nil
}

func (a *app) Close() {
	a.store.Close()
}
