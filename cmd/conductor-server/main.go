// conductor-server is the MCP entry point for the task orchestration
// engine. It speaks stdio by default and streamable HTTP when an address
// is configured.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"conductor/internal/config"
	"conductor/internal/domain/vision"
	"conductor/internal/logging"
	"conductor/internal/mcpserver"
	"conductor/internal/metrics"
	"conductor/internal/orchestrator"
	"conductor/internal/store/memstore"
	"conductor/internal/store/postgres"
	"conductor/internal/store/rediscache"
	visionenrich "conductor/internal/vision"
)

const alignmentCacheSize = 1024

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		visionSeed string
	)
	cmd := &cobra.Command{
		Use:   "conductor-server",
		Short: "MCP server for vision-driven task orchestration",
		Long: "conductor-server exposes the task orchestration engine over MCP:\n" +
			"task and subtask lifecycle with completion gates, progress aggregation\n" +
			"with milestones, vision alignment enrichment, agent coordination, and\n" +
			"deterministic workflow guidance on every reply.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, visionSeed)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a config file (yaml/toml/json)")
	cmd.Flags().StringVar(&visionSeed, "vision-seed", "", "path to a JSON file of vision objectives loaded at startup")
	return cmd
}

func run(ctx context.Context, configPath, visionSeed string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: os.Stderr})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector, err := metrics.NewCollector(metrics.Config{
		Enabled: cfg.MetricsAddr != "",
		Addr:    cfg.MetricsAddr,
	}, log)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := collector.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics shutdown failed", "error", err)
		}
	}()

	deps, cleanup, err := buildDeps(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()
	deps.Metrics = collector

	if visionSeed != "" {
		if err := seedVision(ctx, deps.Visions, visionSeed); err != nil {
			return fmt.Errorf("seed vision objectives: %w", err)
		}
		log.Info("vision objectives seeded", "path", visionSeed)
	}

	engine := orchestrator.NewEngine(cfg, deps)
	dispatcher := mcpserver.NewDispatcher(engine, cfg, collector, log)
	server := mcpserver.New(dispatcher, log)

	if cfg.HTTPAddr != "" {
		return serveHTTP(ctx, server, cfg.HTTPAddr, log)
	}
	return server.ServeStdio(ctx)
}

// buildDeps wires the repository backend and alignment cache selected by
// configuration.
func buildDeps(ctx context.Context, cfg config.Config, log *logging.Logger) (orchestrator.Deps, func(), error) {
	deps := orchestrator.Deps{Logger: log}
	cleanup := func() {}

	switch cfg.Store {
	case "postgres":
		pool, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return deps, cleanup, err
		}
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return deps, cleanup, err
		}
		stores := postgres.NewStores(pool, log)
		deps.Tasks = stores.Tasks
		deps.Contexts = stores.Contexts
		deps.Visions = stores.Visions
		deps.Agents = stores.Agents
		deps.Hints = stores.Hints
		cleanup = pool.Close
		log.Info("using postgres store")
	default:
		deps.Tasks = memstore.NewTaskStore()
		deps.Contexts = memstore.NewContextStore()
		deps.Visions = memstore.NewVisionStore()
		deps.Agents = memstore.NewAgentStore()
		deps.Hints = memstore.NewHintStore()
		log.Info("using in-memory store")
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		deps.Cache = rediscache.New(client, cfg.AlignmentCacheTTL, log)
		prev := cleanup
		cleanup = func() {
			if err := client.Close(); err != nil {
				log.Warn("redis close failed", "error", err)
			}
			prev()
		}
		log.Info("using redis alignment cache", "addr", cfg.RedisAddr)
	} else {
		cache, err := visionenrich.NewLRUCache(alignmentCacheSize, cfg.AlignmentCacheTTL)
		if err != nil {
			cleanup()
			return deps, func() {}, err
		}
		deps.Cache = cache
	}
	return deps, cleanup, nil
}

// seedVision loads a JSON array of objectives into the vision repository.
func seedVision(ctx context.Context, repo vision.Repository, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var objectives []*vision.Objective
	if err := json.Unmarshal(raw, &objectives); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	byID := make(map[string]*vision.Objective, len(objectives))
	for _, o := range objectives {
		byID[o.ID] = o
	}
	for _, o := range objectives {
		if o.Status == "" {
			o.Status = vision.ObjectiveActive
		}
		if o.ParentID != "" {
			parent, ok := byID[o.ParentID]
			if !ok {
				return fmt.Errorf("objective %s references unknown parent %s", o.ID, o.ParentID)
			}
			if err := vision.ValidateParent(o, parent); err != nil {
				return fmt.Errorf("objective %s: %w", o.ID, err)
			}
		}
		if err := repo.SaveObjective(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

func serveHTTP(ctx context.Context, server *mcpserver.Server, addr string, log *logging.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           server.HTTPHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("serving MCP over streamable HTTP", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
