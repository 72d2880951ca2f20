package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/manpreetbhatti/lattice-collab/internal/api"
	"github.com/manpreetbhatti/lattice-collab/internal/checkpoint"
	"github.com/manpreetbhatti/lattice-collab/internal/config"
	"github.com/manpreetbhatti/lattice-collab/internal/feed"
	"github.com/manpreetbhatti/lattice-collab/internal/logging"
	"github.com/manpreetbhatti/lattice-collab/internal/ratelimit"
	"github.com/manpreetbhatti/lattice-collab/internal/session"
	"github.com/manpreetbhatti/lattice-collab/internal/store"
	"github.com/manpreetbhatti/lattice-collab/internal/ws"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)

	cmd := &cobra.Command{
		Use:          "lattice-server",
		Short:        "Collaborative text editing server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
				if err := cfg.Validate(); err != nil {
					return fmt.Errorf("invalid config: %w", err)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logging.New(cfg.Log, os.Stderr))
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides config and PORT")
	cmd.AddCommand(newTailCmd(&configPath))
	return cmd
}

// loadConfig reads the file at path, applies the environment and validates.
func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	dsn := cfg.Store.Path
	if cfg.Store.Driver == store.DriverPostgres {
		dsn = cfg.Store.DatabaseURL
	}
	st, err := store.Open(ctx, cfg.Store.Driver, dsn)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	var redisFeed *feed.RedisPublisher
	if cfg.Redis.Addr != "" {
		rdb, err := feed.NewRedisClient(ctx, cfg.Redis.Addr)
		if err != nil {
			return err
		}
		defer rdb.Close()
		redisFeed = feed.NewRedisPublisher(rdb, cfg.Redis.ChannelPrefix, logger)
	}

	// Filled in below, before any session exists.
	var sinks feed.Fanout
	registry := session.NewRegistry(
		session.WithLogger(logger),
		session.WithBroadcaster(session.BroadcasterFunc(func(b session.Broadcast) {
			sinks.Publish(b)
		})),
		session.OnCreate(func(s *session.Session) {
			saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := st.SaveSession(saveCtx, s.ID, s.DocumentID); err != nil {
				logger.Warn("failed to record session", "session_id", s.ID, "error", err)
			}
		}),
	)

	hub := ws.NewHub(registry, logger)
	sinks = append(sinks, hub)
	if redisFeed != nil {
		sinks = append(sinks, redisFeed)
	}

	limiters := ratelimit.NewClientLimiters(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst, cfg.RateLimit.IdleTTL)
	defer limiters.Stop()

	checkpoints := checkpoint.New(st, registry, checkpoint.Config{
		Interval:  cfg.Checkpoint.Interval,
		Threshold: cfg.Checkpoint.Threshold,
		KeepAuto:  cfg.Checkpoint.KeepAuto,
	}, logger)

	router := mux.NewRouter()
	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, limiters, w, r)
	})
	api.New(registry, hub, st, checkpoints, logger).Register(router)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.CORSMiddleware(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return checkpoints.Run(gctx) })
	if redisFeed != nil {
		g.Go(func() error { return redisFeed.Run(gctx) })
	}
	if cfg.Sessions.IdleTTL > 0 {
		g.Go(func() error { return evictIdle(gctx, registry, cfg.Sessions) })
	}
	g.Go(func() error {
		logStartup(logger, cfg)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func evictIdle(ctx context.Context, registry *session.Registry, cfg config.SessionsConfig) error {
	ticker := time.NewTicker(cfg.EvictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			registry.EvictIdle(cfg.IdleTTL)
		}
	}
}

func logStartup(logger *slog.Logger, cfg config.Config) {
	logger.Info("🌸 Lattice server starting", "addr", cfg.Addr)
	if cfg.Store.Driver == store.DriverPostgres {
		logger.Info("📁 Store ready", "driver", cfg.Store.Driver)
	} else {
		logger.Info("📁 Store ready", "driver", cfg.Store.Driver, "path", cfg.Store.Path)
	}
	if cfg.Redis.Addr != "" {
		logger.Info("📡 Operation feed enabled", "redis_addr", cfg.Redis.Addr, "channel_prefix", cfg.Redis.ChannelPrefix)
	}
	logger.Info("Endpoints:")
	logger.Info("  - WebSocket:   /ws?session={id}&user={id}&name={name}")
	logger.Info("  - Health:      GET /health")
	logger.Info("  - Stats:       GET /api/stats")
	logger.Info("  - Metrics:     GET /metrics")
	logger.Info("  - Sessions:    GET/POST /api/sessions")
	logger.Info("  - Session:     GET /api/sessions/{id}")
	logger.Info("  - Users:       POST /api/sessions/{id}/users, DELETE /api/sessions/{id}/users/{userId}")
	logger.Info("  - Operations:  GET/POST /api/sessions/{id}/operations")
	logger.Info("  - Checkpoints: GET/POST /api/sessions/{id}/checkpoints")
	logger.Info("  - Checkpoint:  GET/DELETE /api/checkpoints/{id}")
	logger.Info("  - Diff:        GET /api/checkpoints/diff?from=X&to=Y")
}
