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

	"github.com/spf13/cobra"

	"agentregistry/internal/ratelimit"
	"agentregistry/internal/util"
	"agentregistry/services/registry/internal/config"
	"agentregistry/services/registry/internal/server"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "registry",
		Short:        "Agent and user registry service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default $REGISTRY_CONFIG or ./config.yaml)")

	load := func() (config.FileConfig, error) {
		cfg, err := config.Load(config.ResolvePath(configPath))
		if err != nil {
			return cfg, fmt.Errorf("failed to load config: %w", err)
		}
		util.InitLogger(cfg.LogLevel, cfg.LogFormat)
		return cfg, nil
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "ensure-container",
		Short: "Create the blob container if it does not exist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			blobs, err := openBlobStore(cfg, nil)
			if err != nil {
				return err
			}
			if err := blobs.EnsureContainer(cmd.Context()); err != nil {
				return fmt.Errorf("ensure container: %w", err)
			}
			slog.Info("blob container ready", "container", cfg.Blob.Container, "driver", cfg.Blob.Driver)
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "sweep-orphans",
		Short: "Delete every queued orphan blob and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return sweepOrphans(cmd.Context(), cfg)
		},
	})
	return root
}

func serve(parent context.Context, cfg config.FileConfig) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := openDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.close()

	if err := d.blobs.EnsureContainer(ctx); err != nil {
		return fmt.Errorf("ensure container: %w", err)
	}
	if d.orphans != nil && cfg.OrphanSweeper.Enabled {
		if err := d.orphans.Start(ctx, cfg.OrphanSweeper.Concurrency, d.app.SweepOrphan); err != nil {
			return fmt.Errorf("start orphan sweeper: %w", err)
		}
		slog.Info("orphan sweeper started", "concurrency", cfg.OrphanSweeper.Concurrency)
	}

	var limiter ratelimit.Limiter
	if d.limiter != nil {
		limiter = d.limiter
	}
	httpServer, err := server.New(server.Config{
		App:               d.app,
		StagingDir:        cfg.StagingDir,
		MaxUploadBytes:    cfg.MaxUploadBytes,
		AllowedOrigins:    cfg.AllowedOrigins,
		TrustedProxies:    d.trusted,
		CreateLimiter:     limiter,
		CreatePerMinute:   cfg.RateLimit.CreatePerMinute,
		RateLimitFailOpen: cfg.RateLimit.FailOpen,
		Metrics:           d.metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to init server: %w", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("registry server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func sweepOrphans(ctx context.Context, cfg config.FileConfig) error {
	if cfg.RedisAddr == "" {
		return errors.New("sweep-orphans requires redisAddr")
	}
	d, err := openDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.close()
	handled, err := d.orphans.Drain(ctx, d.app.SweepOrphan)
	if err != nil {
		return fmt.Errorf("drain orphan queue: %w", err)
	}
	slog.Info("orphan sweep finished", "handled", handled)
	return nil
}
