package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/cwbudde/trialforge/internal/config"
	"github.com/cwbudde/trialforge/internal/registry"
	"github.com/cwbudde/trialforge/internal/server"
	"github.com/cwbudde/trialforge/internal/service"
)

var (
	serveAddr     string
	serveDataDir  string
	serveBackend  string
	serveStrategy string
	serveAutosave time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Starts the experiment service. Flags override the config file.
With --autosave every experiment is checkpointed on that interval and once
more on shutdown.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "./checkpoints", "Checkpoint directory (fs backend)")
	serveCmd.Flags().StringVar(&serveBackend, "backend", config.BackendFS, "Checkpoint backend: fs or mysql")
	serveCmd.Flags().StringVar(&serveStrategy, "strategy", "", "Default engine strategy")
	serveCmd.Flags().DurationVar(&serveAutosave, "autosave", 0, "Autosave interval (0 disables)")
	rootCmd.AddCommand(serveCmd)
}

// applyServeFlags copies explicitly set flags over the loaded config.
func applyServeFlags(cmd *cobra.Command, c *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("addr") {
		c.Server.Addr = serveAddr
	}
	if flags.Changed("data-dir") {
		c.Store.DataDir = serveDataDir
	}
	if flags.Changed("backend") {
		c.Store.Backend = serveBackend
	}
	if flags.Changed("strategy") {
		c.Engine.Strategy = serveStrategy
	}
	if flags.Changed("autosave") {
		c.Autosave.Interval = serveAutosave
	}
	return c.Validate()
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := applyServeFlags(cmd, cfg); err != nil {
		return err
	}
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	checkpointStore, err := cfg.Store.OpenStore()
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	if closer, ok := checkpointStore.(io.Closer); ok {
		defer closer.Close()
	}

	svc := service.New(registry.New(), checkpointStore, service.Options{
		Strategy: cfg.Engine.Strategy,
		Engine:   cfg.Engine.Config,
		Version:  version,
	})
	srv := server.NewServer(cfg.Server.Addr, svc)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		svc.RunAutosave(ctx, cfg.Autosave.Interval)
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	slog.Info("Service ready",
		"addr", cfg.Server.Addr,
		"backend", cfg.Store.Backend,
		"strategy", cfg.Engine.Strategy,
		"autosave", cfg.Autosave.Interval)

	select {
	case err = <-errCh:
		stop()
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err = srv.Shutdown(shutdownCtx)
	}

	wg.Wait()
	return err
}
