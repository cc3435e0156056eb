package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/solatis/waypoint/internal/core/api"
	"github.com/solatis/waypoint/internal/core/server"
	"github.com/solatis/waypoint/internal/core/telemetry"
	"github.com/solatis/waypoint/internal/core/worker"
)

const Version = "0.1.0"

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the trigger API and the wake poller",
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().String("host", "0.0.0.0", "gRPC server host")
	workerCmd.Flags().Int("port", 50061, "gRPC server port")
	workerCmd.Flags().Int("concurrency", 16, "maximum concurrent wakes")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("concurrency") {
		cfg.Worker.Concurrency, _ = cmd.Flags().GetInt("concurrency")
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	rt, err := newEngineRuntime(cfg, store, logger)
	if err != nil {
		store.DB().Close()
		return err
	}
	defer rt.Close()

	service, err := api.NewEngineService(rt.scheduler, rt.rules, rt.profiles, rt.materializer, logger)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	grpcServer, err := server.NewGRPCServer(cfg.Server, service)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	addr, err := grpcServer.Listen()
	if err != nil {
		return err
	}
	poller := worker.NewPoller(rt.ledger, rt.scheduler, rt.counter, cfg.Worker, logger)

	logger.Info("starting waypoint worker", "version", Version, "addr", addr.String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return grpcServer.Start(gctx)
	})
	g.Go(func() error {
		return poller.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return grpcServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
