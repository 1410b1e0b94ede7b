package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/conveyor-hq/conveyor/internal/admission"
	"github.com/conveyor-hq/conveyor/internal/dispatch"
	"github.com/conveyor-hq/conveyor/internal/engine"
	"github.com/conveyor-hq/conveyor/internal/expressions"
	"github.com/conveyor-hq/conveyor/internal/gateway"
	"github.com/conveyor-hq/conveyor/internal/logging"
	"github.com/conveyor-hq/conveyor/internal/notify"
	"github.com/conveyor-hq/conveyor/internal/scheduler"
	"github.com/conveyor-hq/conveyor/internal/service"
	"github.com/conveyor-hq/conveyor/internal/store"
	"github.com/conveyor-hq/conveyor/internal/validation"
	conveyormcp "github.com/conveyor-hq/conveyor/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "conveyor:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	// Stdout carries the MCP stdio transport, so logs go to stderr.
	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}),
	))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	exprs, err := expressions.NewRegistry()
	if err != nil {
		return fmt.Errorf("build expression registry: %w", err)
	}

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return fmt.Errorf("build validator: %w", err)
	}

	hub := notify.NewMemoryHub()
	pool := engine.NewWorkerPool(cfg.PoolSize)
	finalizer := engine.NewFinalizer(st, logger)

	actors := engine.NewRegistry(engine.Deps{
		Store:       st,
		Executor:    echoExecutor{},
		Expressions: exprs,
		Finalizer:   finalizer,
		Notifier:    hub,
		Pool:        pool,
		Logger:      logger,
	})

	var dispatchOpts []dispatch.Option
	if cfg.DispatchMax > 0 {
		dispatchOpts = append(dispatchOpts, dispatch.WithMaxAttempts(cfg.DispatchMax))
	}
	dispatcher := dispatch.NewDispatcher(dispatch.NewActorTransport(actors), logger, dispatchOpts...)

	limits := admission.DefaultLimits()
	if cfg.MaxPerUser > 0 {
		limits.PerUser = cfg.MaxPerUser
	}
	if cfg.MaxGlobal > 0 {
		limits.Global = cfg.MaxGlobal
	}

	svc := service.New(st, validator, admission.NewController(st, logger), dispatcher, limits, logger)
	gw := gateway.New(st, actors, logger)

	if cfg.EnableCron {
		sched := scheduler.NewScheduler(st, svc, logger)
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()
	}

	srv := conveyormcp.NewConveyorServer(conveyormcp.ConveyorServerDeps{
		Service: svc,
		Gateway: gw,
		Store:   st,
		Logger:  logger,
	})

	logger.Info("conveyor started",
		slog.String("db_path", cfg.DBPath),
		slog.Int("pool_size", cfg.PoolSize),
	)

	err = srv.Serve(ctx)

	// Let in-flight executions settle before closing the store.
	actors.Wait()
	pool.Shutdown()

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
