// Command jobsd runs the per-host work queue server. Worker processes are
// spawned by an external supervisor and connect over the Unix socket;
// jobsd only brokers between them and the database.
package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/instructure/canvas-jobs/pkg/jobs"
	"github.com/instructure/canvas-jobs/pkg/jobs/broker"
	"github.com/instructure/canvas-jobs/pkg/jobs/hooks"
	"github.com/instructure/canvas-jobs/pkg/jobs/storage/postgres"
)

func main() {
	zl, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer zl.Sync()
	logger := jobs.NewZapLogger(zl)

	cfg, err := jobs.FromEnv()
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := postgres.InitSchema(ctx, db); err != nil {
		logger.Error("init schema", "error", err)
		os.Exit(1)
	}

	store, err := postgres.New(db, postgres.Options{
		Logger:                logger,
		SilenceReads:          true,
		SelectRandomFromBatch: cfg.SelectRandomFromBatch,
	})
	if err != nil {
		logger.Error("create store", "error", err)
		os.Exit(1)
	}

	server, err := broker.NewServer(store, broker.Options{
		Address:               cfg.ServerAddress,
		SleepDelay:            cfg.SleepDelay,
		SleepDelayStagger:     cfg.SleepDelayStagger,
		FetchBatchSize:        cfg.FetchBatchSize,
		ServerSocketTimeout:   cfg.ServerSocketTimeout,
		PrefetchedJobsTimeout: cfg.PrefetchedJobsTimeout,
		ParentPID:             os.Getppid(),
		Logger:                logger,
		Hooks:                 hooks.NewRegistry(),
	})
	if err != nil {
		logger.Error("create server", "error", err)
		os.Exit(1)
	}

	if err := server.Run(ctx); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}
