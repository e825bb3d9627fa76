package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/meshoverlay/internal/pose"
)

// handleWorker serves the pose worker protocol on stdin/stdout. Stdout
// carries protocol frames only; all logging goes to stderr.
func handleWorker(args []string) {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	configPath := fs.String("config", "", "Pipeline configuration file (JSON)")
	workerID := fs.Int("worker-id", 0, "Worker id assigned by the pool")
	verbose := fs.Bool("verbose", false, "Log at debug level")
	fs.Parse(args)

	level := logrus.InfoLevel
	if *verbose {
		level = logrus.DebugLevel
	}
	logger := pose.NewWorkerLogger(os.Stderr, level)
	entry := logger.WithField("worker_id", *workerID)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		entry.WithError(err).Fatal("failed to load config")
	}
	pose.SetLogWriters(os.Stderr, nil, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	newRuntime, err := runtimeFactory(cfg)
	if err != nil {
		entry.WithError(err).Fatal("failed to configure estimator")
	}
	rt, err := newRuntime(ctx, *workerID)
	if err != nil {
		entry.WithError(err).Fatal("failed to load runtime")
	}
	if err := pose.ServeWorker(ctx, *workerID, rt, os.Stdin, os.Stdout, logger); err != nil {
		entry.WithError(err).Error("worker stopped")
		os.Exit(1)
	}
}
