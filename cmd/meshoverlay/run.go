package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/meshoverlay/internal/db"
	"github.com/banshee-data/meshoverlay/internal/pipeline"
)

func handleRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Pipeline configuration file (JSON)")
	record := fs.Bool("record", false, "Record jobs in the history database")
	verbose := fs.Bool("verbose", false, "Log diagnostics to stderr")
	traceFile := fs.String("trace-file", "", "Write per-frame telemetry to this file")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: meshoverlay run [options] <video> [video...]")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	closeLogs, err := setupLogging(os.Stderr, *verbose, *traceFile)
	if err != nil {
		log.Fatal(err)
	}
	defer closeLogs()

	var recorder pipeline.JobRecorder
	if *record {
		store, err := db.NewDB(cfg.GetDBPath())
		if err != nil {
			log.Fatalf("Failed to open job history: %v", err)
		}
		defer store.Close()
		recorder = store
	}

	pool, err := buildPool(cfg, *configPath)
	if err != nil {
		log.Fatalf("Failed to configure pose pool: %v", err)
	}
	orch, err := newOrchestrator(cfg, pool, recorder)
	if err != nil {
		log.Fatalf("Failed to configure pipeline: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := pool.Start(ctx); err != nil {
		log.Fatalf("Pose pool failed to start: %v", err)
	}
	failed := runAll(ctx, orch, fs.Args(), os.Stdout)
	if err := pool.Stop(); err != nil {
		log.Printf("Pose pool stop error: %v", err)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

// videoRunner is the part of the orchestrator used by runAll.
type videoRunner interface {
	Run(ctx context.Context, videoPath string) (*pipeline.JobResult, error)
}

// runAll processes each path in turn, writing one JSON document per job to
// out. It returns the number of failed jobs.
func runAll(ctx context.Context, r videoRunner, paths []string, out io.Writer) int {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	failed := 0
	for _, path := range paths {
		if ctx.Err() != nil {
			log.Printf("Interrupted before %s", path)
			return failed + 1
		}
		res, err := r.Run(ctx, path)
		if err != nil {
			failed++
			var runErr *pipeline.RunError
			if errors.As(err, &runErr) {
				log.Printf("%s: job %s failed (%s): %v", path, runErr.JobID, runErr.Kind, runErr.Err)
			} else {
				log.Printf("%s: %v", path, err)
			}
		}
		if res != nil {
			if err := enc.Encode(res); err != nil {
				log.Printf("Failed to write result for %s: %v", path, err)
			}
		}
	}
	return failed
}
