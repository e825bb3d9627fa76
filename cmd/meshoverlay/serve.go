package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/banshee-data/meshoverlay/internal/api"
	"github.com/banshee-data/meshoverlay/internal/db"
	"github.com/banshee-data/meshoverlay/internal/httputil"
	"github.com/banshee-data/meshoverlay/internal/rpc"
	"github.com/banshee-data/meshoverlay/internal/version"
)

const (
	shutdownTimeout = 5 * time.Second
	maxGRPCMessage  = 4 << 20
)

func handleServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Pipeline configuration file (JSON)")
	listen := fs.String("listen", ":8080", "HTTP listen address")
	grpcListen := fs.String("grpc-listen", ":9090", "gRPC listen address (empty disables)")
	dbPath := fs.String("db", "", "Job history database (overrides db_path)")
	verbose := fs.Bool("verbose", false, "Log diagnostics to stderr")
	traceFile := fs.String("trace-file", "", "Write per-frame telemetry to this file")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	closeLogs, err := setupLogging(os.Stderr, *verbose, *traceFile)
	if err != nil {
		log.Fatal(err)
	}
	defer closeLogs()

	path := cfg.GetDBPath()
	if *dbPath != "" {
		path = *dbPath
	}
	store, err := db.NewDB(path)
	if err != nil {
		log.Fatalf("Failed to open job history %s: %v", path, err)
	}
	defer store.Close()

	pool, err := buildPool(cfg, *configPath)
	if err != nil {
		log.Fatalf("Failed to configure pose pool: %v", err)
	}
	orch, err := newOrchestrator(cfg, pool, store)
	if err != nil {
		log.Fatalf("Failed to configure pipeline: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("%s starting", version.String())

	var ready atomic.Bool
	mux := api.NewServer(orch, store).ServeMux()
	if err := store.AttachAdminRoutes(mux); err != nil {
		log.Fatalf("Failed to attach admin routes: %v", err)
	}
	server := &http.Server{
		Addr:    *listen,
		Handler: api.LoggingMiddleware(readyGate(mux, &ready)),
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("HTTP API listening on %s", *listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
			stop()
		}
	}()

	var gs *grpc.Server
	if *grpcListen != "" {
		lis, err := net.Listen("tcp", *grpcListen)
		if err != nil {
			log.Fatalf("Failed to listen on %s: %v", *grpcListen, err)
		}
		gs = grpc.NewServer(
			grpc.MaxRecvMsgSize(maxGRPCMessage),
			grpc.MaxSendMsgSize(maxGRPCMessage),
		)
		rpc.RegisterService(gs, rpc.NewJobServer(orch, rpc.DefaultWatchInterval, nil))
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Printf("gRPC job service listening on %s", *grpcListen)
			if err := gs.Serve(lis); err != nil {
				log.Printf("gRPC server error: %v", err)
			}
		}()
	}

	// Workers load while the API already answers health checks.
	if err := pool.Start(ctx); err != nil {
		log.Printf("Pose pool failed to start: %v", err)
		stop()
	} else {
		orch.Start(ctx)
		ready.Store(true)
		log.Printf("Pose pool ready with %d workers", pool.LiveWorkers())
	}

	<-ctx.Done()
	log.Printf("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		server.Close()
	}
	if gs != nil {
		gs.GracefulStop()
	}
	if err := orch.Close(); err != nil {
		log.Printf("Pipeline close error: %v", err)
	}
	if err := pool.Stop(); err != nil {
		log.Printf("Pose pool stop error: %v", err)
	}
	wg.Wait()
	log.Printf("Stopped")
}

// readyGate rejects job-creating requests until ready is set. Status and
// history endpoints stay available.
func readyGate(next http.Handler, ready *atomic.Bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() && createsJob(r) {
			httputil.ServiceUnavailable(w, "pose workers are still starting")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func createsJob(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	p := strings.TrimSuffix(r.URL.Path, "/")
	return p == "/api/process" || p == "/api/jobs"
}
