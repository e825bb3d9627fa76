package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/banshee-data/meshoverlay/internal/version"
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]

	switch command {
	case "serve":
		handleServe(args)
	case "run":
		handleRun(args)
	case "worker":
		handleWorker(args)
	case "migrate":
		handleMigrate(args)
	case "version":
		fmt.Println(version.String())
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`meshoverlay - overlay estimated 3D body meshes on video

Usage: meshoverlay <command> [options]

Commands:
  serve      Start the job API (HTTP and gRPC) backed by a pose worker pool
  run        Process one or more videos and print each job result as JSON
  worker     Serve the pose worker protocol on stdin/stdout (started by the pool)
  migrate    Manage the job history database schema
  version    Show version information
  help       Show this help message

Common Flags:
  --config <file>      Pipeline configuration (JSON)
  --verbose            Log diagnostics to stderr
  --trace-file <file>  Write per-frame telemetry to a file

Examples:
  meshoverlay run --config config/pipeline.defaults.json input.mp4
  meshoverlay serve --listen :8080 --grpc-listen :9090
  meshoverlay migrate --db meshoverlay.db status`)
}
