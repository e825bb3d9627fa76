package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/banshee-data/meshoverlay/internal/db"
)

func handleMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "Pipeline configuration file (JSON)")
	dbPath := fs.String("db", "", "Job history database (overrides db_path)")
	fs.Usage = func() { db.PrintMigrateHelp(os.Stderr) }
	fs.Parse(args)

	path := *dbPath
	if path == "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		path = cfg.GetDBPath()
	}
	if err := db.RunMigrateCommand(fs.Args(), path, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
