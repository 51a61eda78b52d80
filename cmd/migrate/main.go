package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"marketplace/internal/config"
	"marketplace/internal/db"
	"marketplace/internal/logging"
)

// Usage: migrate [up|down|version] [-steps n]
func main() {
	steps := flag.Int("steps", 1, "number of migrations to roll back with down")
	flag.Parse()
	command := "up"
	if flag.NArg() > 0 {
		command = flag.Arg(0)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stdout, cfg.AppEnv, cfg.LogLevel)

	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		logger.Error("connect database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	switch command {
	case "up":
		err = db.MigrateUp(database.DB)
	case "down":
		err = db.MigrateDown(database.DB, *steps)
	case "version":
		var version uint
		var dirty bool
		version, dirty, err = db.MigrationVersion(database.DB)
		if err == nil {
			fmt.Printf("version %d (dirty: %t)\n", version, dirty)
		}
	default:
		err = fmt.Errorf("unknown command %q", command)
	}
	if err != nil {
		logger.Error("migrate failed", "command", command, "error", err)
		database.Close()
		os.Exit(1)
	}
	logger.Info("migrate finished", "command", command)
}
