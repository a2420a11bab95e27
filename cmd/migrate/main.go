// Command migrate applies or rolls back the embedded schema migrations.
//
// Usage:
//
//	migrate [-down]
//
// The target database comes from EMBER_DATABASE_URL (a .env file is honored).
package main

import (
	"flag"
	"fmt"
	"os"

	"ember/cmd/internal/app"
	"ember/cmd/internal/db"

	"github.com/joho/godotenv"
)

func main() {
	down := flag.Bool("down", false, "roll back all migrations instead of applying them")
	flag.Parse()

	_ = godotenv.Load()

	cfg := app.LoadConfig()
	log := app.NewLogger(cfg.LogLevel, cfg.LogFormat)

	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "migrate: EMBER_DATABASE_URL is not set")
		os.Exit(1)
	}

	var err error
	if *down {
		err = db.MigrateDown(cfg.DatabaseURL, log)
	} else {
		err = db.MigrateUp(cfg.DatabaseURL, log)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}
