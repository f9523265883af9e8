// Command ctgov-loader loads ClinicalTrials.gov studies into a relational
// database. See `ctgov-loader --help` for the available commands.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	// Storage engines register themselves with the storage registry.
	_ "github.com/ajitpratap0/ctgov-loader/pkg/storage/postgres"
	_ "github.com/ajitpratap0/ctgov-loader/pkg/storage/sqlite"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
