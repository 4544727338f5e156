// The main package for the newsingest executable.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	// Source timezones must resolve on hosts without a zoneinfo database.
	_ "time/tzdata"

	"github.com/JakeFAU/news-ingest/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cmd.Execute(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "newsingest: %v\n", err)
		os.Exit(1)
	}
}
