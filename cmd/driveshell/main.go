package main

import (
	"log/slog"
	"os"

	"github.com/ivo/driveshell/internal/cli"
)

func main() {
	// Stdout is reserved for command results; diagnostics go to stderr so
	// --return callers always get clean JSON.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	if err := cli.NewRoot(logger).Execute(); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}
