package main

import (
	"log/slog"
	"os"

	"github.com/spineprep/spineprep/internal/cli"
)

func main() {
	// Minimal logger until the CLI configures the real one.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	os.Exit(cli.Main())
}
