// Package main is the nexusd CLI: a single "serve" command that wires the
// memory store, both LLM gateways, the chat loop, the sleep-time
// scheduler, and the HTTP/WebSocket transport into one running process.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "nexusd",
		Short:        "nexusd - a conversational assistant with a background memory-curation agent",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd())
	return root
}
