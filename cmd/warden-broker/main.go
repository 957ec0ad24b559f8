// warden-broker holds all credentials (signing key, provider API keys) and
// serves signing, LLM completion, and embedding to the runtime over stdio.
// It is started by the runtime as a child process; nothing else should run it.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sentience-labs/warden/pkg/brokerd"
)

func main() {
	// Logs go to stderr; stdout is the IPC channel.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	server, err := brokerd.New(brokerd.FromEnv())
	if err != nil {
		slog.Error("Failed to initialize broker", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("Broker exited with error", "error", err)
		os.Exit(1)
	}
}
