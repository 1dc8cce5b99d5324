package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Coder-Upsilon/little-kb/internal/config"
	"github.com/Coder-Upsilon/little-kb/internal/embed"
	"github.com/Coder-Upsilon/little-kb/internal/store"
	"github.com/Coder-Upsilon/little-kb/internal/toolserver"
)

// newToolServerCmd is the supervisor-spawned child process: it loads one
// ToolServerRecord and serves its tools until killed. Never invoked
// directly by a user; see newSupervisorSpawner.
func newToolServerCmd() *cobra.Command {
	var (
		id       string
		port     int
		provider string
		model    string
	)

	cmd := &cobra.Command{
		Use:    "tool-server",
		Short:  "Run a single tool server (internal, spawned by the supervisor)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runToolServer(cmd.Context(), id, port, provider, model)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Tool server record id to serve")
	cmd.Flags().IntVar(&port, "port", 0, "Port to listen on")
	cmd.Flags().StringVar(&provider, "embedder", "", "Embedding provider override")
	cmd.Flags().StringVar(&model, "model", "", "Embedding model override")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("port")

	return cmd
}

func runToolServer(ctx context.Context, id string, port int, provider, model string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dir := dataFlag
	if dir == "" {
		var err error
		dir, err = config.DefaultDataDir()
		if err != nil {
			return err
		}
	}

	// This is a supervisor-spawned child; the supervisor should already hold
	// the instance lock for dir. Acquiring it here would just mean nobody
	// owns the directory, which means this process was started standalone.
	lock := embed.NewInstanceLock(dir)
	acquired, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("check instance lock: %w", err)
	}
	if acquired {
		_ = lock.Unlock()
		return fmt.Errorf("no supervisor owns data directory %s; start one with 'littlekb serve'", dir)
	}

	meta, err := store.NewSQLiteMetaStore(fmt.Sprintf("%s/meta.db", dir), fmt.Sprintf("%s/blobs", dir))
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer meta.Close()

	rec, err := meta.GetToolServer(ctx, id)
	if err != nil {
		return fmt.Errorf("load tool server record %s: %w", id, err)
	}

	embedder, err := embed.NewEmbedder(ctx, embed.ParseProvider(provider), model)
	if err != nil {
		return fmt.Errorf("create embedder: %w", err)
	}
	defer embedder.Close()

	srv, err := toolserver.Open(meta, embedder, rec, dir)
	if err != nil {
		return fmt.Errorf("open tool server %s: %w", id, err)
	}
	defer srv.Close()

	addr := net.JoinHostPort("0.0.0.0", fmt.Sprintf("%d", port))
	slog.Info("tool server listening", slog.String("id", id), slog.String("addr", addr))
	return srv.Serve(ctx, addr)
}
