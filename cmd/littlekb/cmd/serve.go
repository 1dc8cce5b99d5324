package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Coder-Upsilon/little-kb/internal/config"
	"github.com/Coder-Upsilon/little-kb/internal/embed"
	"github.com/Coder-Upsilon/little-kb/internal/store"
	"github.com/Coder-Upsilon/little-kb/internal/supervisor"
)

// reconcileInterval is how often the supervisor re-reads tool server
// records from the metadata store and reconciles running children against
// them, picking up records another littlekb invocation (e.g. kb create,
// kb delete) committed in the meantime.
const reconcileInterval = 10 * time.Second

// newServeCmd starts the tool-server supervisor: it reconciles the
// metadata store's persisted tool server records against running child
// processes and keeps them alive until the instance is stopped.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the tool-server supervisor",
		Long: `Start the supervisor that spawns, monitors, restarts, and
port-allocates one tool-server child process per enabled tool server
record. Blocks until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	return cmd
}

func runServe(ctx context.Context) error {
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

	cfg, err := config.Load(dir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	lock := embed.NewInstanceLock(dir)
	acquired, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("another instance is already using data directory %s", dir)
	}
	defer lock.Unlock()

	meta, err := store.NewSQLiteMetaStore(fmt.Sprintf("%s/meta.db", dir), fmt.Sprintf("%s/blobs", dir))
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer meta.Close()

	if err := meta.SelfHeal(ctx); err != nil {
		return fmt.Errorf("self-heal metadata store: %w", err)
	}

	sup := supervisor.New(meta, newSupervisorSpawner(dir), cfg.PortRange())
	if err := sup.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile tool servers: %w", err)
	}

	slog.Info("supervisor started", slog.Int("mcp_start_port", cfg.MCP.StartPort), slog.Int("mcp_max_port", cfg.MCP.MaxPort))

	// Hot-reload config.json's MCP port range without waiting for the
	// periodic poll below: the admin CLI/REST facade writes it out-of-process
	// and this is the only part of config.json a running supervisor can act
	// on live (backend/frontend ports are only read at their own startup).
	if err := config.Watch(ctx, dir, func(newCfg *config.Config) {
		sup.UpdatePortRange(newCfg.PortRange())
		if err := sup.Reconcile(ctx); err != nil {
			slog.Warn("reconcile after config reload failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		slog.Warn("config watch unavailable, falling back to periodic poll only", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("supervisor stopping")
			sup.Shutdown(context.Background())
			return nil
		case <-ticker.C:
			if err := sup.Reconcile(ctx); err != nil {
				slog.Warn("reconcile failed", slog.String("error", err.Error()))
			}
		}
	}
}
