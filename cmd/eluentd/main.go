// Command eluentd runs the per-user background daemon: one long-lived
// process serving the RPC wire protocol against a cache of per-repository
// record stores and ledger syncers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/eluentwork/eluent/internal/daemon"
	"github.com/spf13/cobra"
)

// Version is stamped via -ldflags at release build time.
var Version = "dev"

func main() {
	var socketPath, pidPath, dataDir string

	root := &cobra.Command{
		Use:   "eluentd",
		Short: "eluent background daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), dataDir, socketPath, pidPath)
		},
	}
	root.Flags().StringVar(&dataDir, "data-dir", "", "per-user data directory (default: $XDG_DATA_HOME/eluent or ~/.local/share/eluent)")
	root.Flags().StringVar(&socketPath, "socket", "", "RPC socket path (default: <data-dir>/daemon.sock)")
	root.Flags().StringVar(&pidPath, "pid-file", "", "PID file path (default: <data-dir>/daemon.pid)")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "eluentd:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, dataDir, socketPath, pidPath string) error {
	log := slog.Default()

	if dataDir == "" {
		var err error
		dataDir, err = daemon.UserDataDir()
		if err != nil {
			return fmt.Errorf("resolving data directory: %w", err)
		}
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	if socketPath == "" {
		socketPath = daemon.SocketPath(dataDir)
	}
	if pidPath == "" {
		pidPath = daemon.PIDPath(dataDir)
	}

	// A stale socket from a prior unclean shutdown makes net.Listen fail
	// with "address already in use"; the PID lock acquired next is the
	// real single-instance guard, so it's safe to clear the path first.
	_ = os.Remove(socketPath)

	lock, err := daemon.Acquire(pidPath, socketPath, Version)
	if err != nil {
		return fmt.Errorf("acquiring daemon lock: %w", err)
	}
	defer lock.Release()

	registry := daemon.NewRegistry(dataDir, log)
	d := daemon.New(registry, Version, log)

	log.Info("eluentd starting", "socket", socketPath, "data_dir", dataDir, "version", Version)
	err = d.Run(ctx, socketPath)
	os.Remove(socketPath)
	if err != nil {
		return fmt.Errorf("daemon exited: %w", err)
	}
	log.Info("eluentd stopped")
	return nil
}
