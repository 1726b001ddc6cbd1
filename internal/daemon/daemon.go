package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/eluentwork/eluent/internal/rpc"
	"golang.org/x/sync/errgroup"
)

// StaleSweepInterval is how often the background sweeper checks every
// cached instance's ledger for claims past their claim_timeout_hours.
const StaleSweepInterval = 5 * time.Minute

// Daemon serves the repository command set over the wire protocol
// against a cache of per-repository Instances.
type Daemon struct {
	registry *Registry
	version  string
	log      *slog.Logger
}

// New returns a Daemon backed by registry.
func New(registry *Registry, version string, log *slog.Logger) *Daemon {
	if log == nil {
		log = slog.Default()
	}
	return &Daemon{registry: registry, version: version, log: log}
}

// Run listens on socketPath and serves requests until ctx is canceled,
// concurrently sweeping cached instances for stale claims. Returns once
// both the listener and the sweeper have stopped.
func (d *Daemon) Run(ctx context.Context, socketPath string) error {
	ln, err := rpc.Listen(socketPath)
	if err != nil {
		return err
	}

	srv := rpc.NewServer(ln, d.Handle, d.log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(ctx) })
	g.Go(func() error { d.sweepLoop(ctx); return nil })
	return g.Wait()
}

func (d *Daemon) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(StaleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepOnce(ctx)
		}
	}
}

func (d *Daemon) sweepOnce(ctx context.Context) {
	d.registry.mu.Lock()
	instances := make([]*Instance, 0, len(d.registry.instances))
	for _, inst := range d.registry.instances {
		instances = append(instances, inst)
	}
	d.registry.mu.Unlock()

	for _, inst := range instances {
		timeout := inst.Config.ClaimTimeout()
		if inst.Ledger == nil || timeout <= 0 {
			continue
		}
		inst.Mu.Lock()
		released, err := inst.Ledger.ReleaseStaleClaims(ctx, time.Now().Add(-timeout))
		inst.Mu.Unlock()
		if err != nil {
			d.log.Warn("stale-claim sweep failed", "repo", inst.RepoPath, "error", err)
			continue
		}
		if len(released) > 0 {
			d.log.Info("released stale claims", "repo", inst.RepoPath, "atoms", released)
		}
	}
}
