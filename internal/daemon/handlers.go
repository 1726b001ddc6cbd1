package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/eluentwork/eluent/internal/errs"
	"github.com/eluentwork/eluent/internal/graph"
	"github.com/eluentwork/eluent/internal/ledger"
	"github.com/eluentwork/eluent/internal/ready"
	"github.com/eluentwork/eluent/internal/rpc"
	"github.com/eluentwork/eluent/internal/store"
	"github.com/eluentwork/eluent/internal/types"
)

// isBlocked builds a one-shot readiness snapshot from st's current
// contents and reports whether atomID is blocked. The claim path is
// infrequent enough relative to reads that a resolver cached across
// calls isn't worth the invalidation bookkeeping here.
func isBlocked(st *store.Store, atomID string) bool {
	atoms := make(map[string]*types.Atom)
	for _, a := range st.ListAtoms() {
		atoms[a.ID] = a
	}
	snap := &ready.Snapshot{Atoms: atoms, Graph: graph.New(st.ListBonds())}
	return ready.NewResolver(snap).IsBlocked(atomID)
}

// Handle dispatches one request against the registry: "ping" plus the
// repository-scoped commands, all of which expect "repo_path" in args.
func (d *Daemon) Handle(ctx context.Context, req rpc.Request) rpc.Response {
	if req.Cmd == "ping" {
		return rpc.OK(req.ID, map[string]string{"status": "ok", "version": d.version})
	}

	var base struct {
		RepoPath string `json:"repo_path"`
	}
	if err := json.Unmarshal(req.Args, &base); err != nil || base.RepoPath == "" {
		return rpc.Fail(req.ID, &errs.InvalidRequestError{Reason: "repo_path is required"})
	}

	inst, err := d.registry.Get(ctx, base.RepoPath)
	if err != nil {
		return rpc.Fail(req.ID, err)
	}

	inst.Mu.Lock()
	defer inst.Mu.Unlock()

	switch req.Cmd {
	case "claim":
		return d.handleClaim(ctx, inst, req)
	case "ledger_sync":
		return d.handleLedgerSync(ctx, inst, req)
	default:
		return rpc.Fail(req.ID, &errs.InvalidRequestError{Reason: fmt.Sprintf("unknown command %q", req.Cmd)})
	}
}

type claimArgs struct {
	RepoPath string `json:"repo_path"`
	AtomID   string `json:"atom_id"`
	AgentID  string `json:"agent_id"`
}

type claimResult struct {
	AtomID  string `json:"atom_id"`
	Status  string `json:"status"` // "claimed" or "offline_queued"
	Retries int    `json:"retries,omitempty"`
}

func (d *Daemon) handleClaim(ctx context.Context, inst *Instance, req rpc.Request) rpc.Response {
	var args claimArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return rpc.Fail(req.ID, &errs.InvalidRequestError{Reason: "malformed claim args"})
	}
	if args.AtomID == "" || args.AgentID == "" {
		return rpc.Fail(req.ID, &errs.InvalidRequestError{Reason: "atom_id and agent_id are required"})
	}

	if inst.Ledger == nil {
		if err := d.localClaim(inst, args.AtomID, args.AgentID); err != nil {
			return rpc.Fail(req.ID, err)
		}
		return rpc.OK(req.ID, claimResult{AtomID: args.AtomID, Status: "claimed"})
	}

	if inst.Ledger.Available(ctx) {
		result, err := inst.Ledger.ClaimAndPush(ctx, args.AtomID, args.AgentID)
		if err != nil {
			return rpc.Fail(req.ID, err)
		}
		return rpc.OK(req.ID, claimResult{AtomID: args.AtomID, Status: "claimed", Retries: result.Retries})
	}

	// Ledger configured but unreachable.
	if inst.Config.OfflineMode() == "fail" {
		return rpc.Fail(req.ID, &errs.LedgerSyncerError{Reason: "ledger unavailable and offline_mode is fail"})
	}
	if err := d.localClaim(inst, args.AtomID, args.AgentID); err != nil {
		return rpc.Fail(req.ID, err)
	}
	if err := inst.LedgerSt.EnqueueOfflineClaim(args.AtomID, args.AgentID, time.Now().UTC()); err != nil {
		return rpc.Fail(req.ID, fmt.Errorf("recording offline claim: %w", err))
	}
	return rpc.OK(req.ID, claimResult{AtomID: args.AtomID, Status: "offline_queued"})
}

// localClaim applies the same claim-eligibility rules the ledger syncer
// uses against its worktree copy, directly against the main record
// store: reject closed/discarded/blocked atoms, accept an idempotent
// re-claim by the same agent, and fail with a conflict otherwise.
func (d *Daemon) localClaim(inst *Instance, atomID, agentID string) error {
	a, err := inst.Store.GetAtom(atomID)
	if err != nil {
		return err
	}

	switch a.Status {
	case types.StatusClosed, types.StatusDiscard:
		return &errs.InvalidStateError{Current: string(a.Status), Reason: "cannot claim a closed or discarded atom"}
	case types.StatusInProgress:
		if a.Assignee == agentID {
			return nil
		}
		return &errs.ConflictError{Owner: a.Assignee}
	}
	if isBlocked(inst.Store, atomID) {
		return &errs.InvalidStateError{Current: string(a.Status), Reason: "cannot claim a blocked atom"}
	}

	updated := *a
	updated.Status = types.StatusInProgress
	updated.Assignee = agentID
	updated.UpdatedAt = time.Now().UTC()
	return inst.Store.UpdateAtom(updated)
}

type ledgerSyncArgs struct {
	RepoPath string `json:"repo_path"`
	Action   string `json:"action"`
}

func (d *Daemon) handleLedgerSync(ctx context.Context, inst *Instance, req rpc.Request) rpc.Response {
	var args ledgerSyncArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return rpc.Fail(req.ID, &errs.InvalidRequestError{Reason: "malformed ledger_sync args"})
	}

	if args.Action == "status" {
		return d.ledgerStatus(ctx, inst, req.ID)
	}

	if inst.Ledger == nil {
		return rpc.Fail(req.ID, &errs.LedgerNotConfiguredError{})
	}

	switch args.Action {
	case "setup":
		if err := inst.Ledger.Setup(ctx); err != nil {
			return rpc.Fail(req.ID, err)
		}
	case "teardown":
		if err := inst.Ledger.Teardown(); err != nil {
			return rpc.Fail(req.ID, err)
		}
	case "pull":
		if err := inst.Ledger.Pull(ctx); err != nil {
			return rpc.Fail(req.ID, err)
		}
	case "push":
		if err := inst.Ledger.Push(ctx, "ledger_sync: push"); err != nil {
			return rpc.Fail(req.ID, err)
		}
	case "reconcile":
		results, err := inst.Ledger.Reconcile(ctx)
		if err != nil {
			return rpc.Fail(req.ID, err)
		}
		return rpc.OK(req.ID, reconcileResponse(results))
	case "force_resync":
		if err := inst.Ledger.ForceResync(ctx); err != nil {
			return rpc.Fail(req.ID, err)
		}
	default:
		return rpc.Fail(req.ID, &errs.InvalidRequestError{Reason: fmt.Sprintf("unknown ledger_sync action %q", args.Action)})
	}
	return rpc.OK(req.ID, map[string]string{"action": args.Action, "status": "ok"})
}

type reconcileEntry struct {
	AtomID  string `json:"atom_id"`
	AgentID string `json:"agent_id"`
	Error   string `json:"error,omitempty"`
}

func reconcileResponse(results []ledger.ReconcileResult) []reconcileEntry {
	out := make([]reconcileEntry, 0, len(results))
	for _, r := range results {
		e := reconcileEntry{AtomID: r.AtomID, AgentID: r.AgentID}
		if r.Err != nil {
			e.Error = r.Err.Error()
		}
		out = append(out, e)
	}
	return out
}

// ledgerStatus reports the ledger's configuration and health even when it
// is not configured at all.
func (d *Daemon) ledgerStatus(ctx context.Context, inst *Instance, reqID string) rpc.Response {
	if inst.Ledger == nil {
		return rpc.OK(reqID, map[string]any{"configured": false})
	}
	st, err := inst.LedgerSt.Load()
	if err != nil {
		return rpc.Fail(reqID, err)
	}
	return rpc.OK(reqID, map[string]any{
		"configured":    true,
		"available":     inst.Ledger.Available(ctx),
		"stale":         inst.Ledger.Stale(ctx),
		"healthy":       inst.Ledger.Healthy(ctx),
		"last_pull_at":  st.LastPullAt,
		"last_push_at":  st.LastPushAt,
		"ledger_head":   st.LedgerHead,
		"offline_count": len(st.OfflineClaims),
	})
}
