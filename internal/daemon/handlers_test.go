package daemon

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/eluentwork/eluent/internal/rpc"
	"github.com/eluentwork/eluent/internal/types"
	"github.com/stretchr/testify/require"
)

func newTestDaemon(t *testing.T) (*Daemon, string) {
	t.Helper()
	repo := initRepo(t)
	reg := NewRegistry(t.TempDir(), nil)
	return New(reg, "test", nil), repo
}

func call(t *testing.T, d *Daemon, cmd string, args any) rpc.Response {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return d.Handle(context.Background(), rpc.Request{ID: "1", Cmd: cmd, Args: raw})
}

func TestHandlePing(t *testing.T) {
	d, _ := newTestDaemon(t)
	resp := call(t, d, "ping", nil)
	require.Equal(t, rpc.StatusOK, resp.Status)
}

func TestHandleRejectsMissingRepoPath(t *testing.T) {
	d, _ := newTestDaemon(t)
	resp := call(t, d, "claim", map[string]string{"atom_id": "a1", "agent_id": "bob"})
	require.Equal(t, rpc.StatusError, resp.Status)
}

func TestHandleClaimWithoutLedger(t *testing.T) {
	d, repo := newTestDaemon(t)

	inst, err := d.registry.Get(context.Background(), repo)
	require.NoError(t, err)
	require.NoError(t, inst.Store.AddAtom(types.Atom{ID: "a1", Title: "t", Status: types.StatusOpen, IssueType: types.TypeTask}))

	resp := call(t, d, "claim", map[string]string{"repo_path": repo, "atom_id": "a1", "agent_id": "bob"})
	require.Equal(t, rpc.StatusOK, resp.Status)

	var result claimResult
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	require.Equal(t, "claimed", result.Status)

	a, err := inst.Store.GetAtom("a1")
	require.NoError(t, err)
	require.Equal(t, types.StatusInProgress, a.Status)
	require.Equal(t, "bob", a.Assignee)
}

func TestHandleClaimRejectsBlockedAtom(t *testing.T) {
	d, repo := newTestDaemon(t)

	inst, err := d.registry.Get(context.Background(), repo)
	require.NoError(t, err)
	require.NoError(t, inst.Store.AddAtom(types.Atom{ID: "a1", Title: "blocker", Status: types.StatusOpen, IssueType: types.TypeTask}))
	require.NoError(t, inst.Store.AddAtom(types.Atom{ID: "a2", Title: "blocked", Status: types.StatusOpen, IssueType: types.TypeTask}))
	require.NoError(t, inst.Store.AddBond(types.Bond{SourceID: "a1", TargetID: "a2", Kind: types.BondBlocks}))

	resp := call(t, d, "claim", map[string]string{"repo_path": repo, "atom_id": "a2", "agent_id": "bob"})
	require.Equal(t, rpc.StatusError, resp.Status)
}

func TestHandleClaimIsIdempotentForSameAgent(t *testing.T) {
	d, repo := newTestDaemon(t)

	inst, err := d.registry.Get(context.Background(), repo)
	require.NoError(t, err)
	require.NoError(t, inst.Store.AddAtom(types.Atom{ID: "a1", Title: "t", Status: types.StatusOpen, IssueType: types.TypeTask}))

	first := call(t, d, "claim", map[string]string{"repo_path": repo, "atom_id": "a1", "agent_id": "bob"})
	require.Equal(t, rpc.StatusOK, first.Status)

	second := call(t, d, "claim", map[string]string{"repo_path": repo, "atom_id": "a1", "agent_id": "bob"})
	require.Equal(t, rpc.StatusOK, second.Status)
}

func TestHandleClaimConflictsForDifferentAgent(t *testing.T) {
	d, repo := newTestDaemon(t)

	inst, err := d.registry.Get(context.Background(), repo)
	require.NoError(t, err)
	require.NoError(t, inst.Store.AddAtom(types.Atom{ID: "a1", Title: "t", Status: types.StatusOpen, IssueType: types.TypeTask}))

	first := call(t, d, "claim", map[string]string{"repo_path": repo, "atom_id": "a1", "agent_id": "bob"})
	require.Equal(t, rpc.StatusOK, first.Status)

	second := call(t, d, "claim", map[string]string{"repo_path": repo, "atom_id": "a1", "agent_id": "alice"})
	require.Equal(t, rpc.StatusError, second.Status)
}

func TestHandleLedgerSyncStatusWhenUnconfigured(t *testing.T) {
	d, repo := newTestDaemon(t)
	resp := call(t, d, "ledger_sync", map[string]string{"repo_path": repo, "action": "status"})
	require.Equal(t, rpc.StatusOK, resp.Status)

	var out map[string]any
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	require.Equal(t, false, out["configured"])
}

func TestHandleLedgerSyncFailsWhenUnconfigured(t *testing.T) {
	d, repo := newTestDaemon(t)
	resp := call(t, d, "ledger_sync", map[string]string{"repo_path": repo, "action": "pull"})
	require.Equal(t, rpc.StatusError, resp.Status)
}

func TestHandleUnknownCommand(t *testing.T) {
	d, repo := newTestDaemon(t)
	resp := call(t, d, "bogus", map[string]string{"repo_path": repo})
	require.Equal(t, rpc.StatusError, resp.Status)
}
