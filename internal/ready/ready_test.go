package ready

import (
	"testing"
	"time"

	"github.com/eluentwork/eluent/internal/graph"
	"github.com/eluentwork/eluent/internal/types"
	"github.com/stretchr/testify/require"
)

func atom(id string, status types.Status) *types.Atom {
	now := time.Now()
	return &types.Atom{
		ID: id, Title: id, Status: status, IssueType: types.TypeTask,
		Priority: 2, CreatedAt: now, UpdatedAt: now,
	}
}

func bond(source, target string, kind types.BondKind) *types.Bond {
	return &types.Bond{SourceID: source, TargetID: target, Kind: kind, CreatedAt: time.Now()}
}

func TestBlocksKindBlocksUntilSourceClosed(t *testing.T) {
	atoms := map[string]*types.Atom{
		"A": atom("A", types.StatusOpen),
		"B": atom("B", types.StatusOpen),
	}
	g := graph.New([]*types.Bond{bond("A", "B", types.BondBlocks)})
	r := NewResolver(&Snapshot{Atoms: atoms, Graph: g})
	require.True(t, r.IsBlocked("B"))

	atoms["A"].Status = types.StatusClosed
	r.Invalidate()
	r.SetSnapshot(&Snapshot{Atoms: atoms, Graph: g})
	require.False(t, r.IsBlocked("B"))
}

func TestConditionalBlocksOnlyWhenFailurePatternMatches(t *testing.T) {
	atoms := map[string]*types.Atom{
		"A": atom("A", types.StatusClosed),
		"B": atom("B", types.StatusOpen),
	}
	atoms["A"].CloseReason = "done successfully"
	g := graph.New([]*types.Bond{bond("A", "B", types.BondConditionalBlocks)})
	r := NewResolver(&Snapshot{Atoms: atoms, Graph: g})
	require.False(t, r.IsBlocked("B"))

	atoms["A"].CloseReason = "failed: timeout"
	r.Invalidate()
	r.SetSnapshot(&Snapshot{Atoms: atoms, Graph: g})
	require.True(t, r.IsBlocked("B"))
}

func TestWaitsForRequiresAllDescendantsClosed(t *testing.T) {
	atoms := map[string]*types.Atom{
		"A": atom("A", types.StatusClosed),
		"B": atom("B", types.StatusOpen),
		"C": atom("C", types.StatusOpen),
	}
	g := graph.New([]*types.Bond{
		bond("A", "B", types.BondBlocks),
		bond("A", "C", types.BondWaitsFor),
	})
	r := NewResolver(&Snapshot{Atoms: atoms, Graph: g})
	require.True(t, r.IsBlocked("C"))

	atoms["B"].Status = types.StatusClosed
	r.Invalidate()
	r.SetSnapshot(&Snapshot{Atoms: atoms, Graph: g})
	require.False(t, r.IsBlocked("C"))
}

func TestParentChildDoesNotCascade(t *testing.T) {
	atoms := map[string]*types.Atom{
		"parent": atom("parent", types.StatusOpen),
		"child":  atom("child", types.StatusOpen),
		"grand":  atom("grand", types.StatusOpen),
	}
	g := graph.New([]*types.Bond{
		bond("parent", "child", types.BondParentChild),
		bond("child", "grand", types.BondParentChild),
	})
	r := NewResolver(&Snapshot{Atoms: atoms, Graph: g})
	require.True(t, r.IsBlocked("child"))
	require.True(t, r.IsBlocked("grand"))

	atoms["parent"].Status = types.StatusClosed
	r.Invalidate()
	r.SetSnapshot(&Snapshot{Atoms: atoms, Graph: g})
	require.False(t, r.IsBlocked("child"))
	// grand is blocked by child directly, not by parent: still blocked
	// since child remains open. Non-cascading means parent's closure does
	// not reach past its direct child.
	require.True(t, r.IsBlocked("grand"))
}

func TestReadyFiltersAbstractDeferredAndBlocked(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	atoms := map[string]*types.Atom{
		"epic":     {ID: "epic", Title: "epic", Status: types.StatusOpen, IssueType: types.TypeEpic, CreatedAt: now, UpdatedAt: now},
		"deferred": {ID: "deferred", Title: "deferred", Status: types.StatusOpen, IssueType: types.TypeTask, DeferUntil: &future, CreatedAt: now, UpdatedAt: now},
		"blocked":  atom("blocked", types.StatusOpen),
		"blocker":  atom("blocker", types.StatusOpen),
		"ready":    atom("ready", types.StatusOpen),
	}
	g := graph.New([]*types.Bond{bond("blocker", "blocked", types.BondBlocks)})
	r := NewResolver(&Snapshot{Atoms: atoms, Graph: g})

	out := Ready(r, atoms, SortPriority, Filter{}, now)
	ids := make([]string, len(out))
	for i, a := range out {
		ids[i] = a.ID
	}
	require.ElementsMatch(t, []string{"blocker", "ready"}, ids)
}

func TestReadySortPriorityThenAge(t *testing.T) {
	now := time.Now()
	a1 := atom("a1", types.StatusOpen)
	a1.Priority = 1
	a1.CreatedAt = now.Add(-time.Hour)
	a2 := atom("a2", types.StatusOpen)
	a2.Priority = 0
	a2.CreatedAt = now
	atoms := map[string]*types.Atom{"a1": a1, "a2": a2}
	g := graph.New(nil)
	r := NewResolver(&Snapshot{Atoms: atoms, Graph: g})

	out := Ready(r, atoms, SortPriority, Filter{}, now)
	require.Equal(t, "a2", out[0].ID) // lower priority number = higher priority
	require.Equal(t, "a1", out[1].ID)
}

func TestReadySortOldest(t *testing.T) {
	now := time.Now()
	a1 := atom("a1", types.StatusOpen)
	a1.Priority = 0
	a1.CreatedAt = now
	a2 := atom("a2", types.StatusOpen)
	a2.Priority = 3
	a2.CreatedAt = now.Add(-time.Hour)
	atoms := map[string]*types.Atom{"a1": a1, "a2": a2}
	g := graph.New(nil)
	r := NewResolver(&Snapshot{Atoms: atoms, Graph: g})

	out := Ready(r, atoms, SortOldest, Filter{}, now)
	require.Equal(t, "a2", out[0].ID)
}

func TestReadySortHybridTieBreaksOnlyPastAgeGap(t *testing.T) {
	now := time.Now()
	young := atom("young", types.StatusOpen)
	young.Priority = 1
	young.CreatedAt = now
	old := atom("old", types.StatusOpen)
	old.Priority = 1
	old.CreatedAt = now.Add(-72 * time.Hour)
	atoms := map[string]*types.Atom{"young": young, "old": old}
	g := graph.New(nil)
	r := NewResolver(&Snapshot{Atoms: atoms, Graph: g})

	out := Ready(r, atoms, SortHybrid, Filter{}, now)
	require.Equal(t, "old", out[0].ID)
}

func TestReadyFilterByTypeAssigneeLabel(t *testing.T) {
	now := time.Now()
	a := atom("a", types.StatusOpen)
	a.IssueType = types.TypeBug
	a.Assignee = "alice"
	a.Labels = []string{"urgent"}
	b := atom("b", types.StatusOpen)
	atoms := map[string]*types.Atom{"a": a, "b": b}
	g := graph.New(nil)
	r := NewResolver(&Snapshot{Atoms: atoms, Graph: g})

	out := Ready(r, atoms, SortPriority, Filter{IssueTypes: []types.IssueType{types.TypeBug}, Assignee: "alice", Labels: []string{"urgent"}}, now)
	require.Len(t, out, 1)
	require.Equal(t, "a", out[0].ID)
}

func TestIsReadySingleAtom(t *testing.T) {
	now := time.Now()
	a := atom("a", types.StatusOpen)
	atoms := map[string]*types.Atom{"a": a}
	g := graph.New(nil)
	r := NewResolver(&Snapshot{Atoms: atoms, Graph: g})
	require.True(t, IsReady(r, a, false, now))

	a.Status = types.StatusClosed
	require.False(t, IsReady(r, a, false, now))
}

func TestResolverMemoizesUntilInvalidated(t *testing.T) {
	atoms := map[string]*types.Atom{
		"A": atom("A", types.StatusOpen),
		"B": atom("B", types.StatusOpen),
	}
	g := graph.New([]*types.Bond{bond("A", "B", types.BondBlocks)})
	r := NewResolver(&Snapshot{Atoms: atoms, Graph: g})
	require.True(t, r.IsBlocked("B"))

	// Mutate without invalidating: memoized result stays stale.
	atoms["A"].Status = types.StatusClosed
	require.True(t, r.IsBlocked("B"))

	r.Invalidate()
	r.SetSnapshot(&Snapshot{Atoms: atoms, Graph: g})
	require.False(t, r.IsBlocked("B"))
}
