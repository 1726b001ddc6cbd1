package graph

import (
	"testing"
	"time"

	"github.com/eluentwork/eluent/internal/errs"
	"github.com/eluentwork/eluent/internal/types"
	"github.com/stretchr/testify/require"
)

func bond(source, target string, kind types.BondKind) *types.Bond {
	return &types.Bond{SourceID: source, TargetID: target, Kind: kind, CreatedAt: time.Now()}
}

func TestCheckCycleRejectsSelfLoop(t *testing.T) {
	g := New(nil)
	err := g.CheckCycle("a", "a", types.BondBlocks)
	require.Error(t, err)
	var cd *errs.CycleDetectedError
	require.ErrorAs(t, err, &cd)
}

func TestCheckCycleRejectsIndirectCycle(t *testing.T) {
	// A blocks B, B blocks C. Adding C blocks A should be rejected.
	g := New([]*types.Bond{
		bond("A", "B", types.BondBlocks),
		bond("B", "C", types.BondBlocks),
	})
	err := g.CheckCycle("C", "A", types.BondBlocks)
	require.Error(t, err)
	var cd *errs.CycleDetectedError
	require.ErrorAs(t, err, &cd)
	require.NotEmpty(t, cd.Path)
}

func TestCheckCycleAllowsNonBlockingKinds(t *testing.T) {
	g := New([]*types.Bond{
		bond("A", "B", types.BondBlocks),
		bond("B", "C", types.BondBlocks),
	})
	// Informational kinds never participate in cycle checks.
	require.NoError(t, g.CheckCycle("C", "A", types.BondRelated))
}

func TestCheckCycleAllowsDiamond(t *testing.T) {
	// A blocks B, A blocks C, B blocks D, C blocks D: no cycle.
	g := New([]*types.Bond{
		bond("A", "B", types.BondBlocks),
		bond("A", "C", types.BondBlocks),
		bond("B", "D", types.BondBlocks),
	})
	require.NoError(t, g.CheckCycle("C", "D", types.BondBlocks))
}

func TestPathExists(t *testing.T) {
	g := New([]*types.Bond{
		bond("A", "B", types.BondBlocks),
		bond("B", "C", types.BondRelated),
	})
	require.True(t, g.PathExists("A", "B", nil))
	require.True(t, g.PathExists("A", "C", nil))
	require.False(t, g.PathExists("A", "C", []types.BondKind{types.BondBlocks}))
}

func TestDirectBlockersAndDependents(t *testing.T) {
	g := New([]*types.Bond{
		bond("A", "B", types.BondBlocks),
		bond("C", "B", types.BondParentChild),
	})
	require.ElementsMatch(t, []string{"A", "C"}, g.DirectBlockers("B"))
	require.ElementsMatch(t, []string{"B"}, g.DirectDependents("A"))
}

func TestDescendantsAndAncestors(t *testing.T) {
	g := New([]*types.Bond{
		bond("A", "B", types.BondBlocks),
		bond("B", "C", types.BondBlocks),
	})
	require.ElementsMatch(t, []string{"B", "C"}, g.Descendants("A", nil))
	require.ElementsMatch(t, []string{"A", "B"}, g.Ancestors("C", nil))
}

func TestFilterTreeByStatusKeepsAncestorChain(t *testing.T) {
	tree := []*TreeNode{
		{ID: "root", Status: types.StatusOpen},
		{ID: "mid", ParentID: "root", Status: types.StatusOpen},
		{ID: "leaf", ParentID: "mid", Status: types.StatusClosed},
	}
	filtered := FilterTreeByStatus(tree, types.StatusClosed)
	ids := make([]string, len(filtered))
	for i, n := range filtered {
		ids[i] = n.ID
	}
	require.ElementsMatch(t, []string{"root", "mid", "leaf"}, ids)
}

func TestBuildDescendantTree(t *testing.T) {
	g := New([]*types.Bond{
		bond("A", "B", types.BondBlocks),
		bond("B", "C", types.BondBlocks),
	})
	atoms := map[string]*types.Atom{
		"A": {ID: "A", Title: "Root"},
		"B": {ID: "B", Title: "Mid"},
		"C": {ID: "C", Title: "Leaf"},
	}
	tree := g.BuildDescendantTree("A", atoms)
	require.Len(t, tree, 3)
}
