package graph

import "github.com/eluentwork/eluent/internal/types"

// TreeNode is a structured view of one atom's place in a dependency tree,
// for external tooling (CLI/TUI, out of scope here) to render without
// re-deriving graph structure itself.
type TreeNode struct {
	ID       string
	Title    string
	Status   types.Status
	ParentID string
	Depth    int
}

// BuildDescendantTree walks blocking-kind descendants of rootID (via
// blocks/parent_child/conditional_blocks/waits_for bonds) and returns a
// flat, depth-annotated tree in visitation order.
func (g *Graph) BuildDescendantTree(rootID string, atoms map[string]*types.Atom) []*TreeNode {
	return g.buildTree(rootID, g.out, atoms)
}

// BuildAncestorTree is the mirror of BuildDescendantTree, walking
// incoming blocking-kind bonds (atoms that depend on rootID).
func (g *Graph) BuildAncestorTree(rootID string, atoms map[string]*types.Atom) []*TreeNode {
	return g.buildTree(rootID, g.in, atoms)
}

func (g *Graph) buildTree(rootID string, adj map[string][]edge, atoms map[string]*types.Atom) []*TreeNode {
	type frame struct {
		id     string
		parent string
		depth  int
	}
	var out []*TreeNode
	visited := map[string]bool{rootID: true}
	stack := []frame{{id: rootID, depth: 0}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		a := atoms[f.id]
		node := &TreeNode{ID: f.id, ParentID: f.parent, Depth: f.depth}
		if a != nil {
			node.Title = a.Title
			node.Status = a.Status
		}
		out = append(out, node)

		for _, e := range adj[f.id] {
			if !types.IsBlockingKind(e.kind) || visited[e.target] {
				continue
			}
			visited[e.target] = true
			stack = append(stack, frame{id: e.target, parent: f.id, depth: f.depth + 1})
		}
	}
	return out
}

// FilterTreeByStatus restricts tree to nodes matching status, keeping any
// ancestor chain needed to preserve tree structure — adapted from the
// teacher's deps.FilterTreeByStatus.
func FilterTreeByStatus(tree []*TreeNode, status types.Status) []*TreeNode {
	if len(tree) == 0 {
		return tree
	}

	matches := make(map[string]bool)
	for _, node := range tree {
		if node.Status == status {
			matches[node.ID] = true
		}
	}
	if len(matches) == 0 {
		return []*TreeNode{}
	}

	parentOf := make(map[string]string)
	for _, node := range tree {
		if node.ParentID != "" && node.ParentID != node.ID {
			parentOf[node.ID] = node.ParentID
		}
	}

	keep := make(map[string]bool)
	for id := range matches {
		keep[id] = true
		for current := id; ; {
			parent, ok := parentOf[current]
			if !ok || parent == current {
				break
			}
			keep[parent] = true
			current = parent
		}
	}

	var filtered []*TreeNode
	for _, node := range tree {
		if keep[node.ID] {
			filtered = append(filtered, node)
		}
	}
	return filtered
}
