// Package graph implements the in-memory typed dependency graph over
// atom ids and bond kinds: reachability, ancestor/descendant walks, and
// the pre-insert cycle check that keeps the blocking-kind subgraph
// acyclic.
package graph

import (
	"github.com/eluentwork/eluent/internal/errs"
	"github.com/eluentwork/eluent/internal/types"
)

// edge is one directed, typed relationship in the graph.
type edge struct {
	target string
	kind   types.BondKind
}

// Graph is a typed directed multigraph over atom ids. It is rebuilt from
// a store snapshot rather than incrementally maintained across process
// restarts, but supports incremental CheckCycle + Add during a live
// session for the insert-time cycle check spec.md §4.3 requires.
type Graph struct {
	out map[string][]edge // source -> outgoing edges
	in  map[string][]edge // target -> incoming edges (kind carries the original direction)
}

// New builds a Graph from a snapshot of bonds. Atoms with no bonds are
// still valid graph members for traversal purposes as long as a caller
// names them explicitly; the graph itself only tracks edges.
func New(bonds []*types.Bond) *Graph {
	g := &Graph{out: make(map[string][]edge), in: make(map[string][]edge)}
	for _, b := range bonds {
		g.out[b.SourceID] = append(g.out[b.SourceID], edge{target: b.TargetID, kind: b.Kind})
		g.in[b.TargetID] = append(g.in[b.TargetID], edge{target: b.SourceID, kind: b.Kind})
	}
	return g
}

// CheckCycle reports whether adding a bond (source, target, kind) would
// be acceptable: rejected if source == target, or if kind is a blocking
// kind and a blocking path already exists from target back to source. On
// rejection it returns a non-empty path visiting each node at most once,
// per spec.md §4.3 and §8.
func (g *Graph) CheckCycle(source, target string, kind types.BondKind) error {
	if source == target {
		return &errs.CycleDetectedError{Path: []string{source, target}}
	}
	if !types.IsBlockingKind(kind) {
		return nil
	}
	if path, ok := g.blockingPath(target, source); ok {
		return &errs.CycleDetectedError{Path: append([]string{source}, path...)}
	}
	return nil
}

// blockingPath performs an iterative DFS restricted to blocking-kind
// edges, looking for a path from -> to. Explicit stack and visited set:
// depth is unbounded and must never recurse (spec.md §4.3).
func (g *Graph) blockingPath(from, to string) ([]string, bool) {
	type frame struct {
		node string
		path []string
	}
	visited := map[string]bool{from: true}
	stack := []frame{{node: from, path: []string{from}}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.node == to {
			return f.path, true
		}
		for _, e := range g.out[f.node] {
			if !types.IsBlockingKind(e.kind) {
				continue
			}
			if visited[e.target] {
				continue
			}
			visited[e.target] = true
			next := make([]string, len(f.path)+1)
			copy(next, f.path)
			next[len(f.path)] = e.target
			stack = append(stack, frame{node: e.target, path: next})
		}
	}
	return nil, false
}

// Add inserts an edge into the live graph after the caller has already
// validated it with CheckCycle (Add itself does not re-check, so callers
// that skip CheckCycle can corrupt the acyclic invariant).
func (g *Graph) Add(source, target string, kind types.BondKind) {
	g.out[source] = append(g.out[source], edge{target: target, kind: kind})
	g.in[target] = append(g.in[target], edge{target: source, kind: kind})
}

// PathExists reports whether a path from a to b exists using only bonds
// whose kind is in restrictTo (nil/empty means any kind).
func (g *Graph) PathExists(a, b string, restrictTo []types.BondKind) bool {
	allowed := kindSet(restrictTo)
	visited := map[string]bool{a: true}
	stack := []string{a}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node == b {
			return true
		}
		for _, e := range g.out[node] {
			if !allowed(e.kind) || visited[e.target] {
				continue
			}
			visited[e.target] = true
			stack = append(stack, e.target)
		}
	}
	return false
}

// Descendants returns every node reachable from a via edges whose kind is
// in restrictTo (nil means any kind), in no particular order.
func (g *Graph) Descendants(a string, restrictTo []types.BondKind) []string {
	return g.walk(a, g.out, restrictTo)
}

// Ancestors returns every node that can reach a via edges whose kind is in
// restrictTo (nil means any kind).
func (g *Graph) Ancestors(a string, restrictTo []types.BondKind) []string {
	return g.walk(a, g.in, restrictTo)
}

func (g *Graph) walk(start string, adj map[string][]edge, restrictTo []types.BondKind) []string {
	allowed := kindSet(restrictTo)
	visited := map[string]bool{start: true}
	stack := []string{start}
	var out []string
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range adj[node] {
			if !allowed(e.kind) || visited[e.target] {
				continue
			}
			visited[e.target] = true
			out = append(out, e.target)
			stack = append(stack, e.target)
		}
	}
	return out
}

// DirectBlockers returns the ids of atoms with a direct blocking-kind
// bond pointing at a (a is the target, so they block a's readiness).
func (g *Graph) DirectBlockers(a string) []string {
	var out []string
	for _, e := range g.in[a] {
		if types.IsBlockingKind(e.kind) {
			out = append(out, e.target)
		}
	}
	return out
}

// DirectDependents returns the ids of atoms that a directly blocks.
func (g *Graph) DirectDependents(a string) []string {
	var out []string
	for _, e := range g.out[a] {
		if types.IsBlockingKind(e.kind) {
			out = append(out, e.target)
		}
	}
	return out
}

// BondsFrom returns the raw outgoing edges of a as (target, kind) pairs,
// for callers that need kind-specific logic the helpers above elide
// (e.g. the blocking resolver).
func (g *Graph) BondsFrom(a string) []struct {
	Target string
	Kind   types.BondKind
} {
	edges := g.out[a]
	out := make([]struct {
		Target string
		Kind   types.BondKind
	}, len(edges))
	for i, e := range edges {
		out[i].Target = e.target
		out[i].Kind = e.kind
	}
	return out
}

func kindSet(kinds []types.BondKind) func(types.BondKind) bool {
	if len(kinds) == 0 {
		return func(types.BondKind) bool { return true }
	}
	set := make(map[types.BondKind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return func(k types.BondKind) bool { return set[k] }
}

// FormatCyclePath renders a cycle path for error messages / logs.
func FormatCyclePath(path []string) string {
	s := ""
	for i, p := range path {
		if i > 0 {
			s += " -> "
		}
		s += p
	}
	return s
}
