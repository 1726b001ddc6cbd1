// Package ready implements the blocking resolver and readiness
// calculator: whether a given atom's dependencies are satisfied, and the
// sorted, filterable "ready" set across a whole store snapshot.
package ready

import (
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/eluentwork/eluent/internal/graph"
	"github.com/eluentwork/eluent/internal/types"
)

var failurePattern = regexp.MustCompile(types.FailurePattern)

// Snapshot is the minimal read-only view the resolver needs: atom lookup
// by id, plus the dependency graph already built from the same bond set.
type Snapshot struct {
	Atoms map[string]*types.Atom
	Graph *graph.Graph
}

// Resolver memoizes per-atom blocked/not-blocked results for one snapshot
// version; the store signals Invalidate() on every mutation, per
// spec.md's "cache invalidation is a message from store to dependents".
type Resolver struct {
	mu      sync.Mutex
	version uint64
	cache   map[string]bool // atomID -> blocked
	snap    *Snapshot
}

// NewResolver returns a Resolver bound to snap.
func NewResolver(snap *Snapshot) *Resolver {
	return &Resolver{snap: snap, cache: make(map[string]bool)}
}

// Invalidate drops all memoized results and bumps the snapshot version;
// callers must also call SetSnapshot with the fresh graph/atom map before
// the next IsBlocked call produces a meaningful answer.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.version++
	r.cache = make(map[string]bool)
}

// SetSnapshot installs a fresh snapshot after an Invalidate.
func (r *Resolver) SetSnapshot(snap *Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap = snap
}

// IsBlocked reports whether atomID is blocked by any of its direct
// incoming bonds, applying the per-kind semantics from spec.md §4.4.
// Results are memoized per (atomID, snapshot version).
func (r *Resolver) IsBlocked(atomID string) bool {
	r.mu.Lock()
	if v, ok := r.cache[atomID]; ok {
		r.mu.Unlock()
		return v
	}
	snap := r.snap
	r.mu.Unlock()

	blocked := isBlocked(snap, atomID)

	r.mu.Lock()
	r.cache[atomID] = blocked
	r.mu.Unlock()
	return blocked
}

func isBlocked(snap *Snapshot, atomID string) bool {
	// DirectBlockers loses the kind; walk raw edges via BondsFrom on each
	// candidate instead so each bond's kind drives its own rule.
	for _, sourceID := range candidateSources(snap, atomID) {
		for _, e := range snap.Graph.BondsFrom(sourceID) {
			if e.Target != atomID || !types.IsBlockingKind(e.Kind) {
				continue
			}
			if bondBlocks(snap, sourceID, atomID, e.Kind) {
				return true
			}
		}
	}
	return false
}

// candidateSources returns every atom with at least one outgoing bond
// toward atomID (i.e. the DirectBlockers set, deduplicated).
func candidateSources(snap *Snapshot, atomID string) []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range snap.Graph.DirectBlockers(atomID) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// bondBlocks evaluates one blocking-kind bond (source -> target=atomID)
// per spec.md §4.4's per-kind rules.
func bondBlocks(snap *Snapshot, sourceID, targetID string, kind types.BondKind) bool {
	switch kind {
	case types.BondBlocks, types.BondParentChild:
		source := snap.Atoms[sourceID]
		return source == nil || !types.IsBlockingStatus(source.Status)
	case types.BondConditionalBlocks:
		source := snap.Atoms[sourceID]
		if source == nil || !types.IsBlockingStatus(source.Status) {
			return false
		}
		return failurePattern.MatchString(source.CloseReason)
	case types.BondWaitsFor:
		// The source and every descendant reachable along blocking kinds,
		// other than the waiting target itself, must be closed.
		if source := snap.Atoms[sourceID]; source == nil || !types.IsBlockingStatus(source.Status) {
			return true
		}
		for _, d := range snap.Graph.Descendants(sourceID, []types.BondKind{types.BondBlocks, types.BondParentChild, types.BondConditionalBlocks, types.BondWaitsFor}) {
			if d == targetID {
				continue
			}
			a := snap.Atoms[d]
			if a == nil || !types.IsBlockingStatus(a.Status) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// SortPolicy selects the ready-set ordering spec.md §4.5 names.
type SortPolicy string

const (
	SortPriority SortPolicy = "priority"
	SortOldest   SortPolicy = "oldest"
	SortHybrid   SortPolicy = "hybrid"
)

// hybridAgeGap is the age difference within a priority bucket that
// tie-breaks in favor of the older atom (spec.md §4.5).
const hybridAgeGap = 48 * time.Hour

// Filter narrows the ready set by type, assignee, label membership,
// exact priority, and whether to include abstract types.
type Filter struct {
	IssueTypes      []types.IssueType
	Assignee        string
	Labels          []string
	Priority        *int
	IncludeAbstract bool
}

func (f Filter) matches(a *types.Atom) bool {
	if len(f.IssueTypes) > 0 {
		ok := false
		for _, t := range f.IssueTypes {
			if a.IssueType == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Assignee != "" && a.Assignee != f.Assignee {
		return false
	}
	if f.Priority != nil && a.Priority != *f.Priority {
		return false
	}
	for _, want := range f.Labels {
		found := false
		for _, have := range a.Labels {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Ready computes the ready set: every atom satisfying spec.md §4.5's four
// conditions and the supplied filter, ordered per policy.
func Ready(resolver *Resolver, atoms map[string]*types.Atom, policy SortPolicy, filter Filter, now time.Time) []*types.Atom {
	var out []*types.Atom
	for _, a := range atoms {
		if a.Status != types.StatusOpen {
			continue
		}
		if types.IsAbstractType(a.IssueType) && !filter.IncludeAbstract {
			continue
		}
		if a.DeferUntil != nil && a.DeferUntil.After(now) {
			continue
		}
		if resolver.IsBlocked(a.ID) {
			continue
		}
		if !filter.matches(a) {
			continue
		}
		out = append(out, a)
	}
	sortAtoms(out, policy)
	return out
}

func sortAtoms(atoms []*types.Atom, policy SortPolicy) {
	switch policy {
	case SortOldest:
		sort.Slice(atoms, func(i, j int) bool { return atoms[i].CreatedAt.Before(atoms[j].CreatedAt) })
	case SortHybrid:
		sort.Slice(atoms, func(i, j int) bool {
			a, b := atoms[i], atoms[j]
			if a.Priority != b.Priority {
				return a.Priority < b.Priority
			}
			// Same priority bucket: age tie-break only kicks in past the
			// 48h gap; otherwise preserve priority-bucket arrival order
			// via created_at ascending.
			gap := a.CreatedAt.Sub(b.CreatedAt)
			if gap < -hybridAgeGap {
				return true
			}
			if gap > hybridAgeGap {
				return false
			}
			return a.CreatedAt.Before(b.CreatedAt)
		})
	default: // SortPriority
		sort.Slice(atoms, func(i, j int) bool {
			a, b := atoms[i], atoms[j]
			if a.Priority != b.Priority {
				return a.Priority < b.Priority
			}
			return a.CreatedAt.Before(b.CreatedAt)
		})
	}
}

// IsReady reports whether a single atom satisfies every readiness
// condition, for ad hoc checks outside a full Ready() scan.
func IsReady(resolver *Resolver, a *types.Atom, includeAbstract bool, now time.Time) bool {
	if a.Status != types.StatusOpen {
		return false
	}
	if types.IsAbstractType(a.IssueType) && !includeAbstract {
		return false
	}
	if a.DeferUntil != nil && a.DeferUntil.After(now) {
		return false
	}
	return !resolver.IsBlocked(a.ID)
}
