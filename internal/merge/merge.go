// Package merge implements the three-way merge engine: reconciling a
// base/local/remote snapshot triple of atoms, bonds, and comments into one
// merged snapshot plus a list of conflict records, per spec.md §4.6.
package merge

import (
	"cmp"
	"context"
	"slices"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/eluentwork/eluent/internal/types"
)

var tracer = otel.Tracer("github.com/eluentwork/eluent/internal/merge")

// DefaultTombstoneTTL is how long a discarded atom is kept as a tombstone
// before a merge treats it as fully absent rather than a competitor to a
// live edit on the other side.
const DefaultTombstoneTTL = 30 * 24 * time.Hour

// ClockSkewGrace pads TTL expiry to absorb clock drift between agents.
const ClockSkewGrace = 5 * time.Minute

// Snapshot is one side of a three-way merge.
type Snapshot struct {
	Atoms    []types.Atom
	Bonds    []types.Bond
	Comments []types.Comment
}

// ConflictVerdict is the resolver's decision for one contested record.
type ConflictVerdict int

const (
	KeepLocal ConflictVerdict = iota
	KeepRemote
	Merge
	Delete
)

// Conflict is one emitted conflict record.
type Conflict struct {
	Kind    string // "atom", "bond", "comment"
	ID      string
	Reason  string
	Verdict ConflictVerdict
}

// Resolver lets callers override the default conflict policy; the zero
// value (nil) uses the default scalar precedence and resurrection rule
// implemented directly in mergeAtomFields.
type Resolver interface {
	ResolveAtom(base, local, remote *types.Atom) ConflictVerdict
}

// Result is the merge engine's output.
type Result struct {
	Atoms     []types.Atom
	Bonds     []types.Bond
	Comments  []types.Comment
	Conflicts []Conflict
}

// Merge3Way reconciles base/local/remote into one snapshot.
func Merge3Way(ctx context.Context, base, local, remote Snapshot) Result {
	_, span := tracer.Start(ctx, "merge.Merge3Way")
	defer span.End()

	atoms, conflicts := mergeAtoms(base.Atoms, local.Atoms, remote.Atoms)
	bonds := mergeBonds(local.Bonds, remote.Bonds)
	comments := mergeComments(base.Comments, local.Comments, remote.Comments)

	span.SetAttributes(
		attribute.Int("eluent.merge.atoms", len(atoms)),
		attribute.Int("eluent.merge.conflicts", len(conflicts)),
	)
	return Result{Atoms: atoms, Bonds: bonds, Comments: comments, Conflicts: conflicts}
}

func mergeAtoms(base, local, remote []types.Atom) ([]types.Atom, []Conflict) {
	baseMap := indexAtoms(base)
	localMap := indexAtoms(local)
	remoteMap := indexAtoms(remote)

	ids := map[string]bool{}
	for id := range baseMap {
		ids[id] = true
	}
	for id := range localMap {
		ids[id] = true
	}
	for id := range remoteMap {
		ids[id] = true
	}

	var result []types.Atom
	var conflicts []Conflict

	for id := range ids {
		b, inBase := baseMap[id]
		l, inLocal := localMap[id]
		r, inRemote := remoteMap[id]

		switch {
		case inLocal && !inRemote && !inBase:
			result = append(result, l)
		case inRemote && !inLocal && !inBase:
			result = append(result, r)
		case !inBase && inLocal && inRemote:
			if merged, ok := resolveTombstonePair(l, r); ok {
				if merged != nil {
					result = append(result, *merged)
				}
				continue
			}
			merged, conflict := mergeAtomFields(nil, &l, &r)
			result = append(result, merged)
			if conflict != nil {
				conflicts = append(conflicts, *conflict)
			}
		case inBase && inLocal && inRemote:
			if merged, ok := resolveTombstonePair(l, r); ok {
				if merged != nil {
					result = append(result, *merged)
				}
				continue
			}
			merged, conflict := mergeAtomFields(&b, &l, &r)
			result = append(result, merged)
			if conflict != nil {
				conflicts = append(conflicts, *conflict)
			}
		case inBase && inLocal && !inRemote:
			// Deleted remotely, maybe modified locally.
			if tombstoneExpired(l) {
				continue
			}
			if atomsEqual(b, l) {
				continue // no local change, remote deletion wins
			}
			result = append(result, l)
			conflicts = append(conflicts, Conflict{Kind: "atom", ID: id, Reason: "resurrected: deleted remotely, modified locally", Verdict: KeepLocal})
		case inBase && inRemote && !inLocal:
			if tombstoneExpired(r) {
				continue
			}
			if atomsEqual(b, r) {
				continue // no remote change, local deletion wins
			}
			result = append(result, r)
			conflicts = append(conflicts, Conflict{Kind: "atom", ID: id, Reason: "resurrected: deleted locally, modified remotely", Verdict: KeepRemote})
		case inBase && !inLocal && !inRemote:
			// Deleted on both sides — removed, nothing to emit.
		}
	}

	slices.SortFunc(result, func(a, b types.Atom) int { return cmp.Compare(a.ID, b.ID) })
	return result, conflicts
}

func indexAtoms(atoms []types.Atom) map[string]types.Atom {
	m := make(map[string]types.Atom, len(atoms))
	for _, a := range atoms {
		m[a.ID] = a
	}
	return m
}

// tombstoneExpired reports whether a discarded atom's TTL has elapsed,
// meaning a merge should treat it as fully absent rather than a
// resurrection-worthy tombstone.
func tombstoneExpired(a types.Atom) bool {
	if a.Status != types.StatusDiscard || a.DeletedAt == nil {
		return false
	}
	return time.Now().After(a.DeletedAt.Add(DefaultTombstoneTTL + ClockSkewGrace))
}

func isTombstone(a types.Atom) bool {
	return a.Status == types.StatusDiscard
}

// resolveTombstonePair handles the case where one or both of local/remote
// are discard-status tombstones, ahead of the generic field merge: a live
// tombstone beats a concurrent live edit, but an expired one resurrects
// silently per the tombstone-TTL supplement. ok is false when neither side
// is a tombstone, so the caller falls through to mergeAtomFields.
func resolveTombstonePair(local, remote types.Atom) (*types.Atom, bool) {
	localTomb := isTombstone(local)
	remoteTomb := isTombstone(remote)

	switch {
	case localTomb && remoteTomb:
		merged := mergeTombstones(local, remote)
		return &merged, true
	case localTomb && !remoteTomb:
		if tombstoneExpired(local) {
			return &remote, true
		}
		return &local, true
	case remoteTomb && !localTomb:
		if tombstoneExpired(remote) {
			return &local, true
		}
		return &remote, true
	default:
		return nil, false
	}
}

// mergeTombstones merges two discard-status atoms for the same id: the one
// with the later deleted_at is authoritative.
func mergeTombstones(local, remote types.Atom) types.Atom {
	if maxTimePtr(local.DeletedAt, remote.DeletedAt) == remote.DeletedAt && !timePtrEqual(local.DeletedAt, remote.DeletedAt) {
		return remote
	}
	return local
}

func atomsEqual(a, b types.Atom) bool {
	return a.Title == b.Title && a.Status == b.Status && a.UpdatedAt.Equal(b.UpdatedAt)
}

// mergeAtomFields applies the per-field-class strategy table from
// spec.md §4.6. base may be nil (add/add case).
func mergeAtomFields(base, local, remote *types.Atom) (types.Atom, *Conflict) {
	var baseV types.Atom
	if base != nil {
		baseV = *base
	}

	if base == nil && atomsFullyEqual(*local, *remote) {
		return *local, nil
	}

	merged := types.Atom{ID: local.ID, CreatedAt: local.CreatedAt}
	var conflictFields []string

	merged.Title, conflictFields = mergeScalarLWW(baseV.Title, local.Title, remote.Title, local.UpdatedAt, remote.UpdatedAt, "title", conflictFields)
	merged.Description, conflictFields = mergeScalarLWW(baseV.Description, local.Description, remote.Description, local.UpdatedAt, remote.UpdatedAt, "description", conflictFields)

	var statusStr string
	statusStr, conflictFields = mergeScalarLWW(string(baseV.Status), string(local.Status), string(remote.Status), local.UpdatedAt, remote.UpdatedAt, "status", conflictFields)
	merged.Status = types.Status(statusStr)

	var issueTypeStr string
	issueTypeStr, conflictFields = mergeScalarLWW(string(baseV.IssueType), string(local.IssueType), string(remote.IssueType), local.UpdatedAt, remote.UpdatedAt, "issue_type", conflictFields)
	merged.IssueType = types.IssueType(issueTypeStr)

	var priorityStr string
	priorityStr, conflictFields = mergeScalarLWW(strconv.Itoa(baseV.Priority), strconv.Itoa(local.Priority), strconv.Itoa(remote.Priority), local.UpdatedAt, remote.UpdatedAt, "priority", conflictFields)
	merged.Priority, _ = strconv.Atoi(priorityStr)

	merged.Assignee, conflictFields = mergeScalarLWW(baseV.Assignee, local.Assignee, remote.Assignee, local.UpdatedAt, remote.UpdatedAt, "assignee", conflictFields)
	merged.ParentID, conflictFields = mergeScalarLWW(baseV.ParentID, local.ParentID, remote.ParentID, local.UpdatedAt, remote.UpdatedAt, "parent_id", conflictFields)
	merged.CloseReason, conflictFields = mergeScalarLWW(baseV.CloseReason, local.CloseReason, remote.CloseReason, local.UpdatedAt, remote.UpdatedAt, "close_reason", conflictFields)

	merged.DeferUntil = mergeTimePtrLWW(baseV.DeferUntil, local.DeferUntil, remote.DeferUntil, local.UpdatedAt, remote.UpdatedAt)
	merged.DeletedAt = maxTimePtr(local.DeletedAt, remote.DeletedAt)

	merged.Labels = mergeLabelsWithTombstones(baseV.Labels, local.Labels, remote.Labels)

	var metaConflict bool
	merged.Metadata, metaConflict = mergeMetadataDeep(baseV.Metadata, local.Metadata, remote.Metadata)
	if metaConflict {
		conflictFields = append(conflictFields, "metadata")
	}

	merged.Ephemeral = local.Ephemeral || remote.Ephemeral
	merged.UpdatedAt = maxTime(local.UpdatedAt, remote.UpdatedAt)

	if len(conflictFields) == 0 {
		return merged, nil
	}
	return merged, &Conflict{
		Kind:    "atom",
		ID:      merged.ID,
		Reason:  "field conflict: " + joinFields(conflictFields),
		Verdict: Merge,
	}
}

func atomsFullyEqual(a, b types.Atom) bool {
	return a.Title == b.Title && a.Description == b.Description && a.Status == b.Status &&
		a.IssueType == b.IssueType && a.Priority == b.Priority && a.Assignee == b.Assignee &&
		a.ParentID == b.ParentID && a.CloseReason == b.CloseReason
}

// mergeScalarLWW implements the four-step precedence spec.md §4.6 names:
// one-side-only wins outright; agreement needs no resolution; a side
// matching base yields to the other side's change; a true conflict
// (both changed, differently) picks the newer updated_at.
func mergeScalarLWW(base, local, remote string, localUpdated, remoteUpdated time.Time, field string, conflicts []string) (string, []string) {
	if local == "" && remote != "" {
		return remote, conflicts
	}
	if remote == "" && local != "" {
		return local, conflicts
	}
	if local == remote {
		return local, conflicts
	}
	if base == local && base != remote {
		return remote, conflicts
	}
	if base == remote && base != local {
		return local, conflicts
	}
	if remoteUpdated.After(localUpdated) {
		return remote, append(conflicts, field)
	}
	return local, append(conflicts, field)
}

func mergeTimePtrLWW(base, local, remote *time.Time, localUpdated, remoteUpdated time.Time) *time.Time {
	if timePtrEqual(local, remote) {
		return local
	}
	if timePtrEqual(base, local) && !timePtrEqual(base, remote) {
		return remote
	}
	if timePtrEqual(base, remote) && !timePtrEqual(base, local) {
		return local
	}
	if remoteUpdated.After(localUpdated) {
		return remote
	}
	return local
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// mergeLabelsWithTombstones implements the set-union-with-tombstones
// strategy: `(base ∪ local_added ∪ remote_added) \ (local_removed ∪ remote_removed)`.
func mergeLabelsWithTombstones(base, local, remote []string) []string {
	baseSet := toSet(base)
	localSet := toSet(local)
	remoteSet := toSet(remote)

	out := map[string]bool{}
	for l := range baseSet {
		out[l] = true
	}
	for l := range localSet {
		if !baseSet[l] {
			out[l] = true // local_added
		}
	}
	for l := range remoteSet {
		if !baseSet[l] {
			out[l] = true // remote_added
		}
	}
	for l := range baseSet {
		if !localSet[l] || !remoteSet[l] {
			delete(out, l) // local_removed or remote_removed
		}
	}

	var result []string
	for l := range out {
		result = append(result, l)
	}
	slices.Sort(result)
	return result
}

func toSet(labels []string) map[string]bool {
	m := make(map[string]bool, len(labels))
	for _, l := range labels {
		m[l] = true
	}
	return m
}

// mergeMetadataDeep recursively merges nested maps; scalar key conflicts
// resolve remote-wins and report a conflict flag for the caller to surface
// as a conflict record (spec.md §4.6's "auditable" requirement).
func mergeMetadataDeep(base, local, remote map[string]any) (map[string]any, bool) {
	if local == nil && remote == nil {
		return nil, false
	}
	conflicted := false
	out := map[string]any{}

	keys := map[string]bool{}
	for k := range local {
		keys[k] = true
	}
	for k := range remote {
		keys[k] = true
	}
	for k := range base {
		keys[k] = true
	}

	for k := range keys {
		lv, inLocal := local[k]
		rv, inRemote := remote[k]
		bv, inBase := base[k]

		switch {
		case inLocal && !inRemote:
			out[k] = lv
		case inRemote && !inLocal:
			out[k] = rv
		case inLocal && inRemote:
			lm, lok := lv.(map[string]any)
			rm, rok := rv.(map[string]any)
			if lok && rok {
				var bm map[string]any
				if bmRaw, ok := bv.(map[string]any); inBase && ok {
					bm = bmRaw
				}
				merged, sub := mergeMetadataDeep(bm, lm, rm)
				out[k] = merged
				conflicted = conflicted || sub
				continue
			}
			if lv == rv {
				out[k] = lv
				continue
			}
			out[k] = rv // remote wins on scalar conflict
			conflicted = true
		}
	}
	if len(out) == 0 {
		return nil, conflicted
	}
	return out, conflicted
}

// mergeBonds unions local and remote, deduplicating on (source, target, kind).
func mergeBonds(local, remote []types.Bond) []types.Bond {
	seen := map[string]types.Bond{}
	for _, b := range local {
		seen[b.Key()] = b
	}
	for _, b := range remote {
		if _, ok := seen[b.Key()]; !ok {
			seen[b.Key()] = b
		}
	}
	var out []types.Bond
	for _, b := range seen {
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b types.Bond) int { return cmp.Compare(a.Key(), b.Key()) })
	return out
}

// commentKey dedups on content hash + author + truncated-timestamp, per
// spec.md §4.6 ("union of all three with dedup on content hash + author +
// truncated-timestamp").
func commentKey(c types.Comment) string {
	return c.Author + "\x00" + c.Content + "\x00" + c.CreatedAt.Truncate(time.Second).Format(time.RFC3339)
}

// mergeComments unions base/local/remote comments, deduped and ordered by
// created_at; comments are never deletable.
func mergeComments(base, local, remote []types.Comment) []types.Comment {
	seen := map[string]types.Comment{}
	for _, set := range [][]types.Comment{base, local, remote} {
		for _, c := range set {
			seen[commentKey(c)] = c
		}
	}
	var out []types.Comment
	for _, c := range seen {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b types.Comment) int { return cmp.Compare(a.CreatedAt.UnixNano(), b.CreatedAt.UnixNano()) })
	return out
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func maxTimePtr(a, b *time.Time) *time.Time {
	aSet := a != nil && !a.IsZero()
	bSet := b != nil && !b.IsZero()
	if !aSet && !bSet {
		return nil
	}
	if !aSet {
		return b
	}
	if !bSet {
		return a
	}
	if a.After(*b) {
		return a
	}
	return b
}

func joinFields(fields []string) string {
	s := ""
	for i, f := range fields {
		if i > 0 {
			s += ", "
		}
		s += f
	}
	return s
}
