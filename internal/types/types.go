// Package types defines the core record shapes eluent persists and
// exchanges: atoms (work items), bonds (typed relationships between
// atoms), and comments, plus the small registries that give each status,
// issue type, and bond kind its runtime-attached behavior.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Status is an atom's lifecycle state. New values may be registered at
// runtime via RegisterStatus; the set below is what ships by default.
type Status string

const (
	StatusOpen        Status = "open"
	StatusInProgress  Status = "in_progress"
	StatusBlocked     Status = "blocked"
	StatusDeferred    Status = "deferred"
	StatusClosed      Status = "closed"
	StatusDiscard     Status = "discard"
)

// StatusInfo carries the flags the rest of the system needs to reason
// about a status without a type switch: whether it blocks dependents,
// and which statuses it may transition to.
type StatusInfo struct {
	IsBlocking  bool
	Transitions map[Status]bool
}

var statusRegistry = map[Status]StatusInfo{
	StatusOpen: {
		IsBlocking:  false,
		Transitions: map[Status]bool{StatusInProgress: true, StatusBlocked: true, StatusDeferred: true, StatusClosed: true, StatusDiscard: true},
	},
	StatusInProgress: {
		IsBlocking:  false,
		Transitions: map[Status]bool{StatusOpen: true, StatusBlocked: true, StatusClosed: true, StatusDiscard: true},
	},
	StatusBlocked: {
		IsBlocking:  false,
		Transitions: map[Status]bool{StatusOpen: true, StatusInProgress: true, StatusDiscard: true},
	},
	StatusDeferred: {
		IsBlocking:  false,
		Transitions: map[Status]bool{StatusOpen: true, StatusInProgress: true, StatusDiscard: true},
	},
	StatusClosed: {
		IsBlocking:  true,
		Transitions: map[Status]bool{StatusOpen: true}, // reopen
	},
	StatusDiscard: {
		IsBlocking:  false,
		Transitions: map[Status]bool{StatusOpen: true}, // restore
	},
}

// RegisterStatus adds or overwrites a status variant at runtime.
func RegisterStatus(s Status, info StatusInfo) {
	statusRegistry[s] = info
}

// ValidStatus reports whether s is a known, registered status.
func ValidStatus(s Status) bool {
	_, ok := statusRegistry[s]
	return ok
}

// IsBlockingStatus reports whether an atom in status s satisfies a
// `blocks`/`conditional_blocks` bond as a closed/terminal dependency.
func IsBlockingStatus(s Status) bool {
	info, ok := statusRegistry[s]
	return ok && info.IsBlocking
}

// CanTransition reports whether moving from `from` to `to` is permitted.
func CanTransition(from, to Status) bool {
	info, ok := statusRegistry[from]
	if !ok {
		return false
	}
	return info.Transitions[to]
}

// IssueType classifies the kind of work an atom represents.
type IssueType string

const (
	TypeTask    IssueType = "task"
	TypeFeature IssueType = "feature"
	TypeBug     IssueType = "bug"
	TypeArtifact IssueType = "artifact"
	TypeEpic    IssueType = "epic"
	TypeFormula IssueType = "formula"
)

// IssueTypeInfo attaches behavior to an issue type: whether it is
// "abstract" (cannot be claimed or directly closed).
type IssueTypeInfo struct {
	IsAbstract bool
}

var issueTypeRegistry = map[IssueType]IssueTypeInfo{
	TypeTask:     {IsAbstract: false},
	TypeFeature:  {IsAbstract: false},
	TypeBug:      {IsAbstract: false},
	TypeArtifact: {IsAbstract: false},
	TypeEpic:     {IsAbstract: true},
	TypeFormula:  {IsAbstract: true},
}

// RegisterIssueType adds or overwrites an issue type variant at runtime.
func RegisterIssueType(t IssueType, info IssueTypeInfo) {
	issueTypeRegistry[t] = info
}

// ValidIssueType reports whether t is a known, registered issue type.
func ValidIssueType(t IssueType) bool {
	_, ok := issueTypeRegistry[t]
	return ok
}

// IsAbstractType reports whether atoms of type t cannot be directly
// claimed or closed (epics, formulas — they exist to group other atoms).
func IsAbstractType(t IssueType) bool {
	info, ok := issueTypeRegistry[t]
	return ok && info.IsAbstract
}

// BondKind is the relationship a bond carries between two atoms.
type BondKind string

const (
	BondBlocks             BondKind = "blocks"
	BondParentChild        BondKind = "parent_child"
	BondConditionalBlocks  BondKind = "conditional_blocks"
	BondWaitsFor           BondKind = "waits_for"
	BondRelated            BondKind = "related"
	BondDuplicates         BondKind = "duplicates"
	BondDiscoveredFrom     BondKind = "discovered_from"
	BondRepliesTo          BondKind = "replies_to"
)

// BondKindInfo attaches the flags the blocking resolver and dependency
// graph need: whether the kind participates in cycle detection and
// readiness at all, and whether its blocking effect cascades transitively
// along the parent chain (see DESIGN.md's Open Question resolution).
type BondKindInfo struct {
	Blocking bool
	Cascades bool
}

var bondKindRegistry = map[BondKind]BondKindInfo{
	BondBlocks:            {Blocking: true, Cascades: false},
	BondParentChild:       {Blocking: true, Cascades: false},
	BondConditionalBlocks: {Blocking: true, Cascades: false},
	BondWaitsFor:          {Blocking: true, Cascades: true},
	BondRelated:           {Blocking: false, Cascades: false},
	BondDuplicates:        {Blocking: false, Cascades: false},
	BondDiscoveredFrom:    {Blocking: false, Cascades: false},
	BondRepliesTo:         {Blocking: false, Cascades: false},
}

// RegisterBondKind adds or overwrites a bond kind variant at runtime.
func RegisterBondKind(k BondKind, info BondKindInfo) {
	bondKindRegistry[k] = info
}

// ValidBondKind reports whether k is a known, registered bond kind.
func ValidBondKind(k BondKind) bool {
	_, ok := bondKindRegistry[k]
	return ok
}

// IsBlockingKind reports whether bonds of kind k affect readiness.
func IsBlockingKind(k BondKind) bool {
	info, ok := bondKindRegistry[k]
	return ok && info.Blocking
}

// CascadesKind reports whether kind k's blocking effect is transitive
// along chained bonds (only waits_for is registered as cascading: a
// waits_for bond examines every descendant of its source).
func CascadesKind(k BondKind) bool {
	info, ok := bondKindRegistry[k]
	return ok && info.Cascades
}

// FailurePattern matches a close_reason that makes a conditional_blocks
// bond active (source closed with a reason like "failed", "error: ...",
// "aborted: timeout").
var FailurePattern = "^(?i)(fail|error|abort)"

// Atom is a work item: the primary record type.
type Atom struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Status      Status         `json:"status"`
	IssueType   IssueType      `json:"issue_type"`
	Priority    int            `json:"priority"`
	Labels      []string       `json:"labels,omitempty"`
	Assignee    string         `json:"assignee,omitempty"`
	ParentID    string         `json:"parent_id,omitempty"`
	DeferUntil  *time.Time     `json:"defer_until,omitempty"`
	CloseReason string         `json:"close_reason,omitempty"`
	Ephemeral   bool           `json:"-"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   *time.Time     `json:"deleted_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Type marks the JSONL discriminator for atoms.
func (Atom) Type() string { return "atom" }

// Validate enforces the field-level invariants spec.md §3 names.
func (a Atom) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(a.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if len(a.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less")
	}
	if a.Priority < 0 || a.Priority > 5 {
		return fmt.Errorf("priority must be between 0 and 5")
	}
	if !ValidStatus(a.Status) {
		return fmt.Errorf("invalid status: %q", a.Status)
	}
	if !ValidIssueType(a.IssueType) {
		return fmt.Errorf("invalid issue_type: %q", a.IssueType)
	}
	if a.UpdatedAt.Before(a.CreatedAt) {
		return fmt.Errorf("updated_at must not precede created_at")
	}
	return nil
}

// Bond is an ordered, typed relationship between two atoms.
type Bond struct {
	SourceID  string         `json:"source_id"`
	TargetID  string         `json:"target_id"`
	Kind      BondKind       `json:"kind"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Type marks the JSONL discriminator for bonds.
func (Bond) Type() string { return "bond" }

// Key identifies a bond uniquely within one store: (source, target, kind).
func (b Bond) Key() string {
	return b.SourceID + "\x00" + b.TargetID + "\x00" + string(b.Kind)
}

// Validate enforces bond-level invariants.
func (b Bond) Validate() error {
	if b.SourceID == "" || b.TargetID == "" {
		return fmt.Errorf("bond requires source_id and target_id")
	}
	if b.SourceID == b.TargetID {
		return fmt.Errorf("bond endpoints must differ: %s", b.SourceID)
	}
	if !ValidBondKind(b.Kind) {
		return fmt.Errorf("invalid bond kind: %q", b.Kind)
	}
	return nil
}

// Comment is an immutable, append-only note attached to an atom.
type Comment struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parent_id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Type marks the JSONL discriminator for comments.
func (Comment) Type() string { return "comment" }

// Validate enforces comment-level invariants.
func (c Comment) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("comment id is required")
	}
	if c.ParentID == "" {
		return fmt.Errorf("comment parent_id is required")
	}
	if strings.TrimSpace(c.Content) == "" {
		return fmt.Errorf("comment content is required")
	}
	return nil
}

// OfflineClaim is a claim attempt recorded locally while the ledger
// branch was unreachable, awaiting reconciliation.
type OfflineClaim struct {
	ID        string    `json:"id"`
	AtomID    string    `json:"atom_id"`
	AgentID   string    `json:"agent_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// Header is the first line of a data.jsonl file.
type Header struct {
	Type      string    `json:"_type"`
	RepoName  string    `json:"repo_name"`
	Generator string    `json:"generator"`
	CreatedAt time.Time `json:"created_at"`
}
