// Package store provides the durable, in-memory-indexed record store for
// atoms, bonds, and comments: append-only JSON-Lines persistence with
// atomic rewrites and dual (exact + randomness-trie) indexing.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/eluentwork/eluent/internal/errs"
	"github.com/eluentwork/eluent/internal/idgen"
	"github.com/eluentwork/eluent/internal/lockfile"
	"github.com/eluentwork/eluent/internal/types"
)

// Invalidator is notified whenever a mutation changes the store's
// contents, so dependents (the dependency graph, the readiness
// calculator) can drop memoized state. It is a message, not a shared
// flag, per the teacher's "cache invalidation is a message from store to
// dependents" idiom.
type Invalidator interface {
	Invalidate()
}

// Store owns the authoritative in-memory index for one repository's
// atoms, bonds, and comments, backed by data.jsonl (synced) and
// ephemeral.jsonl (local-only, never synced).
type Store struct {
	mu sync.RWMutex

	dir           string
	dataPath      string
	ephemeralPath string
	repoName      string

	atoms    map[string]*types.Atom
	bonds    map[string]*types.Bond // keyed by Bond.Key()
	comments map[string][]*types.Comment

	trie *idgen.Trie

	log          *slog.Logger
	invalidators []Invalidator
}

// record is the on-disk envelope: a discriminator plus the raw payload,
// matching spec.md §4.2's `{_type, ...}` shape.
type record struct {
	Type string `json:"_type"`
}

// Open loads (or, if create is true and nothing exists, initializes) the
// record store rooted at dir (a repository's `.eluent` directory).
func Open(dir, repoName string, create bool, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{
		dir:           dir,
		dataPath:      filepath.Join(dir, "data.jsonl"),
		ephemeralPath: filepath.Join(dir, "ephemeral.jsonl"),
		repoName:      repoName,
		atoms:         make(map[string]*types.Atom),
		bonds:         make(map[string]*types.Bond),
		comments:      make(map[string][]*types.Comment),
		trie:          idgen.NewTrie(),
		log:           log,
	}

	_, statErr := os.Stat(s.dataPath)
	switch {
	case statErr == nil:
		if err := s.load(); err != nil {
			return nil, err
		}
	case os.IsNotExist(statErr) && create:
		if err := s.initialize(); err != nil {
			return nil, err
		}
	case os.IsNotExist(statErr):
		return nil, &errs.NotInitializedError{Path: dir}
	default:
		return nil, statErr
	}
	return s, nil
}

func (s *Store) initialize() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("store: creating %s: %w", s.dir, err)
	}
	header := types.Header{
		Type:      "header",
		RepoName:  s.repoName,
		Generator: "eluent",
		CreatedAt: time.Now().UTC(),
	}
	line, err := json.Marshal(header)
	if err != nil {
		return err
	}
	return os.WriteFile(s.dataPath, append(line, '\n'), 0o644)
}

// AddInvalidator registers a dependent to be notified on every mutation.
func (s *Store) AddInvalidator(inv Invalidator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidators = append(s.invalidators, inv)
}

func (s *Store) notifyInvalidated() {
	for _, inv := range s.invalidators {
		inv.Invalidate()
	}
}

// load reads both data.jsonl and ephemeral.jsonl into the in-memory
// index. Malformed lines are skipped and warned about, never fatal, per
// spec.md §7's propagation policy.
func (s *Store) load() error {
	s.atoms = make(map[string]*types.Atom)
	s.bonds = make(map[string]*types.Bond)
	s.comments = make(map[string][]*types.Comment)
	s.trie = idgen.NewTrie()

	if err := s.loadFile(s.dataPath, false); err != nil {
		return err
	}
	if err := s.loadFile(s.ephemeralPath, true); err != nil {
		return err
	}
	return nil
}

func (s *Store) loadFile(path string, ephemeral bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("store: reading %s: %w", path, err)
	}

	for lineNo, line := range splitLines(data) {
		if len(line) == 0 {
			continue
		}
		var disc record
		if err := json.Unmarshal(line, &disc); err != nil {
			s.log.Warn("store: malformed record, skipping", "path", path, "line", lineNo+1, "error", err)
			continue
		}
		switch disc.Type {
		case "header":
			continue
		case "atom":
			var a types.Atom
			if err := json.Unmarshal(line, &a); err != nil {
				s.log.Warn("store: malformed atom, skipping", "path", path, "line", lineNo+1, "error", err)
				continue
			}
			a.Ephemeral = ephemeral
			s.atoms[a.ID] = &a
			s.trie.Insert(a.ID)
		case "bond":
			var b types.Bond
			if err := json.Unmarshal(line, &b); err != nil {
				s.log.Warn("store: malformed bond, skipping", "path", path, "line", lineNo+1, "error", err)
				continue
			}
			s.bonds[b.Key()] = &b
		case "comment":
			var c types.Comment
			if err := json.Unmarshal(line, &c); err != nil {
				s.log.Warn("store: malformed comment, skipping", "path", path, "line", lineNo+1, "error", err)
				continue
			}
			s.comments[c.ParentID] = append(s.comments[c.ParentID], &c)
		default:
			s.log.Warn("store: unknown record type, skipping", "path", path, "line", lineNo+1, "type", disc.Type)
		}
	}
	return nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

// GetAtom returns the atom with the given full id.
func (s *Store) GetAtom(id string) (*types.Atom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.atoms[id]
	if !ok {
		return nil, &errs.NotFoundError{Kind: "atom", Input: id}
	}
	cp := *a
	return &cp, nil
}

// ResolveAtom maps user input (a full id or a disambiguating prefix) to a
// full id via the store's trie.
func (s *Store) ResolveAtom(input string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trie.Resolve(input)
}

// ListAtoms returns a stable-ordered snapshot of every atom currently in
// the store (ephemeral included).
func (s *Store) ListAtoms() []*types.Atom {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Atom, 0, len(s.atoms))
	for _, a := range s.atoms {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListBonds returns a stable-ordered snapshot of every bond.
func (s *Store) ListBonds() []*types.Bond {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Bond, 0, len(s.bonds))
	for _, b := range s.bonds {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Comments returns the comments attached to parentID, ordered by
// created_at.
func (s *Store) Comments(parentID string) []*types.Comment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.comments[parentID]
	out := make([]*types.Comment, len(src))
	for i, c := range src {
		cp := *c
		out[i] = &cp
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// AddAtom validates, inserts, and durably appends a new atom. The caller
// is responsible for id generation (see internal/idgen).
func (s *Store) AddAtom(a types.Atom) error {
	if err := a.Validate(); err != nil {
		return &errs.InvalidRequestError{Reason: err.Error()}
	}

	s.mu.Lock()
	if _, exists := s.atoms[a.ID]; exists {
		s.mu.Unlock()
		return &errs.InvalidRequestError{Reason: fmt.Sprintf("atom id %q already exists", a.ID)}
	}
	s.atoms[a.ID] = &a
	s.trie.Insert(a.ID)
	s.mu.Unlock()

	if err := s.appendRecord(&a, a.Ephemeral); err != nil {
		return err
	}
	s.notifyInvalidated()
	return nil
}

// UpdateAtom replaces the atom with the same ID, then rewrites the owning
// file atomically (an update is not append-safe: earlier lines for the
// same id must be superseded, not merely shadowed).
func (s *Store) UpdateAtom(a types.Atom) error {
	if err := a.Validate(); err != nil {
		return &errs.InvalidRequestError{Reason: err.Error()}
	}

	s.mu.Lock()
	existing, ok := s.atoms[a.ID]
	if !ok {
		s.mu.Unlock()
		return &errs.NotFoundError{Kind: "atom", Input: a.ID}
	}
	a.Ephemeral = existing.Ephemeral
	s.atoms[a.ID] = &a
	s.mu.Unlock()

	if err := s.rewrite(a.Ephemeral); err != nil {
		return err
	}
	s.notifyInvalidated()
	return nil
}

// AddBond validates endpoints exist, inserts, and appends the bond.
// Cycle detection against blocking kinds is the dependency graph's
// responsibility (internal/graph) — the store enforces only that
// endpoints are known and the triple is unique, per spec.md §3's
// invariants.
func (s *Store) AddBond(b types.Bond) error {
	if err := b.Validate(); err != nil {
		return &errs.InvalidRequestError{Reason: err.Error()}
	}

	s.mu.Lock()
	if _, ok := s.atoms[b.SourceID]; !ok {
		s.mu.Unlock()
		return &errs.NotFoundError{Kind: "atom", Input: b.SourceID}
	}
	if _, ok := s.atoms[b.TargetID]; !ok {
		s.mu.Unlock()
		return &errs.NotFoundError{Kind: "atom", Input: b.TargetID}
	}
	if _, exists := s.bonds[b.Key()]; exists {
		s.mu.Unlock()
		return &errs.InvalidRequestError{Reason: "bond already exists"}
	}
	s.bonds[b.Key()] = &b
	s.mu.Unlock()

	if err := s.appendRecord(&b, false); err != nil {
		return err
	}
	s.notifyInvalidated()
	return nil
}

// RemoveBond deletes a single bond by its (source, target, kind) triple.
// Cascading delete is never implicit, per spec.md §3.
func (s *Store) RemoveBond(sourceID, targetID string, kind types.BondKind) error {
	key := (types.Bond{SourceID: sourceID, TargetID: targetID, Kind: kind}).Key()

	s.mu.Lock()
	if _, ok := s.bonds[key]; !ok {
		s.mu.Unlock()
		return &errs.NotFoundError{Kind: "bond", Input: key}
	}
	delete(s.bonds, key)
	s.mu.Unlock()

	if err := s.rewrite(false); err != nil {
		return err
	}
	s.notifyInvalidated()
	return nil
}

// AddComment validates the parent exists and appends the immutable
// comment; comments are never rewritten in place once created.
func (s *Store) AddComment(c types.Comment) error {
	if err := c.Validate(); err != nil {
		return &errs.InvalidRequestError{Reason: err.Error()}
	}

	s.mu.Lock()
	if _, ok := s.atoms[c.ParentID]; !ok {
		s.mu.Unlock()
		return &errs.NotFoundError{Kind: "atom", Input: c.ParentID}
	}
	s.comments[c.ParentID] = append(s.comments[c.ParentID], &c)
	s.mu.Unlock()

	if err := s.appendRecord(&c, false); err != nil {
		return err
	}
	s.notifyInvalidated()
	return nil
}

// appendRecord acquires an exclusive lock on the owning file, appends one
// JSON line, fsyncs, and releases — spec.md §4.2's "Append" write path.
func (s *Store) appendRecord(rec any, ephemeral bool) error {
	path := s.dataPath
	if ephemeral {
		path = s.ephemeralPath
	}

	line, err := marshalRecord(rec)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("store: opening %s: %w", path, err)
	}
	defer f.Close()

	if err := lockfile.FlockExclusiveBlocking(f); err != nil {
		return fmt.Errorf("store: locking %s: %w", path, err)
	}
	defer lockfile.FlockUnlock(f)

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("store: appending to %s: %w", path, err)
	}
	return f.Sync()
}

// rewrite atomically replaces the owning file's contents with the
// current in-memory index: temp file in the same directory, fsync,
// rename over the target. Used for every update/delete/merge, per
// spec.md §4.2's "Atomic rewrite" path.
func (s *Store) rewrite(ephemeral bool) error {
	path := s.dataPath
	if ephemeral {
		path = s.ephemeralPath
	}

	s.mu.RLock()
	var lines [][]byte
	if !ephemeral {
		header := types.Header{Type: "header", RepoName: s.repoName, Generator: "eluent", CreatedAt: time.Now().UTC()}
		if hline, err := marshalRecord(header); err == nil {
			lines = append(lines, hline)
		}
	}
	for _, a := range s.atoms {
		if a.Ephemeral != ephemeral {
			continue
		}
		if line, err := marshalRecord(a); err == nil {
			lines = append(lines, line)
		}
	}
	if !ephemeral {
		for _, b := range s.bonds {
			if line, err := marshalRecord(b); err == nil {
				lines = append(lines, line)
			}
		}
		for _, cs := range s.comments {
			for _, c := range cs {
				if line, err := marshalRecord(c); err == nil {
					lines = append(lines, line)
				}
			}
		}
	}
	s.mu.RUnlock()

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("store: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpPath) // no-op once the rename below has succeeded
	}()

	lockF, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("store: opening %s for lock: %w", path, err)
	}
	defer lockF.Close()
	if err := lockfile.FlockExclusiveBlocking(lockF); err != nil {
		return fmt.Errorf("store: locking %s: %w", path, err)
	}
	defer lockfile.FlockUnlock(lockF)

	for _, line := range lines {
		if _, err := tmp.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("store: writing temp file: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("store: syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("store: renaming temp file over %s: %w", path, err)
	}
	return nil
}

func marshalRecord(v any) ([]byte, error) {
	switch rec := v.(type) {
	case *types.Atom:
		return marshalTagged("atom", rec)
	case *types.Bond:
		return marshalTagged("bond", rec)
	case *types.Comment:
		return marshalTagged("comment", rec)
	case types.Header:
		return marshalTagged("header", rec)
	default:
		return nil, fmt.Errorf("store: unknown record type %T", v)
	}
}

func marshalTagged(typ string, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, err
	}
	m["_type"], _ = json.Marshal(typ)
	return json.Marshal(m)
}

// Reload re-reads both files from disk, discarding in-memory state. Used
// after an external change is detected (fsnotify) or after the sync
// orchestrator/ledger syncer rewrites the data file out from under the
// store.
func (s *Store) Reload() error {
	s.mu.Lock()
	err := s.load()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notifyInvalidated()
	return nil
}

// DataPath returns the path to the synced data file.
func (s *Store) DataPath() string { return s.dataPath }

// EphemeralPath returns the path to the local-only ephemeral file.
func (s *Store) EphemeralPath() string { return s.ephemeralPath }
