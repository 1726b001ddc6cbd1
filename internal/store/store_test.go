package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eluentwork/eluent/internal/errs"
	"github.com/eluentwork/eluent/internal/idgen"
	"github.com/eluentwork/eluent/internal/types"
	"github.com/stretchr/testify/require"
)

func newAtom(t *testing.T, title string) types.Atom {
	t.Helper()
	id, err := idgen.New("repo")
	require.NoError(t, err)
	now := time.Now()
	return types.Atom{
		ID:        id,
		Title:     title,
		Status:    types.StatusOpen,
		IssueType: types.TypeTask,
		Priority:  2,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := filepath.Join(t.TempDir(), ".eluent")
	s, err := Open(dir, "repo", true, nil)
	require.NoError(t, err)
	return s
}

func TestOpenCreatesHeader(t *testing.T) {
	s := openTestStore(t)
	data, err := os.ReadFile(s.DataPath())
	require.NoError(t, err)
	require.Contains(t, string(data), `"_type":"header"`)
}

func TestOpenWithoutCreateFailsNotInitialized(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".eluent")
	_, err := Open(dir, "repo", false, nil)
	require.Error(t, err)
	var nie *errs.NotInitializedError
	require.ErrorAs(t, err, &nie)
}

func TestAddAndGetAtom(t *testing.T) {
	s := openTestStore(t)
	a := newAtom(t, "first atom")
	require.NoError(t, s.AddAtom(a))

	got, err := s.GetAtom(a.ID)
	require.NoError(t, err)
	require.Equal(t, a.Title, got.Title)
}

func TestAddAtomPersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".eluent")
	s, err := Open(dir, "repo", true, nil)
	require.NoError(t, err)
	a := newAtom(t, "persisted")
	require.NoError(t, s.AddAtom(a))

	s2, err := Open(dir, "repo", false, nil)
	require.NoError(t, err)
	got, err := s2.GetAtom(a.ID)
	require.NoError(t, err)
	require.Equal(t, "persisted", got.Title)
}

func TestUpdateAtomRewritesFile(t *testing.T) {
	s := openTestStore(t)
	a := newAtom(t, "original")
	require.NoError(t, s.AddAtom(a))

	a.Title = "updated"
	a.UpdatedAt = a.UpdatedAt.Add(time.Second)
	require.NoError(t, s.UpdateAtom(a))

	got, err := s.GetAtom(a.ID)
	require.NoError(t, err)
	require.Equal(t, "updated", got.Title)
}

func TestAddBondRequiresKnownEndpoints(t *testing.T) {
	s := openTestStore(t)
	a := newAtom(t, "a")
	require.NoError(t, s.AddAtom(a))

	err := s.AddBond(types.Bond{SourceID: a.ID, TargetID: "nonexistent", Kind: types.BondBlocks, CreatedAt: time.Now()})
	require.Error(t, err)
	var nf *errs.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestAddBondAndRemoveBond(t *testing.T) {
	s := openTestStore(t)
	a := newAtom(t, "a")
	b := newAtom(t, "b")
	require.NoError(t, s.AddAtom(a))
	require.NoError(t, s.AddAtom(b))

	bond := types.Bond{SourceID: a.ID, TargetID: b.ID, Kind: types.BondBlocks, CreatedAt: time.Now()}
	require.NoError(t, s.AddBond(bond))
	require.Len(t, s.ListBonds(), 1)

	require.NoError(t, s.RemoveBond(a.ID, b.ID, types.BondBlocks))
	require.Len(t, s.ListBonds(), 0)
}

func TestAddCommentRequiresKnownParent(t *testing.T) {
	s := openTestStore(t)
	err := s.AddComment(types.Comment{ID: "x-c1", ParentID: "missing", Author: "a", Content: "hi", CreatedAt: time.Now()})
	require.Error(t, err)
}

func TestCommentsOrderedByCreatedAt(t *testing.T) {
	s := openTestStore(t)
	a := newAtom(t, "a")
	require.NoError(t, s.AddAtom(a))

	t0 := time.Now()
	require.NoError(t, s.AddComment(types.Comment{ID: a.ID + "-c2", ParentID: a.ID, Author: "x", Content: "second", CreatedAt: t0.Add(time.Minute)}))
	require.NoError(t, s.AddComment(types.Comment{ID: a.ID + "-c1", ParentID: a.ID, Author: "x", Content: "first", CreatedAt: t0}))

	comments := s.Comments(a.ID)
	require.Len(t, comments, 2)
	require.Equal(t, "first", comments[0].Content)
	require.Equal(t, "second", comments[1].Content)
}

func TestMalformedLineIsSkippedNotFatal(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".eluent")
	s, err := Open(dir, "repo", true, nil)
	require.NoError(t, err)
	a := newAtom(t, "good")
	require.NoError(t, s.AddAtom(a))

	f, err := os.OpenFile(s.DataPath(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not valid json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2, err := Open(dir, "repo", false, nil)
	require.NoError(t, err)
	require.Len(t, s2.ListAtoms(), 1)
}

func TestResolveAtomByPrefix(t *testing.T) {
	s := openTestStore(t)
	a := newAtom(t, "a")
	require.NoError(t, s.AddAtom(a))

	_, suffix, ok := idgen.SplitRepo(a.ID)
	require.True(t, ok)
	prefix := idgen.RandomnessOf(suffix)[:4]

	resolved, err := s.ResolveAtom(prefix)
	require.NoError(t, err)
	require.Equal(t, a.ID, resolved)
}

type countingInvalidator struct{ n int }

func (c *countingInvalidator) Invalidate() { c.n++ }

func TestInvalidatorNotifiedOnMutation(t *testing.T) {
	s := openTestStore(t)
	inv := &countingInvalidator{}
	s.AddInvalidator(inv)

	a := newAtom(t, "a")
	require.NoError(t, s.AddAtom(a))
	require.Equal(t, 1, inv.n)
}
