package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func baseAtom() Atom {
	now := time.Now()
	return Atom{
		ID:        "myrepo-01J8X3Q0000000000000000001",
		Title:     "Valid atom",
		Status:    StatusOpen,
		IssueType: TypeTask,
		Priority:  2,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestAtomValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Atom)
		wantErr string
	}{
		{name: "valid", mutate: func(a *Atom) {}, wantErr: ""},
		{name: "missing title", mutate: func(a *Atom) { a.Title = "" }, wantErr: "title is required"},
		{name: "title too long", mutate: func(a *Atom) { a.Title = string(make([]byte, 501)) }, wantErr: "500 characters"},
		{name: "priority too low", mutate: func(a *Atom) { a.Priority = -1 }, wantErr: "priority must be"},
		{name: "priority too high", mutate: func(a *Atom) { a.Priority = 6 }, wantErr: "priority must be"},
		{name: "invalid status", mutate: func(a *Atom) { a.Status = Status("bogus") }, wantErr: "invalid status"},
		{name: "invalid issue type", mutate: func(a *Atom) { a.IssueType = IssueType("bogus") }, wantErr: "invalid issue_type"},
		{name: "updated before created", mutate: func(a *Atom) { a.UpdatedAt = a.CreatedAt.Add(-time.Hour) }, wantErr: "updated_at must not precede"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := baseAtom()
			tc.mutate(&a)
			err := a.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestStatusTransitions(t *testing.T) {
	require.True(t, CanTransition(StatusOpen, StatusInProgress))
	require.True(t, CanTransition(StatusClosed, StatusOpen))
	require.False(t, CanTransition(StatusClosed, StatusInProgress))
	require.True(t, IsBlockingStatus(StatusClosed))
	require.False(t, IsBlockingStatus(StatusOpen))
}

func TestAbstractIssueTypes(t *testing.T) {
	require.True(t, IsAbstractType(TypeEpic))
	require.True(t, IsAbstractType(TypeFormula))
	require.False(t, IsAbstractType(TypeTask))
}

func TestBondKindRegistry(t *testing.T) {
	require.True(t, IsBlockingKind(BondBlocks))
	require.True(t, IsBlockingKind(BondParentChild))
	require.True(t, IsBlockingKind(BondWaitsFor))
	require.False(t, IsBlockingKind(BondRelated))
	require.False(t, CascadesKind(BondParentChild))
	require.True(t, CascadesKind(BondWaitsFor))
}

func TestBondValidate(t *testing.T) {
	b := Bond{SourceID: "a", TargetID: "b", Kind: BondBlocks, CreatedAt: time.Now()}
	require.NoError(t, b.Validate())

	selfLoop := Bond{SourceID: "a", TargetID: "a", Kind: BondBlocks}
	require.Error(t, selfLoop.Validate())

	badKind := Bond{SourceID: "a", TargetID: "b", Kind: BondKind("nope")}
	require.Error(t, badKind.Validate())
}

func TestBondKey(t *testing.T) {
	b1 := Bond{SourceID: "a", TargetID: "b", Kind: BondBlocks}
	b2 := Bond{SourceID: "a", TargetID: "b", Kind: BondBlocks}
	b3 := Bond{SourceID: "a", TargetID: "b", Kind: BondRelated}
	require.Equal(t, b1.Key(), b2.Key())
	require.NotEqual(t, b1.Key(), b3.Key())
}

func TestCommentValidate(t *testing.T) {
	c := Comment{ID: "a-c1", ParentID: "a", Author: "x", Content: "hi", CreatedAt: time.Now()}
	require.NoError(t, c.Validate())

	empty := Comment{ID: "a-c1", ParentID: "a", Content: "  "}
	require.Error(t, empty.Validate())
}

func TestRegisterStatusExtendsRuntime(t *testing.T) {
	RegisterStatus(Status("archived"), StatusInfo{IsBlocking: true})
	require.True(t, ValidStatus(Status("archived")))
	require.True(t, IsBlockingStatus(Status("archived")))
}
