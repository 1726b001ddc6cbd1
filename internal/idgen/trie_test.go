package idgen

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrieResolveExactMatch(t *testing.T) {
	trie := NewTrie()
	id, err := New("repo")
	require.NoError(t, err)
	trie.Insert(id)

	got, err := trie.Resolve(id)
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestTrieResolveByPrefix(t *testing.T) {
	trie := NewTrie()
	id, err := New("repo")
	require.NoError(t, err)
	trie.Insert(id)

	_, suffix, _ := SplitRepo(id)
	randomness := RandomnessOf(suffix)
	prefix := randomness[:4]

	got, err := trie.Resolve(prefix)
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestTrieResolveNotFound(t *testing.T) {
	trie := NewTrie()
	_, err := trie.Resolve("ZZZZ")
	require.Error(t, err)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestTrieResolveAmbiguous(t *testing.T) {
	trie := NewTrie()
	// Force a collision by inserting two ids that share a randomness
	// prefix; construct them directly rather than relying on random luck.
	id1 := "repo-0000000000AAAAAAAAAAAAAAAA"
	id2 := "repo-0000000001AAAAAAAAAAAAAAAB"
	trie.Insert(id1)
	trie.Insert(id2)

	_, err := trie.Resolve("AAAA")
	require.Error(t, err)
	var amb *AmbiguousError
	require.ErrorAs(t, err, &amb)
	require.Len(t, amb.Candidates, 2)
}

func TestTrieNormalizationEquivalence(t *testing.T) {
	trie := NewTrie()
	id := "repo-0000000000AAAA000000000000"
	trie.Insert(id)

	got1, err := trie.Resolve("AAAA")
	require.NoError(t, err)
	got2, err := trie.Resolve("aaaa")
	require.NoError(t, err)
	require.Equal(t, got1, got2)
}

func TestTrieShortenIsResolvable(t *testing.T) {
	trie := NewTrie()
	id1, _ := New("repo")
	id2, _ := New("repo")
	trie.Insert(id1)
	trie.Insert(id2)

	short, err := trie.Shorten(id1)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(short), 4)

	resolved, err := trie.Resolve(short)
	require.NoError(t, err)
	require.Equal(t, id1, resolved)
}

func TestTrieRemove(t *testing.T) {
	trie := NewTrie()
	id, _ := New("repo")
	trie.Insert(id)
	trie.Remove(id)

	_, err := trie.Resolve(id)
	require.Error(t, err)
}
