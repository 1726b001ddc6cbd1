package idgen

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"
)

// NotFoundError is returned by Resolve when no indexed id matches.
type NotFoundError struct {
	Input string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("idgen: no id matches %q", e.Input)
}

// AmbiguousError is returned by Resolve when more than one indexed id
// matches; Candidates lists every full id that matched so the caller can
// present a disambiguation prompt.
type AmbiguousError struct {
	Input      string
	Candidates []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("idgen: %q is ambiguous among %d candidates", e.Input, len(e.Candidates))
}

// trieNode is a plain children-by-rune trie node; leaves carry the full
// id(s) whose normalized randomness suffix passes through them. Multiple
// ids can theoretically share a randomness suffix across different repos,
// so a leaf holds a set.
type trieNode struct {
	children map[byte]*trieNode
	ids      map[string]struct{}
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[byte]*trieNode)}
}

// Trie indexes full ids by the normalized, uppercased randomness portion
// of their 26-char suffix, supporting minimum-length-4 prefix lookup and
// shortening. It is safe for concurrent use.
type Trie struct {
	mu    sync.RWMutex
	root  *trieNode
	full  map[string]struct{} // exact full ids, for the fast path in Resolve
	group singleflight.Group
}

// NewTrie returns an empty Trie.
func NewTrie() *Trie {
	return &Trie{root: newTrieNode(), full: make(map[string]struct{})}
}

// Insert adds id to the index. id must be the full "<repo>-<26char>" id.
func (t *Trie) Insert(id string) {
	_, suffix, ok := SplitRepo(id)
	if !ok {
		suffix = id
	}
	key := Normalize(RandomnessOf(suffix))

	t.mu.Lock()
	defer t.mu.Unlock()
	t.full[Normalize(id)] = struct{}{}
	node := t.root
	for i := 0; i < len(key); i++ {
		c := key[i]
		child, ok := node.children[c]
		if !ok {
			child = newTrieNode()
			node.children[c] = child
		}
		node = child
	}
	if node.ids == nil {
		node.ids = make(map[string]struct{})
	}
	node.ids[id] = struct{}{}
}

// Remove deletes id from the index. Safe to call even if id was never
// inserted.
func (t *Trie) Remove(id string) {
	_, suffix, ok := SplitRepo(id)
	if !ok {
		suffix = id
	}
	key := Normalize(RandomnessOf(suffix))

	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.full, Normalize(id))
	node := t.root
	path := make([]*trieNode, 0, len(key)+1)
	path = append(path, node)
	for i := 0; i < len(key); i++ {
		c := key[i]
		child, ok := node.children[c]
		if !ok {
			return
		}
		path = append(path, child)
		node = child
	}
	delete(node.ids, id)
}

// candidatesAt collects every id reachable at or below node.
func candidatesAt(node *trieNode) []string {
	var out []string
	var walk func(n *trieNode)
	walk = func(n *trieNode) {
		for id := range n.ids {
			out = append(out, id)
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(node)
	sort.Strings(out)
	return out
}

// Resolve maps a user-supplied string to a full id. Normalization is
// applied first (uppercase, then I/L→1, O→0). An exact full-id match
// short-circuits the trie search. Otherwise the (normalized) input is
// treated as a prefix of the randomness portion and searched in the trie.
func (t *Trie) Resolve(input string) (string, error) {
	v, err, _ := t.group.Do(input, func() (interface{}, error) {
		return t.resolveLocked(input)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (t *Trie) resolveLocked(input string) (string, error) {
	normalized := Normalize(input)

	t.mu.RLock()
	defer t.mu.RUnlock()

	if _, ok := t.full[normalized]; ok {
		return input, nil
	}

	key := normalized
	if repo, suffix, ok := SplitRepo(input); ok {
		_ = repo
		key = Normalize(RandomnessOf(suffix))
	}

	node := t.root
	for i := 0; i < len(key); i++ {
		child, ok := node.children[key[i]]
		if !ok {
			return "", &NotFoundError{Input: input}
		}
		node = child
	}

	candidates := candidatesAt(node)
	switch len(candidates) {
	case 0:
		return "", &NotFoundError{Input: input}
	case 1:
		return candidates[0], nil
	default:
		return "", &AmbiguousError{Input: input, Candidates: candidates}
	}
}

// Shorten returns the shortest prefix (minimum 4 characters) of id's
// randomness portion that uniquely identifies it within the trie.
func (t *Trie) Shorten(id string) (string, error) {
	_, suffix, ok := SplitRepo(id)
	if !ok {
		suffix = id
	}
	key := Normalize(RandomnessOf(suffix))

	t.mu.RLock()
	defer t.mu.RUnlock()

	node := t.root
	for n := 4; n <= len(key); n++ {
		node = t.root
		for i := 0; i < n; i++ {
			child, ok := node.children[key[i]]
			if !ok {
				return "", &NotFoundError{Input: id}
			}
			node = child
		}
		candidates := candidatesAt(node)
		if len(candidates) == 1 && candidates[0] == id {
			return key[:n], nil
		}
	}
	return key, nil
}
