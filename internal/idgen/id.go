// Package idgen generates and resolves eluent's 26-character time-ordered
// identifiers: a 10-character millisecond-precision Crockford base32
// timestamp followed by 16 characters of randomness, plus the
// normalization and prefix-trie machinery needed to let a human type a
// short, possibly mistyped, prefix and still land on the right atom.
package idgen

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

// alphabet is Crockford's base32: no I, L, O, U, avoiding visually
// confusable characters by construction. Input normalization (see
// Normalize) maps common confusions back onto it.
const alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

const (
	timestampLen = 10
	randomLen    = 16
	// IDLen is the length of the 26-char suffix (timestamp + randomness),
	// not counting the "<repo>-" prefix.
	IDLen = timestampLen + randomLen
)

// New generates a new 26-char ID suffixed to repoName as "<repo>-<26char>".
// Collisions within the same millisecond are acceptable: the 16-char
// randomness suffix carries 80 bits of entropy.
func New(repoName string) (string, error) {
	suffix, err := newSuffix(time.Now())
	if err != nil {
		return "", err
	}
	return repoName + "-" + suffix, nil
}

// newSuffix builds the 26-char timestamp+randomness suffix for instant t.
func newSuffix(t time.Time) (string, error) {
	ts := encodeTimestamp(t)
	rnd, err := randomString(randomLen)
	if err != nil {
		return "", fmt.Errorf("idgen: generating random suffix: %w", err)
	}
	return ts + rnd, nil
}

// encodeTimestamp encodes t's milliseconds-since-epoch into exactly
// timestampLen base32 characters, left-padded with the alphabet's zero
// character, so that lexicographic order on the string matches
// chronological order on t.
func encodeTimestamp(t time.Time) string {
	ms := uint64(t.UnixMilli())
	buf := make([]byte, timestampLen)
	for i := timestampLen - 1; i >= 0; i-- {
		buf[i] = alphabet[ms%32]
		ms /= 32
	}
	return string(buf)
}

// randomString returns n characters drawn uniformly from alphabet.
func randomString(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range raw {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out), nil
}

// Normalize upper-cases s and maps visually confusable characters onto
// the canonical alphabet: I and L become 1, O becomes 0. Any character
// not in the resulting alphabet is left as-is (callers compare against
// known ids, so a non-matching normalized string simply fails to match).
func Normalize(s string) string {
	s = strings.ToUpper(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case 'I', 'L':
			b.WriteRune('1')
		case 'O':
			b.WriteRune('0')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// RandomnessOf returns the 16-char randomness portion of a full 26-char
// id suffix (the part after the 10-char timestamp).
func RandomnessOf(idSuffix string) string {
	if len(idSuffix) < randomLen {
		return idSuffix
	}
	return idSuffix[len(idSuffix)-randomLen:]
}

// SplitRepo splits a full "<repo>-<26char>" id into its repo name and
// 26-char suffix. ok is false if id doesn't have the expected shape.
func SplitRepo(id string) (repo, suffix string, ok bool) {
	idx := strings.LastIndex(id, "-")
	if idx < 0 || len(id)-idx-1 != IDLen {
		return "", "", false
	}
	return id[:idx], id[idx+1:], true
}
