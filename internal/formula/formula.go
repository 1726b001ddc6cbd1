// Package formula reads the TOML metadata block a formula atom carries in
// its description front-matter. Formula instantiation (expanding a formula
// into a sub-graph of atoms) is out of scope; this package only reads far
// enough to let a formula atom merge like any other atom.
package formula

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// frontMatterDelim marks the start and end of the TOML block within an
// atom's description, the same "---" convention Markdown front matter uses.
const frontMatterDelim = "---"

// Metadata is the subset of a formula atom's front matter this system
// cares about: enough to describe what the formula is without executing
// it.
type Metadata struct {
	Version     int      `toml:"version"`
	Type        string   `toml:"type"`
	Vars        []string `toml:"vars"`
	Description string   `toml:"description"`
}

// ParseFrontMatter extracts and decodes the TOML front-matter block from a
// formula atom's description, if present. A description with no front
// matter yields a zero Metadata and a nil error — not every formula atom
// is required to carry one.
func ParseFrontMatter(description string) (Metadata, error) {
	var meta Metadata

	body, ok := extractBlock(description)
	if !ok {
		return meta, nil
	}

	if err := toml.Unmarshal([]byte(body), &meta); err != nil {
		return Metadata{}, fmt.Errorf("decode formula front matter: %w", err)
	}
	return meta, nil
}

// extractBlock finds the content between the first pair of "---" delimiter
// lines. Returns ok=false when the description doesn't open with one.
func extractBlock(description string) (string, bool) {
	lines := strings.Split(description, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != frontMatterDelim {
		return "", false
	}

	var buf bytes.Buffer
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == frontMatterDelim {
			return buf.String(), true
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	// Opening delimiter with no closing one: nothing usable.
	return "", false
}
