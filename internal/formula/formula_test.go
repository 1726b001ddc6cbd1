package formula

import "testing"

func TestParseFrontMatterExtractsBlock(t *testing.T) {
	desc := "---\nversion = 1\ntype = \"release-checklist\"\nvars = [\"component\"]\n---\nRest of the description.\n"

	meta, err := ParseFrontMatter(desc)
	if err != nil {
		t.Fatalf("ParseFrontMatter: %v", err)
	}
	if meta.Version != 1 {
		t.Errorf("Version = %d, want 1", meta.Version)
	}
	if meta.Type != "release-checklist" {
		t.Errorf("Type = %q, want %q", meta.Type, "release-checklist")
	}
	if len(meta.Vars) != 1 || meta.Vars[0] != "component" {
		t.Errorf("Vars = %v, want [component]", meta.Vars)
	}
}

func TestParseFrontMatterNoBlockIsZeroValue(t *testing.T) {
	meta, err := ParseFrontMatter("Just a plain description, no front matter.")
	if err != nil {
		t.Fatalf("ParseFrontMatter: %v", err)
	}
	if meta != (Metadata{}) {
		t.Errorf("expected zero Metadata, got %+v", meta)
	}
}

func TestParseFrontMatterUnterminatedBlockIsIgnored(t *testing.T) {
	meta, err := ParseFrontMatter("---\nversion = 1\n")
	if err != nil {
		t.Fatalf("ParseFrontMatter: %v", err)
	}
	if meta != (Metadata{}) {
		t.Errorf("expected zero Metadata for unterminated block, got %+v", meta)
	}
}

func TestParseFrontMatterRejectsInvalidTOML(t *testing.T) {
	_, err := ParseFrontMatter("---\nthis is not = = toml\n---\n")
	if err == nil {
		t.Fatal("expected an error for malformed TOML")
	}
}
