package config

import (
	"os"
	"path/filepath"
	"testing"
)

// Config exclude: ["Spam", "/^trash$/i"] against INBOX, Spam, Trash,
// Work excludes exactly Spam and Trash — spec §8 end-to-end scenario 6.
func TestCompileExclusionsInlineGlobAndRegex(t *testing.T) {
	pats, err := compileExclusions([]string{"Spam", "/^trash$/i"}, "")
	if err != nil {
		t.Fatalf("compileExclusions: %v", err)
	}
	if len(pats) != 2 {
		t.Fatalf("expected 2 compiled patterns, got %d", len(pats))
	}

	names := map[string]bool{"INBOX": false, "Spam": true, "Trash": true, "Work": false, "trash": true}
	for name, wantExcluded := range names {
		excluded := false
		for _, re := range pats {
			if re.MatchString(name) {
				excluded = true
				break
			}
		}
		if excluded != wantExcluded {
			t.Errorf("%q: excluded=%v, want %v", name, excluded, wantExcluded)
		}
	}
}

func TestCompileExclusionsGlobTranslatesWildcards(t *testing.T) {
	pats, err := compileExclusions([]string{"Project?*"}, "")
	if err != nil {
		t.Fatalf("compileExclusions: %v", err)
	}
	if !pats[0].MatchString("ProjectXAlpha") {
		t.Fatalf("expected glob Project?* to match ProjectXAlpha")
	}
	if pats[0].MatchString("Project") {
		t.Fatalf("glob Project?* should require at least one more char after Project")
	}
}

func TestCompileExclusionsFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exclude.txt")
	content := "# comment line\n\nSpam\n/^trash$/i\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	pats, err := compileExclusions(nil, path)
	if err != nil {
		t.Fatalf("compileExclusions: %v", err)
	}
	if len(pats) != 2 {
		t.Fatalf("expected 2 patterns from file (comments/blanks skipped), got %d", len(pats))
	}
}

func TestCompileExclusionsBadRegexErrors(t *testing.T) {
	if _, err := compileExclusions([]string{"/[/"}, ""); err == nil {
		t.Fatalf("expected error compiling malformed regex")
	}
}
