package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "larch.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAppliesPrecedenceOrder(t *testing.T) {
	path := writeConfig(t, `
default:
  from: imaps://alice:pw@src.example.com
  to: imaps://alice:pw@dst.example.com
  verbosity: warn
  max-retries: 2

work:
  verbosity: debug
`)

	cfgNoOverride, err := Load(path, "work", Overrides{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfgNoOverride.Verbosity != "debug" {
		t.Fatalf("expected section to override default verbosity, got %q", cfgNoOverride.Verbosity)
	}
	if cfgNoOverride.MaxRetries != 2 {
		t.Fatalf("expected default max-retries to survive untouched, got %d", cfgNoOverride.MaxRetries)
	}

	verbosity := "imap"
	cfgWithCLI, err := Load(path, "work", Overrides{Verbosity: &verbosity})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfgWithCLI.Verbosity != "imap" {
		t.Fatalf("expected cli override to win over section, got %q", cfgWithCLI.Verbosity)
	}
}

func TestLoadRequiresFromAndTo(t *testing.T) {
	path := writeConfig(t, `
default:
  to: imaps://alice:pw@dst.example.com
`)
	if _, err := Load(path, "default", Overrides{}); err == nil {
		t.Fatalf("expected error for missing from")
	}
}

func TestLoadAllWinsOverAllSubscribedUnlessFromFolderSet(t *testing.T) {
	base := `
default:
  from: imaps://alice:pw@src.example.com
  to: imaps://alice:pw@dst.example.com
  all: true
  all-subscribed: true
`
	cfg, err := Load(writeConfig(t, base), "default", Overrides{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.All || cfg.AllSubscribed {
		t.Fatalf("expected all=true to win over all-subscribed, got all=%v all-subscribed=%v", cfg.All, cfg.AllSubscribed)
	}

	withFolder := `
default:
  from: imaps://alice:pw@src.example.com
  to: imaps://alice:pw@dst.example.com
  from-folder: Archive
  all: true
  all-subscribed: true
`
	cfg2, err := Load(writeConfig(t, withFolder), "default", Overrides{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg2.All || cfg2.AllSubscribed {
		t.Fatalf("expected explicit from-folder to override both all and all-subscribed")
	}
	if cfg2.FromFolder != "Archive" {
		t.Fatalf("expected from-folder Archive, got %q", cfg2.FromFolder)
	}
}

func TestLoadNoRecurseConflictsWithAll(t *testing.T) {
	content := `
default:
  from: imaps://alice:pw@src.example.com
  to: imaps://alice:pw@dst.example.com
  no-recurse: true
  all: true
`
	if _, err := Load(writeConfig(t, content), "default", Overrides{}); err == nil {
		t.Fatalf("expected error combining no-recurse with all")
	}
}

func TestLoadDefaultFromFolderIsInbox(t *testing.T) {
	content := `
default:
  from: imaps://alice:pw@src.example.com
  to: imaps://alice:pw@dst.example.com
`
	cfg, err := Load(writeConfig(t, content), "default", Overrides{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FromFolder != "INBOX" || cfg.ToFolder != "INBOX" {
		t.Fatalf("expected INBOX defaults, got from=%q to=%q", cfg.FromFolder, cfg.ToFolder)
	}
}

func TestLoadRejectsBadVerbosity(t *testing.T) {
	content := `
default:
  from: imaps://alice:pw@src.example.com
  to: imaps://alice:pw@dst.example.com
  verbosity: noisy
`
	if _, err := Load(writeConfig(t, content), "default", Overrides{}); err == nil {
		t.Fatalf("expected error for bad verbosity")
	}
}
