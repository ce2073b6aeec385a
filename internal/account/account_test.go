package account

import "testing"

// inbox, Inbox, INBOX on the wire are all catalogued as INBOX — spec §8
// boundary behavior.
func TestCanonicalizeInboxCasing(t *testing.T) {
	for _, in := range []string{"inbox", "Inbox", "INBOX", "InBoX"} {
		if got := canonicalize(in); got != "INBOX" {
			t.Fatalf("canonicalize(%q) = %q, want INBOX", in, got)
		}
	}
	if got := canonicalize("Archive"); got != "Archive" {
		t.Fatalf("canonicalize(%q) = %q, want unchanged", "Archive", got)
	}
}

func TestLessNameOrdersInboxFirst(t *testing.T) {
	if !lessName("INBOX", "Archive") {
		t.Fatalf("expected INBOX to sort before Archive")
	}
	if lessName("Archive", "INBOX") {
		t.Fatalf("expected Archive to sort after INBOX")
	}
	if !lessName("archive", "Work") {
		t.Fatalf("expected case-insensitive lexical ordering")
	}
}

func TestEntryNoSelect(t *testing.T) {
	e := Entry{Attrs: []string{`\HasChildren`, `\Noselect`}}
	if !e.NoSelect() {
		t.Fatalf("expected NoSelect true")
	}
	e2 := Entry{Attrs: []string{`\HasChildren`}}
	if e2.NoSelect() {
		t.Fatalf("expected NoSelect false")
	}
}

func TestEntryCanDescend(t *testing.T) {
	if !(Entry{}.CanDescend()) {
		t.Fatalf("expected CanDescend true with no attributes")
	}
	if (Entry{Attrs: []string{`\Hasnochildren`}}).CanDescend() {
		t.Fatalf("expected CanDescend false with \\Hasnochildren")
	}
	if (Entry{Attrs: []string{`\Noinferiors`}}).CanDescend() {
		t.Fatalf("expected CanDescend false with \\Noinferiors")
	}
}
