package session

import (
	"testing"

	"github.com/larchsync/larch/internal/logx"
)

func TestRackspaceNameRewritesOnlyWhenQuirkActive(t *testing.T) {
	s := &Session{log: logx.Nop{}}
	if got, warn := s.RackspaceName("Archive", "."); got != "Archive" || warn {
		t.Fatalf("RackspaceName without the quirk = (%q, %v), want (Archive, false)", got, warn)
	}

	s.q.rackspace = true
	if got, warn := s.RackspaceName("Archive", "."); got != "INBOX.Archive" || warn {
		t.Fatalf("RackspaceName with the quirk = (%q, %v), want (INBOX.Archive, false)", got, warn)
	}
	if got, _ := s.RackspaceName("INBOX", "."); got != "INBOX" {
		t.Fatalf("RackspaceName(INBOX) = %q, want unchanged", got)
	}
}

func TestWireNameDelegatesToRackspaceName(t *testing.T) {
	s := &Session{log: logx.Nop{}}
	s.q.rackspace = true
	if got := s.WireName("Projects", "."); got != "INBOX.Projects" {
		t.Fatalf("WireName = %q, want INBOX.Projects", got)
	}
	if got := s.WireName("INBOX", "."); got != "INBOX" {
		t.Fatalf("WireName(INBOX) = %q, want unchanged", got)
	}
}

func TestMboxStateIsSameTracksNameAndMode(t *testing.T) {
	st := mboxState{kind: mboxSelected, name: "INBOX"}
	if !st.isSame("INBOX", false) {
		t.Fatalf("expected Selected(INBOX) to match readOnly=false")
	}
	if st.isSame("INBOX", true) {
		t.Fatalf("expected Selected(INBOX) to not match readOnly=true")
	}
	if st.isSame("Archive", false) {
		t.Fatalf("expected Selected(INBOX) to not match a different name")
	}
	if closedState().isSame("INBOX", true) {
		t.Fatalf("expected Closed to never match")
	}

	ex := mboxState{kind: mboxExamined, name: "Archive"}
	if !ex.isSame("Archive", true) {
		t.Fatalf("expected Examined(Archive) to match readOnly=true")
	}
	if ex.isSame("Archive", false) {
		t.Fatalf("expected Examined(Archive) to not match readOnly=false")
	}
}
