package mailbox

import (
	"testing"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"

	"github.com/larchsync/larch/internal/catalog"
	"github.com/larchsync/larch/internal/logx"
)

func newTestMailbox(permanentFlags []string) *Mailbox {
	return &Mailbox{
		log:            logx.Nop{},
		row:            &catalog.Mailbox{Name: "INBOX"},
		permanentFlags: permanentFlags,
	}
}

func TestFilterFlagsDropsRecentAlways(t *testing.T) {
	m := newTestMailbox([]string{"\\*"})
	out := m.FilterFlags([]string{imap.RecentFlag, imap.SeenFlag})
	assert.Equal(t, []string{imap.SeenFlag}, out)
}

func TestFilterFlagsNoPermanentFlagsAcceptsAll(t *testing.T) {
	m := newTestMailbox(nil)
	out := m.FilterFlags([]string{imap.SeenFlag, "\\Custom"})
	assert.Len(t, out, 2)
}

func TestFilterFlagsWildcardAcceptsAnyFlag(t *testing.T) {
	m := newTestMailbox([]string{"\\Seen", "\\*"})
	out := m.FilterFlags([]string{"\\Unusual"})
	assert.Equal(t, []string{"\\Unusual"}, out)
}

func TestFilterFlagsDropsUnsupportedFlag(t *testing.T) {
	m := newTestMailbox([]string{"\\Seen", "\\Flagged"})
	out := m.FilterFlags([]string{"\\Seen", "\\Custom"})
	assert.Equal(t, []string{"\\Seen"}, out)
}

func TestSeqSetBuildsInclusiveRange(t *testing.T) {
	set := seqSet(5, 8)
	assert.Equal(t, "5:8", set.String())
}

func TestJoinFlags(t *testing.T) {
	assert.Equal(t, "", joinFlags(nil))
	assert.Equal(t, "\\Seen", joinFlags([]string{"\\Seen"}))
	assert.Equal(t, "\\Seen,\\Flagged", joinFlags([]string{"\\Seen", "\\Flagged"}))
}
