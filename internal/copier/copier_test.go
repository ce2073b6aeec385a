package copier

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/larchsync/larch/internal/account"
	"github.com/larchsync/larch/internal/catalog"
	"github.com/larchsync/larch/internal/logx"
	"github.com/larchsync/larch/internal/mailbox"
)

func mustRegexp(t *testing.T, pattern string) *regexp.Regexp {
	t.Helper()
	re, err := regexp.Compile(pattern)
	require.NoError(t, err)
	return re
}

func TestExcludedMatchesAnyConfiguredPattern(t *testing.T) {
	c := &Copier{opts: Options{Exclusions: []*regexp.Regexp{
		mustRegexp(t, "^Spam$"),
		mustRegexp(t, "(?i)^trash$"),
	}}}

	for name, want := range map[string]bool{"Spam": true, "Trash": true, "INBOX": false, "Work": false} {
		assert.Equal(t, want, c.excluded(name), "excluded(%q)", name)
	}
}

func TestResolveDestNameFlattensWhenDestMailboxSet(t *testing.T) {
	c := &Copier{opts: Options{DestMailbox: "Archive"}}
	assert.Equal(t, "Archive", c.resolveDestName(account.Entry{Name: "Work/Projects"}))
}

func TestResolveDestNameKeepsSourceNameByDefault(t *testing.T) {
	c := &Copier{}
	assert.Equal(t, "Work/Projects", c.resolveDestName(account.Entry{Name: "Work/Projects"}))
}

func TestResolveDestNameRenamesFromFolderRoot(t *testing.T) {
	c := &Copier{opts: Options{FromFolder: "Projects", ToFolder: "Archive"}}
	assert.Equal(t, "Archive", c.resolveDestName(account.Entry{Name: "Projects", Delim: "/"}))
}

func TestResolveDestNameRenamesFromFolderDescendant(t *testing.T) {
	c := &Copier{opts: Options{FromFolder: "Projects", ToFolder: "Archive"}}
	got := c.resolveDestName(account.Entry{Name: "Projects/2020", Delim: "/"})
	assert.Equal(t, "Archive/2020", got)
}

func TestResolveDestNameIgnoresToFolderWhenAll(t *testing.T) {
	c := &Copier{opts: Options{All: true, FromFolder: "Projects", ToFolder: "Archive"}}
	assert.Equal(t, "Other", c.resolveDestName(account.Entry{Name: "Other", Delim: "/"}))
}

func TestSelectEntriesDefaultsToInboxOnly(t *testing.T) {
	c := &Copier{}
	entries := []account.Entry{
		{Name: "INBOX", Delim: "/"},
		{Name: "Work", Delim: "/"},
	}
	got := c.selectEntries(entries)
	assert.Len(t, got, 1)
	assert.Equal(t, "INBOX", got[0].Name)
}

func TestSelectEntriesFromFolderNonRecursiveExcludesChildren(t *testing.T) {
	c := &Copier{opts: Options{FromFolder: "Work"}}
	entries := []account.Entry{
		{Name: "Work", Delim: "/"},
		{Name: "Work/Projects", Delim: "/"},
		{Name: "Other", Delim: "/"},
	}
	got := c.selectEntries(entries)
	assert.Len(t, got, 1)
	assert.Equal(t, "Work", got[0].Name)
}

func TestSelectEntriesFromFolderRecursiveIncludesChildren(t *testing.T) {
	c := &Copier{opts: Options{FromFolder: "Work", Recursive: true}}
	entries := []account.Entry{
		{Name: "Work", Delim: "/"},
		{Name: "Work/Projects", Delim: "/"},
		{Name: "Other", Delim: "/"},
	}
	got := c.selectEntries(entries)
	require.Len(t, got, 2)
	assert.Equal(t, "Work", got[0].Name)
	assert.Equal(t, "Work/Projects", got[1].Name)
}

func TestSelectEntriesAllIgnoresFromFolder(t *testing.T) {
	c := &Copier{opts: Options{All: true, FromFolder: "Work"}}
	entries := []account.Entry{
		{Name: "INBOX", Delim: "/"},
		{Name: "Other", Delim: "/"},
	}
	assert.Equal(t, entries, c.selectEntries(entries))
}

func TestSrcReadOnlyDefaultsTrue(t *testing.T) {
	c := &Copier{}
	assert.True(t, c.srcReadOnly())
}

func TestSrcReadOnlyFalseWhenDeleteRequested(t *testing.T) {
	c := &Copier{opts: Options{Delete: true}}
	assert.False(t, c.srcReadOnly())
}

func TestSrcReadOnlyFalseWhenExpungeRequested(t *testing.T) {
	c := &Copier{opts: Options{Expunge: true}}
	assert.False(t, c.srcReadOnly())
}

func TestSplitFlags(t *testing.T) {
	assert.Nil(t, splitFlags(""))
	assert.Equal(t, []string{`\Seen`, `\Flagged`}, splitFlags(`\Seen,\Flagged`))
}

func TestHasDeletedFlag(t *testing.T) {
	assert.True(t, hasDeletedFlag(`\Seen,\Deleted`))
	assert.False(t, hasDeletedFlag(`\Seen,\Flagged`))
	assert.False(t, hasDeletedFlag(""))
}

func TestCounterIncrementsAreIsolatedPerCopier(t *testing.T) {
	c := &Copier{}
	c.addTotal(5)
	c.incCopied()
	c.incCopied()
	c.incFailed()
	c.incDeleted()

	assert.Equal(t, Counters{Total: 5, Copied: 2, Failed: 1, Deleted: 1}, c.Counters())
}

// listSorted must return catalog rows in ascending UID order even when
// the catalog itself stores them out of order.
func TestListSortedOrdersByUID(t *testing.T) {
	store, err := catalog.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	acct, err := store.UpsertAccount("imap.example.com", "alice")
	require.NoError(t, err)
	row, err := store.UpsertMailbox(acct.ID, "INBOX", "/", "", false)
	require.NoError(t, err)
	for _, uid := range []uint32{30, 10, 20} {
		require.NoError(t, store.UpsertMessage(&catalog.Message{MailboxID: row.ID, UID: uid, GUID: "g"}))
	}

	mb, err := mailbox.Open(nil, store, acct.ID, "INBOX", "/", "", false, true, mailbox.Options{}, logx.Nop{})
	require.NoError(t, err)

	c := &Copier{}
	rows, err := c.listSorted(mb)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	var uids []uint32
	for _, r := range rows {
		uids = append(uids, r.UID)
	}
	assert.Equal(t, []uint32{10, 20, 30}, uids)
}
