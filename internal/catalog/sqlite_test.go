package catalog

import (
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenBootstrapsSchemaVersion(t *testing.T) {
	s := openTestStore(t)
	var version int
	if err := s.db.QueryRow(`SELECT version FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("read schema_version: %v", err)
	}
	if version != schemaVersion {
		t.Fatalf("schema_version = %d, want %d", version, schemaVersion)
	}

	// Re-opening the same handle's migrate path must not duplicate the row.
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		t.Fatalf("count schema_version: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one schema_version row after re-migrate, got %d", count)
	}
}

func TestUpsertAccountCreatesThenUpdates(t *testing.T) {
	s := openTestStore(t)

	a, err := s.UpsertAccount("imap.example.com", "alice")
	if err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}
	if a.ID == 0 {
		t.Fatalf("expected nonzero account id")
	}
	firstUpdated := a.UpdatedAt

	time.Sleep(1100 * time.Millisecond)

	a2, err := s.UpsertAccount("imap.example.com", "alice")
	if err != nil {
		t.Fatalf("UpsertAccount (repeat): %v", err)
	}
	if a2.ID != a.ID {
		t.Fatalf("expected same account id on repeat upsert, got %d and %d", a.ID, a2.ID)
	}
	if !a2.UpdatedAt.After(firstUpdated) {
		t.Fatalf("expected UpdatedAt to advance on repeat upsert")
	}
}

func TestPruneAccounts(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.UpsertAccount("imap.example.com", "alice"); err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}
	n, err := s.PruneAccounts(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("PruneAccounts: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned account, got %d", n)
	}
	n, err = s.PruneAccounts(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("PruneAccounts (second): %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 pruned on already-empty table, got %d", n)
	}
}

func TestUpsertMailboxCreatesThenRefreshesAttrs(t *testing.T) {
	s := openTestStore(t)
	a, err := s.UpsertAccount("imap.example.com", "alice")
	if err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}

	m, err := s.UpsertMailbox(a.ID, "Archive", "/", `\HasNoChildren`, false)
	if err != nil {
		t.Fatalf("UpsertMailbox: %v", err)
	}
	if m.UIDValidity != 0 || m.UIDNext != 0 {
		t.Fatalf("expected fresh mailbox to have zero uid state, got %+v", m)
	}

	if err := s.SetUIDState(m.ID, 100, 50); err != nil {
		t.Fatalf("SetUIDState: %v", err)
	}

	m2, err := s.UpsertMailbox(a.ID, "Archive", "/", `\Subscribed`, true)
	if err != nil {
		t.Fatalf("UpsertMailbox (refresh): %v", err)
	}
	if m2.ID != m.ID {
		t.Fatalf("expected same mailbox id on refresh, got %d and %d", m.ID, m2.ID)
	}
	if m2.Attr != `\Subscribed` || !m2.Subscribed {
		t.Fatalf("expected attr/subscribed refreshed, got %+v", m2)
	}
	if m2.UIDValidity != 100 || m2.UIDNext != 50 {
		t.Fatalf("expected UpsertMailbox to leave uid state untouched, got validity=%d next=%d", m2.UIDValidity, m2.UIDNext)
	}
}

func TestListMailboxesScopesByAccount(t *testing.T) {
	s := openTestStore(t)
	a1, _ := s.UpsertAccount("imap.example.com", "alice")
	a2, _ := s.UpsertAccount("imap.example.com", "bob")

	if _, err := s.UpsertMailbox(a1.ID, "INBOX", "/", "", false); err != nil {
		t.Fatalf("UpsertMailbox: %v", err)
	}
	if _, err := s.UpsertMailbox(a1.ID, "Archive", "/", "", false); err != nil {
		t.Fatalf("UpsertMailbox: %v", err)
	}
	if _, err := s.UpsertMailbox(a2.ID, "INBOX", "/", "", false); err != nil {
		t.Fatalf("UpsertMailbox: %v", err)
	}

	list, err := s.ListMailboxes(a1.ID)
	if err != nil {
		t.Fatalf("ListMailboxes: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 mailboxes for account 1, got %d", len(list))
	}
}

func TestDeleteMailboxCascadesMessages(t *testing.T) {
	s := openTestStore(t)
	a, _ := s.UpsertAccount("imap.example.com", "alice")
	m, err := s.UpsertMailbox(a.ID, "INBOX", "/", "", false)
	if err != nil {
		t.Fatalf("UpsertMailbox: %v", err)
	}
	if err := s.UpsertMessage(&Message{MailboxID: m.ID, UID: 1, GUID: "g1"}); err != nil {
		t.Fatalf("UpsertMessage: %v", err)
	}

	if err := s.DeleteMailbox(m.ID); err != nil {
		t.Fatalf("DeleteMailbox: %v", err)
	}

	msgs, err := s.ListMessages(m.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected messages gone after DeleteMailbox, got %d", len(msgs))
	}
}

func TestResetMailboxClearsMessagesOnly(t *testing.T) {
	s := openTestStore(t)
	a, _ := s.UpsertAccount("imap.example.com", "alice")
	m, err := s.UpsertMailbox(a.ID, "INBOX", "/", "", false)
	if err != nil {
		t.Fatalf("UpsertMailbox: %v", err)
	}
	if err := s.SetUIDState(m.ID, 5, 10); err != nil {
		t.Fatalf("SetUIDState: %v", err)
	}
	if err := s.UpsertMessage(&Message{MailboxID: m.ID, UID: 1, GUID: "g1"}); err != nil {
		t.Fatalf("UpsertMessage: %v", err)
	}

	if err := s.ResetMailbox(m.ID); err != nil {
		t.Fatalf("ResetMailbox: %v", err)
	}

	msgs, err := s.ListMessages(m.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected messages cleared, got %d", len(msgs))
	}

	list, err := s.ListMailboxes(a.ID)
	if err != nil {
		t.Fatalf("ListMailboxes: %v", err)
	}
	if len(list) != 1 || list[0].UIDValidity != 5 {
		t.Fatalf("expected mailbox row and uid state to survive ResetMailbox, got %+v", list)
	}
}

func TestUpsertMessageInsertsThenUpdatesOnConflict(t *testing.T) {
	s := openTestStore(t)
	a, _ := s.UpsertAccount("imap.example.com", "alice")
	m, err := s.UpsertMailbox(a.ID, "INBOX", "/", "", false)
	if err != nil {
		t.Fatalf("UpsertMailbox: %v", err)
	}

	if err := s.UpsertMessage(&Message{MailboxID: m.ID, UID: 1, GUID: "g1", Flags: `\Seen`}); err != nil {
		t.Fatalf("UpsertMessage: %v", err)
	}
	if err := s.UpsertMessage(&Message{MailboxID: m.ID, UID: 1, GUID: "g1-changed", Flags: `\Seen \Flagged`}); err != nil {
		t.Fatalf("UpsertMessage (conflict): %v", err)
	}

	msgs, err := s.ListMessages(m.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected ON CONFLICT to update in place, got %d rows", len(msgs))
	}
	if msgs[0].GUID != "g1-changed" || msgs[0].Flags != `\Seen \Flagged` {
		t.Fatalf("expected conflicting upsert to overwrite guid/flags, got %+v", msgs[0])
	}
}

func TestMessageByGUIDReturnsNilWhenAbsent(t *testing.T) {
	s := openTestStore(t)
	a, _ := s.UpsertAccount("imap.example.com", "alice")
	m, err := s.UpsertMailbox(a.ID, "INBOX", "/", "", false)
	if err != nil {
		t.Fatalf("UpsertMailbox: %v", err)
	}

	got, err := s.MessageByGUID(m.ID, "nonexistent")
	if err != nil {
		t.Fatalf("MessageByGUID: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for absent guid, got %+v", got)
	}

	if err := s.UpsertMessage(&Message{MailboxID: m.ID, UID: 1, GUID: "g1"}); err != nil {
		t.Fatalf("UpsertMessage: %v", err)
	}
	got, err = s.MessageByGUID(m.ID, "g1")
	if err != nil {
		t.Fatalf("MessageByGUID: %v", err)
	}
	if got == nil || got.UID != 1 {
		t.Fatalf("expected to find uid 1 by guid, got %+v", got)
	}
}

func TestUpdateFlagsRewritesFlagsColumn(t *testing.T) {
	s := openTestStore(t)
	a, _ := s.UpsertAccount("imap.example.com", "alice")
	m, err := s.UpsertMailbox(a.ID, "INBOX", "/", "", false)
	if err != nil {
		t.Fatalf("UpsertMailbox: %v", err)
	}
	if err := s.UpsertMessage(&Message{MailboxID: m.ID, UID: 1, GUID: "g1"}); err != nil {
		t.Fatalf("UpsertMessage: %v", err)
	}

	if err := s.UpdateFlags(m.ID, 1, `\Seen \Deleted`); err != nil {
		t.Fatalf("UpdateFlags: %v", err)
	}

	got, err := s.MessageByGUID(m.ID, "g1")
	if err != nil {
		t.Fatalf("MessageByGUID: %v", err)
	}
	if got.Flags != `\Seen \Deleted` {
		t.Fatalf("expected flags updated, got %q", got.Flags)
	}
}

// DeleteMessagesNotInRange must only touch the [loUID, hiUID] window and
// must not drop rows outside it even when keepUIDs is empty.
func TestDeleteMessagesNotInRangeScopesToWindow(t *testing.T) {
	s := openTestStore(t)
	a, _ := s.UpsertAccount("imap.example.com", "alice")
	m, err := s.UpsertMailbox(a.ID, "INBOX", "/", "", false)
	if err != nil {
		t.Fatalf("UpsertMailbox: %v", err)
	}

	for _, uid := range []uint32{1, 2, 3, 4, 5, 100} {
		if err := s.UpsertMessage(&Message{MailboxID: m.ID, UID: uid, GUID: "g"}); err != nil {
			t.Fatalf("UpsertMessage uid=%d: %v", uid, err)
		}
	}

	// Refresh window [1,5], keep only uid 2 and 4: 1, 3, 5 should be dropped, 100 untouched.
	n, err := s.DeleteMessagesNotInRange(m.ID, 1, 5, []uint32{2, 4})
	if err != nil {
		t.Fatalf("DeleteMessagesNotInRange: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 rows deleted, got %d", n)
	}

	msgs, err := s.ListMessages(m.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	var uids []uint32
	for _, msg := range msgs {
		uids = append(uids, msg.UID)
	}
	want := map[uint32]bool{2: true, 4: true, 100: true}
	if len(uids) != 3 {
		t.Fatalf("expected 3 surviving rows, got %v", uids)
	}
	for _, uid := range uids {
		if !want[uid] {
			t.Fatalf("unexpected surviving uid %d in %v", uid, uids)
		}
	}
}

func TestDeleteMessagesNotInRangeEmptyKeepDeletesWholeWindow(t *testing.T) {
	s := openTestStore(t)
	a, _ := s.UpsertAccount("imap.example.com", "alice")
	m, err := s.UpsertMailbox(a.ID, "INBOX", "/", "", false)
	if err != nil {
		t.Fatalf("UpsertMailbox: %v", err)
	}
	for _, uid := range []uint32{1, 2, 100} {
		if err := s.UpsertMessage(&Message{MailboxID: m.ID, UID: uid, GUID: "g"}); err != nil {
			t.Fatalf("UpsertMessage uid=%d: %v", uid, err)
		}
	}

	n, err := s.DeleteMessagesNotInRange(m.ID, 1, 2, nil)
	if err != nil {
		t.Fatalf("DeleteMessagesNotInRange: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows deleted, got %d", n)
	}

	msgs, err := s.ListMessages(m.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].UID != 100 {
		t.Fatalf("expected only uid 100 to survive, got %+v", msgs)
	}
}

// Exercises the chunked staging path (chunkSize=900) with a keep set that
// spans more than one chunk, guarding against the bug this temp-table
// design exists to avoid: deleting rows kept by a different chunk.
func TestDeleteMessagesNotInRangeHandlesLargeKeepSet(t *testing.T) {
	s := openTestStore(t)
	a, _ := s.UpsertAccount("imap.example.com", "alice")
	m, err := s.UpsertMailbox(a.ID, "INBOX", "/", "", false)
	if err != nil {
		t.Fatalf("UpsertMailbox: %v", err)
	}

	const total = 2000
	for uid := uint32(1); uid <= total; uid++ {
		if err := s.UpsertMessage(&Message{MailboxID: m.ID, UID: uid, GUID: "g"}); err != nil {
			t.Fatalf("UpsertMessage uid=%d: %v", uid, err)
		}
	}

	// Keep every message: nothing should be deleted, even though the keep
	// set spans more than two 900-row chunks.
	keep := make([]uint32, 0, total)
	for uid := uint32(1); uid <= total; uid++ {
		keep = append(keep, uid)
	}

	n, err := s.DeleteMessagesNotInRange(m.ID, 1, total, keep)
	if err != nil {
		t.Fatalf("DeleteMessagesNotInRange: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 rows deleted when keep set covers the whole window, got %d", n)
	}

	msgs, err := s.ListMessages(m.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != total {
		t.Fatalf("expected all %d rows to survive, got %d", total, len(msgs))
	}
}
