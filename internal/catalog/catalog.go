// Package catalog is the persistent store of accounts, mailboxes, and
// message headers keyed by mailbox GUID. It presents the small
// key-value-plus-relations interface the core (mailbox, account,
// copier) consumes; the embedded relational engine behind it is an
// external collaborator, not part of the core.
//
// Grounded on Carloslauriano-SimpleMail's storage/sqlite.go: schema
// bootstrap through CREATE TABLE IF NOT EXISTS, os.MkdirAll before
// opening the file, database/sql plus a blank-imported driver, and the
// same row-struct-plus-method shape. The schema itself is new, drawn
// directly from the three-table layout this program's catalog requires.
package catalog

import "time"

// Account is a (hostname, username) pair, uniquely identified by that
// pair within the catalog.
type Account struct {
	ID        int64
	Hostname  string
	Username  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Mailbox is owned by one Account. UIDValidity/UIDNext are the
// last-seen values from a STATUS or SELECT/EXAMINE response.
type Mailbox struct {
	ID          int64
	AccountID   int64
	Name        string
	Delim       string
	Attr        string
	Subscribed  bool
	UIDValidity uint32
	UIDNext     uint32
}

// Message is one catalog row: a server UID mapped to a GUID, plus the
// fields the GUID was computed from.
type Message struct {
	ID            int64
	MailboxID     int64
	UID           uint32
	GUID          string
	MessageID     string // empty if the source message had no Message-Id header
	RFC822Size    uint32
	InternalDate  int64 // unix seconds
	Flags         string
}

// Catalog is the interface the core depends on; Store is its only
// production implementation, backed by SQLite.
type Catalog interface {
	// UpsertAccount returns the Account row for (hostname, username),
	// creating it with CreatedAt=UpdatedAt=now if absent, and bumping
	// UpdatedAt if present.
	UpsertAccount(hostname, username string) (*Account, error)
	// PruneAccounts deletes Accounts whose UpdatedAt is older than olderThan.
	PruneAccounts(olderThan time.Time) (int64, error)

	// UpsertMailbox returns the Mailbox row for (accountID, name),
	// creating it if absent. Existing rows have their Delim/Attr/
	// Subscribed fields refreshed but UIDValidity/UIDNext are left
	// untouched (callers update those explicitly via SetUIDState).
	UpsertMailbox(accountID int64, name, delim, attr string, subscribed bool) (*Mailbox, error)
	// ListMailboxes returns every Mailbox owned by accountID.
	ListMailboxes(accountID int64) ([]*Mailbox, error)
	// DeleteMailbox removes a Mailbox and all of its Message rows.
	DeleteMailbox(mailboxID int64) error
	// SetUIDState updates a Mailbox's last-seen UIDVALIDITY/UIDNEXT.
	SetUIDState(mailboxID int64, uidValidity, uidNext uint32) error
	// ResetMailbox deletes every Message row for mailboxID; used when
	// UIDVALIDITY changes and the prior catalog entries are no longer
	// trustworthy.
	ResetMailbox(mailboxID int64) error

	// UpsertMessage inserts or replaces a Message row keyed by
	// (mailboxID, uid).
	UpsertMessage(m *Message) error
	// MessageByGUID finds a Message row in mailboxID by GUID, or
	// returns (nil, nil) if absent.
	MessageByGUID(mailboxID int64, guid string) (*Message, error)
	// ListMessages returns every Message row for mailboxID ordered by UID.
	ListMessages(mailboxID int64) ([]*Message, error)
	// UpdateFlags rewrites the flags column for the row (mailboxID, uid).
	UpdateFlags(mailboxID int64, uid uint32, flags string) error
	// DeleteMessagesNotInRange removes every row in mailboxID whose UID
	// falls within [loUID, hiUID] but is not in keepUIDs, returning the
	// count removed. Used by the flag-refresh pass to drop server-side
	// expunged messages without touching UIDs outside the refreshed
	// range (e.g. ones enumerated in the same scan's new-message pass).
	DeleteMessagesNotInRange(mailboxID int64, loUID, hiUID uint32, keepUIDs []uint32) (int64, error)

	// Close releases the underlying storage engine handle.
	Close() error
}
