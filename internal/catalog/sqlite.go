package catalog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);

CREATE TABLE IF NOT EXISTS accounts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	hostname TEXT NOT NULL,
	username TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE(hostname, username)
);

CREATE TABLE IF NOT EXISTS mailboxes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	delim TEXT NOT NULL DEFAULT '',
	attr TEXT NOT NULL DEFAULT '',
	subscribed INTEGER NOT NULL DEFAULT 0,
	uidvalidity INTEGER NOT NULL DEFAULT 0,
	uidnext INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE,
	UNIQUE(account_id, name)
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	mailbox_id INTEGER NOT NULL,
	uid INTEGER NOT NULL,
	guid TEXT NOT NULL,
	message_id TEXT NOT NULL DEFAULT '',
	rfc822_size INTEGER NOT NULL,
	internaldate INTEGER NOT NULL,
	flags TEXT NOT NULL DEFAULT '',
	FOREIGN KEY (mailbox_id) REFERENCES mailboxes(id) ON DELETE CASCADE,
	UNIQUE(mailbox_id, uid)
);
CREATE INDEX IF NOT EXISTS messages_guid_idx ON messages(mailbox_id, guid);
`

// Store is the SQLite-backed Catalog implementation.
type Store struct {
	db *sql.DB
}

// Open creates the database directory if needed, opens path, and
// applies the schema (idempotent: CREATE TABLE IF NOT EXISTS plus a
// schema_version bootstrap row). path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("catalog: create dir %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // go-sqlite3 serializes writers; avoid SQLITE_BUSY churn
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("catalog: create schema: %w", err)
	}
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		return fmt.Errorf("catalog: read schema_version: %w", err)
	}
	if count == 0 {
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("catalog: seed schema_version: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) UpsertAccount(hostname, username string) (*Account, error) {
	now := time.Now().Unix()
	a := &Account{}
	err := s.db.QueryRow(
		`SELECT id, hostname, username, created_at, updated_at FROM accounts WHERE hostname = ? AND username = ?`,
		hostname, username,
	).Scan(&a.ID, &a.Hostname, &a.Username, scanUnixPtr(&a.CreatedAt), scanUnixPtr(&a.UpdatedAt))
	if err == sql.ErrNoRows {
		res, err := s.db.Exec(
			`INSERT INTO accounts (hostname, username, created_at, updated_at) VALUES (?, ?, ?, ?)`,
			hostname, username, now, now,
		)
		if err != nil {
			return nil, fmt.Errorf("catalog: insert account: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("catalog: account id: %w", err)
		}
		return &Account{ID: id, Hostname: hostname, Username: username,
			CreatedAt: time.Unix(now, 0), UpdatedAt: time.Unix(now, 0)}, nil
	} else if err != nil {
		return nil, fmt.Errorf("catalog: lookup account: %w", err)
	}
	if _, err := s.db.Exec(`UPDATE accounts SET updated_at = ? WHERE id = ?`, now, a.ID); err != nil {
		return nil, fmt.Errorf("catalog: touch account: %w", err)
	}
	a.UpdatedAt = time.Unix(now, 0)
	return a, nil
}

func (s *Store) PruneAccounts(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM accounts WHERE updated_at < ?`, olderThan.Unix())
	if err != nil {
		return 0, fmt.Errorf("catalog: prune accounts: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) UpsertMailbox(accountID int64, name, delim, attr string, subscribed bool) (*Mailbox, error) {
	var sub int
	if subscribed {
		sub = 1
	}
	m := &Mailbox{}
	err := s.db.QueryRow(
		`SELECT id, account_id, name, delim, attr, subscribed, uidvalidity, uidnext
		 FROM mailboxes WHERE account_id = ? AND name = ?`,
		accountID, name,
	).Scan(&m.ID, &m.AccountID, &m.Name, &m.Delim, &m.Attr, &sub, &m.UIDValidity, &m.UIDNext)
	if err == sql.ErrNoRows {
		res, err := s.db.Exec(
			`INSERT INTO mailboxes (account_id, name, delim, attr, subscribed) VALUES (?, ?, ?, ?, ?)`,
			accountID, name, delim, attr, boolToInt(subscribed),
		)
		if err != nil {
			return nil, fmt.Errorf("catalog: insert mailbox %s: %w", name, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("catalog: mailbox id: %w", err)
		}
		return &Mailbox{ID: id, AccountID: accountID, Name: name, Delim: delim, Attr: attr, Subscribed: subscribed}, nil
	} else if err != nil {
		return nil, fmt.Errorf("catalog: lookup mailbox %s: %w", name, err)
	}
	if _, err := s.db.Exec(
		`UPDATE mailboxes SET delim = ?, attr = ?, subscribed = ? WHERE id = ?`,
		delim, attr, boolToInt(subscribed), m.ID,
	); err != nil {
		return nil, fmt.Errorf("catalog: refresh mailbox %s: %w", name, err)
	}
	m.Delim, m.Attr, m.Subscribed = delim, attr, subscribed
	return m, nil
}

func (s *Store) ListMailboxes(accountID int64) ([]*Mailbox, error) {
	rows, err := s.db.Query(
		`SELECT id, account_id, name, delim, attr, subscribed, uidvalidity, uidnext
		 FROM mailboxes WHERE account_id = ?`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("catalog: list mailboxes: %w", err)
	}
	defer rows.Close()

	var out []*Mailbox
	for rows.Next() {
		m := &Mailbox{}
		var sub int
		if err := rows.Scan(&m.ID, &m.AccountID, &m.Name, &m.Delim, &m.Attr, &sub, &m.UIDValidity, &m.UIDNext); err != nil {
			return nil, fmt.Errorf("catalog: scan mailbox: %w", err)
		}
		m.Subscribed = sub != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) DeleteMailbox(mailboxID int64) error {
	if _, err := s.db.Exec(`DELETE FROM messages WHERE mailbox_id = ?`, mailboxID); err != nil {
		return fmt.Errorf("catalog: delete messages of mailbox %d: %w", mailboxID, err)
	}
	if _, err := s.db.Exec(`DELETE FROM mailboxes WHERE id = ?`, mailboxID); err != nil {
		return fmt.Errorf("catalog: delete mailbox %d: %w", mailboxID, err)
	}
	return nil
}

func (s *Store) SetUIDState(mailboxID int64, uidValidity, uidNext uint32) error {
	if _, err := s.db.Exec(
		`UPDATE mailboxes SET uidvalidity = ?, uidnext = ? WHERE id = ?`,
		uidValidity, uidNext, mailboxID,
	); err != nil {
		return fmt.Errorf("catalog: set uid state for mailbox %d: %w", mailboxID, err)
	}
	return nil
}

func (s *Store) ResetMailbox(mailboxID int64) error {
	if _, err := s.db.Exec(`DELETE FROM messages WHERE mailbox_id = ?`, mailboxID); err != nil {
		return fmt.Errorf("catalog: reset mailbox %d: %w", mailboxID, err)
	}
	return nil
}

func (s *Store) UpsertMessage(m *Message) error {
	_, err := s.db.Exec(
		`INSERT INTO messages (mailbox_id, uid, guid, message_id, rfc822_size, internaldate, flags)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(mailbox_id, uid) DO UPDATE SET
		   guid = excluded.guid, message_id = excluded.message_id,
		   rfc822_size = excluded.rfc822_size, internaldate = excluded.internaldate,
		   flags = excluded.flags`,
		m.MailboxID, m.UID, m.GUID, m.MessageID, m.RFC822Size, m.InternalDate, m.Flags,
	)
	if err != nil {
		return fmt.Errorf("catalog: upsert message mailbox=%d uid=%d: %w", m.MailboxID, m.UID, err)
	}
	return nil
}

func (s *Store) MessageByGUID(mailboxID int64, guid string) (*Message, error) {
	m := &Message{}
	err := s.db.QueryRow(
		`SELECT id, mailbox_id, uid, guid, message_id, rfc822_size, internaldate, flags
		 FROM messages WHERE mailbox_id = ? AND guid = ?`,
		mailboxID, guid,
	).Scan(&m.ID, &m.MailboxID, &m.UID, &m.GUID, &m.MessageID, &m.RFC822Size, &m.InternalDate, &m.Flags)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("catalog: lookup message by guid: %w", err)
	}
	return m, nil
}

func (s *Store) ListMessages(mailboxID int64) ([]*Message, error) {
	rows, err := s.db.Query(
		`SELECT id, mailbox_id, uid, guid, message_id, rfc822_size, internaldate, flags
		 FROM messages WHERE mailbox_id = ? ORDER BY uid`,
		mailboxID,
	)
	if err != nil {
		return nil, fmt.Errorf("catalog: list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.MailboxID, &m.UID, &m.GUID, &m.MessageID, &m.RFC822Size, &m.InternalDate, &m.Flags); err != nil {
			return nil, fmt.Errorf("catalog: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) UpdateFlags(mailboxID int64, uid uint32, flags string) error {
	if _, err := s.db.Exec(
		`UPDATE messages SET flags = ? WHERE mailbox_id = ? AND uid = ?`,
		flags, mailboxID, uid,
	); err != nil {
		return fmt.Errorf("catalog: update flags mailbox=%d uid=%d: %w", mailboxID, uid, err)
	}
	return nil
}

// DeleteMessagesNotInRange removes rows whose UID lies within
// [loUID, hiUID] but is absent from keepUIDs — the flag-refresh range's
// server-side-expunged detection. keepUIDs can run to ≤16384 entries,
// well past SQLite's default bound parameter count, so the keep set is
// staged into a temp table in chunks and the delete runs once against
// the whole set rather than one NOT-IN clause per chunk (which would
// wrongly delete rows kept by a different chunk).
func (s *Store) DeleteMessagesNotInRange(mailboxID int64, loUID, hiUID uint32, keepUIDs []uint32) (int64, error) {
	if len(keepUIDs) == 0 {
		res, err := s.db.Exec(
			`DELETE FROM messages WHERE mailbox_id = ? AND uid BETWEEN ? AND ?`,
			mailboxID, loUID, hiUID,
		)
		if err != nil {
			return 0, fmt.Errorf("catalog: delete all messages mailbox=%d: %w", mailboxID, err)
		}
		return res.RowsAffected()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("catalog: begin refresh delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TEMP TABLE IF NOT EXISTS keep_uids (uid INTEGER NOT NULL)`); err != nil {
		return 0, fmt.Errorf("catalog: create temp keep table: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM keep_uids`); err != nil {
		return 0, fmt.Errorf("catalog: clear temp keep table: %w", err)
	}

	const chunkSize = 900
	for start := 0; start < len(keepUIDs); start += chunkSize {
		end := start + chunkSize
		if end > len(keepUIDs) {
			end = len(keepUIDs)
		}
		chunk := keepUIDs[start:end]

		placeholders := make([]string, len(chunk))
		args := make([]interface{}, len(chunk))
		for i, uid := range chunk {
			placeholders[i] = "?"
			args[i] = uid
		}
		query := fmt.Sprintf(`INSERT INTO keep_uids (uid) VALUES %s`,
			strings.Join(repeatPlaceholder(placeholders), ","))
		if _, err := tx.Exec(query, args...); err != nil {
			return 0, fmt.Errorf("catalog: stage keep uids: %w", err)
		}
	}

	res, err := tx.Exec(
		`DELETE FROM messages WHERE mailbox_id = ? AND uid BETWEEN ? AND ?
		 AND uid NOT IN (SELECT uid FROM keep_uids)`,
		mailboxID, loUID, hiUID,
	)
	if err != nil {
		return 0, fmt.Errorf("catalog: delete expunged messages mailbox=%d: %w", mailboxID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("catalog: rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("catalog: commit refresh delete: %w", err)
	}
	return n, nil
}

// repeatPlaceholder turns a flat list of "?" placeholders into one
// "(?)" group per entry, for a multi-row INSERT ... VALUES (?),(?),...
func repeatPlaceholder(ph []string) []string {
	out := make([]string, len(ph))
	for i, p := range ph {
		out[i] = "(" + p + ")"
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// scanUnixPtr adapts a *time.Time destination to Scan an INTEGER unix
// timestamp column without pulling in a custom sql.Scanner type.
func scanUnixPtr(t *time.Time) *unixTimeScanner {
	return &unixTimeScanner{t: t}
}

type unixTimeScanner struct {
	t *time.Time
}

func (u *unixTimeScanner) Scan(src interface{}) error {
	switch v := src.(type) {
	case int64:
		*u.t = time.Unix(v, 0)
	case []byte:
		n, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return err
		}
		*u.t = time.Unix(n, 0)
	default:
		return fmt.Errorf("catalog: cannot scan %T into time.Time", src)
	}
	return nil
}
