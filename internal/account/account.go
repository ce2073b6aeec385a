// Package account discovers mailboxes on a server and returns them as
// one complete, sorted list (nothing is yielded before the whole
// traversal finishes), normalizing mailbox-name casing.
//
// Grounded on pepperpark-gomap's internal/imaputil.ListMailboxes (the
// List-into-channel-then-collect shape, and the "ensure INBOX is
// present" fixup) generalized from a flat LIST '' '*' into the
// recursive one-level-at-a-time traversal spec.md §4.5 requires, with
// catalog pruning layered on top. Names arrive already decoded from
// modified UTF-7 by go-imap; this package does no decoding of its own.
package account

import (
	"sort"
	"strings"

	"github.com/larchsync/larch/internal/catalog"
	"github.com/larchsync/larch/internal/session"
	"github.com/larchsync/larch/internal/wire"
)

// Entry is one discovered mailbox: its delimiter-normalized,
// INBOX-canonicalized name plus the name exactly as go-imap returned
// it, its delimiter, and attributes.
type Entry struct {
	Name       string // canonicalized (go-imap already decodes modified UTF-7 to UTF-8)
	RawName    string // as returned by go-imap, pre-canonicalization
	Delim      string
	Attrs      []string
	Subscribed bool
}

// NoSelect reports whether the server tagged this mailbox \Noselect
// (a container only, not itself selectable).
func (e Entry) NoSelect() bool {
	for _, a := range e.Attrs {
		if strings.EqualFold(a, `\Noselect`) {
			return true
		}
	}
	return false
}

// CanDescend reports whether the server allows listing children of
// this mailbox (absence of \Noinferiors and \Hasnochildren).
func (e Entry) CanDescend() bool {
	for _, a := range e.Attrs {
		if strings.EqualFold(a, `\Noinferiors`) || strings.EqualFold(a, `\Hasnochildren`) {
			return false
		}
	}
	return true
}

// Account discovers and caches the mailbox list for one authenticated
// Session, and prunes the catalog of mailboxes the server no longer lists.
type Account struct {
	sess *session.Session
	cat  catalog.Catalog
	row  *catalog.Account
}

// Open resolves or creates the catalog Account row for the session's
// endpoint (keyed by hostname, username) and returns an Account bound
// to it.
func Open(sess *session.Session, cat catalog.Catalog) (*Account, error) {
	u := sess.URI()
	row, err := cat.UpsertAccount(u.Host, u.User)
	if err != nil {
		return nil, err
	}
	return &Account{sess: sess, cat: cat, row: row}, nil
}

// ID is the catalog account id, used by Mailbox.Open.
func (a *Account) ID() int64 { return a.row.ID }

// List discovers every mailbox the server exposes, recursing one
// hierarchy level at a time (LIST ref '%') and skipping into a child
// only when the parent lacks \Noinferiors and \Hasnochildren. The
// subscribed set comes from one flat LSUB ('', '*') and is merged in
// by name. Mailboxes no longer present are pruned from the catalog.
// Results are sorted case-insensitively with INBOX first.
func (a *Account) List() ([]Entry, error) {
	var subscribed map[string]bool
	err := a.sess.Do(func(wc *wire.Client) error {
		subs, err := wc.Lsub("", "*")
		if err != nil {
			return err
		}
		subscribed = make(map[string]bool, len(subs))
		for _, s := range subs {
			subscribed[canonicalize(s.Name)] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var entries []Entry
	seen := map[string]bool{}
	var walk func(prefix string) error
	walk = func(prefix string) error {
		var infos []wire.MailboxInfo
		err := a.sess.Do(func(wc *wire.Client) error {
			pattern := prefix + "%"
			if prefix == "" {
				pattern = "%"
			}
			r, err := wc.List("", pattern)
			if err != nil {
				return err
			}
			infos = r
			return nil
		})
		if err != nil {
			return err
		}
		for _, info := range infos {
			cname := canonicalize(info.Name)
			if seen[cname] {
				continue
			}
			seen[cname] = true

			e := Entry{
				Name:       cname,
				RawName:    info.Name,
				Delim:      info.Delimiter,
				Attrs:      info.Attributes,
				Subscribed: subscribed[cname],
			}
			// Noselect containers are yielded too; callers (the Copier)
			// decide whether to skip them rather than losing the traversal
			// path into their children.
			entries = append(entries, e)
			if e.CanDescend() && e.Delim != "" {
				if err := walk(info.Name + e.Delim); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(""); err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return lessName(entries[i].Name, entries[j].Name)
	})

	if err := a.pruneVanished(entries); err != nil {
		return nil, err
	}

	return entries, nil
}

// pruneVanished removes catalog mailboxes absent from the freshly
// discovered entries.
func (a *Account) pruneVanished(entries []Entry) error {
	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		present[e.Name] = true
	}
	rows, err := a.cat.ListMailboxes(a.row.ID)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if !present[row.Name] {
			if err := a.cat.DeleteMailbox(row.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// canonicalize upper-cases a bare "inbox" spelling to "INBOX" and
// leaves every other name as decoded.
func canonicalize(name string) string {
	if strings.EqualFold(name, "INBOX") {
		return "INBOX"
	}
	return name
}

// lessName orders INBOX first, then case-insensitive lexical.
func lessName(a, b string) bool {
	aInbox := strings.EqualFold(a, "INBOX")
	bInbox := strings.EqualFold(b, "INBOX")
	if aInbox != bInbox {
		return aInbox
	}
	return strings.ToLower(a) < strings.ToLower(b)
}
