// Package mailbox is the unit of sync: status-based incremental
// scanning against a Catalog, GUID computation, flag refresh, and the
// append/store/delete/fetch-by-GUID operations the Copier drives.
//
// Grounded on pepperpark-gomap's internal/syncer/syncer.go syncMailbox
// (UID search via imaputil, UidFetch into a channel, per-message flag
// and INTERNALDATE handling) generalized from a single max-UID resume
// cursor into the full STATUS/UIDVALIDITY-driven scan protocol, and on
// internal/state/state.go for the shape of "the last thing we
// persisted, so a crash-resume skips past it" (replaced here by the
// SQLite catalog's stored UIDNEXT).
package mailbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-imap"

	"github.com/larchsync/larch/internal/catalog"
	"github.com/larchsync/larch/internal/larcherr"
	"github.com/larchsync/larch/internal/logx"
	"github.com/larchsync/larch/internal/session"
	"github.com/larchsync/larch/internal/wire"
)

const (
	scanBlockSize       = 1024
	flagRefreshBlock    = 16384
	scanCooldown        = 60 * time.Second
	progressLogInterval = 4 // full range must exceed this many block-sizes before percent logging kicks in
)

// Options configures a Mailbox beyond the shared session options.
type Options struct {
	// FastScan omits the Message-Id fetch during enumeration, trading
	// GUID entropy (falls back to size+internaldate for every message,
	// not just ones lacking Message-Id) for one fewer body section per
	// fetch. Defaults off; see SPEC_FULL.md's open-question decision.
	FastScan bool
}

// Message is the in-memory record exchanged between Mailboxes during a
// copy: the in-flight counterpart to a catalog.Message row.
type Message struct {
	GUID         string
	UID          uint32
	Envelope     *imap.Envelope
	Body         imap.Literal
	Flags        []string
	InternalDate time.Time
}

// Mailbox is a named, server-backed mailbox paired with its catalog row.
type Mailbox struct {
	sess *session.Session
	cat  catalog.Catalog
	log  logx.Logger
	opts Options

	row      *catalog.Mailbox
	readOnly bool
	wireName string // row.Name, or its Rackspace-rewritten INBOX.<name> form

	lastScan        time.Time
	flagRefreshDone bool // whether the old-range flag refresh has run once this process run

	permanentFlags []string // cached from the last EnsureOpen, used to drop unsupported flags before STORE/APPEND
}

// Open resolves or creates the catalog row for name under accountID,
// and returns a Mailbox bound to it. It performs no IMAP I/O; Scan
// does that lazily on first use.
func Open(sess *session.Session, cat catalog.Catalog, accountID int64, name, delim, attr string, subscribed bool, readOnly bool, opts Options, log logx.Logger) (*Mailbox, error) {
	if log == nil {
		log = logx.Nop{}
	}
	row, err := cat.UpsertMailbox(accountID, name, delim, attr, subscribed)
	if err != nil {
		return nil, fmt.Errorf("mailbox: open %s: %w", name, err)
	}
	wireName := name
	if sess != nil {
		wireName = sess.WireName(name, delim)
	}
	return &Mailbox{sess: sess, cat: cat, log: log, opts: opts, row: row, readOnly: readOnly, wireName: wireName}, nil
}

// Name returns the catalog-resolved mailbox name.
func (m *Mailbox) Name() string { return m.row.Name }

// WireName returns the name actually sent to the server: row.Name, or
// its Rackspace-rewritten INBOX.<name> form when that quirk is active.
func (m *Mailbox) WireName() string { return m.wireName }

// Row exposes the catalog row (UID state, attributes) for callers that
// need it, e.g. the Copier's subscription-mirroring step.
func (m *Mailbox) Row() *catalog.Mailbox { return m.row }

// Session exposes the underlying Session, used by the Copier's
// watchdog to forcibly unblock a stalled fetch.
func (m *Mailbox) Session() *session.Session { return m.sess }

// EnsureOpen selects (or, if createIfMissing and not dryRun, creates
// then selects) this mailbox, caching its advertised PERMANENTFLAGS for
// FilterFlags. Returns an error matching larcherr.ErrMailboxNotFound
// (via errors.Is) when the mailbox is absent and creation was not permitted.
//
// It probes via Session.Connect rather than Do: Do's envelope would
// otherwise try to restore whatever mailbox mode a previous Open left
// it in before this one even runs, and on a first-ever open there is
// nothing to restore yet — EXAMINE/SELECT of a mailbox that doesn't
// exist is exactly the ErrMailboxNotFound case the create-then-retry
// path below exists to handle.
func (m *Mailbox) EnsureOpen(createIfMissing, dryRun bool) error {
	if err := m.sess.Connect(); err != nil {
		return err
	}
	status, err := m.sess.Open(m.wireName, m.readOnly)
	if err == nil {
		m.permanentFlags = status.PermanentFlags
		return nil
	}
	if !errors.Is(err, larcherr.ErrMailboxNotFound) || !createIfMissing || dryRun {
		return err
	}
	if createErr := m.sess.Do(func(wc *wire.Client) error {
		return wc.Create(m.wireName)
	}); createErr != nil {
		return createErr
	}
	status, err = m.sess.Open(m.wireName, m.readOnly)
	if err != nil {
		return err
	}
	m.permanentFlags = status.PermanentFlags
	return nil
}

// FilterFlags drops \Recent and any flag the destination's PERMANENTFLAGS
// do not accept (an empty list, or one containing \*, accepts every flag;
// the FLAGS response is not consulted), logging what it dropped.
func (m *Mailbox) FilterFlags(flags []string) []string {
	accepted := make(map[string]bool, len(m.permanentFlags))
	wildcard := false
	for _, f := range m.permanentFlags {
		if f == "\\*" {
			wildcard = true
		}
		accepted[f] = true
	}
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		if f == imap.RecentFlag {
			continue
		}
		if wildcard || accepted[f] || len(m.permanentFlags) == 0 {
			out = append(out, f)
			continue
		}
		m.log.Log(logx.Debug, "dropping unsupported flag", logx.F("mailbox", m.row.Name), logx.F("flag", f))
	}
	return out
}

// Scan performs the incremental status-based scan spec.md §4.4
// describes: skip if run within the last 60s, otherwise STATUS, check
// UIDVALIDITY, enumerate new UIDs in blocks of ≤1024 and (once per
// process run) refresh flags for the pre-existing range in blocks of
// ≤16384, pruning catalog rows for UIDs the server no longer has.
func (m *Mailbox) Scan() error {
	if !m.lastScan.IsZero() && time.Since(m.lastScan) < scanCooldown {
		return nil
	}

	var status map[string]uint32
	err := m.sess.Do(func(wc *wire.Client) error {
		st, err := wc.Status(m.wireName, []string{"MESSAGES", "UIDNEXT", "UIDVALIDITY"})
		if err != nil {
			return err
		}
		status = st
		return nil
	})
	if err != nil {
		return fmt.Errorf("mailbox: status %s: %w", m.row.Name, err)
	}

	uidValidity := status["UIDVALIDITY"]
	uidNext := status["UIDNEXT"]

	var fullLo uint32 = 1
	var flagLo, flagHi uint32

	if m.row.UIDValidity == 0 || m.row.UIDValidity != uidValidity {
		if err := m.cat.ResetMailbox(m.row.ID); err != nil {
			return fmt.Errorf("mailbox: reset %s: %w", m.row.Name, err)
		}
		fullLo = 1
		m.row.UIDValidity = uidValidity
		m.row.UIDNext = 1
		m.flagRefreshDone = true // a fresh catalog has nothing to refresh
		if err := m.cat.SetUIDState(m.row.ID, uidValidity, 1); err != nil {
			return fmt.Errorf("mailbox: persist reset uidvalidity %s: %w", m.row.Name, err)
		}
	} else {
		fullLo = m.row.UIDNext
		if !m.flagRefreshDone {
			flagLo, flagHi = 1, m.row.UIDNext-1
		}
	}

	if uidNext > fullLo {
		if err := m.enumerate(fullLo, uidNext-1, uidValidity); err != nil {
			return err
		}
	}

	if flagHi >= flagLo && flagHi > 0 {
		if err := m.refreshFlags(flagLo, flagHi); err != nil {
			return err
		}
		m.flagRefreshDone = true
	}

	m.lastScan = time.Now()
	return nil
}

// enumerate fetches UID/Message-Id/size/internaldate/flags for
// [lo, hi] in blocks of scanBlockSize, computing and storing a GUID per
// message, and persisting the mailbox's UIDNEXT after each block.
func (m *Mailbox) enumerate(lo, hi, uidValidity uint32) error {
	total := int(hi - lo + 1)
	logged := -1

	fields := []string{"UID", "RFC822.SIZE", "INTERNALDATE", "FLAGS"}
	if !m.opts.FastScan {
		fields = append(fields, "BODY.PEEK[HEADER.FIELDS (MESSAGE-ID)]")
	}

	for blockLo := lo; blockLo <= hi; blockLo += scanBlockSize {
		blockHi := blockLo + scanBlockSize - 1
		if blockHi > hi {
			blockHi = hi
		}

		var recs []wire.FetchRecord
		err := m.sess.Do(func(wc *wire.Client) error {
			set := seqSet(blockLo, blockHi)
			r, err := wc.UidFetch(set, fields)
			if err != nil {
				if isTolerableFetchFailure(m.sess, err) {
					m.log.Log(logx.Warn, "tolerating partial fetch failure", logx.F("mailbox", m.row.Name), logx.F("err", err.Error()))
					recs = r
					return nil
				}
				return err
			}
			recs = r
			return nil
		})
		if err != nil {
			return fmt.Errorf("mailbox: enumerate %s [%d:%d]: %w", m.row.Name, blockLo, blockHi, err)
		}

		var lastUID uint32
		for _, rec := range recs {
			guid := GUID(rec.MessageID, rec.Size, rec.InternalDate.Unix())
			row := &catalog.Message{
				MailboxID:    m.row.ID,
				UID:          rec.Uid,
				GUID:         guid,
				MessageID:    rec.MessageID,
				RFC822Size:   rec.Size,
				InternalDate: rec.InternalDate.Unix(),
				Flags:        joinFlags(rec.Flags),
			}
			if err := m.cat.UpsertMessage(row); err != nil {
				return fmt.Errorf("mailbox: store %s uid=%d: %w", m.row.Name, rec.Uid, err)
			}
			if rec.Uid > lastUID {
				lastUID = rec.Uid
			}
		}
		if lastUID > 0 {
			m.row.UIDNext = lastUID + 1
			if err := m.cat.SetUIDState(m.row.ID, uidValidity, m.row.UIDNext); err != nil {
				return fmt.Errorf("mailbox: persist uidnext %s: %w", m.row.Name, err)
			}
		}

		if total > progressLogInterval*scanBlockSize {
			done := int(blockHi - lo + 1)
			pct := done * 100 / total
			if pct != logged {
				logged = pct
				m.log.Log(logx.Info, "scan progress", logx.F("mailbox", m.row.Name), logx.F("percent", pct))
			}
		}
	}

	if m.row.UIDNext < hi+1 {
		m.row.UIDNext = hi + 1
		if err := m.cat.SetUIDState(m.row.ID, uidValidity, m.row.UIDNext); err != nil {
			return fmt.Errorf("mailbox: persist final uidnext %s: %w", m.row.Name, err)
		}
	}
	return nil
}

// refreshFlags fetches UID/FLAGS for [lo, hi] in blocks of
// flagRefreshBlock, updates catalog rows whose flags changed, and
// removes rows in-range that the server no longer returned.
func (m *Mailbox) refreshFlags(lo, hi uint32) error {
	existing, err := m.cat.ListMessages(m.row.ID)
	if err != nil {
		return fmt.Errorf("mailbox: list for flag refresh %s: %w", m.row.Name, err)
	}
	flagsByUID := make(map[uint32]string, len(existing))
	for _, e := range existing {
		if e.UID >= lo && e.UID <= hi {
			flagsByUID[e.UID] = e.Flags
		}
	}

	total := int(hi - lo + 1)
	logged := -1
	var seen []uint32

	for blockLo := lo; blockLo <= hi; blockLo += flagRefreshBlock {
		blockHi := blockLo + flagRefreshBlock - 1
		if blockHi > hi {
			blockHi = hi
		}

		var recs []wire.FetchRecord
		err := m.sess.Do(func(wc *wire.Client) error {
			r, err := wc.UidFetch(seqSet(blockLo, blockHi), []string{"UID", "FLAGS"})
			if err != nil {
				return err
			}
			recs = r
			return nil
		})
		if err != nil {
			return fmt.Errorf("mailbox: flag refresh %s [%d:%d]: %w", m.row.Name, blockLo, blockHi, err)
		}

		for _, rec := range recs {
			seen = append(seen, rec.Uid)
			fresh := joinFlags(rec.Flags)
			if flagsByUID[rec.Uid] != fresh {
				if err := m.cat.UpdateFlags(m.row.ID, rec.Uid, fresh); err != nil {
					return fmt.Errorf("mailbox: update flags %s uid=%d: %w", m.row.Name, rec.Uid, err)
				}
			}
		}

		if total > progressLogInterval*flagRefreshBlock {
			done := int(blockHi - lo + 1)
			pct := done * 100 / total
			if pct != logged {
				logged = pct
				m.log.Log(logx.Info, "flag refresh progress", logx.F("mailbox", m.row.Name), logx.F("percent", pct))
			}
		}
	}

	n, err := m.cat.DeleteMessagesNotInRange(m.row.ID, lo, hi, seen)
	if err != nil {
		return fmt.Errorf("mailbox: prune expunged %s: %w", m.row.Name, err)
	}
	if n > 0 {
		m.log.Log(logx.Debug, "pruned server-expunged catalog rows", logx.F("mailbox", m.row.Name), logx.F("count", n))
	}
	return nil
}

// ByGUID looks up a catalog row by GUID, or returns (nil, nil) if absent.
func (m *Mailbox) ByGUID(guid string) (*catalog.Message, error) {
	return m.cat.MessageByGUID(m.row.ID, guid)
}

// ListAll returns every catalog row for this mailbox, the candidate
// set a copy pass iterates.
func (m *Mailbox) ListAll() ([]*catalog.Message, error) {
	return m.cat.ListMessages(m.row.ID)
}

// Fetch peeks the full RFC822 body plus envelope/flags/internaldate for
// one UID, used immediately before an APPEND to the paired mailbox.
func (m *Mailbox) Fetch(uid uint32) (*Message, error) {
	var out *Message
	err := m.sess.Do(func(wc *wire.Client) error {
		set := new(imap.SeqSet)
		set.AddNum(uid)
		recs, err := wc.UidFetch(set, []string{"UID", "FLAGS", "INTERNALDATE", "ENVELOPE", "BODY.PEEK[]"})
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return fmt.Errorf("mailbox: fetch %s uid=%d: %w", m.row.Name, uid, larcherr.ErrMessageFetchFailed)
		}
		rec := recs[0]
		out = &Message{
			UID:          rec.Uid,
			Envelope:     rec.Envelope,
			Body:         rec.Body,
			Flags:        rec.Flags,
			InternalDate: rec.InternalDate,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Append appends msg's body to this mailbox with the given flags
// (caller has already filtered unsupported/Recent flags) and the
// message's original INTERNALDATE.
func (m *Mailbox) Append(msg *Message, flags []string) error {
	return m.sess.Do(func(wc *wire.Client) error {
		return wc.Append(m.wireName, msg.Body, flags, msg.InternalDate)
	})
}

// SetFlags issues a silent FLAGS.SILENT store for one UID.
func (m *Mailbox) SetFlags(uid uint32, flags []string) error {
	return m.sess.Do(func(wc *wire.Client) error {
		set := new(imap.SeqSet)
		set.AddNum(uid)
		return wc.UidStore(set, "", flags)
	})
}

// MarkDeleted flags one UID \Deleted; Gmail accounts route through
// UID COPY to [Gmail]/Trash first (§4.6's delete quirk) since a bare
// \Deleted store there is reversible only by Gmail's own UI semantics.
func (m *Mailbox) MarkDeleted(uid uint32) error {
	return m.sess.Do(func(wc *wire.Client) error {
		set := new(imap.SeqSet)
		set.AddNum(uid)
		if m.sess.IsGmail() {
			if err := wc.UidCopy(set, "[Gmail]/Trash"); err != nil {
				return err
			}
		}
		return wc.UidStore(set, "+", []string{imap.DeletedFlag})
	})
}

// Expunge permanently removes \Deleted messages from this mailbox.
func (m *Mailbox) Expunge() ([]uint32, error) {
	var seqnums []uint32
	err := m.sess.Do(func(wc *wire.Client) error {
		s, err := wc.Expunge()
		if err != nil {
			return err
		}
		seqnums = s
		return nil
	})
	return seqnums, err
}

func seqSet(lo, hi uint32) *imap.SeqSet {
	set := new(imap.SeqSet)
	set.AddRange(lo, hi)
	return set
}

func joinFlags(flags []string) string {
	out := ""
	for i, f := range flags {
		if i > 0 {
			out += ","
		}
		out += f
	}
	return out
}

func isTolerableFetchFailure(sess *session.Session, err error) bool {
	return sess.TolerableFetchError(err)
}
