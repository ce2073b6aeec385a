// Package session wraps one IMAP wire.Client with a URI, credentials, a
// TLS configuration, detected server quirks, reconnect-with-backoff, and
// the at-most-one-open-mailbox state machine spec.md §4.2–§4.3 describe.
//
// Grounded on pepperpark-gomap's internal/imaputil.DialAndLogin, reduced
// in ensureConnected to implicit TLS for imaps:// and plain TCP for
// imap:// (STARTTLS is never issued); the safely envelope and mailbox state machine have
// no teacher analogue (the teacher opens exactly one long-lived
// *client.Client per run) and are written fresh from spec.md §4.2–§4.3
// in the teacher's error-wrapping idiom.
package session

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/larchsync/larch/internal/larcherr"
	"github.com/larchsync/larch/internal/logx"
	"github.com/larchsync/larch/internal/uri"
	"github.com/larchsync/larch/internal/wire"
)

// Options carries the option bag spec.md §4.2 names on a Session.
type Options struct {
	TLSVerify     bool
	CABundle      string
	MaxRetries    int
	DryRun        bool
	CreateMailbox bool
}

// DefaultOptions matches spec.md §7's default max_retries and a verifying TLS stance.
func DefaultOptions() Options {
	return Options{TLSVerify: true, MaxRetries: 3}
}

// Session is an authenticated, possibly-mailbox-selecting IMAP connection wrapper.
type Session struct {
	u    *uri.URI
	opts Options
	log  logx.Logger

	// doMu serializes Do against a single underlying socket: IMAP is
	// strictly one-command-in-flight-at-a-time per connection (spec.md
	// §5), and a Session is shared by a producer and a consumer goroutine
	// whenever the pool hands the same lease to both halves of a copy.
	doMu sync.Mutex

	wc            *wire.Client
	authenticated bool
	q             quirks
	mbox          mboxState

	// wantMailbox/wantReadOnly record the mode the last successful Open
	// call asked for. Do's envelope uses them (not mbox, which a
	// reconnect resets to Closed) to reopen in the same mode rather than
	// defaulting to EXAMINE, and EnsureOpen's probe-before-create leaves
	// them blank so a not-yet-created mailbox doesn't get auto-opened
	// out from under a pending CREATE.
	wantMailbox  string
	wantReadOnly bool
}

// New constructs a Session; no I/O happens until the first operation.
func New(u *uri.URI, opts Options, log logx.Logger) *Session {
	if log == nil {
		log = logx.Nop{}
	}
	return &Session{u: u, opts: opts, log: log, mbox: closedState()}
}

// URI returns the session's endpoint.
func (s *Session) URI() *uri.URI { return s.u }

func (s *Session) IsGmail() bool     { return s.q.gmail }
func (s *Session) IsYahoo() bool     { return s.q.yahoo }
func (s *Session) IsRackspace() bool { return s.q.rackspace }

// TolerableFetchError reports whether err matches the Gmail UID FETCH
// quirk (§4.6) that should be logged and treated as a partial success
// rather than a hard failure.
func (s *Session) TolerableFetchError(err error) bool {
	if err == nil {
		return false
	}
	return isTolerableGmailFetchError(s.q.gmail, err.Error())
}

// RackspaceName rewrites name per the Rackspace quirk, or returns it
// unchanged if the quirk is not active.
func (s *Session) RackspaceName(name, delim string) (string, bool) {
	if !s.q.rackspace {
		return name, false
	}
	rewritten := rackspaceRewrite(name, delim)
	warn := rewritten != name && !strings.HasPrefix(strings.ToUpper(rewritten), "INBOX")
	return rewritten, warn
}

// WireName applies RackspaceName and logs the §9 warning when a
// rewritten name still lands outside INBOX, returning the name callers
// should actually put on the wire for SELECT/EXAMINE/CREATE/APPEND/
// SUBSCRIBE.
func (s *Session) WireName(name, delim string) string {
	rewritten, warn := s.RackspaceName(name, delim)
	if warn {
		s.log.Log(logx.Warn, "rackspace quirk: rewritten name still outside INBOX", logx.F("name", name), logx.F("rewritten", rewritten))
	}
	return rewritten
}

// Connect lazily establishes and authenticates the underlying
// connection, without opening any mailbox. EnsureOpen uses this instead
// of Do for its existence probe, since it doesn't yet know whether the
// mailbox is there to EXAMINE/SELECT or needs CREATE first.
func (s *Session) Connect() error {
	s.doMu.Lock()
	defer s.doMu.Unlock()
	return s.ensureConnected()
}

// Do runs fn against the session's wire client inside the safely
// envelope spec.md §4.2 describes: lazily connect+authenticate, restore
// whatever mailbox the last Open call asked for (in the same EXAMINE or
// SELECT mode, not hardcoded to one or the other) if a reconnect closed
// it, run fn, and on failure either retry (with linear backoff,
// reconnecting for network errors) or surface the error. TLS
// verification failures are exempt from retry.
func (s *Session) Do(fn func(*wire.Client) error) error {
	s.doMu.Lock()
	defer s.doMu.Unlock()
	attempt := 0
	for {
		if err := s.ensureConnected(); err != nil {
			return err
		}
		if s.wantMailbox != "" && !s.mbox.isSame(s.wantMailbox, s.wantReadOnly) {
			if _, err := s.Open(s.wantMailbox, s.wantReadOnly); err != nil {
				return err
			}
		}
		err := fn(s.wc)
		if err == nil {
			return nil
		}
		mode := larcherr.Classify(err)
		switch mode {
		case larcherr.ReconnectRetry:
			attempt++
			if attempt > s.opts.MaxRetries {
				return err
			}
			s.log.Log(logx.Warn, "reconnecting after network error", logx.F("attempt", attempt), logx.F("err", err.Error()))
			s.disconnect()
			time.Sleep(time.Duration(attempt) * time.Second)
			continue
		case larcherr.InPlaceRetry:
			attempt++
			if attempt > s.opts.MaxRetries {
				return err
			}
			s.log.Log(logx.Warn, "retrying after transient server error", logx.F("attempt", attempt), logx.F("err", err.Error()))
			time.Sleep(time.Duration(attempt) * time.Second)
			continue
		default:
			return err
		}
	}
}

func (s *Session) ensureConnected() error {
	if s.authenticated {
		return nil
	}
	tlsConfig, err := s.tlsConfig()
	if err != nil {
		return err
	}
	wc, err := wire.Connect(s.u.Host, s.u.Port, s.u.TLS, tlsConfig, s.log)
	if err != nil {
		return err
	}
	s.wc = wc
	s.q = detectQuirks(s.u.Host)

	if s.q.yahoo {
		s.log.Log(logx.Debug, "yahoo quirk active, sending ID before auth")
		if err := s.wc.ID(map[string]string{"guid": "1"}); err != nil {
			return err
		}
	}

	if _, err := s.wc.Capability(); err != nil {
		return err
	}
	if err := s.wc.Authenticate(s.u.User, s.u.Pass); err != nil {
		return err
	}
	s.authenticated = true
	s.mbox = closedState()
	return nil
}

func (s *Session) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: !s.opts.TLSVerify}
	if s.opts.CABundle == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(s.opts.CABundle)
	if err != nil {
		return nil, fmt.Errorf("session: read ca bundle: %w: %v", larcherr.ErrConfig, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("session: parse ca bundle: %w", larcherr.ErrConfig)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

func (s *Session) disconnect() {
	if s.wc != nil {
		_ = s.wc.Terminate()
	}
	s.wc = nil
	s.authenticated = false
	s.mbox = closedState()
}

// Open transitions the mailbox state machine to Examined(name) or
// Selected(name), always passing through Closed first so that FLAGS /
// PERMANENTFLAGS are guaranteed fresh (spec.md §4.3). Noselect-attributed
// mailboxes are the caller's concern (the Copier skips them).
func (s *Session) Open(name string, readOnly bool) (*wire.MailboxStatus, error) {
	if s.wc == nil {
		return nil, fmt.Errorf("session: open %s: %w", name, larcherr.ErrNotConnected)
	}
	if s.mbox.isSame(name, readOnly) {
		// Re-select anyway: spec.md §4.3 requires passing through Closed on
		// every transition so FLAGS/PERMANENTFLAGS are fresh, even for a
		// same-mailbox reopen.
	}
	if s.mbox.isOpen() {
		if err := s.closeCurrent(); err != nil {
			return nil, err
		}
	}
	var st *wire.MailboxStatus
	var err error
	if readOnly {
		st, err = s.wc.Examine(name)
	} else {
		st, err = s.wc.Select(name)
	}
	if err != nil {
		s.mbox = closedState()
		return nil, err
	}
	if readOnly {
		s.mbox = mboxState{kind: mboxExamined, name: name}
	} else {
		s.mbox = mboxState{kind: mboxSelected, name: name}
	}
	s.wantMailbox, s.wantReadOnly = name, readOnly
	return st, nil
}

// closeCurrent issues CLOSE (Selected; silently expunges \Deleted) or
// UNSELECT/emulated-UNSELECT (Examined; does not expunge).
func (s *Session) closeCurrent() error {
	switch s.mbox.kind {
	case mboxSelected:
		if err := s.wc.Close(); err != nil {
			return err
		}
	case mboxExamined:
		if err := s.unselect(); err != nil {
			return err
		}
	}
	s.mbox = closedState()
	return nil
}

func (s *Session) unselect() error {
	caps, err := s.wc.Capability()
	if err == nil && caps["UNSELECT"] {
		return s.wc.Unselect()
	}
	// Emulate: EXAMINE then CLOSE, since CLOSE on an Examined mailbox
	// does not expunge.
	if _, err := s.wc.Examine(s.mbox.name); err != nil {
		return err
	}
	return s.wc.Close()
}

// CurrentMailbox reports the name of the mailbox currently open, or ""
// if Closed.
func (s *Session) CurrentMailbox() string {
	if !s.mbox.isOpen() {
		return ""
	}
	return s.mbox.name
}

// MarkClosed invalidates the session's notion of an open mailbox without
// issuing a CLOSE, used after an external invalidation (e.g. the pool's
// reaper reclaiming a dead task's lease). Subsequent Open calls
// behave as if starting from Closed.
func (s *Session) MarkClosed() {
	s.mbox = closedState()
	s.wantMailbox = ""
}

// Idle deselects any open mailbox and clears per-call state so the
// connection pool can safely push the session back onto its idle list.
// Errors are logged and swallowed: a failed UNSELECT here just means the
// next Open() will find the mailbox state already Closed-by-force and
// re-open from scratch.
func (s *Session) Idle() {
	defer func() { s.wantMailbox = "" }()
	if s.wc == nil || !s.mbox.isOpen() {
		return
	}
	if err := s.closeCurrent(); err != nil {
		s.log.Log(logx.Warn, "idle: failed to close mailbox before returning to pool", logx.F("err", err.Error()))
		s.mbox = closedState()
	}
}

// Logout cleanly closes the session.
func (s *Session) Logout() error {
	if s.wc == nil {
		return nil
	}
	err := s.wc.Logout()
	s.wc = nil
	s.authenticated = false
	s.mbox = closedState()
	return err
}

// Terminate forcibly drops the connection, used by watchdogs to unblock
// a stuck read/write so the retry envelope can reconnect.
func (s *Session) Terminate() {
	s.disconnect()
}

// Wire exposes the underlying client for operations the Session does not
// itself wrap (used by mailbox/account inside a Do callback).
func (s *Session) Wire() *wire.Client { return s.wc }
