// Package wire is the one-shot-per-call IMAP4rev1 client described in
// spec.md §4.1: connect, STARTTLS, LOGIN/AUTHENTICATE, LIST/LSUB,
// EXAMINE/SELECT/UNSELECT, STATUS, FETCH/UID FETCH, APPEND, STORE, UID
// COPY, EXPUNGE, CAPABILITY, NOOP, over a single authenticated socket.
//
// Built on github.com/emersion/go-imap and its client subpackage, the
// teacher's own transport dependency (pepperpark-gomap's
// internal/imaputil wraps the same client.Client for Dial/Login/List/
// Select/Search; this package generalizes that wrapper into the full
// operation set spec.md §4.1 names). client.Client already encodes and
// decodes modified UTF-7 mailbox names on the wire; utf7.go documents
// that codec standalone for §8's invariant without duplicating it here.
package wire

import (
	"crypto/tls"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"

	"github.com/larchsync/larch/internal/larcherr"
	"github.com/larchsync/larch/internal/logx"
)

// MailboxInfo is one entry returned by List/Lsub. go-imap's client.Client
// decodes the server's modified UTF-7 to UTF-8 internally, so Name is
// already plain UTF-8 by the time it reaches callers.
type MailboxInfo struct {
	Name       string
	Delimiter  string
	Attributes []string
}

// MailboxStatus is the result of Examine/Select/Status.
type MailboxStatus struct {
	Flags          []string
	PermanentFlags []string
	Exists         uint32
	UidNext        uint32
	UidValidity    uint32
}

// FetchRecord is one row returned by UidFetch.
type FetchRecord struct {
	Uid          uint32
	MessageID    string // raw Message-Id header value, "" if absent
	Size         uint32
	InternalDate time.Time
	Flags        []string
	Envelope     *imap.Envelope
	Body         imap.Literal // set only when BODY.PEEK[] was requested (the HEADER.FIELDS fetch fills MessageID instead)
}

// Client is a single authenticated IMAP connection.
type Client struct {
	ic   *client.Client
	log  logx.Logger
	caps map[string]bool
}

// Connect establishes a socket, performing a TLS handshake up front when
// useTLS is set (implicit TLS, port 993 by convention); STARTTLS is
// applied separately via StartTLS for the plain-then-upgrade path.
func Connect(host string, port int, useTLS bool, tlsConfig *tls.Config, log logx.Logger) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	var ic *client.Client
	var err error
	if useTLS {
		ic, err = client.DialTLS(addr, tlsConfig)
	} else {
		ic, err = client.Dial(addr)
	}
	if err != nil {
		if isCertError(err) {
			return nil, fmt.Errorf("wire: connect %s: %w: %v", addr, larcherr.ErrTLSVerify, err)
		}
		return nil, fmt.Errorf("wire: connect %s: %w: %v", addr, larcherr.ErrNetwork, err)
	}
	c := &Client{ic: ic, log: log}
	if log != nil {
		ic.SetDebug(&traceWriter{log: log})
	}
	return c, nil
}

// StartTLS upgrades a plain connection in place.
func (c *Client) StartTLS(tlsConfig *tls.Config) error {
	if err := c.ic.StartTLS(tlsConfig); err != nil {
		if isCertError(err) {
			return fmt.Errorf("wire: starttls: %w: %v", larcherr.ErrTLSVerify, err)
		}
		return fmt.Errorf("wire: starttls: %w: %v", larcherr.ErrNetwork, err)
	}
	return nil
}

func isCertError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "certificate") || strings.Contains(msg, "x509")
}

// idCommand issues the RFC 2971 ID command. go-imap does not build this
// in; it is sent through the same imap.Commander/Execute extension point
// used by the library's own optional commands (IDLE, MOVE, COMPRESS).
type idCommand struct {
	params map[string]string
}

func (cmd *idCommand) Command() *imap.Command {
	var args []interface{}
	if len(cmd.params) == 0 {
		args = []interface{}{nil}
	} else {
		keys := make([]string, 0, len(cmd.params))
		for k := range cmd.params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := make([]interface{}, 0, len(keys)*2)
		for _, k := range keys {
			fields = append(fields, k, cmd.params[k])
		}
		args = []interface{}{fields}
	}
	return &imap.Command{
		Name:      "ID",
		Arguments: args,
	}
}

// ID sends RFC 2971 ID with the given key/value pairs (or NIL when params
// is empty), used by the yahoo quirk before authenticating (spec.md §4.2).
func (c *Client) ID(params map[string]string) error {
	cmd := &idCommand{params: params}
	status, err := c.ic.Execute(cmd, nil)
	if err != nil {
		return fmt.Errorf("wire: id: %w: %v", larcherr.ErrServerTransient, err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("wire: id: %w: %v", larcherr.ErrServerTransient, err)
	}
	return nil
}

// Capability returns the advertised capability set.
func (c *Client) Capability() (map[string]bool, error) {
	caps, err := c.ic.Capability()
	if err != nil {
		return nil, fmt.Errorf("wire: capability: %w: %v", larcherr.ErrNetwork, err)
	}
	c.caps = caps
	return caps, nil
}

// Login authenticates with USER/PASS via the LOGIN command.
func (c *Client) Login(user, pass string) error {
	if err := c.ic.Login(user, pass); err != nil {
		return fmt.Errorf("wire: login: %w: %v", larcherr.ErrAuth, err)
	}
	return nil
}

// Authenticate tries PLAIN, LOGIN, then CRAM-MD5 against the server's
// advertised AUTH= methods, dropping PLAIN/LOGIN when LOGINDISABLED is
// advertised. The returned error, on total failure, names every method
// attempted.
func (c *Client) Authenticate(user, pass string) error {
	if c.caps == nil {
		if _, err := c.Capability(); err != nil {
			return err
		}
	}
	loginDisabled := c.caps["LOGINDISABLED"]
	candidates := []struct {
		name string
		mech sasl.Client
	}{
		{"PLAIN", sasl.NewPlainClient("", user, pass)},
		{"LOGIN", sasl.NewLoginClient(user, pass)},
		{"CRAM-MD5", sasl.NewCramMD5Client(user, pass)},
	}

	var tried []string
	var lastErr error
	for _, cand := range candidates {
		if (cand.name == "PLAIN" || cand.name == "LOGIN") && loginDisabled {
			continue
		}
		if !c.caps["AUTH="+cand.name] {
			continue
		}
		tried = append(tried, cand.name)
		if err := c.ic.Authenticate(cand.mech); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	if len(tried) == 0 && !loginDisabled {
		// Server advertised no AUTH= methods at all; fall back to LOGIN.
		tried = append(tried, "LOGIN")
		if err := c.Login(user, pass); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return fmt.Errorf("wire: authenticate (tried %s): %w: %v", strings.Join(tried, ", "), larcherr.ErrAuth, lastErr)
}

// List returns mailbox names matching ref/pattern, already decoded from
// modified UTF-7 to UTF-8 by go-imap.
func (c *Client) List(ref, pattern string) ([]MailboxInfo, error) {
	return c.listOrLsub(ref, pattern, c.ic.List)
}

// Lsub returns the subscribed subset.
func (c *Client) Lsub(ref, pattern string) ([]MailboxInfo, error) {
	return c.listOrLsub(ref, pattern, c.ic.Lsub)
}

func (c *Client) listOrLsub(ref, pattern string, fn func(string, string, chan *imap.MailboxInfo) error) ([]MailboxInfo, error) {
	ch := make(chan *imap.MailboxInfo, 32)
	done := make(chan error, 1)
	go func() { done <- fn(ref, pattern, ch) }()

	var out []MailboxInfo
	for m := range ch {
		if m == nil {
			continue
		}
		out = append(out, MailboxInfo{Name: m.Name, Delimiter: m.Delimiter, Attributes: m.Attributes})
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("wire: list: %w: %v", larcherr.ErrServerTransient, err)
	}
	return out, nil
}

// Examine opens a mailbox read-only.
func (c *Client) Examine(name string) (*MailboxStatus, error) {
	return c.open(name, true)
}

// Select opens a mailbox read-write.
func (c *Client) Select(name string) (*MailboxStatus, error) {
	return c.open(name, false)
}

func (c *Client) open(name string, readOnly bool) (*MailboxStatus, error) {
	st, err := c.ic.Select(name, readOnly)
	if err != nil {
		if isNoMailboxError(err) {
			return nil, fmt.Errorf("wire: open %s: %w: %v", name, larcherr.ErrMailboxNotFound, err)
		}
		return nil, fmt.Errorf("wire: open %s: %w: %v", name, larcherr.ErrServerTransient, err)
	}
	return toStatus(st), nil
}

func isNoMailboxError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such mailbox") ||
		strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "mailbox doesn't exist")
}

func toStatus(st *imap.MailboxStatus) *MailboxStatus {
	if st == nil {
		return &MailboxStatus{}
	}
	return &MailboxStatus{
		Flags:          st.Flags,
		PermanentFlags: st.PermanentFlags,
		Exists:         st.Messages,
		UidNext:        st.UidNext,
		UidValidity:    st.UidValidity,
	}
}

// Create issues CREATE for a mailbox that copy_all's destination
// resolution found absent and is permitted to make.
func (c *Client) Create(name string) error {
	if err := c.ic.Create(name); err != nil {
		return fmt.Errorf("wire: create %s: %w: %v", name, larcherr.ErrServerTransient, err)
	}
	return nil
}

// Subscribe/Unsubscribe mirror the source's subscription bit onto a
// destination mailbox (§4.6).
func (c *Client) Subscribe(name string) error {
	if err := c.ic.Subscribe(name); err != nil {
		return fmt.Errorf("wire: subscribe %s: %w: %v", name, larcherr.ErrServerTransient, err)
	}
	return nil
}

func (c *Client) Unsubscribe(name string) error {
	if err := c.ic.Unsubscribe(name); err != nil {
		return fmt.Errorf("wire: unsubscribe %s: %w: %v", name, larcherr.ErrServerTransient, err)
	}
	return nil
}

// Status runs STATUS for the given attribute names (MESSAGES, RECENT,
// UIDNEXT, UIDVALIDITY, UNSEEN).
func (c *Client) Status(name string, attrs []string) (map[string]uint32, error) {
	items := make([]imap.StatusItem, 0, len(attrs))
	for _, a := range attrs {
		items = append(items, imap.StatusItem(strings.ToUpper(a)))
	}
	st, err := c.ic.Status(name, items)
	if err != nil {
		if isNoMailboxError(err) {
			return nil, fmt.Errorf("wire: status %s: %w: %v", name, larcherr.ErrMailboxNotFound, err)
		}
		return nil, fmt.Errorf("wire: status %s: %w: %v", name, larcherr.ErrServerTransient, err)
	}
	out := map[string]uint32{
		"MESSAGES":    st.Messages,
		"RECENT":      st.Recent,
		"UIDNEXT":     st.UidNext,
		"UIDVALIDITY": st.UidValidity,
		"UNSEEN":      st.Unseen,
	}
	return out, nil
}

// UidFetch fetches the given UID set; fields are a subset of
// {"UID","FLAGS","RFC822.SIZE","INTERNALDATE","ENVELOPE","BODY.PEEK[HEADER.FIELDS (MESSAGE-ID)]","BODY.PEEK[]"}.
func (c *Client) UidFetch(set *imap.SeqSet, fields []string) ([]FetchRecord, error) {
	items, peekHeader, peekFull := toFetchItems(fields)
	ch := make(chan *imap.Message, 64)
	done := make(chan error, 1)
	go func() { done <- c.ic.UidFetch(set, items, ch) }()

	var out []FetchRecord
	for msg := range ch {
		if msg == nil {
			continue
		}
		rec := FetchRecord{
			Uid:          msg.Uid,
			Size:         msg.Size,
			InternalDate: msg.InternalDate,
			Flags:        msg.Flags,
			Envelope:     msg.Envelope,
		}
		if peekHeader != nil {
			if lit := msg.GetBody(peekHeader); lit != nil {
				rec.MessageID = extractMessageID(lit)
			}
		}
		if peekFull != nil {
			rec.Body = msg.GetBody(peekFull)
		}
		out = append(out, rec)
	}
	if err := <-done; err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "could not be fetched") {
			return out, fmt.Errorf("wire: uid fetch: %w: %v", larcherr.ErrServerTransient, err)
		}
		return out, fmt.Errorf("wire: uid fetch: %w: %v", larcherr.ErrServerTransient, err)
	}
	return out, nil
}

func toFetchItems(fields []string) (items []imap.FetchItem, peekHeader, peekFull *imap.BodySectionName) {
	for _, f := range fields {
		switch strings.ToUpper(f) {
		case "UID":
			items = append(items, imap.FetchUid)
		case "FLAGS":
			items = append(items, imap.FetchFlags)
		case "RFC822.SIZE":
			items = append(items, imap.FetchRFC822Size)
		case "INTERNALDATE":
			items = append(items, imap.FetchInternalDate)
		case "ENVELOPE":
			items = append(items, imap.FetchEnvelope)
		case "BODY.PEEK[HEADER.FIELDS (MESSAGE-ID)]":
			peekHeader = &imap.BodySectionName{
				BodyPartName: imap.BodyPartName{
					Specifier: imap.HeaderSpecifier,
					Fields:    []string{"Message-Id"},
				},
				Peek: true,
			}
			items = append(items, peekHeader.FetchItem())
		case "BODY.PEEK[]":
			peekFull = &imap.BodySectionName{Peek: true}
			items = append(items, peekFull.FetchItem())
		}
	}
	return
}

func extractMessageID(lit imap.Literal) string {
	buf := make([]byte, lit.Len())
	if _, err := io.ReadFull(lit, buf); err != nil {
		return ""
	}
	header := string(buf)
	idx := strings.Index(strings.ToLower(header), "message-id:")
	if idx < 0 {
		return ""
	}
	rest := header[idx+len("message-id:"):]
	if nl := strings.IndexAny(rest, "\r\n"); nl >= 0 {
		rest = rest[:nl]
	}
	return strings.TrimSpace(rest)
}

// Append appends one message, filtering \Recent from flags first.
func (c *Client) Append(name string, body imap.Literal, flags []string, internalDate time.Time) error {
	filtered := make([]string, 0, len(flags))
	for _, f := range flags {
		if f != imap.RecentFlag {
			filtered = append(filtered, f)
		}
	}
	if err := c.ic.Append(name, filtered, internalDate, body); err != nil {
		if isNoMailboxError(err) {
			return fmt.Errorf("wire: append %s: %w: %v", name, larcherr.ErrMailboxNotFound, err)
		}
		return fmt.Errorf("wire: append %s: %w: %v", name, larcherr.ErrServerTransient, err)
	}
	return nil
}

// UidStore runs FLAGS.SILENT (sign == "") or +FLAGS/-FLAGS.SILENT (sign == "+"/"-").
func (c *Client) UidStore(set *imap.SeqSet, sign string, flags []string) error {
	item := imap.FormatFlagsOp(imap.SetFlags, true)
	switch sign {
	case "+":
		item = imap.FormatFlagsOp(imap.AddFlags, true)
	case "-":
		item = imap.FormatFlagsOp(imap.RemoveFlags, true)
	}
	flagsArg := make([]interface{}, len(flags))
	for i, f := range flags {
		flagsArg[i] = f
	}
	if err := c.ic.UidStore(set, item, flagsArg, nil); err != nil {
		return fmt.Errorf("wire: uid store: %w: %v", larcherr.ErrServerTransient, err)
	}
	return nil
}

// UidCopy copies a UID set to another mailbox (used by the Gmail delete quirk).
func (c *Client) UidCopy(set *imap.SeqSet, destName string) error {
	if err := c.ic.UidCopy(set, destName); err != nil {
		return fmt.Errorf("wire: uid copy: %w: %v", larcherr.ErrServerTransient, err)
	}
	return nil
}

// Expunge permanently removes \Deleted messages from the selected mailbox.
func (c *Client) Expunge() ([]uint32, error) {
	ch := make(chan uint32, 64)
	done := make(chan error, 1)
	go func() { done <- c.ic.Expunge(ch) }()
	var seqnums []uint32
	for n := range ch {
		seqnums = append(seqnums, n)
	}
	if err := <-done; err != nil {
		return seqnums, fmt.Errorf("wire: expunge: %w: %v", larcherr.ErrServerTransient, err)
	}
	sort.Slice(seqnums, func(i, j int) bool { return seqnums[i] < seqnums[j] })
	return seqnums, nil
}

// Close closes the selected mailbox; in Selected state this implicitly
// expunges \Deleted messages per RFC 3501.
func (c *Client) Close() error {
	if err := c.ic.Close(); err != nil {
		return fmt.Errorf("wire: close: %w: %v", larcherr.ErrServerTransient, err)
	}
	return nil
}

// Unselect deselects the current mailbox without expunging (RFC 3691);
// callers must have confirmed the UNSELECT capability first.
func (c *Client) Unselect() error {
	if _, err := c.ic.Execute(&unselectCmd{}, nil); err != nil {
		return fmt.Errorf("wire: unselect: %w: %v", larcherr.ErrServerTransient, err)
	}
	return nil
}

type unselectCmd struct{}

func (cmd *unselectCmd) Command() *imap.Command {
	return &imap.Command{Name: "UNSELECT"}
}

// Noop sends a heartbeat NOOP.
func (c *Client) Noop() error {
	if err := c.ic.Noop(); err != nil {
		return fmt.Errorf("wire: noop: %w: %v", larcherr.ErrNetwork, err)
	}
	return nil
}

// Logout sends LOGOUT and closes the socket.
func (c *Client) Logout() error {
	return c.ic.Logout()
}

// Terminate forcibly drops the socket without a clean LOGOUT, used when a
// watchdog needs to unblock a stuck read/write.
func (c *Client) Terminate() error {
	return c.ic.Terminate()
}

type traceWriter struct {
	log logx.Logger
}

func (w *traceWriter) Write(p []byte) (int, error) {
	w.log.Log(logx.Imap, strings.TrimRight(string(p), "\r\n"))
	return len(p), nil
}
