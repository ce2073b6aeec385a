// Package uri parses the imap://, imaps:// URI grammar used to name
// source and destination mailboxes, and derives the cache keys the
// connection pool uses to share sessions across mailboxes on one server.
package uri

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/larchsync/larch/internal/larcherr"
)

const (
	defaultPlainPort = 143
	defaultTLSPort   = 993
)

// ErrInvalid indicates a URI failed to parse per the imap(s):// grammar.
var ErrInvalid = larcherr.ErrInvalid

// URI is a parsed imap(s):// endpoint.
type URI struct {
	Scheme   string // "imap" or "imaps"
	User     string
	Pass     string
	Host     string
	Port     int
	TLS      bool
	Mailbox  string // decoded UTF-8 mailbox name from the path, "" if absent
	original string
}

// Parse validates and decodes an imap(s):// URI. Credentials are
// URL-decoded before use; the mailbox path, if present, is URL-decoded
// UTF-8 (go-imap's client.Client encodes to the server's modified UTF-7
// internally when the name crosses the wire; see internal/wire.Client).
func Parse(raw string) (*URI, error) {
	if raw == "" {
		return nil, fmt.Errorf("uri: %w: empty", ErrInvalid)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("uri: %w: %v", ErrInvalid, err)
	}

	var tls bool
	switch u.Scheme {
	case "imap":
		tls = false
	case "imaps":
		tls = true
	default:
		return nil, fmt.Errorf("uri: %w: unsupported scheme %q", ErrInvalid, u.Scheme)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("uri: %w: missing host", ErrInvalid)
	}
	if u.User == nil || u.User.Username() == "" {
		return nil, fmt.Errorf("uri: %w: missing credentials", ErrInvalid)
	}

	host := u.Hostname()
	portStr := u.Port()
	port := defaultPlainPort
	if tls {
		port = defaultTLSPort
	}
	if portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil || p <= 0 || p > 65535 {
			return nil, fmt.Errorf("uri: %w: bad port %q", ErrInvalid, portStr)
		}
		port = p
	}

	user := u.User.Username()
	pass, _ := u.User.Password()

	mailbox := strings.TrimPrefix(u.Path, "/")

	return &URI{
		Scheme:   u.Scheme,
		User:     user,
		Pass:     pass,
		Host:     host,
		Port:     port,
		TLS:      tls,
		Mailbox:  mailbox,
		original: raw,
	}, nil
}

// String renders the URI back out (password included) for logging only
// at debug level; callers must not log this at default verbosity.
func (u *URI) String() string {
	return u.original
}

// KeyServer returns a cache key that is identical for any two URIs that
// differ only in their mailbox path — used by the connection pool to
// bucket idle sessions per physical server regardless of which mailbox
// a caller last opened.
func KeyServer(u *URI) string {
	return fmt.Sprintf("%s://%s@%s:%d", u.Scheme, u.User, u.Host, u.Port)
}

// KeyMailbox returns a cache key that additionally distinguishes the
// mailbox path, used by the pool's leased-to-task lookup so a task that
// re-enters with a different mailbox gets a distinct lease.
func KeyMailbox(u *URI) string {
	return fmt.Sprintf("%s|%s", KeyServer(u), u.Mailbox)
}
