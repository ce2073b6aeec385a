// Package larcherr defines the closed set of error kinds shared across
// the session, pool, mailbox, and copier packages, and the retry
// classification that the session's safely envelope and the copier's
// per-message error handling dispatch on.
package larcherr

import "errors"

// Sentinel error kinds. Wrap with fmt.Errorf("...: %w", Kind) so callers
// can dispatch with errors.Is.
var (
	// ErrInvalidURI: missing scheme, host, or credentials. Configuration-time, fatal.
	ErrInvalidURI = errors.New("invalid uri")
	// ErrConfig: bad verbosity, incompatible flags. Fatal.
	ErrConfig = errors.New("config error")
	// ErrNetwork: socket, I/O, reset, pipe, timeout. Retryable via safely.
	ErrNetwork = errors.New("network error")
	// ErrTLSVerify: certificate chain failure. Never retried. Fatal.
	ErrTLSVerify = errors.New("tls verification failed")
	// ErrAuth: all advertised methods refused. Fatal.
	ErrAuth = errors.New("authentication failed")
	// ErrNotConnected: programmer error. Fatal.
	ErrNotConnected = errors.New("not connected")
	// ErrNotAuthenticated: programmer error. Fatal.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrMailboxNotFound: missing at resolution time.
	ErrMailboxNotFound = errors.New("mailbox not found")
	// ErrMailboxClosed: operation on a stale handle. Fatal for that operation.
	ErrMailboxClosed = errors.New("mailbox closed")
	// ErrServerTransient: BAD, NO, parse errors. Retryable up to max_retries without reconnect.
	ErrServerTransient = errors.New("server transient error")
	// ErrMessageFetchFailed: single-message IMAP error during copy.
	ErrMessageFetchFailed = errors.New("message fetch failed")
	// ErrPoolTimeout: no session available within pool_timeout.
	ErrPoolTimeout = errors.New("pool timeout")
)

// Alias kept for package consumers that parse URIs before a session
// exists (internal/uri imports this name via ErrInvalid).
var ErrInvalid = ErrInvalidURI

// RetryMode describes how the session's safely envelope should react to
// a classified error.
type RetryMode int

const (
	// NoRetry means the error is fatal for the current operation.
	NoRetry RetryMode = iota
	// ReconnectRetry drops the session, sleeps, reconnects, and retries.
	ReconnectRetry
	// InPlaceRetry sleeps and retries on the same session.
	InPlaceRetry
)

// Classify maps an error produced anywhere in the wire/session stack to
// a retry mode. TLS verification errors and auth failures are never
// retried regardless of wrapping.
func Classify(err error) RetryMode {
	switch {
	case errors.Is(err, ErrTLSVerify), errors.Is(err, ErrAuth),
		errors.Is(err, ErrInvalidURI), errors.Is(err, ErrConfig),
		errors.Is(err, ErrNotConnected), errors.Is(err, ErrNotAuthenticated),
		errors.Is(err, ErrMailboxClosed):
		return NoRetry
	case errors.Is(err, ErrNetwork):
		return ReconnectRetry
	case errors.Is(err, ErrServerTransient):
		return InPlaceRetry
	default:
		return NoRetry
	}
}
