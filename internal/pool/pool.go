// Package pool implements the per-server bounded Session pool spec.md
// §4.7 describes: re-entrant hold/release keyed by task, idle sessions
// shared across any mailbox on the same server, and a reaper that prunes
// leases whose owning task is no longer alive.
//
// No corpus example pools IMAP sessions — the teacher opens exactly two
// long-lived *client.Client for the run's lifetime. This package is new
// code grounded on spec.md §4.7 directly, using the same
// mutex-guarded-map-plus-channel-polling concurrency idiom the teacher
// uses for its bounded worker semaphore in internal/syncer/syncer.go's
// SyncAll.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/larchsync/larch/internal/larcherr"
	"github.com/larchsync/larch/internal/logx"
	"github.com/larchsync/larch/internal/session"
	"github.com/larchsync/larch/internal/uri"
)

// Defaults from spec.md §4.7.
const (
	DefaultMaxConnections = 4
	DefaultTimeout        = 60 * time.Second
	DefaultSleep          = 10 * time.Millisecond
)

// lease records one outstanding hold: the session and whether its owning
// task is still alive (checked via the TaskAlive hook at reap time).
type lease struct {
	sess   *session.Session
	taskID string
}

// Pool is a bounded set of Sessions for one (scheme, host, port, user) endpoint.
type Pool struct {
	mu  sync.Mutex
	log logx.Logger

	serverKey string
	opts      session.Options
	uriForNew *uri.URI // server-only URI (empty mailbox) used to construct new Sessions

	max       int
	timeout   time.Duration
	sleep     time.Duration
	taskAlive func(taskID string) bool

	idle   []*session.Session
	leased map[string]*lease // keyed by uri_key_mailbox(taskID-scoped URI)
	count  int               // total sessions created and not yet disconnected
}

// PoolOptions configures a Pool beyond the IMAP session options.
type PoolOptions struct {
	MaxConnections int
	Timeout        time.Duration
	Sleep          time.Duration
	// TaskAlive reports whether the task owning a lease is still
	// running; the reaper prunes leases for which this returns false.
	// A nil hook treats every lease as alive (no reaping).
	TaskAlive func(taskID string) bool
}

// New builds a Pool for the server identified by serverURI (its Mailbox
// field is ignored: the pool is keyed per-server, not per-mailbox).
func New(serverURI *uri.URI, sessOpts session.Options, popts PoolOptions, log logx.Logger) *Pool {
	if log == nil {
		log = logx.Nop{}
	}
	max := popts.MaxConnections
	if max <= 0 {
		max = DefaultMaxConnections
	}
	timeout := popts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	sleep := popts.Sleep
	if sleep <= 0 {
		sleep = DefaultSleep
	}
	base := *serverURI
	base.Mailbox = ""
	return &Pool{
		log:       log,
		serverKey: uri.KeyServer(&base),
		opts:      sessOpts,
		uriForNew: &base,
		max:       max,
		timeout:   timeout,
		sleep:     sleep,
		taskAlive: popts.TaskAlive,
		leased:    make(map[string]*lease),
	}
}

// Hold leases a Session to taskID for the duration of the mailbox
// identified by mailboxURI (its server portion must match the pool).
// Re-entrant: calling Hold again with the same (taskID, mailboxURI)
// returns the same Session. Blocks up to the pool's timeout waiting for
// an idle slot, failing with larcherr.ErrPoolTimeout.
func (p *Pool) Hold(ctx context.Context, taskID string, mailboxURI *uri.URI) (*session.Session, error) {
	leaseKey := taskID + "|" + uri.KeyMailbox(mailboxURI)

	p.mu.Lock()
	if l, ok := p.leased[leaseKey]; ok {
		p.mu.Unlock()
		return l.sess, nil
	}
	p.mu.Unlock()

	deadline := time.Now().Add(p.timeout)
	for {
		sess, err := p.tryAcquire(mailboxURI)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			p.mu.Lock()
			p.leased[leaseKey] = &lease{sess: sess, taskID: taskID}
			p.mu.Unlock()
			return sess, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("pool: hold %s: %w", p.serverKey, larcherr.ErrPoolTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.sleep):
		}
	}
}

// tryAcquire pops an idle Session or creates a new one (up to the
// bound), running the reaper first if the pool is full. Returns (nil,
// nil) if no slot is currently available.
func (p *Pool) tryAcquire(mailboxURI *uri.URI) (*session.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.idle) > 0 {
		sess := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		// An idle session may have last served a different mailbox;
		// rebind before handing it to the new lease so Do's auto-open
		// targets the mailbox the caller actually asked for.
		sess.URI().Mailbox = mailboxURI.Mailbox
		return sess, nil
	}
	if p.count >= p.max {
		p.reapLocked()
	}
	if p.count >= p.max {
		return nil, nil
	}
	u := *p.uriForNew
	u.Mailbox = mailboxURI.Mailbox
	sess := session.New(&u, p.opts, p.log)
	p.count++
	return sess, nil
}

// reapLocked prunes leases whose owning task is no longer alive,
// returning their sessions to the idle set. Caller must hold p.mu.
func (p *Pool) reapLocked() {
	if p.taskAlive == nil {
		return
	}
	for key, l := range p.leased {
		if !p.taskAlive(l.taskID) {
			delete(p.leased, key)
			l.sess.MarkClosed()
			p.idle = append(p.idle, l.sess)
			p.log.Log(logx.Debug, "pool reaped dead lease", logx.F("task", l.taskID))
		}
	}
}

// Release returns a leased Session to the idle set, deselecting any
// mailbox the session left open so the next Hold finds it Closed.
func (p *Pool) Release(taskID string, mailboxURI *uri.URI) {
	leaseKey := taskID + "|" + uri.KeyMailbox(mailboxURI)

	p.mu.Lock()
	l, ok := p.leased[leaseKey]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.leased, leaseKey)
	p.mu.Unlock()

	l.sess.Idle()

	p.mu.Lock()
	p.idle = append(p.idle, l.sess)
	p.mu.Unlock()
}

// Disconnect closes every idle Session; leased sessions are left alone.
func (p *Pool) Disconnect() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, sess := range idle {
		_ = sess.Logout()
	}
}
