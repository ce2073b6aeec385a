// Package copier is the top-level driver: traverses source folders,
// creates destination folders, iterates messages, enforces exclusion
// filters, and updates the shared run counters (copied, failed,
// deleted, total).
//
// Grounded on pepperpark-gomap's internal/syncer/syncer.go: SyncAll's
// semaphore-bounded per-mailbox goroutine fan-out is the direct
// ancestor of copyAll's traversal loop, and syncMailbox's
// fetch-channel/done-channel select loop is the ancestor of
// copyMailbox's producer/consumer pipeline, generalized from a single
// max-UID cursor to GUID-keyed catalog lookups and from one-way
// IMAP-only copy semantics to the full exclusion/sync-flags/delete
// algorithm.
package copier

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/larchsync/larch/internal/account"
	"github.com/larchsync/larch/internal/catalog"
	"github.com/larchsync/larch/internal/logx"
	"github.com/larchsync/larch/internal/mailbox"
	"github.com/larchsync/larch/internal/pool"
	"github.com/larchsync/larch/internal/session"
	"github.com/larchsync/larch/internal/uri"
	"github.com/larchsync/larch/internal/wire"
)

// fetchChannelCapacity is the bounded producer/consumer channel size
// spec.md §5 names for in-flight messages between a mailbox's source
// peek and destination append.
const fetchChannelCapacity = 8

// watchdogInterval and watchdogStallLimit implement the liveness check
// spec.md §5 describes: if the producer claims to still be fetching for
// longer than the limit, the watchdog terminates the source session so
// the retry envelope reconnects. The channel's fill level is not
// consulted.
const (
	watchdogInterval   = 1 * time.Second
	watchdogStallLimit = 10 * time.Second
)

// Options is the Copier's input bag, spec.md §4.6 and §6.
type Options struct {
	Recursive      bool
	CreateFolders  bool
	SubscribedOnly bool
	Delete         bool
	Expunge        bool
	SyncFlags      bool
	DryRun         bool
	Exclusions     []*regexp.Regexp
	// All traverses every source mailbox regardless of FromFolder; wins
	// over SubscribedOnly's all-subscribed meaning per §6 (an explicit
	// from-folder overrides both, resolved away before Options is built).
	All bool
	// FromFolder is the single source mailbox copy_all starts from when
	// All and SubscribedOnly are both false; with Recursive it also
	// covers that mailbox's descendants.
	FromFolder string
	// ToFolder is FromFolder's destination-side counterpart, applied by
	// renaming the FromFolder prefix of each selected source name.
	ToFolder string
	// FromFastScan/ToFastScan thread §4.4's fast-scan knob independently
	// onto the source and destination Mailbox.
	FromFastScan bool
	ToFastScan   bool
	// DestMailbox, if non-empty, flattens every source mailbox into
	// this single destination mailbox (the destination URI named a
	// mailbox explicitly).
	DestMailbox string
}

// copyTaskID is the lease owner Copier uses with both pools. One Copier
// drives exactly one run, so a single fixed ID is enough to make the
// producer and consumer halves of copyMailbox share one leased
// destination Session (re-entrant Hold) while still bounding total
// connections via the pool's own max.
const copyTaskID = "copier"

// Copier drives one source-to-destination copy run.
type Copier struct {
	srcPool *pool.Pool
	dstPool *pool.Pool
	srcURI  *uri.URI
	dstURI  *uri.URI

	srcAccount *account.Account
	dstAccount *account.Account
	cat        catalog.Catalog
	opts       Options
	log        logx.Logger

	mu       sync.Mutex
	counters Counters

	Events chan Event
}

// New builds a Copier over already-opened source/destination accounts
// sharing the same Catalog. srcPool/dstPool supply the per-mailbox
// Sessions copyEntry leases and releases as it visits each mailbox;
// srcURI/dstURI are the same server URIs the pools were built from, used
// to build each mailbox's lease key.
func New(srcPool, dstPool *pool.Pool, srcURI, dstURI *uri.URI, srcAcct, dstAcct *account.Account, cat catalog.Catalog, opts Options, log logx.Logger) *Copier {
	if log == nil {
		log = logx.Nop{}
	}
	return &Copier{
		srcPool: srcPool, dstPool: dstPool,
		srcURI: srcURI, dstURI: dstURI,
		srcAccount: srcAcct, dstAccount: dstAcct,
		cat: cat, opts: opts, log: log,
		Events: make(chan Event, 128),
	}
}

func withMailbox(u *uri.URI, name string) *uri.URI {
	c := *u
	c.Mailbox = name
	return &c
}

// Counters returns a snapshot of the run totals.
func (c *Copier) Counters() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters
}

func (c *Copier) emit(e Event) {
	select {
	case c.Events <- e:
	default:
	}
}

// CopyAll implements copy_all (§4.6): traverses source mailboxes in
// sort order, applies exclusion and subscribed_only filters, resolves
// and mirrors each destination mailbox, and runs copyMailbox.
func (c *Copier) CopyAll(ctx context.Context) []error {
	defer close(c.Events)

	entries, err := c.srcAccount.List()
	if err != nil {
		return []error{fmt.Errorf("copier: list source mailboxes: %w", err)}
	}
	entries = c.selectEntries(entries)

	var errs []error
	for _, entry := range entries {
		if entry.NoSelect() {
			continue
		}
		if c.excluded(entry.Name) {
			continue
		}
		if c.opts.SubscribedOnly && !entry.Subscribed {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := c.copyEntry(ctx, entry); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entry.Name, err))
		}
	}
	return errs
}

// selectEntries narrows a full account listing to what copy_all should
// actually visit (§6): every mailbox under all/all-subscribed, else just
// FromFolder and, if Recursive, its descendants.
func (c *Copier) selectEntries(entries []account.Entry) []account.Entry {
	if c.opts.All || c.opts.SubscribedOnly {
		return entries
	}
	root := c.opts.FromFolder
	if root == "" {
		root = "INBOX"
	}
	out := make([]account.Entry, 0, len(entries))
	for _, e := range entries {
		if strings.EqualFold(e.Name, root) {
			out = append(out, e)
			continue
		}
		if c.opts.Recursive && e.Delim != "" && strings.HasPrefix(e.Name, root+e.Delim) {
			out = append(out, e)
		}
	}
	return out
}

// copyEntry leases a source and destination Session for one mailbox,
// opens the pair, mirrors the subscription bit, runs copyMailbox, and
// always releases both leases back to their pool before returning.
func (c *Copier) copyEntry(ctx context.Context, entry account.Entry) error {
	destName := c.resolveDestName(entry)
	srcMailboxURI := withMailbox(c.srcURI, entry.Name)
	dstMailboxURI := withMailbox(c.dstURI, destName)

	srcSess, err := c.srcPool.Hold(ctx, copyTaskID, srcMailboxURI)
	if err != nil {
		c.emit(Event{Type: EventMailboxSkipped, Mailbox: entry.Name, Err: err})
		return err
	}
	defer c.srcPool.Release(copyTaskID, srcMailboxURI)

	dstSess, err := c.dstPool.Hold(ctx, copyTaskID, dstMailboxURI)
	if err != nil {
		c.emit(Event{Type: EventMailboxSkipped, Mailbox: entry.Name, Err: err})
		return err
	}
	defer c.dstPool.Release(copyTaskID, dstMailboxURI)

	srcMB, dstMB, err := c.openPair(srcSess, dstSess, entry, destName)
	if err != nil {
		c.emit(Event{Type: EventMailboxSkipped, Mailbox: entry.Name, Err: err})
		return err
	}

	if entry.Subscribed && !c.opts.DryRun {
		if err := dstMB.Session().Do(func(wc *wire.Client) error { return wc.Subscribe(dstMB.WireName()) }); err != nil {
			c.log.Log(logx.Warn, "subscribe mirror failed", logx.F("mailbox", destName), logx.F("err", err.Error()))
		}
	}

	c.emit(Event{Type: EventMailboxStart, Mailbox: entry.Name})
	err = c.copyMailbox(ctx, srcMB, dstMB, entry.Name)
	c.emit(Event{Type: EventMailboxDone, Mailbox: entry.Name})
	return err
}

func (c *Copier) excluded(name string) bool {
	for _, re := range c.opts.Exclusions {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// resolveDestName implements §4.6.1.c: a destination URI mailbox wins
// outright (flattening). Otherwise, outside all/all-subscribed mode, a
// configured ToFolder renames the FromFolder prefix of the selected
// subtree; everything else keeps the source name as-is (the Mailbox
// layer is delimiter-agnostic — names are canonical UTF-8 already by the
// time Account.List returns them).
func (c *Copier) resolveDestName(entry account.Entry) string {
	if c.opts.DestMailbox != "" {
		return c.opts.DestMailbox
	}
	if c.opts.All || c.opts.SubscribedOnly || c.opts.ToFolder == "" {
		return entry.Name
	}
	root := c.opts.FromFolder
	if root == "" {
		root = "INBOX"
	}
	if strings.EqualFold(entry.Name, root) {
		return c.opts.ToFolder
	}
	if entry.Delim != "" && strings.HasPrefix(entry.Name, root+entry.Delim) {
		return c.opts.ToFolder + entry.Delim + strings.TrimPrefix(entry.Name, root+entry.Delim)
	}
	return entry.Name
}

// srcReadOnly reports whether the source mailbox should be EXAMINEd
// rather than SELECTed: read-write is only needed when this run will
// issue UID STORE \Deleted or EXPUNGE against it (§4.6).
func (c *Copier) srcReadOnly() bool {
	return !(c.opts.Delete || c.opts.Expunge)
}

func (c *Copier) openPair(srcSess, dstSess *session.Session, entry account.Entry, destName string) (*mailbox.Mailbox, *mailbox.Mailbox, error) {
	srcMB, err := mailbox.Open(srcSess, c.cat, c.srcAccount.ID(), entry.Name, entry.Delim, strings.Join(entry.Attrs, ","), entry.Subscribed, c.srcReadOnly(), mailbox.Options{FastScan: c.opts.FromFastScan}, c.log)
	if err != nil {
		return nil, nil, err
	}
	if err := srcMB.EnsureOpen(false, c.opts.DryRun); err != nil {
		return nil, nil, err
	}

	dstMB, err := mailbox.Open(dstSess, c.cat, c.dstAccount.ID(), destName, entry.Delim, "", entry.Subscribed, false, mailbox.Options{FastScan: c.opts.ToFastScan}, c.log)
	if err != nil {
		return nil, nil, err
	}
	if err := dstMB.EnsureOpen(c.opts.CreateFolders, c.opts.DryRun); err != nil {
		return nil, nil, err
	}
	return srcMB, dstMB, nil
}

// copyMailbox implements copy_mailbox (§4.6): scan both sides, then
// for each source row either sync flags/mark-deleted against an
// existing destination row, or peek and append a new one. Peek (source)
// and append (destination) run on separate sessions and so may proceed
// concurrently through a bounded channel, matching spec.md §5.
func (c *Copier) copyMailbox(ctx context.Context, srcMB, dstMB *mailbox.Mailbox, displayName string) error {
	if err := srcMB.Scan(); err != nil {
		return fmt.Errorf("scan source: %w", err)
	}
	if err := dstMB.Scan(); err != nil {
		return fmt.Errorf("scan destination: %w", err)
	}

	rows, err := c.listSorted(srcMB)
	if err != nil {
		return err
	}
	c.addTotal(len(rows))

	type job struct {
		uid uint32
		msg *mailbox.Message
	}
	jobs := make(chan job, fetchChannelCapacity)

	wd := newWatchdog(srcMB, dstMB, c.log, displayName)
	defer wd.stop()

	var wg sync.WaitGroup
	wg.Add(2)

	var producerErr error
	go func() {
		defer wg.Done()
		defer close(jobs)
		for _, r := range rows {
			if err := ctx.Err(); err != nil {
				producerErr = err
				return
			}
			existing, err := dstMB.ByGUID(r.GUID)
			if err != nil {
				c.incFailed()
				c.log.Log(logx.Warn, "catalog lookup failed", logx.F("mailbox", displayName), logx.F("err", err.Error()))
				continue
			}
			if existing != nil {
				c.reconcileExisting(srcMB, dstMB, r, existing, displayName)
				continue
			}

			wd.producerFetching(true)
			msg, err := srcMB.Fetch(r.UID)
			wd.producerFetching(false)
			if err != nil {
				c.incFailed()
				c.log.Log(logx.Warn, "fetch failed", logx.F("mailbox", displayName), logx.F("uid", r.UID), logx.F("err", err.Error()))
				continue
			}
			msg.GUID = r.GUID
			jobs <- job{uid: r.UID, msg: msg}
		}
	}()

	go func() {
		defer wg.Done()
		for j := range jobs {
			if c.opts.DryRun {
				c.incCopied()
				wd.consumerProgress()
				continue
			}
			flags := dstMB.FilterFlags(j.msg.Flags)
			if err := dstMB.Append(j.msg, flags); err != nil {
				c.incFailed()
				c.log.Log(logx.Warn, "append failed", logx.F("mailbox", displayName), logx.F("uid", j.uid), logx.F("err", err.Error()))
				continue
			}
			c.incCopied()
			wd.consumerProgress()
		}
	}()

	wg.Wait()

	if c.opts.Expunge && !c.opts.DryRun {
		if _, err := srcMB.Expunge(); err != nil {
			return fmt.Errorf("expunge: %w", err)
		}
	}
	return producerErr
}

func (c *Copier) listSorted(mb *mailbox.Mailbox) ([]*catalog.Message, error) {
	rows, err := mb.ListAll()
	if err != nil {
		return nil, fmt.Errorf("list source catalog: %w", err)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].UID < rows[j].UID })
	return rows, nil
}

// reconcileExisting handles a source row whose GUID is already present
// at the destination: sync flags, and/or mark the source deleted.
func (c *Copier) reconcileExisting(srcMB, dstMB *mailbox.Mailbox, srcRow, dstRow *catalog.Message, displayName string) {
	if c.opts.SyncFlags && srcRow.Flags != dstRow.Flags && !c.opts.DryRun {
		flags := dstMB.FilterFlags(splitFlags(srcRow.Flags))
		if err := dstMB.SetFlags(dstRow.UID, flags); err != nil {
			c.log.Log(logx.Warn, "sync flags failed", logx.F("mailbox", displayName), logx.F("uid", dstRow.UID), logx.F("err", err.Error()))
		}
	}
	if c.opts.Delete && !hasDeletedFlag(srcRow.Flags) && !c.opts.DryRun {
		if err := srcMB.MarkDeleted(srcRow.UID); err != nil {
			c.log.Log(logx.Warn, "mark deleted failed", logx.F("mailbox", displayName), logx.F("uid", srcRow.UID), logx.F("err", err.Error()))
			return
		}
		c.incDeleted()
	}
}

func splitFlags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func hasDeletedFlag(flagsCSV string) bool {
	for _, f := range splitFlags(flagsCSV) {
		if f == `\Deleted` {
			return true
		}
	}
	return false
}

func (c *Copier) addTotal(n int) {
	c.mu.Lock()
	c.counters.Total += n
	c.mu.Unlock()
}
func (c *Copier) incCopied() {
	c.mu.Lock()
	c.counters.Copied++
	c.mu.Unlock()
}
func (c *Copier) incFailed() {
	c.mu.Lock()
	c.counters.Failed++
	c.mu.Unlock()
}
func (c *Copier) incDeleted() {
	c.mu.Lock()
	c.counters.Deleted++
	c.mu.Unlock()
}
