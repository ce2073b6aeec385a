package copier

import (
	"sync"
	"time"

	"github.com/larchsync/larch/internal/logx"
	"github.com/larchsync/larch/internal/mailbox"
)

// watchdog implements the liveness checks spec.md §5 describes for one
// mailbox copy: if the producer claims to be fetching for longer than
// watchdogStallLimit, terminate the source session so the session's own
// retry envelope reconnects and re-issues the fetch; if the consumer
// makes no progress for two stall-limit cycles, log it (there is no
// separate destination-side unblock beyond what the session's own retry
// envelope already provides on the next append attempt).
type watchdog struct {
	mu sync.Mutex

	fetching   bool
	fetchStart time.Time

	lastProgress  time.Time
	stalledCycles int

	srcMB *mailbox.Mailbox
	log   logx.Logger
	name  string

	stopCh chan struct{}
	doneCh chan struct{}
}

func newWatchdog(srcMB, dstMB *mailbox.Mailbox, log logx.Logger, name string) *watchdog {
	w := &watchdog{
		srcMB: srcMB, log: log, name: name,
		lastProgress: time.Now(),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *watchdog) stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *watchdog) producerFetching(v bool) {
	w.mu.Lock()
	w.fetching = v
	if v {
		w.fetchStart = time.Now()
	}
	w.mu.Unlock()
}

func (w *watchdog) consumerProgress() {
	w.mu.Lock()
	w.lastProgress = time.Now()
	w.stalledCycles = 0
	w.mu.Unlock()
}

func (w *watchdog) run() {
	defer close(w.doneCh)
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *watchdog) check() {
	w.mu.Lock()
	fetching := w.fetching
	fetchStart := w.fetchStart
	sinceProgress := time.Since(w.lastProgress)
	w.mu.Unlock()

	if fetching && time.Since(fetchStart) > watchdogStallLimit {
		w.log.Log(logx.Warn, "producer stalled on fetch, terminating source session", logx.F("mailbox", w.name))
		w.srcMB.Session().Terminate()
		return
	}
	if sinceProgress > watchdogStallLimit {
		w.mu.Lock()
		w.stalledCycles = int(sinceProgress / watchdogStallLimit)
		cycles := w.stalledCycles
		w.mu.Unlock()
		if cycles >= 2 {
			w.log.Log(logx.Warn, "consumer made no progress for two stall cycles", logx.F("mailbox", w.name))
		}
	}
}
