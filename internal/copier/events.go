package copier

// EventType enumerates the progress events the Copier emits on its
// Events channel for a TUI or plain-log consumer.
type EventType string

const (
	EventMailboxStart    EventType = "mailbox_start"
	EventMailboxProgress EventType = "mailbox_progress"
	EventMailboxDone     EventType = "mailbox_done"
	EventMailboxSkipped  EventType = "mailbox_skipped"
)

// Event carries progress about one mailbox's copy.
type Event struct {
	Type    EventType
	Mailbox string
	Total   int
	Done    int
	Err     error
}

// Counters are the shared, mutex-protected run totals spec.md §5 names:
// copied, failed, deleted, and the total candidate count across every
// mailbox visited this run.
type Counters struct {
	Copied  int
	Failed  int
	Deleted int
	Total   int
}
