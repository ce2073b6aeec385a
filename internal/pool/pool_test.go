package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/larchsync/larch/internal/session"
	"github.com/larchsync/larch/internal/uri"
)

func testServerURI(t *testing.T) *uri.URI {
	t.Helper()
	u, err := uri.Parse("imaps://alice:pw@imap.example.com/INBOX")
	require.NoError(t, err)
	return u
}

func TestHoldIsReentrantForSameTaskAndMailbox(t *testing.T) {
	p := New(testServerURI(t), session.DefaultOptions(), PoolOptions{MaxConnections: 2}, nil)
	mb := testServerURI(t)

	s1, err := p.Hold(context.Background(), "task-1", mb)
	require.NoError(t, err)
	s2, err := p.Hold(context.Background(), "task-1", mb)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
}

func TestHoldBlocksThenTimesOutWhenExhausted(t *testing.T) {
	mb := testServerURI(t)
	p := New(testServerURI(t), session.DefaultOptions(), PoolOptions{MaxConnections: 1, Timeout: 50 * time.Millisecond, Sleep: 5 * time.Millisecond}, nil)

	_, err := p.Hold(context.Background(), "task-1", mb)
	require.NoError(t, err)

	_, err = p.Hold(context.Background(), "task-2", mb)
	assert.Error(t, err)
}

func TestReleaseReturnsSessionToIdleForReuse(t *testing.T) {
	mb := testServerURI(t)
	p := New(testServerURI(t), session.DefaultOptions(), PoolOptions{MaxConnections: 1, Timeout: 50 * time.Millisecond, Sleep: 5 * time.Millisecond}, nil)

	s1, err := p.Hold(context.Background(), "task-1", mb)
	require.NoError(t, err)
	p.Release("task-1", mb)

	s2, err := p.Hold(context.Background(), "task-2", mb)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
}

func TestReleaseOnUnknownLeaseIsANoop(t *testing.T) {
	mb := testServerURI(t)
	p := New(testServerURI(t), session.DefaultOptions(), PoolOptions{MaxConnections: 1}, nil)
	p.Release("nonexistent-task", mb)
}

func TestHoldContextCancelUnblocksWaiter(t *testing.T) {
	mb := testServerURI(t)
	p := New(testServerURI(t), session.DefaultOptions(), PoolOptions{MaxConnections: 1, Timeout: 5 * time.Second, Sleep: 5 * time.Millisecond}, nil)

	_, err := p.Hold(context.Background(), "task-1", mb)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = p.Hold(ctx, "task-2", mb)
	assert.Error(t, err)
}

func TestReaperReclaimsLeaseFromDeadTask(t *testing.T) {
	mb := testServerURI(t)
	alive := map[string]bool{"task-1": true}
	p := New(testServerURI(t), session.DefaultOptions(), PoolOptions{
		MaxConnections: 1,
		Timeout:        time.Second,
		Sleep:          5 * time.Millisecond,
		TaskAlive:      func(taskID string) bool { return alive[taskID] },
	}, nil)

	s1, err := p.Hold(context.Background(), "task-1", mb)
	require.NoError(t, err)

	// task-1 "dies" without releasing its lease; task-2 should be able to
	// reclaim the single connection once the reaper notices.
	alive["task-1"] = false

	s2, err := p.Hold(context.Background(), "task-2", mb)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
}

func TestReleaseThenHoldForDifferentMailboxRebindsSession(t *testing.T) {
	p := New(testServerURI(t), session.DefaultOptions(), PoolOptions{MaxConnections: 1, Timeout: 50 * time.Millisecond, Sleep: 5 * time.Millisecond}, nil)

	first, err := uri.Parse("imaps://alice:pw@imap.example.com/INBOX")
	require.NoError(t, err)
	s1, err := p.Hold(context.Background(), "task-1", first)
	require.NoError(t, err)
	p.Release("task-1", first)

	second, err := uri.Parse("imaps://alice:pw@imap.example.com/Archive")
	require.NoError(t, err)
	s2, err := p.Hold(context.Background(), "task-2", second)
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Equal(t, "Archive", s2.URI().Mailbox)
}

func TestDisconnectClearsIdleSessions(t *testing.T) {
	mb := testServerURI(t)
	p := New(testServerURI(t), session.DefaultOptions(), PoolOptions{MaxConnections: 1, Timeout: time.Second, Sleep: 5 * time.Millisecond}, nil)

	_, err := p.Hold(context.Background(), "task-1", mb)
	require.NoError(t, err)
	p.Release("task-1", mb)

	p.Disconnect()

	assert.Empty(t, p.idle)
}
