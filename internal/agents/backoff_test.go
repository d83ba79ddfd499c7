package agents

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffFirstSendIsFree(t *testing.T) {
	b := newNotificationBackoff(50*time.Millisecond, time.Second)
	assert.True(t, b.shouldSend("alice", nil))
}

func TestBackoffRequiresUserReply(t *testing.T) {
	b := newNotificationBackoff(50*time.Millisecond, time.Second)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := base
	b.now = func() time.Time { return now }

	b.recordSend("alice")

	// No user message since the send: suppressed no matter how long we wait.
	now = base.Add(time.Hour)
	assert.False(t, b.shouldSend("alice", nil))

	stale := base.Add(-time.Minute)
	assert.False(t, b.shouldSend("alice", &stale), "messages before the send don't count")
}

func TestBackoffIntervalAndReset(t *testing.T) {
	b := newNotificationBackoff(50*time.Millisecond, time.Second)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := base
	b.now = func() time.Time { return now }

	b.recordSend("alice")
	reply := base.Add(10 * time.Millisecond)

	// The user replied, but the 50ms interval has not elapsed yet.
	now = base.Add(20 * time.Millisecond)
	assert.False(t, b.shouldSend("alice", &reply))

	now = base.Add(60 * time.Millisecond)
	assert.True(t, b.shouldSend("alice", &reply))

	// Passing the check cleared the backoff: the next send restarts at
	// the initial interval rather than doubling to 100ms.
	b.recordSend("alice")
	sendAt := now
	reply2 := sendAt.Add(5 * time.Millisecond)
	now = sendAt.Add(55 * time.Millisecond)
	assert.True(t, b.shouldSend("alice", &reply2))
}

func TestBackoffDoublesWithoutReplyAndClamps(t *testing.T) {
	b := newNotificationBackoff(50*time.Millisecond, 150*time.Millisecond)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := base
	b.now = func() time.Time { return now }

	b.recordSend("alice") // 50ms
	b.recordSend("alice") // 100ms
	b.recordSend("alice") // 200ms, clamped to 150ms

	reply := now.Add(time.Millisecond)
	now = now.Add(120 * time.Millisecond)
	assert.False(t, b.shouldSend("alice", &reply), "clamped interval still applies")

	now = now.Add(40 * time.Millisecond)
	assert.True(t, b.shouldSend("alice", &reply))
}

func TestBackoffIsPerUser(t *testing.T) {
	b := newNotificationBackoff(time.Hour, 2*time.Hour)
	b.recordSend("alice")
	assert.False(t, b.shouldSend("alice", nil))
	assert.True(t, b.shouldSend("bob", nil))
}
