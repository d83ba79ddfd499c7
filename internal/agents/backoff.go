package agents

import (
	"sync"
	"time"
)

// backoffState tracks per-user notification pacing. In-memory only;
// a restart resets everyone to the eager state.
type backoffState struct {
	lastActionTime time.Time
	backoffSeconds float64
}

// notificationBackoff gates unsolicited discovery notifications per
// user with exponential spacing.
type notificationBackoff struct {
	initial time.Duration
	max     time.Duration
	now     func() time.Time

	mu    sync.Mutex
	users map[string]*backoffState
}

func newNotificationBackoff(initial, max time.Duration) *notificationBackoff {
	return &notificationBackoff{
		initial: initial,
		max:     max,
		now:     time.Now,
		users:   make(map[string]*backoffState),
	}
}

// shouldSend reports whether a discovery notification may go to user.
// True when we have never notified them, or when they have sent a real
// (non-command) message since our last notification AND the current
// backoff interval has elapsed. Passing the interval check clears the
// backoff, so the next send restarts at the initial value instead of
// doubling.
func (b *notificationBackoff) shouldSend(user string, lastUserMessage *time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.users[user]
	if !ok || state.lastActionTime.IsZero() {
		return true
	}
	if lastUserMessage == nil || !lastUserMessage.After(state.lastActionTime) {
		return false
	}
	elapsed := b.now().Sub(state.lastActionTime).Seconds()
	if elapsed < state.backoffSeconds {
		return false
	}
	state.backoffSeconds = 0
	return true
}

// recordSend doubles the user's backoff (from initial if zero),
// clamped at max.
func (b *notificationBackoff) recordSend(user string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.users[user]
	if !ok {
		state = &backoffState{}
		b.users[user] = state
	}
	state.lastActionTime = b.now()
	if state.backoffSeconds == 0 {
		state.backoffSeconds = b.initial.Seconds()
	} else {
		state.backoffSeconds *= 2
		if state.backoffSeconds > b.max.Seconds() {
			state.backoffSeconds = b.max.Seconds()
		}
	}
}
