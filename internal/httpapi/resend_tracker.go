package httpapi

import (
	"sync"
	"time"

	"lapancomido/api/internal/model"
)

// resendEntryTTL bounds how long an idle challenge is remembered.
const resendEntryTTL = 30 * time.Minute

type resendEntry struct {
	resends  int
	lastSent time.Time
	prevSent time.Time // lastSent before the latest reservation
}

// resendTracker counts resends per user and purpose so the cooldown is
// enforced on the server rather than trusted from the client.
type resendTracker struct {
	mu    sync.Mutex
	items map[string]resendEntry
}

func newResendTracker() *resendTracker {
	return &resendTracker{items: make(map[string]resendEntry)}
}

func (t *resendTracker) key(userID string, purpose model.OTPPurpose) string {
	return userID + ":" + string(purpose)
}

// Start records a freshly issued code and resets the resend count.
func (t *resendTracker) Start(userID string, purpose model.OTPPurpose, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.prune(now)
	t.items[t.key(userID, purpose)] = resendEntry{lastSent: now}
}

// Reserve checks the cooldown for the next resend. When allowed it records
// the resend and returns the count of resends made before this one; when
// not, it returns how long the caller must wait.
func (t *resendTracker) Reserve(userID string, purpose model.OTPPurpose, now time.Time, cooldown func(int) time.Duration) (int, time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := t.key(userID, purpose)
	e, ok := t.items[k]
	if !ok {
		e = resendEntry{lastSent: now}
	}

	wait := cooldown(e.resends)
	if elapsed := now.Sub(e.lastSent); ok && elapsed < wait {
		return e.resends, wait - elapsed, false
	}

	count := e.resends
	prev := e.lastSent
	if !ok {
		prev = time.Time{}
	}
	t.items[k] = resendEntry{resends: count + 1, lastSent: now, prevSent: prev}
	return count, 0, true
}

// Release undoes a reservation made at now whose code was never delivered.
// It is a no-op when a later reservation or Start has replaced the entry.
func (t *resendTracker) Release(userID string, purpose model.OTPPurpose, count int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := t.key(userID, purpose)
	e, ok := t.items[k]
	if !ok || e.resends != count+1 || !e.lastSent.Equal(now) {
		return
	}
	if e.prevSent.IsZero() {
		delete(t.items, k)
		return
	}
	t.items[k] = resendEntry{resends: count, lastSent: e.prevSent}
}

// Clear forgets the challenge once it has been verified.
func (t *resendTracker) Clear(userID string, purpose model.OTPPurpose) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.items, t.key(userID, purpose))
}

func (t *resendTracker) prune(now time.Time) {
	for k, e := range t.items {
		if now.Sub(e.lastSent) > resendEntryTTL {
			delete(t.items, k)
		}
	}
}
