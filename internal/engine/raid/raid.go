package raid

import (
	"sync"
	"time"

	"github.com/iamwavecut/modguard/internal/engine/keylock"
	"github.com/iamwavecut/modguard/internal/engine/window"
	"github.com/iamwavecut/modguard/internal/policy"
)

type Verdict struct {
	Triggered   bool
	Count       int
	LockedUntil time.Time
}

// Detector flags join bursts per chat. A trigger locks the chat for
// the policy cooldown; the lock is a timestamp, not a timer, and the
// join handler checks it before admitting anyone.
type Detector struct {
	counter *window.Counter

	mu    sync.Mutex
	locks map[int64]time.Time
}

func NewDetector() *Detector {
	return &Detector{
		counter: window.NewCounter(),
		locks:   map[int64]time.Time{},
	}
}

// ObserveJoin records one join and evaluates. The chat locks on the
// join that reaches the raid limit, so joins past it are rejected
// until the cooldown runs out.
func (d *Detector) ObserveJoin(chatID int64, ts, now time.Time, pol policy.Config) Verdict {
	if !pol.RaidEnabled || pol.RaidLimit <= 0 {
		return Verdict{}
	}

	key := keylock.Key{ChatID: chatID}
	count := d.counter.Record(key, ts, now, pol.RaidWindow)
	if count < pol.RaidLimit {
		return Verdict{Count: count}
	}

	d.counter.Reset(key)
	lockedUntil := now.Add(pol.RaidCooldown)

	d.mu.Lock()
	d.locks[chatID] = lockedUntil
	d.mu.Unlock()

	return Verdict{Triggered: true, Count: count, LockedUntil: lockedUntil}
}

// IsLocked reports whether the chat is under an active raid lock.
func (d *Detector) IsLocked(chatID int64, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	until, ok := d.locks[chatID]
	if !ok {
		return false
	}
	if !now.Before(until) {
		delete(d.locks, chatID)
		return false
	}
	return true
}

// Unlock lifts the lock early, e.g. when an admin unlocks manually.
func (d *Detector) Unlock(chatID int64) {
	d.mu.Lock()
	delete(d.locks, chatID)
	d.mu.Unlock()
}

// Sweep removes expired locks and stale join windows, returning the
// chats whose lock just lapsed so the caller can lift the transport
// side restriction. Join windows evict at the widest window any chat
// policy may carry; the per-event path evicts at the real one.
func (d *Detector) Sweep(now time.Time) []int64 {
	d.counter.Sweep(now, policy.MaxRaidWindow)

	d.mu.Lock()
	defer d.mu.Unlock()

	var unlocked []int64
	for chatID, until := range d.locks {
		if !now.Before(until) {
			delete(d.locks, chatID)
			unlocked = append(unlocked, chatID)
		}
	}
	return unlocked
}
