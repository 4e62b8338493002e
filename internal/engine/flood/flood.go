package flood

import (
	"time"

	"github.com/iamwavecut/modguard/internal/engine/keylock"
	"github.com/iamwavecut/modguard/internal/engine/window"
	"github.com/iamwavecut/modguard/internal/policy"
)

type Verdict struct {
	Triggered bool
	Count     int
	Action    policy.Action
}

// Detector flags a user sending more than the flood limit of messages
// within the flood window in one chat. Admin and whitelisted traffic is
// filtered out by the caller before it gets here.
type Detector struct {
	counter *window.Counter
}

func NewDetector() *Detector {
	return &Detector{counter: window.NewCounter()}
}

// Observe records one message and evaluates. On trigger the key's
// window resets so the same burst cannot re-trigger before the next
// full window fills up.
func (d *Detector) Observe(chatID, userID int64, ts, now time.Time, pol policy.Config) Verdict {
	if !pol.FloodEnabled || pol.FloodLimit <= 0 {
		return Verdict{}
	}

	key := keylock.Key{ChatID: chatID, UserID: userID}
	count := d.counter.Record(key, ts, now, pol.FloodWindow)
	if count <= pol.FloodLimit {
		return Verdict{Count: count}
	}

	d.counter.Reset(key)
	return Verdict{Triggered: true, Count: count, Action: pol.FloodAction}
}

// Sweep drops stale per-key windows. Eviction uses the widest window
// any chat policy may carry; the per-event path evicts at the real one.
func (d *Detector) Sweep(now time.Time) {
	d.counter.Sweep(now, policy.MaxFloodWindow)
}
