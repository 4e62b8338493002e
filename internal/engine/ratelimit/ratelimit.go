package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/iamwavecut/modguard/internal/policy"
)

// Idle per-user buckets older than this are dropped on sweep.
const bucketIdleTimeout = 10 * time.Minute

type userBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter gates command throughput with continuously refilled token
// buckets: one per user plus one global, both must admit. Denial is
// silent here; the caller decides whether to notify anyone.
type Limiter struct {
	mu      sync.Mutex
	global  *rate.Limiter
	perUser map[int64]*userBucket

	userEnabled   bool
	globalEnabled bool
	userLimit     rate.Limit
	userBurst     int
}

func New(pol policy.Config) *Limiter {
	l := &Limiter{
		perUser:       map[int64]*userBucket{},
		userEnabled:   pol.RateLimitEnabled,
		globalEnabled: pol.GlobalRateLimitEnabled,
	}
	if l.userEnabled {
		l.userLimit = rate.Limit(float64(pol.RateLimitPerUser) / pol.RateLimitWindow.Seconds())
		l.userBurst = pol.RateLimitPerUser
	}
	if l.globalEnabled {
		l.global = rate.NewLimiter(rate.Limit(pol.GlobalRateLimitPerSecond), pol.GlobalRateLimitBurst)
	}
	return l
}

// TryAcquire admits the request only when both the user's bucket and
// the global bucket hold a token, debiting both. A reservation taken
// from one bucket is returned when the other denies.
func (l *Limiter) TryAcquire(userID int64, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	var userRes *rate.Reservation
	if l.userEnabled {
		bucket := l.bucketFor(userID, now)
		bucket.lastSeen = now
		userRes = bucket.limiter.ReserveN(now, 1)
		if !userRes.OK() || userRes.DelayFrom(now) > 0 {
			userRes.CancelAt(now)
			return false
		}
	}

	if l.globalEnabled {
		globalRes := l.global.ReserveN(now, 1)
		if !globalRes.OK() || globalRes.DelayFrom(now) > 0 {
			globalRes.CancelAt(now)
			if userRes != nil {
				userRes.CancelAt(now)
			}
			return false
		}
	}

	return true
}

// Sweep evicts buckets of users not seen recently.
func (l *Limiter) Sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for userID, bucket := range l.perUser {
		if now.Sub(bucket.lastSeen) > bucketIdleTimeout {
			delete(l.perUser, userID)
		}
	}
}

func (l *Limiter) bucketFor(userID int64, now time.Time) *userBucket {
	bucket, ok := l.perUser[userID]
	if !ok {
		bucket = &userBucket{
			limiter:  rate.NewLimiter(l.userLimit, l.userBurst),
			lastSeen: now,
		}
		l.perUser[userID] = bucket
	}
	return bucket
}
