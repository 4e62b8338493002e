package ratelimit

import (
	"testing"
	"time"

	"github.com/iamwavecut/modguard/internal/policy"
)

func testPolicy() policy.Config {
	pol := policy.Default()
	pol.RateLimitEnabled = true
	pol.RateLimitPerUser = 5
	pol.RateLimitWindow = 60 * time.Second
	pol.GlobalRateLimitEnabled = false
	return pol
}

func TestTryAcquireExhaustsUserBucket(t *testing.T) {
	t.Parallel()

	l := New(testPolicy())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if !l.TryAcquire(20, now) {
			t.Fatalf("request %d should be admitted", i+1)
		}
	}
	if l.TryAcquire(20, now) {
		t.Fatalf("sixth request should be denied")
	}
}

func TestTryAcquireRefills(t *testing.T) {
	t.Parallel()

	l := New(testPolicy())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		l.TryAcquire(20, now)
	}
	if l.TryAcquire(20, now) {
		t.Fatalf("bucket should be empty")
	}

	// 5 per 60s refills one token every 12 seconds.
	later := now.Add(13 * time.Second)
	if !l.TryAcquire(20, later) {
		t.Fatalf("bucket should have refilled one token")
	}
	if l.TryAcquire(20, later) {
		t.Fatalf("only one token should have refilled")
	}
}

func TestTryAcquireIsolatesUsers(t *testing.T) {
	t.Parallel()

	l := New(testPolicy())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 6; i++ {
		l.TryAcquire(20, now)
	}
	if !l.TryAcquire(21, now) {
		t.Fatalf("other user should not share the bucket")
	}
}

func TestGlobalBucketDenialRefundsUserToken(t *testing.T) {
	t.Parallel()

	pol := testPolicy()
	pol.GlobalRateLimitEnabled = true
	pol.GlobalRateLimitPerSecond = 100
	pol.GlobalRateLimitBurst = 1
	l := New(pol)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if !l.TryAcquire(20, now) {
		t.Fatalf("first request should be admitted")
	}
	// Global burst of one is spent; the user bucket must be refunded so
	// the user is not charged for an admission that never happened.
	if l.TryAcquire(21, now) {
		t.Fatalf("global bucket should deny")
	}
	if got := l.perUser[21].limiter.TokensAt(now); got < 4.9 {
		t.Fatalf("user token not refunded, tokens=%v", got)
	}
}

func TestDisabledLimiterAdmitsEverything(t *testing.T) {
	t.Parallel()

	pol := testPolicy()
	pol.RateLimitEnabled = false
	l := New(pol)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 100; i++ {
		if !l.TryAcquire(20, now) {
			t.Fatalf("disabled limiter denied request %d", i+1)
		}
	}
}

func TestSweepEvictsIdleBuckets(t *testing.T) {
	t.Parallel()

	l := New(testPolicy())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	l.TryAcquire(20, now)
	l.TryAcquire(21, now.Add(9*time.Minute))

	l.Sweep(now.Add(11 * time.Minute))

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.perUser[20]; ok {
		t.Fatalf("idle bucket should be evicted")
	}
	if _, ok := l.perUser[21]; !ok {
		t.Fatalf("recent bucket should survive")
	}
}
