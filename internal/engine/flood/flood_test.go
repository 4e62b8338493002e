package flood

import (
	"testing"
	"time"

	"github.com/iamwavecut/modguard/internal/policy"
)

func testPolicy() policy.Config {
	pol := policy.Default()
	pol.FloodLimit = 5
	pol.FloodWindow = 10 * time.Second
	pol.FloodAction = policy.ActionMute
	return pol
}

func TestObserveTriggersOverLimit(t *testing.T) {
	t.Parallel()

	d := NewDetector()
	pol := testPolicy()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Five messages inside the window stay clean, the sixth trips.
	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		v := d.Observe(10, 20, ts, ts, pol)
		if v.Triggered {
			t.Fatalf("message %d: unexpected trigger %#v", i+1, v)
		}
	}

	sixth := base.Add(5 * time.Second)
	v := d.Observe(10, 20, sixth, sixth, pol)
	if !v.Triggered {
		t.Fatalf("sixth message should trigger, got %#v", v)
	}
	if v.Action != policy.ActionMute {
		t.Fatalf("got action %q, want %q", v.Action, policy.ActionMute)
	}
	if v.Count != 6 {
		t.Fatalf("got count %d, want 6", v.Count)
	}
}

func TestObserveResetsAfterTrigger(t *testing.T) {
	t.Parallel()

	d := NewDetector()
	pol := testPolicy()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 6; i++ {
		ts := base.Add(time.Duration(i) * 100 * time.Millisecond)
		d.Observe(10, 20, ts, ts, pol)
	}

	// The next message after the trigger starts a fresh window.
	next := base.Add(time.Second)
	v := d.Observe(10, 20, next, next, pol)
	if v.Triggered {
		t.Fatalf("unexpected re-trigger right after reset: %#v", v)
	}
	if v.Count != 1 {
		t.Fatalf("got count %d, want 1", v.Count)
	}
}

func TestObserveSeparatesUsersAndChats(t *testing.T) {
	t.Parallel()

	d := NewDetector()
	pol := testPolicy()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 6; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		d.Observe(10, 20, ts, ts, pol)
	}

	ts := base.Add(6 * time.Second)
	if v := d.Observe(10, 21, ts, ts, pol); v.Count != 1 {
		t.Fatalf("other user shares the window: %#v", v)
	}
	if v := d.Observe(11, 20, ts, ts, pol); v.Count != 1 {
		t.Fatalf("other chat shares the window: %#v", v)
	}
}

func TestSweepKeepsWideWindowEntries(t *testing.T) {
	t.Parallel()

	d := NewDetector()
	pol := testPolicy()
	pol.FloodWindow = 300 * time.Second
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		d.Observe(10, 20, ts, ts, pol)
	}

	// A maintenance pass between messages must not drop entries still
	// inside the chat's wider window.
	d.Sweep(base.Add(30 * time.Second))

	sixth := base.Add(31 * time.Second)
	v := d.Observe(10, 20, sixth, sixth, pol)
	if !v.Triggered {
		t.Fatalf("sixth message within the window should trigger, got %#v", v)
	}
	if v.Count != 6 {
		t.Fatalf("got count %d, want 6", v.Count)
	}
}

func TestObserveDisabled(t *testing.T) {
	t.Parallel()

	d := NewDetector()
	pol := testPolicy()
	pol.FloodEnabled = false
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 20; i++ {
		if v := d.Observe(10, 20, now, now, pol); v.Triggered {
			t.Fatalf("disabled detector triggered: %#v", v)
		}
	}
}
