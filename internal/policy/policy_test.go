package policy

import (
	"testing"
	"time"

	"github.com/iamwavecut/modguard/internal/db"
)

func TestParseAction(t *testing.T) {
	t.Parallel()

	valid := []string{"nothing", "mute", "kick", "ban"}
	for _, s := range valid {
		if _, ok := ParseAction(s); !ok {
			t.Fatalf("%q should parse", s)
		}
	}
	if _, ok := ParseAction("explode"); ok {
		t.Fatalf("unknown action should not parse")
	}
}

func TestSanitizeDisablesOutOfRangeConcerns(t *testing.T) {
	t.Parallel()

	c := Default()
	c.FloodLimit = 500
	c.RaidWindow = 2 * time.Hour
	c.WarnLimit = 0
	c.RateLimitPerUser = -1

	got := Sanitize(c)
	if got.FloodEnabled {
		t.Fatalf("flood should be disabled for limit %d", c.FloodLimit)
	}
	if got.RaidEnabled {
		t.Fatalf("raid should be disabled for window %v", c.RaidWindow)
	}
	if got.WarnsEnabled {
		t.Fatalf("warns should be disabled for limit %d", c.WarnLimit)
	}
	if got.RateLimitEnabled {
		t.Fatalf("rate limit should be disabled for %d per user", c.RateLimitPerUser)
	}
	// In-range concerns are untouched.
	if !got.CaptchaEnabled {
		t.Fatalf("captcha should stay enabled")
	}
}

func TestApplySettingsOverrides(t *testing.T) {
	t.Parallel()

	base := Default()
	settings := &db.Settings{
		ID:                    10,
		Enabled:               true,
		FloodLimitOverride:    8,
		FloodWindowOverrideNS: int64(20 * time.Second),
		FloodActionOverride:   "ban",
		CaptchaOverride:       db.CaptchaOverrideOff,
	}

	got := ApplySettings(base, settings)
	if got.FloodLimit != 8 {
		t.Fatalf("got flood limit %d, want 8", got.FloodLimit)
	}
	if got.FloodWindow != 20*time.Second {
		t.Fatalf("got flood window %v, want 20s", got.FloodWindow)
	}
	if got.FloodAction != ActionBan {
		t.Fatalf("got flood action %q, want ban", got.FloodAction)
	}
	if got.CaptchaEnabled {
		t.Fatalf("captcha override off should disable captcha")
	}
	// Zero overrides inherit.
	if got.RaidLimit != base.RaidLimit {
		t.Fatalf("raid limit changed without an override")
	}
}

func TestApplySettingsDisabledChat(t *testing.T) {
	t.Parallel()

	got := ApplySettings(Default(), &db.Settings{ID: 10, Enabled: false})
	if got.FloodEnabled || got.RaidEnabled || got.WarnsEnabled || got.CaptchaEnabled {
		t.Fatalf("disabled chat should have all concerns off: %#v", got)
	}
}

func TestOverrideApply(t *testing.T) {
	t.Parallel()

	base := Default()
	got := Override{
		FloodLimit:  7,
		FloodWindow: "30s",
		WarnAction:  "ban",
		Captcha:     "off",
	}.apply(base)

	if got.FloodLimit != 7 || got.FloodWindow != 30*time.Second {
		t.Fatalf("flood override not applied: %#v", got)
	}
	if got.WarnAction != ActionBan {
		t.Fatalf("got warn action %q, want ban", got.WarnAction)
	}
	if got.CaptchaEnabled {
		t.Fatalf("captcha should be off")
	}
}

func TestOverrideApplyIgnoresGarbage(t *testing.T) {
	t.Parallel()

	base := Default()
	got := Override{
		FloodWindow: "soonish",
		FloodAction: "explode",
		WarnExpiry:  "-5m",
	}.apply(base)

	if got.FloodWindow != base.FloodWindow {
		t.Fatalf("unparseable window changed the policy: %v", got.FloodWindow)
	}
	if got.FloodAction != base.FloodAction {
		t.Fatalf("unknown action changed the policy: %v", got.FloodAction)
	}
	if got.WarnExpiry != base.WarnExpiry {
		t.Fatalf("negative expiry changed the policy: %v", got.WarnExpiry)
	}
}

func TestOverrideOutOfRangeDisables(t *testing.T) {
	t.Parallel()

	got := Override{FloodLimit: 9000}.apply(Default())
	if got.FloodEnabled {
		t.Fatalf("out of range override should disable the concern")
	}
}
