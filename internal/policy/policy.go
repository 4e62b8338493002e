package policy

import (
	"time"

	"github.com/iamwavecut/modguard/internal/config"
	"github.com/iamwavecut/modguard/internal/db"
)

// Action is an enforcement outcome a detector may recommend.
type Action string

const (
	ActionNothing Action = "nothing"
	ActionMute    Action = "mute"
	ActionKick    Action = "kick"
	ActionBan     Action = "ban"
)

// Widest windows Sanitize accepts. Background sweeps evict against
// these ceilings so a chat whose override widens the window never loses
// live entries to the maintenance pass.
const (
	MaxFloodWindow = 300 * time.Second
	MaxRaidWindow  = 3600 * time.Second
)

func ParseAction(s string) (Action, bool) {
	switch Action(s) {
	case ActionNothing, ActionMute, ActionKick, ActionBan:
		return Action(s), true
	}
	return ActionNothing, false
}

// Config is the per-chat policy snapshot the engine evaluates against.
// The core never mutates it; a fresh value is taken per evaluation.
type Config struct {
	FloodEnabled bool
	FloodLimit   int
	FloodWindow  time.Duration
	FloodAction  Action

	RaidEnabled  bool
	RaidLimit    int
	RaidWindow   time.Duration
	RaidCooldown time.Duration

	WarnsEnabled bool
	WarnLimit    int
	WarnAction   Action
	WarnExpiry   time.Duration

	CaptchaEnabled     bool
	CaptchaTimeout     time.Duration
	CaptchaMaxAttempts int

	RateLimitEnabled bool
	RateLimitPerUser int
	RateLimitWindow  time.Duration

	GlobalRateLimitEnabled   bool
	GlobalRateLimitPerSecond int
	GlobalRateLimitBurst     int
}

func Default() Config {
	return Config{
		FloodEnabled: true,
		FloodLimit:   5,
		FloodWindow:  10 * time.Second,
		FloodAction:  ActionMute,

		RaidEnabled:  true,
		RaidLimit:    10,
		RaidWindow:   60 * time.Second,
		RaidCooldown: 10 * time.Minute,

		WarnsEnabled: true,
		WarnLimit:    3,
		WarnAction:   ActionKick,
		WarnExpiry:   0,

		CaptchaEnabled:     true,
		CaptchaTimeout:     3 * time.Minute,
		CaptchaMaxAttempts: 3,

		RateLimitEnabled: true,
		RateLimitPerUser: 5,
		RateLimitWindow:  60 * time.Second,

		GlobalRateLimitEnabled:   true,
		GlobalRateLimitPerSecond: 30,
		GlobalRateLimitBurst:     10,
	}
}

// FromAppConfig builds the process-wide policy defaults from env config.
func FromAppConfig(cfg config.Config) Config {
	out := Default()
	m := cfg.Moderation

	out.FloodEnabled = m.FloodEnabled
	if m.FloodLimit > 0 {
		out.FloodLimit = m.FloodLimit
	}
	if m.FloodWindow > 0 {
		out.FloodWindow = m.FloodWindow
	}
	if action, ok := ParseAction(m.FloodAction); ok {
		out.FloodAction = action
	}

	out.RaidEnabled = m.RaidEnabled
	if m.RaidLimit > 0 {
		out.RaidLimit = m.RaidLimit
	}
	if m.RaidWindow > 0 {
		out.RaidWindow = m.RaidWindow
	}
	if m.RaidCooldown > 0 {
		out.RaidCooldown = m.RaidCooldown
	}

	out.WarnsEnabled = m.WarnsEnabled
	if m.WarnLimit > 0 {
		out.WarnLimit = m.WarnLimit
	}
	if action, ok := ParseAction(m.WarnAction); ok {
		out.WarnAction = action
	}
	if m.WarnExpiry > 0 {
		out.WarnExpiry = m.WarnExpiry
	}

	out.CaptchaEnabled = m.CaptchaEnabled
	if m.CaptchaTimeout > 0 {
		out.CaptchaTimeout = m.CaptchaTimeout
	}
	if m.CaptchaMaxAttempts > 0 {
		out.CaptchaMaxAttempts = m.CaptchaMaxAttempts
	}

	r := cfg.RateLimit
	out.RateLimitEnabled = r.Enabled
	if r.PerUser > 0 {
		out.RateLimitPerUser = r.PerUser
	}
	if r.Window > 0 {
		out.RateLimitWindow = r.Window
	}
	out.GlobalRateLimitEnabled = r.GlobalEnabled
	if r.GlobalPerSecond > 0 {
		out.GlobalRateLimitPerSecond = r.GlobalPerSecond
	}
	if r.GlobalBurst > 0 {
		out.GlobalRateLimitBurst = r.GlobalBurst
	}

	return Sanitize(out)
}

// Sanitize disables any concern whose thresholds are outside the accepted
// ranges instead of failing the event pipeline.
func Sanitize(c Config) Config {
	if c.FloodLimit < 1 || c.FloodLimit > 100 ||
		c.FloodWindow < time.Second || c.FloodWindow > MaxFloodWindow {
		c.FloodEnabled = false
	}
	if _, ok := ParseAction(string(c.FloodAction)); !ok {
		c.FloodAction = ActionMute
	}

	if c.RaidLimit < 1 || c.RaidLimit > 100 ||
		c.RaidWindow < time.Second || c.RaidWindow > MaxRaidWindow {
		c.RaidEnabled = false
	}
	if c.RaidCooldown <= 0 {
		c.RaidCooldown = 10 * time.Minute
	}

	if c.WarnLimit < 1 || c.WarnLimit > 20 {
		c.WarnsEnabled = false
	}
	if _, ok := ParseAction(string(c.WarnAction)); !ok {
		c.WarnAction = ActionKick
	}

	if c.CaptchaTimeout <= 0 {
		c.CaptchaEnabled = false
	}
	if c.CaptchaMaxAttempts < 1 {
		c.CaptchaMaxAttempts = 3
	}

	if c.RateLimitPerUser < 1 || c.RateLimitPerUser > 100 ||
		c.RateLimitWindow < time.Second || c.RateLimitWindow > 3600*time.Second {
		c.RateLimitEnabled = false
	}
	if c.GlobalRateLimitPerSecond < 1 {
		c.GlobalRateLimitEnabled = false
	}
	if c.GlobalRateLimitBurst < 1 {
		c.GlobalRateLimitBurst = 1
	}

	return c
}

// ApplySettings layers persisted per-chat overrides over the defaults.
// Zero values inherit; invalid values are normalized away by Sanitize.
func ApplySettings(base Config, s *db.Settings) Config {
	if s == nil {
		return base
	}
	if !s.Enabled {
		base.FloodEnabled = false
		base.RaidEnabled = false
		base.WarnsEnabled = false
		base.CaptchaEnabled = false
		return base
	}

	if s.FloodLimitOverride > 0 {
		base.FloodLimit = s.FloodLimitOverride
	}
	if s.FloodWindowOverrideNS > 0 {
		base.FloodWindow = time.Duration(s.FloodWindowOverrideNS)
	}
	if action, ok := ParseAction(s.FloodActionOverride); ok && s.FloodActionOverride != "" {
		base.FloodAction = action
	}

	if s.RaidLimitOverride > 0 {
		base.RaidLimit = s.RaidLimitOverride
	}
	if s.RaidWindowOverrideNS > 0 {
		base.RaidWindow = time.Duration(s.RaidWindowOverrideNS)
	}
	if s.RaidCooldownOverrideNS > 0 {
		base.RaidCooldown = time.Duration(s.RaidCooldownOverrideNS)
	}

	if s.WarnLimitOverride > 0 {
		base.WarnLimit = s.WarnLimitOverride
	}
	if action, ok := ParseAction(s.WarnActionOverride); ok && s.WarnActionOverride != "" {
		base.WarnAction = action
	}
	if s.WarnExpiryOverrideNS > 0 {
		base.WarnExpiry = time.Duration(s.WarnExpiryOverrideNS)
	}

	switch s.CaptchaOverride {
	case db.CaptchaOverrideOn:
		base.CaptchaEnabled = true
	case db.CaptchaOverrideOff:
		base.CaptchaEnabled = false
	}
	if s.CaptchaTimeoutOverrideNS > 0 {
		base.CaptchaTimeout = time.Duration(s.CaptchaTimeoutOverrideNS)
	}

	return Sanitize(base)
}
