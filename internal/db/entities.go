package db

import (
	"time"
)

type (
	// Settings carries per-chat policy overrides. A zero value in any
	// override field means "inherit the process-wide default".
	Settings struct {
		ID       int64  `db:"id"`
		Enabled  bool   `db:"enabled"`
		Language string `db:"language"`

		FloodLimitOverride    int    `db:"flood_limit_override"`
		FloodWindowOverrideNS int64  `db:"flood_window_override_ns"`
		FloodActionOverride   string `db:"flood_action_override"`

		RaidLimitOverride      int   `db:"raid_limit_override"`
		RaidWindowOverrideNS   int64 `db:"raid_window_override_ns"`
		RaidCooldownOverrideNS int64 `db:"raid_cooldown_override_ns"`

		WarnLimitOverride    int    `db:"warn_limit_override"`
		WarnActionOverride   string `db:"warn_action_override"`
		WarnExpiryOverrideNS int64  `db:"warn_expiry_override_ns"`

		CaptchaOverride          string `db:"captcha_override"`
		CaptchaTimeoutOverrideNS int64  `db:"captcha_timeout_override_ns"`
	}

	WarnRecord struct {
		ChatID       int64 `db:"chat_id"`
		UserID       int64 `db:"user_id"`
		Count        int   `db:"count"`
		LastWarnAtNS int64 `db:"last_warn_at_ns"`
		ExpiresAtNS  int64 `db:"expires_at_ns"`
	}

	AuditRecord struct {
		ID          string `db:"id"`
		ChatID      int64  `db:"chat_id"`
		UserID      int64  `db:"user_id"`
		Action      string `db:"action"`
		Reason      string `db:"reason"`
		CreatedAtNS int64  `db:"created_at_ns"`
	}
)

const (
	CaptchaOverrideOn  = "on"
	CaptchaOverrideOff = "off"
)

func (w *WarnRecord) LastWarnAt() time.Time {
	return time.Unix(0, w.LastWarnAtNS)
}

// Expired reports whether the record's expiry has passed. A zero
// ExpiresAtNS means the record never expires.
func (w *WarnRecord) Expired(now time.Time) bool {
	return w.ExpiresAtNS > 0 && now.UnixNano() > w.ExpiresAtNS
}

func (a *AuditRecord) CreatedAt() time.Time {
	return time.Unix(0, a.CreatedAtNS)
}
