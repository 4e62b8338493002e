package policy

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/iamwavecut/modguard/internal/db"
)

// Provider hands out per-chat policy snapshots. Snapshot never fails:
// a chat with broken or missing overrides evaluates against the safe
// defaults instead of stalling the pipeline.
type Provider interface {
	Snapshot(ctx context.Context, chatID int64) Config
	Reload(ctx context.Context) error
}

type SettingsSource interface {
	GetSettings(ctx context.Context, chatID int64) (*db.Settings, error)
}

// Override is a partial per-chat policy patch loadable from a yaml file.
// Zero values inherit the defaults; durations are strings ("30s", "5m").
type Override struct {
	FloodLimit   int    `yaml:"flood_limit"`
	FloodWindow  string `yaml:"flood_window"`
	FloodAction  string `yaml:"flood_action"`
	RaidLimit    int    `yaml:"raid_limit"`
	RaidWindow   string `yaml:"raid_window"`
	RaidCooldown string `yaml:"raid_cooldown"`
	WarnLimit    int    `yaml:"warn_limit"`
	WarnAction   string `yaml:"warn_action"`
	WarnExpiry   string `yaml:"warn_expiry"`
	Captcha      string `yaml:"captcha"`
	CaptchaTime  string `yaml:"captcha_timeout"`
}

type overridesFile struct {
	Chats map[int64]Override `yaml:"chats"`
}

type provider struct {
	defaults Config
	path     string
	settings SettingsSource

	mu        sync.RWMutex
	overrides map[int64]Override

	logger *log.Entry
}

func NewProvider(defaults Config, path string, settings SettingsSource) *provider {
	return &provider{
		defaults:  Sanitize(defaults),
		path:      path,
		settings:  settings,
		overrides: map[int64]Override{},
	}
}

func (p *provider) Snapshot(ctx context.Context, chatID int64) Config {
	snapshot := p.defaults

	if p.settings != nil {
		settings, err := p.settings.GetSettings(ctx, chatID)
		if err != nil {
			p.getLogEntry().WithFields(log.Fields{"error": err.Error(), "chat_id": chatID}).
				Warn("cant load chat settings, using defaults")
		} else {
			snapshot = ApplySettings(snapshot, settings)
		}
	}

	p.mu.RLock()
	override, ok := p.overrides[chatID]
	p.mu.RUnlock()
	if ok {
		snapshot = override.apply(snapshot)
	}

	return snapshot
}

// Reload re-reads the yaml overrides file. Hot reload between
// evaluations: in-flight snapshots keep the values they started with.
func (p *provider) Reload(_ context.Context) error {
	if p.path == "" {
		return nil
	}

	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read policy overrides: %w", err)
	}

	parsed := overridesFile{}
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("unmarshal policy overrides: %w", err)
	}

	p.mu.Lock()
	p.overrides = parsed.Chats
	p.mu.Unlock()

	p.getLogEntry().WithField("chats", len(parsed.Chats)).Info("reloaded policy overrides")
	return nil
}

func (o Override) apply(base Config) Config {
	if o.FloodLimit > 0 {
		base.FloodLimit = o.FloodLimit
	}
	if d, ok := parseOverrideDuration(o.FloodWindow); ok {
		base.FloodWindow = d
	}
	if action, ok := ParseAction(o.FloodAction); ok && o.FloodAction != "" {
		base.FloodAction = action
	}

	if o.RaidLimit > 0 {
		base.RaidLimit = o.RaidLimit
	}
	if d, ok := parseOverrideDuration(o.RaidWindow); ok {
		base.RaidWindow = d
	}
	if d, ok := parseOverrideDuration(o.RaidCooldown); ok {
		base.RaidCooldown = d
	}

	if o.WarnLimit > 0 {
		base.WarnLimit = o.WarnLimit
	}
	if action, ok := ParseAction(o.WarnAction); ok && o.WarnAction != "" {
		base.WarnAction = action
	}
	if d, ok := parseOverrideDuration(o.WarnExpiry); ok {
		base.WarnExpiry = d
	}

	switch o.Captcha {
	case "on":
		base.CaptchaEnabled = true
	case "off":
		base.CaptchaEnabled = false
	}
	if d, ok := parseOverrideDuration(o.CaptchaTime); ok {
		base.CaptchaTimeout = d
	}

	return Sanitize(base)
}

func parseOverrideDuration(s string) (time.Duration, bool) {
	if s == "" {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

func (p *provider) getLogEntry() *log.Entry {
	if p.logger == nil {
		p.logger = log.WithField("context", "policy")
	}
	return p.logger
}
