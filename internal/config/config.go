package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-envconfig"
	log "github.com/sirupsen/logrus"
)

type (
	Config struct {
		TelegramAPIToken string  `env:"TOKEN,required"`
		LogLevel         int     `env:"LOG_LEVEL,default=2"`
		DotPath          string  `env:"DOT_PATH,default=~/.modguard"`
		PolicyPath       string  `env:"POLICY_PATH"`
		SudoUsers        []int64 `env:"SUDO_USERS"`
		WhitelistUsers   []int64 `env:"WHITELIST_USERS"`

		Moderation Moderation
		RateLimit  RateLimit
	}

	Moderation struct {
		FloodEnabled bool          `env:"ENABLE_ANTIFLOOD,default=true"`
		FloodLimit   int           `env:"FLOOD_LIMIT,default=5"`
		FloodWindow  time.Duration `env:"FLOOD_WINDOW,default=10s"`
		FloodAction  string        `env:"FLOOD_ACTION,default=mute"`

		RaidEnabled  bool          `env:"ENABLE_ANTIRAID,default=true"`
		RaidLimit    int           `env:"RAID_LIMIT,default=10"`
		RaidWindow   time.Duration `env:"RAID_WINDOW,default=60s"`
		RaidCooldown time.Duration `env:"RAID_COOLDOWN,default=10m"`

		WarnsEnabled bool          `env:"ENABLE_WARNS,default=true"`
		WarnLimit    int           `env:"WARN_LIMIT,default=3"`
		WarnAction   string        `env:"WARN_ACTION,default=kick"`
		WarnExpiry   time.Duration `env:"WARN_EXPIRY,default=0"`

		CaptchaEnabled     bool          `env:"ENABLE_CAPTCHA,default=true"`
		CaptchaTimeout     time.Duration `env:"CAPTCHA_TIMEOUT,default=3m"`
		CaptchaMaxAttempts int           `env:"CAPTCHA_MAX_ATTEMPTS,default=3"`
	}

	RateLimit struct {
		Enabled bool          `env:"RATE_LIMIT_ENABLED,default=true"`
		PerUser int           `env:"RATE_LIMIT_PER_USER,default=5"`
		Window  time.Duration `env:"RATE_LIMIT_WINDOW,default=60s"`

		GlobalEnabled   bool `env:"GLOBAL_RATE_LIMIT_ENABLED,default=true"`
		GlobalPerSecond int  `env:"GLOBAL_RATE_LIMIT_PER_SECOND,default=30"`
		GlobalBurst     int  `env:"GLOBAL_RATE_LIMIT_BURST,default=10"`
	}
)

var (
	once         sync.Once
	globalConfig = &Config{}
	globalErr    error
)

func Load() (Config, error) {
	once.Do(func() {
		cfg := &Config{}
		envcfg := envconfig.Config{
			Lookuper: envconfig.PrefixLookuper("MG_", envconfig.OsLookuper()),
			Target:   cfg,
		}
		if err := envconfig.ProcessWith(context.Background(), &envcfg); err != nil {
			globalErr = fmt.Errorf("process env config: %w", err)
			return
		}
		home, err := os.UserHomeDir()
		if err != nil {
			globalErr = fmt.Errorf("get user home directory: %w", err)
			return
		}
		cfg.DotPath = strings.Replace(cfg.DotPath, "~", home, 1)
		log.Traceln("loaded config")
		globalConfig = cfg
	})
	return *globalConfig, globalErr
}

func Get() Config {
	cfg, err := Load()
	if err != nil {
		log.WithField("error", err.Error()).Error("cant load config")
	}
	return cfg
}

// IsSudo reports whether the user is in the process-wide sudo list.
func (c Config) IsSudo(userID int64) bool {
	return containsID(c.SudoUsers, userID)
}

// IsWhitelisted reports whether the user bypasses moderation entirely.
func (c Config) IsWhitelisted(userID int64) bool {
	return c.IsSudo(userID) || containsID(c.WhitelistUsers, userID)
}

func containsID(ids []int64, id int64) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
