package bot

import (
	"context"
	"sync"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/modguard/internal/clock"
)

const adminCacheTTL = 5 * time.Minute

type adminEntry struct {
	ids       map[int64]struct{}
	fetchedAt time.Time
}

// AdminCache memoizes chat administrator lists so the hot message path
// does not hit the bot API per event. Stale entries are served when a
// refresh fails.
type AdminCache struct {
	bot *api.BotAPI
	clk clock.Clock

	mu      sync.Mutex
	entries map[int64]*adminEntry
	logger  *log.Entry
}

func NewAdminCache(bot *api.BotAPI, clk clock.Clock) *AdminCache {
	return &AdminCache{
		bot:     bot,
		clk:     clk,
		entries: map[int64]*adminEntry{},
	}
}

func (c *AdminCache) IsAdmin(ctx context.Context, chatID, userID int64) bool {
	ids := c.admins(ctx, chatID)
	_, ok := ids[userID]
	return ok
}

func (c *AdminCache) admins(ctx context.Context, chatID int64) map[int64]struct{} {
	now := c.clk.Now()

	c.mu.Lock()
	entry, ok := c.entries[chatID]
	if ok && now.Sub(entry.fetchedAt) < adminCacheTTL {
		ids := entry.ids
		c.mu.Unlock()
		return ids
	}
	c.mu.Unlock()

	admins, err := c.bot.GetChatAdministrators(api.ChatAdministratorsConfig{
		ChatConfig: api.ChatConfig{
			ChatID: chatID,
		},
	})
	if err != nil {
		c.getLogEntry().WithFields(log.Fields{
			"error":   err.Error(),
			"chat_id": chatID,
		}).Warn("cant fetch chat administrators")
		if entry != nil {
			return entry.ids
		}
		return nil
	}

	ids := make(map[int64]struct{}, len(admins))
	for _, admin := range admins {
		ids[admin.User.ID] = struct{}{}
	}

	c.mu.Lock()
	c.entries[chatID] = &adminEntry{ids: ids, fetchedAt: now}
	c.mu.Unlock()
	return ids
}

// Invalidate drops the cached list, e.g. after a promotion update.
func (c *AdminCache) Invalidate(chatID int64) {
	c.mu.Lock()
	delete(c.entries, chatID)
	c.mu.Unlock()
}

func (c *AdminCache) getLogEntry() *log.Entry {
	if c.logger == nil {
		c.logger = log.WithField("context", "admin_cache")
	}
	return c.logger
}
