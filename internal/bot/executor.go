package bot

import (
	"context"
	"strings"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/pkg/errors"

	"github.com/iamwavecut/modguard/internal/clock"
	"github.com/iamwavecut/modguard/internal/engine/dispatch"
	mgerrors "github.com/iamwavecut/modguard/internal/errors"
)

var (
	restrictedPermissions = api.ChatPermissions{}

	grantedPermissions = api.ChatPermissions{
		CanSendMessages:       true,
		CanSendAudios:         true,
		CanSendDocuments:      true,
		CanSendPhotos:         true,
		CanSendVideos:         true,
		CanSendVideoNotes:     true,
		CanSendVoiceNotes:     true,
		CanSendPolls:          true,
		CanSendOtherMessages:  true,
		CanAddWebPagePreviews: true,
		CanInviteUsers:        true,
		CanPinMessages:        true,
	}
)

// Executor carries enforcement requests out against the bot API.
// Mute and unmute restrict a member, lock and unlock flip the default
// permissions of the whole chat, kick is a ban with immediate unban.
type Executor struct {
	bot *api.BotAPI
	clk clock.Clock
}

func NewExecutor(bot *api.BotAPI, clk clock.Clock) *Executor {
	return &Executor{bot: bot, clk: clk}
}

func (e *Executor) Execute(ctx context.Context, req dispatch.Request) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	switch req.Action {
	case dispatch.ActionMute:
		return e.restrict(req.ChatID, req.UserID, restrictedPermissions, req.Duration)
	case dispatch.ActionUnmute:
		return e.restrict(req.ChatID, req.UserID, grantedPermissions, 0)
	case dispatch.ActionKick:
		if err := e.ban(req.ChatID, req.UserID, 0, false); err != nil {
			return err
		}
		return e.unban(req.ChatID, req.UserID)
	case dispatch.ActionBan:
		return e.ban(req.ChatID, req.UserID, req.Duration, true)
	case dispatch.ActionUnban:
		return e.unban(req.ChatID, req.UserID)
	case dispatch.ActionLock:
		return e.setChatPermissions(req.ChatID, restrictedPermissions)
	case dispatch.ActionUnlock:
		return e.setChatPermissions(req.ChatID, grantedPermissions)
	default:
		return errors.Errorf("unknown enforcement action %q", req.Action)
	}
}

func (e *Executor) restrict(chatID, userID int64, permissions api.ChatPermissions, duration time.Duration) error {
	var until int64
	if duration > 0 {
		until = e.clk.Now().Add(duration).Unix()
	}
	_, err := e.bot.Request(api.RestrictChatMemberConfig{
		ChatMemberConfig: api.ChatMemberConfig{
			ChatConfig: api.ChatConfig{
				ChatID: chatID,
			},
			UserID: userID,
		},
		UntilDate:   until,
		Permissions: &permissions,
	})
	return wrapAPIError(err, "cant restrict")
}

func (e *Executor) ban(chatID, userID int64, duration time.Duration, revoke bool) error {
	var until int64
	if duration > 0 {
		until = e.clk.Now().Add(duration).Unix()
	}
	_, err := e.bot.Request(api.BanChatMemberConfig{
		ChatMemberConfig: api.ChatMemberConfig{
			ChatConfig: api.ChatConfig{
				ChatID: chatID,
			},
			UserID: userID,
		},
		UntilDate:      until,
		RevokeMessages: revoke,
	})
	return wrapAPIError(err, "cant ban")
}

func (e *Executor) unban(chatID, userID int64) error {
	_, err := e.bot.Request(api.UnbanChatMemberConfig{
		ChatMemberConfig: api.ChatMemberConfig{
			ChatConfig: api.ChatConfig{
				ChatID: chatID,
			},
			UserID: userID,
		},
		OnlyIfBanned: true,
	})
	return wrapAPIError(err, "cant unban")
}

func (e *Executor) setChatPermissions(chatID int64, permissions api.ChatPermissions) error {
	_, err := e.bot.Request(api.SetChatPermissionsConfig{
		ChatConfig: api.ChatConfig{
			ChatID: chatID,
		},
		Permissions: &permissions,
	})
	return wrapAPIError(err, "cant set chat permissions")
}

// wrapAPIError maps permission failures to the sentinel the dispatcher
// treats as non-retryable.
func wrapAPIError(err error, msg string) error {
	if err == nil {
		return nil
	}
	text := err.Error()
	if strings.Contains(text, "not enough rights") || strings.Contains(text, "CHAT_ADMIN_REQUIRED") {
		return errors.Wrapf(mgerrors.ErrNoPrivileges, "%s: %s", msg, text)
	}
	return errors.WithMessage(err, msg)
}
