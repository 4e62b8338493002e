package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/iamwavecut/tool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/modguard/internal/engine"
	"github.com/iamwavecut/modguard/internal/engine/captcha"
)

const (
	UpdateTimeout = 5 * time.Minute

	callbackPrefix     = "cap"
	captchaButtonCount = 4
)

// UpdateProcessor translates bot API updates into engine events and
// applies the transport side of the verdicts: deleting suppressed
// messages, posting challenge keyboards, answering callbacks.
type UpdateProcessor struct {
	s      Service
	engine *engine.ModerationEngine
	admins *AdminCache
	logger *log.Entry
}

func NewUpdateProcessor(s Service, eng *engine.ModerationEngine, admins *AdminCache) *UpdateProcessor {
	return &UpdateProcessor{
		s:      s,
		engine: eng,
		admins: admins,
	}
}

func (up *UpdateProcessor) Process(ctx context.Context, u *api.Update) error {
	if u == nil {
		return errors.New("update is nil")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if u.CallbackQuery != nil {
		return up.processCallback(ctx, u.CallbackQuery)
	}

	msg := u.Message
	if msg == nil {
		return nil
	}

	updateTime := time.Unix(int64(msg.Date), 0)
	if time.Since(updateTime) > UpdateTimeout {
		up.getLogEntry().WithFields(log.Fields{
			"update_time": updateTime,
			"age":         time.Since(updateTime),
		}).Debug("Skipping outdated update")
		return nil
	}

	if !msg.Chat.IsGroup() && !msg.Chat.IsSuperGroup() {
		return nil
	}

	if len(msg.NewChatMembers) > 0 {
		return up.processJoins(ctx, msg)
	}
	if msg.LeftChatMember != nil {
		return nil
	}
	if msg.From == nil {
		return nil
	}

	if msg.IsCommand() {
		switch msg.Command() {
		case "warn", "unwarn":
			return up.processModerationCommand(ctx, msg)
		}
	}

	return up.processMessage(ctx, msg)
}

func (up *UpdateProcessor) processMessage(ctx context.Context, msg *api.Message) error {
	res, err := up.engine.HandleMessage(ctx, engine.MessageEvent{
		ChatID:    msg.Chat.ID,
		UserID:    msg.From.ID,
		MessageID: msg.MessageID,
		Timestamp: time.Unix(int64(msg.Date), 0),
		IsCommand: msg.IsCommand(),
		IsAdmin:   up.admins.IsAdmin(ctx, msg.Chat.ID, msg.From.ID),
	})
	if err != nil {
		return errors.WithMessage(err, "handling message")
	}
	if res.Suppress {
		if err := DeleteChatMessage(ctx, up.s.GetBot(), msg.Chat.ID, msg.MessageID); err != nil {
			up.getLogEntry().WithFields(log.Fields{
				"error":   err.Error(),
				"chat_id": msg.Chat.ID,
				"user":    GetUN(msg.From),
			}).Warn("cant delete suppressed message")
		}
	}
	return nil
}

func (up *UpdateProcessor) processJoins(ctx context.Context, msg *api.Message) error {
	for i := range msg.NewChatMembers {
		member := &msg.NewChatMembers[i]
		if member.IsBot {
			continue
		}
		res, err := up.engine.HandleJoin(ctx, engine.JoinEvent{
			ChatID:    msg.Chat.ID,
			UserID:    member.ID,
			Timestamp: time.Unix(int64(msg.Date), 0),
		})
		if err != nil {
			return errors.WithMessage(err, "handling join")
		}
		if res.RaidLocked || res.Challenge == nil {
			continue
		}
		up.sendChallenge(member, msg.Chat.ID, res.Challenge)
	}
	return nil
}

func (up *UpdateProcessor) sendChallenge(joiner *api.User, chatID int64, ch *captcha.Challenge) {
	text := fmt.Sprintf("Welcome, %s! To chat here, tap the word \"%s\" below.", GetUN(joiner), ch.Answer)

	var buttons []api.InlineKeyboardButton
	for _, option := range captcha.AnswerOptions(ch.Answer, captchaButtonCount) {
		data := strings.Join([]string{callbackPrefix, ch.Nonce, option}, ";")
		buttons = append(buttons, api.NewInlineKeyboardButtonData(option, data))
	}

	reply := api.NewMessage(chatID, text)
	reply.ReplyMarkup = api.NewInlineKeyboardMarkup(api.NewInlineKeyboardRow(buttons...))
	if err := tool.Err(up.s.GetBot().Send(reply)); err != nil {
		up.getLogEntry().WithFields(log.Fields{
			"error":   err.Error(),
			"chat_id": chatID,
			"user":    GetUN(joiner),
		}).Error("cant send challenge message")
	}
}

func (up *UpdateProcessor) processCallback(ctx context.Context, cq *api.CallbackQuery) error {
	entry := up.getLogEntry().WithFields(log.Fields{"data": cq.Data, "user": GetUN(cq.From)})

	parts := strings.Split(cq.Data, ";")
	if len(parts) != 3 || parts[0] != callbackPrefix {
		entry.Debug("unrelated callback query data")
		return nil
	}
	if cq.Message == nil {
		return nil
	}
	chatID := cq.Message.Chat.ID

	res, err := up.engine.HandleSolve(ctx, engine.SolveAttemptEvent{
		ChatID:    chatID,
		UserID:    cq.From.ID,
		Nonce:     parts[1],
		Answer:    parts[2],
		Timestamp: time.Now(),
	})
	if err != nil {
		return errors.WithMessage(err, "handling solve attempt")
	}

	var answerText string
	switch res.Outcome {
	case captcha.OutcomeVerified:
		answerText = "Welcome, friend!"
	case captcha.OutcomeRetry:
		answerText = fmt.Sprintf("Wrong answer, %d attempts left", res.AttemptsLeft)
	case captcha.OutcomeFailed:
		answerText = "Verification failed"
	default:
		answerText = "This challenge isn't your concern"
	}
	if _, err := up.s.GetBot().Request(api.NewCallback(cq.ID, answerText)); err != nil {
		entry.WithField("error", err.Error()).Error("cant answer callback query")
	}

	if res.Outcome == captcha.OutcomeVerified || res.Outcome == captcha.OutcomeFailed {
		if err := DeleteChatMessage(ctx, up.s.GetBot(), chatID, cq.Message.MessageID); err != nil {
			entry.WithField("error", err.Error()).Warn("cant delete challenge message")
		}
	}
	return nil
}

func (up *UpdateProcessor) processModerationCommand(ctx context.Context, msg *api.Message) error {
	if msg.ReplyToMessage == nil || msg.ReplyToMessage.From == nil {
		reply := api.NewMessage(msg.Chat.ID, "Reply to a message to warn its author")
		reply.ReplyParameters.MessageID = msg.MessageID
		return tool.Err(up.s.GetBot().Send(reply))
	}

	kind := engine.CommandWarn
	if msg.Command() == "unwarn" {
		kind = engine.CommandUnwarn
	}

	res, err := up.engine.HandleCommand(ctx, engine.CommandEvent{
		ChatID:        msg.Chat.ID,
		IssuerID:      msg.From.ID,
		TargetID:      msg.ReplyToMessage.From.ID,
		Kind:          kind,
		Reason:        strings.TrimSpace(msg.CommandArguments()),
		IssuerIsAdmin: up.admins.IsAdmin(ctx, msg.Chat.ID, msg.From.ID),
		Timestamp:     time.Unix(int64(msg.Date), 0),
	})
	if err != nil {
		return errors.WithMessage(err, "handling moderation command")
	}

	switch {
	case res.Unauthorized:
		return nil
	case res.RateLimited:
		return nil
	case res.Escalated:
		return up.replyTo(msg, fmt.Sprintf("%s reached the warn limit", GetUN(msg.ReplyToMessage.From)))
	case res.Applied:
		return up.replyTo(msg, fmt.Sprintf("%s now has %d warning(s)", GetUN(msg.ReplyToMessage.From), res.WarnCount))
	}
	return nil
}

func (up *UpdateProcessor) replyTo(msg *api.Message, text string) error {
	reply := api.NewMessage(msg.Chat.ID, text)
	reply.ReplyParameters.MessageID = msg.MessageID
	return tool.Err(up.s.GetBot().Send(reply))
}

func DeleteChatMessage(ctx context.Context, bot *api.BotAPI, chatID int64, messageID int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		if _, err := bot.Request(api.NewDeleteMessage(chatID, messageID)); err != nil {
			return err
		}
		return nil
	}
}

func GetUpdatesChans(ctx context.Context, bot *api.BotAPI, config api.UpdateConfig) (api.UpdatesChannel, chan error) {
	ch := make(chan api.Update, bot.Buffer)
	chErr := make(chan error)

	go func() {
		defer close(ch)
		defer close(chErr)
		for {
			select {
			case <-ctx.Done():
				chErr <- ctx.Err()
				return
			default:
				updates, err := bot.GetUpdates(config)
				if err != nil {
					chErr <- err
					return
				}

				for _, update := range updates {
					if update.UpdateID >= config.Offset {
						config.Offset = update.UpdateID + 1
						select {
						case ch <- update:
						case <-ctx.Done():
							chErr <- ctx.Err()
							return
						}
					}
				}
			}
		}
	}()

	return ch, chErr
}

func GetUN(user *api.User) string {
	if user == nil {
		return ""
	}
	userName := user.UserName
	if len(userName) == 0 {
		userName = user.FirstName + " " + user.LastName
		userName = strings.TrimSpace(userName)
	}
	return userName
}

func (up *UpdateProcessor) getLogEntry() *log.Entry {
	if up.logger == nil {
		up.logger = log.WithField("context", "update_processor")
	}
	return up.logger
}
