package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/modguard/internal/clock"
	"github.com/iamwavecut/modguard/internal/config"
	"github.com/iamwavecut/modguard/internal/engine/captcha"
	"github.com/iamwavecut/modguard/internal/engine/dispatch"
	"github.com/iamwavecut/modguard/internal/engine/flood"
	"github.com/iamwavecut/modguard/internal/engine/keylock"
	"github.com/iamwavecut/modguard/internal/engine/raid"
	"github.com/iamwavecut/modguard/internal/engine/ratelimit"
	"github.com/iamwavecut/modguard/internal/engine/warns"
	mgerrors "github.com/iamwavecut/modguard/internal/errors"
	"github.com/iamwavecut/modguard/internal/observability"
	"github.com/iamwavecut/modguard/internal/policy"
)

type MessageEvent struct {
	ChatID    int64
	UserID    int64
	MessageID int
	Timestamp time.Time
	IsCommand bool
	IsAdmin   bool
}

type JoinEvent struct {
	ChatID    int64
	UserID    int64
	Timestamp time.Time
}

type SolveAttemptEvent struct {
	ChatID    int64
	UserID    int64
	Nonce     string
	Answer    string
	Timestamp time.Time
}

type CommandKind string

const (
	CommandWarn   CommandKind = "warn"
	CommandUnwarn CommandKind = "unwarn"
)

type CommandEvent struct {
	ChatID        int64
	IssuerID      int64
	TargetID      int64
	Kind          CommandKind
	Reason        string
	IssuerIsAdmin bool
	Timestamp     time.Time
}

// MessageResult tells the transport what to do with the message itself.
// Enforcement against the sender goes through the dispatcher.
type MessageResult struct {
	Suppress    bool
	RateLimited bool
}

type JoinResult struct {
	RaidLocked bool
	Challenge  *captcha.Challenge
}

type CommandResult struct {
	Applied      bool
	Unauthorized bool
	RateLimited  bool
	WarnCount    int
	Escalated    bool
}

// ModerationEngine is the single entry point for platform events. It
// serializes per-(chat,user) evaluation, consults the policy snapshot
// once per event and hands verdicts to the dispatcher.
type ModerationEngine struct {
	cfg        config.Config
	clk        clock.Clock
	provider   policy.Provider
	keys       *keylock.KeyLock
	gate       *captcha.Gate
	limiter    *ratelimit.Limiter
	flood      *flood.Detector
	raid       *raid.Detector
	warns      *warns.Ledger
	dispatcher *dispatch.Dispatcher

	basePolicy policy.Config
	logger     *log.Entry

	sweeper
}

func New(
	cfg config.Config,
	clk clock.Clock,
	provider policy.Provider,
	gate *captcha.Gate,
	floodDetector *flood.Detector,
	raidDetector *raid.Detector,
	ledger *warns.Ledger,
	dispatcher *dispatch.Dispatcher,
) *ModerationEngine {
	base := policy.FromAppConfig(cfg)
	e := &ModerationEngine{
		cfg:        cfg,
		clk:        clk,
		provider:   provider,
		keys:       keylock.New(),
		gate:       gate,
		limiter:    ratelimit.New(base),
		flood:      floodDetector,
		raid:       raidDetector,
		warns:      ledger,
		dispatcher: dispatcher,
		basePolicy: base,
	}
	e.sweeper.engine = e
	return e
}

// HandleMessage runs the message pipeline: captcha gating first, then
// command rate limiting, then flood detection. Suppressed messages
// never feed the flood window.
func (e *ModerationEngine) HandleMessage(ctx context.Context, ev MessageEvent) (MessageResult, error) {
	stopTimer := observability.StartEventProcessing("message")
	defer stopTimer()

	if ev.ChatID == 0 || ev.UserID == 0 || ev.Timestamp.IsZero() {
		return MessageResult{}, errors.Wrap(mgerrors.ErrInvalidEvent, "message")
	}

	if ev.IsAdmin || e.cfg.IsWhitelisted(ev.UserID) {
		return MessageResult{}, nil
	}

	pol := e.provider.Snapshot(ctx, ev.ChatID)
	now := e.clk.Now()

	unlock := e.keys.Lock(keylock.Key{ChatID: ev.ChatID, UserID: ev.UserID})
	defer unlock()

	switch e.gate.Check(ev.ChatID, ev.UserID, now) {
	case captcha.DispositionSuppress:
		return MessageResult{Suppress: true}, nil
	case captcha.DispositionExpired:
		e.dispatcher.Dispatch(ctx, dispatch.Request{
			ChatID: ev.ChatID,
			UserID: ev.UserID,
			Action: dispatch.ActionKick,
			Reason: "verification expired",
		})
		return MessageResult{Suppress: true}, nil
	}

	if ev.IsCommand && !e.limiter.TryAcquire(ev.UserID, now) {
		return MessageResult{Suppress: true, RateLimited: true}, nil
	}

	verdict := e.flood.Observe(ev.ChatID, ev.UserID, ev.Timestamp, now, pol)
	if verdict.Triggered {
		observability.RecordVerdict("flood")
		e.getLogEntry().WithFields(log.Fields{
			"chat_id": ev.ChatID,
			"user_id": ev.UserID,
			"count":   verdict.Count,
		}).Info("flood detected")
		if action, ok := enforcementFor(verdict.Action); ok {
			e.dispatcher.Dispatch(ctx, dispatch.Request{
				ChatID: ev.ChatID,
				UserID: ev.UserID,
				Action: action,
				Reason: "flood",
			})
		}
	}
	return MessageResult{}, nil
}

// HandleJoin runs the join pipeline: raid lock check, raid detection,
// then the captcha challenge for the new member.
func (e *ModerationEngine) HandleJoin(ctx context.Context, ev JoinEvent) (JoinResult, error) {
	stopTimer := observability.StartEventProcessing("join")
	defer stopTimer()

	if ev.ChatID == 0 || ev.UserID == 0 || ev.Timestamp.IsZero() {
		return JoinResult{}, errors.Wrap(mgerrors.ErrInvalidEvent, "join")
	}

	if e.cfg.IsWhitelisted(ev.UserID) {
		return JoinResult{}, nil
	}

	pol := e.provider.Snapshot(ctx, ev.ChatID)
	now := e.clk.Now()

	// Serialized against message and solve handling for the same user,
	// so a solve cannot slip between opening the challenge and enqueuing
	// the mute.
	unlock := e.keys.Lock(keylock.Key{ChatID: ev.ChatID, UserID: ev.UserID})
	defer unlock()

	if e.raid.IsLocked(ev.ChatID, now) {
		e.dispatcher.Dispatch(ctx, dispatch.Request{
			ChatID: ev.ChatID,
			UserID: ev.UserID,
			Action: dispatch.ActionKick,
			Reason: "raid lock",
		})
		return JoinResult{RaidLocked: true}, nil
	}

	verdict := e.raid.ObserveJoin(ev.ChatID, ev.Timestamp, now, pol)
	if verdict.Triggered {
		observability.RecordVerdict("raid")
		e.getLogEntry().WithFields(log.Fields{
			"chat_id": ev.ChatID,
			"count":   verdict.Count,
		}).Warn("raid detected, locking chat")
		e.dispatcher.Dispatch(ctx, dispatch.Request{
			ChatID:   ev.ChatID,
			Action:   dispatch.ActionLock,
			Reason:   "raid",
			Duration: pol.RaidCooldown,
		})
		e.dispatcher.Dispatch(ctx, dispatch.Request{
			ChatID: ev.ChatID,
			UserID: ev.UserID,
			Action: dispatch.ActionKick,
			Reason: "raid lock",
		})
		return JoinResult{RaidLocked: true}, nil
	}

	challenge, created := e.gate.OnJoin(ev.ChatID, ev.UserID, now, pol)
	if !created {
		if e.gate.Pending(ev.ChatID, ev.UserID, now) {
			return JoinResult{Challenge: &challenge}, nil
		}
		return JoinResult{}, nil
	}

	e.dispatcher.Dispatch(ctx, dispatch.Request{
		ChatID:   ev.ChatID,
		UserID:   ev.UserID,
		Action:   dispatch.ActionMute,
		Reason:   "pending verification",
		Duration: pol.CaptchaTimeout,
	})
	return JoinResult{Challenge: &challenge}, nil
}

// HandleSolve applies a captcha answer attempt.
func (e *ModerationEngine) HandleSolve(ctx context.Context, ev SolveAttemptEvent) (captcha.SolveResult, error) {
	stopTimer := observability.StartEventProcessing("solve")
	defer stopTimer()

	if ev.ChatID == 0 || ev.UserID == 0 || ev.Timestamp.IsZero() {
		return captcha.SolveResult{}, errors.Wrap(mgerrors.ErrInvalidEvent, "solve")
	}

	pol := e.provider.Snapshot(ctx, ev.ChatID)
	now := e.clk.Now()

	unlock := e.keys.Lock(keylock.Key{ChatID: ev.ChatID, UserID: ev.UserID})
	res := e.gate.Solve(ev.ChatID, ev.UserID, ev.Nonce, ev.Answer, now, pol)
	unlock()

	switch res.Outcome {
	case captcha.OutcomeVerified:
		e.dispatcher.Dispatch(ctx, dispatch.Request{
			ChatID: ev.ChatID,
			UserID: ev.UserID,
			Action: dispatch.ActionUnmute,
			Reason: "verification passed",
		})
	case captcha.OutcomeFailed:
		observability.RecordVerdict("captcha")
		e.dispatcher.Dispatch(ctx, dispatch.Request{
			ChatID: ev.ChatID,
			UserID: ev.UserID,
			Action: dispatch.ActionKick,
			Reason: "verification failed",
		})
	}
	return res, nil
}

// HandleCommand applies a moderator warn or unwarn.
func (e *ModerationEngine) HandleCommand(ctx context.Context, ev CommandEvent) (CommandResult, error) {
	stopTimer := observability.StartEventProcessing("command")
	defer stopTimer()

	if ev.ChatID == 0 || ev.IssuerID == 0 || ev.TargetID == 0 || ev.Timestamp.IsZero() {
		return CommandResult{}, errors.Wrap(mgerrors.ErrInvalidEvent, "command")
	}

	if !ev.IssuerIsAdmin && !e.cfg.IsSudo(ev.IssuerID) {
		return CommandResult{Unauthorized: true}, nil
	}

	now := e.clk.Now()
	if !e.limiter.TryAcquire(ev.IssuerID, now) {
		return CommandResult{RateLimited: true}, nil
	}

	if e.cfg.IsWhitelisted(ev.TargetID) {
		return CommandResult{}, nil
	}

	pol := e.provider.Snapshot(ctx, ev.ChatID)

	unlock := e.keys.Lock(keylock.Key{ChatID: ev.ChatID, UserID: ev.TargetID})
	defer unlock()

	switch ev.Kind {
	case CommandWarn:
		res := e.warns.AddWarn(ctx, ev.ChatID, ev.TargetID, now, pol)
		if res.Escalated {
			observability.RecordVerdict("warns")
			e.getLogEntry().WithFields(log.Fields{
				"chat_id": ev.ChatID,
				"user_id": ev.TargetID,
				"count":   res.Count,
			}).Info("warn limit reached")
			if action, ok := enforcementFor(res.Action); ok {
				reason := "warn limit"
				if ev.Reason != "" {
					reason = "warn limit: " + ev.Reason
				}
				e.dispatcher.Dispatch(ctx, dispatch.Request{
					ChatID: ev.ChatID,
					UserID: ev.TargetID,
					Action: action,
					Reason: reason,
				})
			}
		}
		return CommandResult{Applied: true, WarnCount: res.Count, Escalated: res.Escalated}, nil
	case CommandUnwarn:
		count := e.warns.RemoveWarn(ctx, ev.ChatID, ev.TargetID, now)
		return CommandResult{Applied: true, WarnCount: count}, nil
	default:
		return CommandResult{}, errors.Wrapf(mgerrors.ErrInvalidEvent, "unknown command %q", ev.Kind)
	}
}

// HandleChallengeExpiry enforces against a joiner whose challenge the
// background sweep finalized.
func (e *ModerationEngine) HandleChallengeExpiry(ctx context.Context, ch captcha.Challenge) {
	observability.RecordVerdict("captcha")
	e.dispatcher.Dispatch(ctx, dispatch.Request{
		ChatID: ch.ChatID,
		UserID: ch.UserID,
		Action: dispatch.ActionKick,
		Reason: "verification expired",
	})
}

// WarnCount exposes the current warn ledger state, for status replies.
func (e *ModerationEngine) WarnCount(ctx context.Context, chatID, userID int64) int {
	return e.warns.Count(ctx, chatID, userID, e.clk.Now())
}

func enforcementFor(action policy.Action) (dispatch.Action, bool) {
	switch action {
	case policy.ActionMute:
		return dispatch.ActionMute, true
	case policy.ActionKick:
		return dispatch.ActionKick, true
	case policy.ActionBan:
		return dispatch.ActionBan, true
	}
	return "", false
}

func (e *ModerationEngine) getLogEntry() *log.Entry {
	if e.logger == nil {
		e.logger = log.WithField("context", "moderation_engine")
	}
	return e.logger
}
