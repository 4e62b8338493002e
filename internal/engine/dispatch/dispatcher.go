package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/iamwavecut/modguard/internal/clock"
	"github.com/iamwavecut/modguard/internal/db"
	mgerrors "github.com/iamwavecut/modguard/internal/errors"
	"github.com/iamwavecut/modguard/internal/event"
	"github.com/iamwavecut/modguard/internal/observability"
)

type Action string

const (
	ActionMute   Action = "mute"
	ActionUnmute Action = "unmute"
	ActionKick   Action = "kick"
	ActionBan    Action = "ban"
	ActionUnban  Action = "unban"
	ActionLock   Action = "lock"
	ActionUnlock Action = "unlock"
)

// opposites drive supersede cancellation: a new request aborts an
// inflight retry loop for the reverse action on the same target.
var opposites = map[Action]Action{
	ActionMute:   ActionUnmute,
	ActionUnmute: ActionMute,
	ActionBan:    ActionUnban,
	ActionUnban:  ActionBan,
	ActionLock:   ActionUnlock,
	ActionUnlock: ActionLock,
}

// Request is one enforcement order against a user or, for lock and
// unlock, against the whole chat (UserID zero).
type Request struct {
	ChatID   int64
	UserID   int64
	Action   Action
	Reason   string
	Duration time.Duration
}

// Executor carries the request out against the transport.
type Executor interface {
	Execute(ctx context.Context, req Request) error
}

type Config struct {
	MaxAttempts   int
	RetryBase     time.Duration
	RetryCap      time.Duration
	CoalescingTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		RetryBase:     500 * time.Millisecond,
		RetryCap:      4 * time.Second,
		CoalescingTTL: 3 * time.Second,
	}
}

type target struct {
	chatID int64
	userID int64
	action Action
}

type inflightEntry struct {
	cancel context.CancelFunc
}

// Dispatcher executes enforcement requests asynchronously with
// per-target dedup. Identical requests arriving while one is inflight
// or shortly after it finished are coalesced into that one execution,
// so a flood burst maps to a single mute call, not thirty.
type Dispatcher struct {
	executor Executor
	audit    *event.AuditBus
	clk      clock.Clock
	cfg      Config

	mu       sync.Mutex
	inflight map[target]*inflightEntry
	recent   map[target]time.Time

	wg     sync.WaitGroup
	logger *log.Entry
}

func NewDispatcher(executor Executor, audit *event.AuditBus, clk clock.Clock, cfg Config) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultConfig().RetryBase
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = DefaultConfig().RetryCap
	}
	return &Dispatcher{
		executor: executor,
		audit:    audit,
		clk:      clk,
		cfg:      cfg,
		inflight: map[target]*inflightEntry{},
		recent:   map[target]time.Time{},
	}
}

// Dispatch enqueues the request. Returns true when a new execution was
// started, false when the request coalesced into an existing one.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) bool {
	tgt := target{chatID: req.ChatID, userID: req.UserID, action: req.Action}
	now := d.clk.Now()

	d.mu.Lock()
	if _, ok := d.inflight[tgt]; ok {
		d.mu.Unlock()
		observability.RecordEnforcement(string(req.Action), "coalesced")
		return false
	}
	if finishedAt, ok := d.recent[tgt]; ok && now.Sub(finishedAt) < d.cfg.CoalescingTTL {
		d.mu.Unlock()
		observability.RecordEnforcement(string(req.Action), "coalesced")
		return false
	}

	if opposite, ok := opposites[req.Action]; ok {
		reverse := target{chatID: req.ChatID, userID: req.UserID, action: opposite}
		if entry, ok := d.inflight[reverse]; ok {
			entry.cancel()
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.inflight[tgt] = &inflightEntry{cancel: cancel}
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		d.run(runCtx, tgt, req)
	}()
	return true
}

// Wait blocks until all inflight executions have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.wg.Wait()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (d *Dispatcher) run(ctx context.Context, tgt target, req Request) {
	ctx, span := otel.Tracer("modguard/dispatch").Start(ctx, "enforce."+string(req.Action))
	defer span.End()

	stopTimer := observability.StartEnforcement(string(req.Action))
	err := d.execute(ctx, req)
	stopTimer()

	d.mu.Lock()
	delete(d.inflight, tgt)
	// Failed executions do not enter the coalescing window; a fresh
	// trigger right after an exhausted retry loop gets a new attempt.
	if err == nil || errors.Is(err, mgerrors.ErrSuperseded) {
		d.recent[tgt] = d.clk.Now()
	}
	d.evictRecentLocked()
	d.mu.Unlock()

	entry := d.getLogEntry().WithFields(log.Fields{
		"action":  req.Action,
		"chat_id": req.ChatID,
		"user_id": req.UserID,
	})

	switch {
	case err == nil:
		observability.RecordEnforcement(string(req.Action), "ok")
		entry.Info("enforcement applied")
		d.emitAudit(req, "applied")
	case errors.Is(err, mgerrors.ErrSuperseded):
		observability.RecordEnforcement(string(req.Action), "superseded")
		entry.Info("enforcement superseded")
		d.emitAudit(req, "superseded")
	default:
		observability.RecordEnforcement(string(req.Action), "failed")
		entry.WithField("error", err.Error()).Error("enforcement failed")
		d.emitAudit(req, "failed")
	}
}

// execute retries transient failures with capped exponential backoff.
// A cancelled context means the reverse action superseded this one.
func (d *Dispatcher) execute(ctx context.Context, req Request) error {
	var lastErr error
	for attempt := 0; attempt < d.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := d.cfg.RetryBase << (attempt - 1)
			if backoff > d.cfg.RetryCap {
				backoff = d.cfg.RetryCap
			}
			select {
			case <-ctx.Done():
				return errors.Wrap(mgerrors.ErrSuperseded, string(req.Action))
			case <-time.After(backoff):
			}
		}

		if ctx.Err() != nil {
			return errors.Wrap(mgerrors.ErrSuperseded, string(req.Action))
		}

		lastErr = d.executor.Execute(ctx, req)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, mgerrors.ErrNoPrivileges) {
			return lastErr
		}
		if errors.Is(lastErr, context.Canceled) {
			return errors.Wrap(mgerrors.ErrSuperseded, string(req.Action))
		}
	}
	return errors.Wrapf(mgerrors.ErrRetryExhausted, "%s after %d attempts: %v", req.Action, d.cfg.MaxAttempts, lastErr)
}

func (d *Dispatcher) emitAudit(req Request, result string) {
	if d.audit == nil {
		return
	}
	d.audit.Emit(&db.AuditRecord{
		ID:          uuid.New(),
		ChatID:      req.ChatID,
		UserID:      req.UserID,
		Action:      string(req.Action) + ":" + result,
		Reason:      req.Reason,
		CreatedAtNS: d.clk.Now().UnixNano(),
	})
}

// evictRecentLocked keeps the coalescing map bounded.
func (d *Dispatcher) evictRecentLocked() {
	now := d.clk.Now()
	for tgt, finishedAt := range d.recent {
		if now.Sub(finishedAt) >= d.cfg.CoalescingTTL {
			delete(d.recent, tgt)
		}
	}
}

func (d *Dispatcher) getLogEntry() *log.Entry {
	if d.logger == nil {
		d.logger = log.WithField("context", "dispatcher")
	}
	return d.logger
}
