package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/iamwavecut/modguard/internal/clock"
	"github.com/iamwavecut/modguard/internal/config"
	"github.com/iamwavecut/modguard/internal/engine/captcha"
	"github.com/iamwavecut/modguard/internal/engine/dispatch"
	"github.com/iamwavecut/modguard/internal/engine/flood"
	"github.com/iamwavecut/modguard/internal/engine/keylock"
	"github.com/iamwavecut/modguard/internal/engine/raid"
	"github.com/iamwavecut/modguard/internal/engine/warns"
	mgerrors "github.com/iamwavecut/modguard/internal/errors"
	"github.com/iamwavecut/modguard/internal/policy"
)

type recordingExecutor struct {
	mu    sync.Mutex
	calls []dispatch.Request
}

func (e *recordingExecutor) Execute(_ context.Context, req dispatch.Request) error {
	e.mu.Lock()
	e.calls = append(e.calls, req)
	e.mu.Unlock()
	return nil
}

func (e *recordingExecutor) byAction(action dispatch.Action) []dispatch.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []dispatch.Request
	for _, call := range e.calls {
		if call.Action == action {
			out = append(out, call)
		}
	}
	return out
}

type fixedProvider struct {
	pol policy.Config
}

func (p *fixedProvider) Snapshot(_ context.Context, _ int64) policy.Config {
	return p.pol
}

func (p *fixedProvider) Reload(_ context.Context) error {
	return nil
}

func testAppConfig() config.Config {
	return config.Config{
		Moderation: config.Moderation{
			FloodEnabled: true,
			FloodLimit:   5,
			FloodWindow:  10 * time.Second,
			FloodAction:  "mute",

			RaidEnabled:  true,
			RaidLimit:    10,
			RaidWindow:   60 * time.Second,
			RaidCooldown: 10 * time.Minute,

			WarnsEnabled: true,
			WarnLimit:    3,
			WarnAction:   "kick",

			CaptchaEnabled:     true,
			CaptchaTimeout:     3 * time.Minute,
			CaptchaMaxAttempts: 3,
		},
		RateLimit: config.RateLimit{
			Enabled: true,
			PerUser: 5,
			Window:  60 * time.Second,
		},
	}
}

type testHarness struct {
	engine   *ModerationEngine
	executor *recordingExecutor
	clk      *clock.Fake
	gate     *captcha.Gate
}

func newTestHarness(cfg config.Config) *testHarness {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	executor := &recordingExecutor{}
	dispatcher := dispatch.NewDispatcher(executor, nil, clk, dispatch.Config{
		MaxAttempts:   1,
		RetryBase:     time.Millisecond,
		RetryCap:      time.Millisecond,
		CoalescingTTL: 3 * time.Second,
	})
	gate := captcha.NewGate(clk, nil)
	eng := New(
		cfg,
		clk,
		&fixedProvider{pol: policy.FromAppConfig(cfg)},
		gate,
		flood.NewDetector(),
		raid.NewDetector(),
		warns.NewLedger(nil),
		dispatcher,
	)
	return &testHarness{engine: eng, executor: executor, clk: clk, gate: gate}
}

func (h *testHarness) message(ctx context.Context, t *testing.T, chatID, userID int64) MessageResult {
	t.Helper()
	res, err := h.engine.HandleMessage(ctx, MessageEvent{
		ChatID:    chatID,
		UserID:    userID,
		MessageID: 1,
		Timestamp: h.clk.Now(),
	})
	if err != nil {
		t.Fatalf("handle message: %v", err)
	}
	return res
}

func TestFloodBurstMutesOnce(t *testing.T) {
	t.Parallel()

	h := newTestHarness(testAppConfig())
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		h.message(ctx, t, 10, 20)
		h.clk.Advance(100 * time.Millisecond)
	}
	h.engine.dispatcher.Wait()

	mutes := h.executor.byAction(dispatch.ActionMute)
	if len(mutes) != 1 {
		t.Fatalf("got %d mutes, want 1: %#v", len(mutes), mutes)
	}
	if mutes[0].Reason != "flood" {
		t.Fatalf("got reason %q, want flood", mutes[0].Reason)
	}
}

func TestSuppressedMessagesDoNotFeedFlood(t *testing.T) {
	t.Parallel()

	h := newTestHarness(testAppConfig())
	ctx := context.Background()

	if _, err := h.engine.HandleJoin(ctx, JoinEvent{ChatID: 10, UserID: 20, Timestamp: h.clk.Now()}); err != nil {
		t.Fatalf("handle join: %v", err)
	}

	for i := 0; i < 10; i++ {
		res := h.message(ctx, t, 10, 20)
		if !res.Suppress {
			t.Fatalf("message %d from pending user should be suppressed", i+1)
		}
		h.clk.Advance(100 * time.Millisecond)
	}
	h.engine.dispatcher.Wait()

	for _, call := range h.executor.byAction(dispatch.ActionMute) {
		if call.Reason == "flood" {
			t.Fatalf("suppressed traffic reached the flood detector: %#v", call)
		}
	}
}

func TestAdminBypassesModeration(t *testing.T) {
	t.Parallel()

	h := newTestHarness(testAppConfig())
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		res, err := h.engine.HandleMessage(ctx, MessageEvent{
			ChatID:    10,
			UserID:    20,
			Timestamp: h.clk.Now(),
			IsAdmin:   true,
		})
		if err != nil {
			t.Fatalf("handle message: %v", err)
		}
		if res.Suppress {
			t.Fatalf("admin message should never be suppressed")
		}
	}
	h.engine.dispatcher.Wait()

	if len(h.executor.calls) != 0 {
		t.Fatalf("admin traffic dispatched enforcement: %#v", h.executor.calls)
	}
}

func TestWhitelistedUserBypassesModeration(t *testing.T) {
	t.Parallel()

	cfg := testAppConfig()
	cfg.WhitelistUsers = []int64{20}
	h := newTestHarness(cfg)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		h.message(ctx, t, 10, 20)
	}
	h.engine.dispatcher.Wait()

	if len(h.executor.calls) != 0 {
		t.Fatalf("whitelisted traffic dispatched enforcement: %#v", h.executor.calls)
	}
}

func TestCommandRateLimit(t *testing.T) {
	t.Parallel()

	h := newTestHarness(testAppConfig())
	ctx := context.Background()

	denied := 0
	for i := 0; i < 7; i++ {
		res, err := h.engine.HandleMessage(ctx, MessageEvent{
			ChatID:    10,
			UserID:    20,
			Timestamp: h.clk.Now(),
			IsCommand: true,
		})
		if err != nil {
			t.Fatalf("handle message: %v", err)
		}
		if res.RateLimited {
			denied++
			if !res.Suppress {
				t.Fatalf("rate limited command should be suppressed")
			}
		}
	}
	if denied != 2 {
		t.Fatalf("got %d denied commands, want 2", denied)
	}
}

func TestRaidLocksChatAndKicksLateJoiners(t *testing.T) {
	t.Parallel()

	h := newTestHarness(testAppConfig())
	ctx := context.Background()

	var last JoinResult
	for i := 0; i < 10; i++ {
		var err error
		last, err = h.engine.HandleJoin(ctx, JoinEvent{ChatID: 10, UserID: int64(100 + i), Timestamp: h.clk.Now()})
		if err != nil {
			t.Fatalf("handle join %d: %v", i+1, err)
		}
		h.clk.Advance(time.Second)
	}
	if !last.RaidLocked {
		t.Fatalf("tenth join should trip the raid lock")
	}

	res, err := h.engine.HandleJoin(ctx, JoinEvent{ChatID: 10, UserID: 500, Timestamp: h.clk.Now()})
	if err != nil {
		t.Fatalf("handle join during lock: %v", err)
	}
	if !res.RaidLocked {
		t.Fatalf("join during lock should be rejected")
	}
	h.engine.dispatcher.Wait()

	if locks := h.executor.byAction(dispatch.ActionLock); len(locks) != 1 {
		t.Fatalf("got %d chat locks, want 1: %#v", len(locks), locks)
	}
	if kicks := h.executor.byAction(dispatch.ActionKick); len(kicks) == 0 {
		t.Fatalf("joiners during raid should be kicked")
	}
}

func TestJoinChallengesAndVerification(t *testing.T) {
	t.Parallel()

	h := newTestHarness(testAppConfig())
	ctx := context.Background()

	res, err := h.engine.HandleJoin(ctx, JoinEvent{ChatID: 10, UserID: 20, Timestamp: h.clk.Now()})
	if err != nil {
		t.Fatalf("handle join: %v", err)
	}
	if res.Challenge == nil {
		t.Fatalf("joiner should be challenged")
	}

	solve, err := h.engine.HandleSolve(ctx, SolveAttemptEvent{
		ChatID:    10,
		UserID:    20,
		Nonce:     res.Challenge.Nonce,
		Answer:    res.Challenge.Answer,
		Timestamp: h.clk.Now(),
	})
	if err != nil {
		t.Fatalf("handle solve: %v", err)
	}
	if solve.Outcome != captcha.OutcomeVerified {
		t.Fatalf("got outcome %v, want verified", solve.Outcome)
	}
	h.engine.dispatcher.Wait()

	if unmutes := h.executor.byAction(dispatch.ActionUnmute); len(unmutes) != 1 {
		t.Fatalf("got %d unmutes, want 1", len(unmutes))
	}

	if got := h.message(ctx, t, 10, 20); got.Suppress {
		t.Fatalf("verified user should chat freely")
	}
}

func TestJoinHoldsUserKey(t *testing.T) {
	t.Parallel()

	h := newTestHarness(testAppConfig())
	ctx := context.Background()

	// While another event for the same user holds the key, the join
	// pipeline must wait instead of challenging concurrently.
	unlock := h.engine.keys.Lock(keylock.Key{ChatID: 10, UserID: 20})

	done := make(chan JoinResult, 1)
	go func() {
		res, err := h.engine.HandleJoin(ctx, JoinEvent{ChatID: 10, UserID: 20, Timestamp: h.clk.Now()})
		if err != nil {
			t.Errorf("handle join: %v", err)
			return
		}
		done <- res
	}()

	select {
	case <-done:
		t.Fatalf("join completed while the user's key was held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case res := <-done:
		if res.Challenge == nil {
			t.Fatalf("joiner should be challenged")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("join did not complete after the key was released")
	}
	h.engine.dispatcher.Wait()

	if mutes := h.executor.byAction(dispatch.ActionMute); len(mutes) != 1 {
		t.Fatalf("got %d mutes, want 1", len(mutes))
	}
}

func TestWarnReasonReachesEnforcement(t *testing.T) {
	t.Parallel()

	h := newTestHarness(testAppConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := h.engine.HandleCommand(ctx, CommandEvent{
			ChatID:        10,
			IssuerID:      99,
			TargetID:      20,
			Kind:          CommandWarn,
			Reason:        "spam links",
			IssuerIsAdmin: true,
			Timestamp:     h.clk.Now(),
		}); err != nil {
			t.Fatalf("warn %d: %v", i+1, err)
		}
	}
	h.engine.dispatcher.Wait()

	kicks := h.executor.byAction(dispatch.ActionKick)
	if len(kicks) != 1 {
		t.Fatalf("got %d kicks, want 1", len(kicks))
	}
	if want := "warn limit: spam links"; kicks[0].Reason != want {
		t.Fatalf("got reason %q, want %q", kicks[0].Reason, want)
	}
}

func TestWarnCommandEscalates(t *testing.T) {
	t.Parallel()

	h := newTestHarness(testAppConfig())
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res, err := h.engine.HandleCommand(ctx, CommandEvent{
			ChatID:        10,
			IssuerID:      99,
			TargetID:      20,
			Kind:          CommandWarn,
			IssuerIsAdmin: true,
			Timestamp:     h.clk.Now(),
		})
		if err != nil {
			t.Fatalf("warn %d: %v", i, err)
		}
		if i < 3 && res.Escalated {
			t.Fatalf("warn %d escalated early: %#v", i, res)
		}
		if i == 3 && !res.Escalated {
			t.Fatalf("third warn should escalate: %#v", res)
		}
	}
	h.engine.dispatcher.Wait()

	if kicks := h.executor.byAction(dispatch.ActionKick); len(kicks) != 1 {
		t.Fatalf("got %d kicks, want 1", len(kicks))
	}
}

func TestWarnCommandAuthorization(t *testing.T) {
	t.Parallel()

	h := newTestHarness(testAppConfig())
	ctx := context.Background()

	res, err := h.engine.HandleCommand(ctx, CommandEvent{
		ChatID:    10,
		IssuerID:  50,
		TargetID:  20,
		Kind:      CommandWarn,
		Timestamp: h.clk.Now(),
	})
	if err != nil {
		t.Fatalf("handle command: %v", err)
	}
	if !res.Unauthorized {
		t.Fatalf("non-admin warn should be unauthorized: %#v", res)
	}
}

func TestSudoUserMayWarn(t *testing.T) {
	t.Parallel()

	cfg := testAppConfig()
	cfg.SudoUsers = []int64{50}
	h := newTestHarness(cfg)
	ctx := context.Background()

	res, err := h.engine.HandleCommand(ctx, CommandEvent{
		ChatID:    10,
		IssuerID:  50,
		TargetID:  20,
		Kind:      CommandWarn,
		Timestamp: h.clk.Now(),
	})
	if err != nil {
		t.Fatalf("handle command: %v", err)
	}
	if !res.Applied || res.WarnCount != 1 {
		t.Fatalf("sudo warn should apply: %#v", res)
	}
}

func TestInvalidEventsRejected(t *testing.T) {
	t.Parallel()

	h := newTestHarness(testAppConfig())
	ctx := context.Background()

	if _, err := h.engine.HandleMessage(ctx, MessageEvent{UserID: 20, Timestamp: h.clk.Now()}); !errors.Is(err, mgerrors.ErrInvalidEvent) {
		t.Fatalf("missing chat id: got %v", err)
	}
	if _, err := h.engine.HandleMessage(ctx, MessageEvent{ChatID: 10, UserID: 20}); !errors.Is(err, mgerrors.ErrInvalidEvent) {
		t.Fatalf("missing timestamp: got %v", err)
	}
	if _, err := h.engine.HandleJoin(ctx, JoinEvent{ChatID: 10, Timestamp: h.clk.Now()}); !errors.Is(err, mgerrors.ErrInvalidEvent) {
		t.Fatalf("missing user id: got %v", err)
	}
	if _, err := h.engine.HandleCommand(ctx, CommandEvent{ChatID: 10, IssuerID: 1, Timestamp: h.clk.Now()}); !errors.Is(err, mgerrors.ErrInvalidEvent) {
		t.Fatalf("missing target: got %v", err)
	}
}
