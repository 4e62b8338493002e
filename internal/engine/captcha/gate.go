package captcha

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/pborman/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/modguard/internal/clock"
	"github.com/iamwavecut/modguard/internal/engine/keylock"
	"github.com/iamwavecut/modguard/internal/policy"
)

type State string

const (
	StatePending  State = "pending"
	StateVerified State = "verified"
	StateFailed   State = "failed"
)

const (
	sweepInterval = 1 * time.Minute

	// Verified entries linger briefly so late messages from a just
	// verified user are not mistaken for unchallenged ones.
	verifiedGrace = 30 * time.Second
)

// Challenge is the per-(chat,user) verification state for a new joiner.
type Challenge struct {
	ChatID   int64
	UserID   int64
	Nonce    string
	Answer   string
	Deadline time.Time
	Attempts int

	state      State
	verifiedAt time.Time
}

func (c *Challenge) State() State {
	return c.state
}

type SolveOutcome int

const (
	// OutcomeNone: no pending challenge for the key, attempt ignored.
	OutcomeNone SolveOutcome = iota
	OutcomeVerified
	OutcomeRetry
	OutcomeFailed
)

type SolveResult struct {
	Outcome      SolveOutcome
	AttemptsLeft int
}

type Disposition int

const (
	// DispositionClear: the user is not subject to any challenge.
	DispositionClear Disposition = iota
	// DispositionSuppress: the user is mid-challenge, drop the message.
	DispositionSuppress
	// DispositionExpired: the deadline passed, the caller enforces.
	DispositionExpired
)

var answerVariants = []string{
	"apple", "dog", "car", "star", "balloon", "book", "music",
}

// Gate is the per-joiner verification state machine. Deadlines are data,
// not timers: expiry is found lazily on the next touch or by the sweep
// goroutine, so a raid of joiners never costs a timer each.
type Gate struct {
	clk      clock.Clock
	onExpire func(ctx context.Context, ch Challenge)

	mu         sync.Mutex
	challenges map[keylock.Key]*Challenge

	logger         *log.Entry
	workerCancel   context.CancelFunc
	workerWG       sync.WaitGroup
	startStopMutex sync.Mutex
	started        bool
}

// NewGate creates the gate. onExpire runs outside the gate's lock for
// every challenge finalized to FAILED by the background sweep.
func NewGate(clk clock.Clock, onExpire func(ctx context.Context, ch Challenge)) *Gate {
	return &Gate{
		clk:        clk,
		onExpire:   onExpire,
		challenges: map[keylock.Key]*Challenge{},
	}
}

// OnJoin opens a PENDING challenge for the joiner. An existing pending
// challenge is kept as is (a rejoin does not reset the deadline).
func (g *Gate) OnJoin(chatID, userID int64, now time.Time, pol policy.Config) (Challenge, bool) {
	if !pol.CaptchaEnabled {
		return Challenge{}, false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	key := keylock.Key{ChatID: chatID, UserID: userID}
	if existing, ok := g.challenges[key]; ok && existing.state == StatePending && now.Before(existing.Deadline) {
		return *existing, false
	}

	ch := &Challenge{
		ChatID:   chatID,
		UserID:   userID,
		Nonce:    uuid.New(),
		Answer:   answerVariants[rand.Intn(len(answerVariants))],
		Deadline: now.Add(pol.CaptchaTimeout),
		state:    StatePending,
	}
	g.challenges[key] = ch
	return *ch, true
}

// Solve applies a verification attempt. The nonce ties the attempt to
// one concrete challenge, so a keyboard from a superseded challenge
// cannot act on the current one. Deadline passage is detected here
// lazily; a late attempt fails the challenge.
func (g *Gate) Solve(chatID, userID int64, nonce, answer string, now time.Time, pol policy.Config) SolveResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := keylock.Key{ChatID: chatID, UserID: userID}
	ch, ok := g.challenges[key]
	if !ok || ch.state != StatePending || ch.Nonce != nonce {
		return SolveResult{Outcome: OutcomeNone}
	}

	if !now.Before(ch.Deadline) {
		delete(g.challenges, key)
		return SolveResult{Outcome: OutcomeFailed}
	}

	if answer == ch.Answer {
		ch.state = StateVerified
		ch.verifiedAt = now
		return SolveResult{Outcome: OutcomeVerified}
	}

	ch.Attempts++
	if ch.Attempts >= pol.CaptchaMaxAttempts {
		delete(g.challenges, key)
		return SolveResult{Outcome: OutcomeFailed}
	}
	return SolveResult{Outcome: OutcomeRetry, AttemptsLeft: pol.CaptchaMaxAttempts - ch.Attempts}
}

// Check classifies a message from the key's user. Pre-verification
// messages are suppressed and must not feed flood detection.
func (g *Gate) Check(chatID, userID int64, now time.Time) Disposition {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := keylock.Key{ChatID: chatID, UserID: userID}
	ch, ok := g.challenges[key]
	if !ok {
		return DispositionClear
	}

	switch ch.state {
	case StateVerified:
		if now.Sub(ch.verifiedAt) > verifiedGrace {
			delete(g.challenges, key)
		}
		return DispositionClear
	case StatePending:
		if !now.Before(ch.Deadline) {
			delete(g.challenges, key)
			return DispositionExpired
		}
		return DispositionSuppress
	default:
		delete(g.challenges, key)
		return DispositionClear
	}
}

// Pending reports whether the key currently holds a live challenge.
func (g *Gate) Pending(chatID, userID int64, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	ch, ok := g.challenges[keylock.Key{ChatID: chatID, UserID: userID}]
	return ok && ch.state == StatePending && now.Before(ch.Deadline)
}

// ExpireDue finalizes all overdue PENDING challenges to FAILED and
// returns them; verified entries past their grace are dropped silently.
func (g *Gate) ExpireDue(now time.Time) []Challenge {
	g.mu.Lock()
	defer g.mu.Unlock()

	var failed []Challenge
	for key, ch := range g.challenges {
		switch ch.state {
		case StatePending:
			if !now.Before(ch.Deadline) {
				ch.state = StateFailed
				failed = append(failed, *ch)
				delete(g.challenges, key)
			}
		case StateVerified:
			if now.Sub(ch.verifiedAt) > verifiedGrace {
				delete(g.challenges, key)
			}
		}
	}
	return failed
}

func (g *Gate) Start(ctx context.Context) error {
	g.startStopMutex.Lock()
	defer g.startStopMutex.Unlock()
	if g.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	g.workerCancel = cancel

	g.workerWG.Add(1)
	go func() {
		defer g.workerWG.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				for _, ch := range g.ExpireDue(g.clk.Now()) {
					g.getLogEntry().WithFields(log.Fields{
						"chat_id": ch.ChatID,
						"user_id": ch.UserID,
					}).Info("challenge expired")
					if g.onExpire != nil {
						g.onExpire(runCtx, ch)
					}
				}
			}
		}
	}()

	g.started = true
	return nil
}

func (g *Gate) Stop(ctx context.Context) error {
	g.startStopMutex.Lock()
	if !g.started {
		g.startStopMutex.Unlock()
		return nil
	}
	g.started = false
	cancel := g.workerCancel
	g.startStopMutex.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		g.workerWG.Wait()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (g *Gate) getLogEntry() *log.Entry {
	if g.logger == nil {
		g.logger = log.WithField("context", "captcha_gate")
	}
	return g.logger
}
