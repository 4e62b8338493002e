package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iamwavecut/modguard/internal/engine/dispatch"
)

const sweepInterval = 30 * time.Second

// sweeper runs the periodic maintenance pass over the engine's
// in-memory state. Expired raid locks turn into UNLOCK dispatches so
// the transport side restriction is lifted as well.
type sweeper struct {
	engine *ModerationEngine

	workerCancel   context.CancelFunc
	workerWG       sync.WaitGroup
	startStopMutex sync.Mutex
	started        bool
}

func (s *sweeper) Start(ctx context.Context) error {
	s.startStopMutex.Lock()
	defer s.startStopMutex.Unlock()
	if s.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.workerCancel = cancel

	s.workerWG.Add(1)
	go func() {
		defer s.workerWG.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.engine.sweep(runCtx)
			}
		}
	}()

	s.started = true
	return nil
}

func (s *sweeper) Stop(ctx context.Context) error {
	s.startStopMutex.Lock()
	if !s.started {
		s.startStopMutex.Unlock()
		return nil
	}
	s.started = false
	cancel := s.workerCancel
	s.startStopMutex.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.workerWG.Wait()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (e *ModerationEngine) sweep(ctx context.Context) {
	now := e.clk.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for _, chatID := range e.raid.Sweep(now) {
			e.dispatcher.Dispatch(gctx, dispatch.Request{
				ChatID: chatID,
				Action: dispatch.ActionUnlock,
				Reason: "raid cooldown elapsed",
			})
		}
		return nil
	})
	g.Go(func() error {
		e.warns.Sweep(gctx, now)
		return nil
	})
	g.Go(func() error {
		e.flood.Sweep(now)
		return nil
	})
	g.Go(func() error {
		e.limiter.Sweep(now)
		return nil
	})
	_ = g.Wait()
}
