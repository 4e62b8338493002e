package event

import (
	"context"

	log "github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/iamwavecut/modguard/internal/db"
	"github.com/iamwavecut/modguard/internal/observability"
)

func (b *AuditBus) Start(ctx context.Context) error {
	b.startStopMutex.Lock()
	defer b.startStopMutex.Unlock()
	if b.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.workerCancel = cancel

	b.workerWG.Add(1)
	go func() {
		defer b.workerWG.Done()
		b.getLogEntry().Trace("audit worker go")
		for {
			select {
			case <-runCtx.Done():
				b.drain(runCtx)
				b.getLogEntry().Info("shutting down audit worker by cancelled context")
				return
			case record := <-b.q:
				b.write(runCtx, record)
			}
		}
	}()

	b.started = true
	return nil
}

func (b *AuditBus) Stop(ctx context.Context) error {
	b.startStopMutex.Lock()
	if !b.started {
		b.startStopMutex.Unlock()
		return nil
	}
	b.started = false
	cancel := b.workerCancel
	b.startStopMutex.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.workerWG.Wait()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// drain flushes whatever is still queued at shutdown so enforcement
// already carried out stays accounted for.
func (b *AuditBus) drain(ctx context.Context) {
	for {
		select {
		case record := <-b.q:
			b.write(ctx, record)
		default:
			return
		}
	}
}

func (b *AuditBus) write(ctx context.Context, record *db.AuditRecord) {
	if logger := observability.Logger; logger != nil {
		logger.Info("audit",
			zap.String("id", record.ID),
			zap.Int64("chat_id", record.ChatID),
			zap.Int64("user_id", record.UserID),
			zap.String("action", record.Action),
			zap.String("reason", record.Reason),
		)
	}
	if b.store == nil {
		return
	}
	if err := b.store.AddAudit(context.WithoutCancel(ctx), record); err != nil {
		b.getLogEntry().WithFields(log.Fields{
			"error":  err.Error(),
			"action": record.Action,
		}).Warn("cant persist audit record")
	}
}
