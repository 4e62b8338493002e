package event

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/modguard/internal/db"
)

const queueCapacity = 4096

// AuditStore is the persistence sink for audit records.
type AuditStore interface {
	AddAudit(ctx context.Context, record *db.AuditRecord) error
}

// AuditBus decouples enforcement from audit persistence: producers
// emit without blocking and a single worker drains to the store.
// When the queue is full the record is logged and dropped rather than
// stalling the moderation path.
type AuditBus struct {
	store AuditStore
	q     chan *db.AuditRecord

	logger         *log.Entry
	workerCancel   context.CancelFunc
	workerWG       sync.WaitGroup
	startStopMutex sync.Mutex
	started        bool
}

func NewAuditBus(store AuditStore) *AuditBus {
	return &AuditBus{
		store: store,
		q:     make(chan *db.AuditRecord, queueCapacity),
	}
}

// Emit queues an audit record. Never blocks.
func (b *AuditBus) Emit(record *db.AuditRecord) {
	select {
	case b.q <- record:
	default:
		b.getLogEntry().WithFields(log.Fields{
			"action":  record.Action,
			"chat_id": record.ChatID,
			"user_id": record.UserID,
		}).Warn("audit queue full, dropping record")
	}
}

func (b *AuditBus) getLogEntry() *log.Entry {
	if b.logger == nil {
		b.logger = log.WithField("context", "audit_bus")
	}
	return b.logger
}
