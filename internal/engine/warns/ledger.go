package warns

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/modguard/internal/db"
	"github.com/iamwavecut/modguard/internal/engine/keylock"
	"github.com/iamwavecut/modguard/internal/policy"
)

// Store persists warn records across restarts. Persistence is
// write-through and best-effort: the in-memory ledger stays
// authoritative when the store misbehaves.
type Store interface {
	GetWarn(ctx context.Context, chatID, userID int64) (*db.WarnRecord, error)
	UpsertWarn(ctx context.Context, record *db.WarnRecord) error
	DeleteWarn(ctx context.Context, chatID, userID int64) error
	DeleteExpiredWarns(ctx context.Context, nowNS int64) (int64, error)
}

type record struct {
	count      int
	lastWarnAt time.Time
	expiresAt  time.Time
	loaded     bool
}

type Result struct {
	Count     int
	Escalated bool
	Action    policy.Action
}

// Ledger tracks per-(chat,user) warning counts with lazy expiry.
// Warn traffic comes from the moderation command path, so one mutex
// over the whole ledger is enough.
type Ledger struct {
	store Store

	mu      sync.Mutex
	records map[keylock.Key]*record
	logger  *log.Entry
}

func NewLedger(store Store) *Ledger {
	return &Ledger{
		store:   store,
		records: map[keylock.Key]*record{},
	}
}

// AddWarn increments the count and reports escalation. Reaching the
// warn limit consumes the ledger: the count resets to zero on the same
// call that escalates.
func (l *Ledger) AddWarn(ctx context.Context, chatID, userID int64, now time.Time, pol policy.Config) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := keylock.Key{ChatID: chatID, UserID: userID}
	rec := l.load(ctx, key, now)

	rec.count++
	rec.lastWarnAt = now
	if pol.WarnExpiry > 0 {
		rec.expiresAt = now.Add(pol.WarnExpiry)
	} else {
		rec.expiresAt = time.Time{}
	}

	if pol.WarnsEnabled && rec.count >= pol.WarnLimit {
		count := rec.count
		delete(l.records, key)
		l.persistDelete(ctx, key)
		return Result{Count: count, Escalated: true, Action: pol.WarnAction}
	}

	l.persist(ctx, key, rec)
	return Result{Count: rec.count}
}

// RemoveWarn decrements with a floor of zero. It never retroactively
// un-escalates.
func (l *Ledger) RemoveWarn(ctx context.Context, chatID, userID int64, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := keylock.Key{ChatID: chatID, UserID: userID}
	rec := l.load(ctx, key, now)

	if rec.count > 0 {
		rec.count--
	}
	if rec.count == 0 {
		delete(l.records, key)
		l.persistDelete(ctx, key)
		return 0
	}

	l.persist(ctx, key, rec)
	return rec.count
}

// Count reads the current warn count; an expired record reads as zero
// without requiring a prior write.
func (l *Ledger) Count(ctx context.Context, chatID, userID int64, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(ctx, keylock.Key{ChatID: chatID, UserID: userID}, now).count
}

// Sweep finalizes expired records to bound memory.
func (l *Ledger) Sweep(ctx context.Context, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, rec := range l.records {
		if !rec.expiresAt.IsZero() && now.After(rec.expiresAt) {
			delete(l.records, key)
		}
	}
	if l.store == nil {
		return
	}
	if _, err := l.store.DeleteExpiredWarns(ctx, now.UnixNano()); err != nil {
		l.getLogEntry().WithField("error", err.Error()).Warn("cant sweep expired warns")
	}
}

func (l *Ledger) load(ctx context.Context, key keylock.Key, now time.Time) *record {
	rec, ok := l.records[key]
	if !ok {
		rec = &record{}
		l.records[key] = rec
	}
	if !rec.loaded {
		rec.loaded = true
		l.hydrate(ctx, key, rec)
	}
	if !rec.expiresAt.IsZero() && now.After(rec.expiresAt) {
		rec.count = 0
		rec.expiresAt = time.Time{}
	}
	return rec
}

func (l *Ledger) hydrate(ctx context.Context, key keylock.Key, rec *record) {
	if l.store == nil {
		return
	}
	stored, err := l.store.GetWarn(ctx, key.ChatID, key.UserID)
	if err != nil {
		l.getLogEntry().WithFields(log.Fields{
			"error":   err.Error(),
			"chat_id": key.ChatID,
			"user_id": key.UserID,
		}).Warn("cant hydrate warn record")
		return
	}
	if stored == nil {
		return
	}
	rec.count = stored.Count
	rec.lastWarnAt = stored.LastWarnAt()
	if stored.ExpiresAtNS > 0 {
		rec.expiresAt = time.Unix(0, stored.ExpiresAtNS)
	}
}

func (l *Ledger) persist(ctx context.Context, key keylock.Key, rec *record) {
	if l.store == nil {
		return
	}
	stored := &db.WarnRecord{
		ChatID:       key.ChatID,
		UserID:       key.UserID,
		Count:        rec.count,
		LastWarnAtNS: rec.lastWarnAt.UnixNano(),
	}
	if !rec.expiresAt.IsZero() {
		stored.ExpiresAtNS = rec.expiresAt.UnixNano()
	}
	if err := l.store.UpsertWarn(ctx, stored); err != nil {
		l.getLogEntry().WithField("error", err.Error()).Warn("cant persist warn record")
	}
}

func (l *Ledger) persistDelete(ctx context.Context, key keylock.Key) {
	if l.store == nil {
		return
	}
	if err := l.store.DeleteWarn(ctx, key.ChatID, key.UserID); err != nil {
		l.getLogEntry().WithField("error", err.Error()).Warn("cant delete warn record")
	}
}

func (l *Ledger) getLogEntry() *log.Entry {
	if l.logger == nil {
		l.logger = log.WithField("context", "warn_ledger")
	}
	return l.logger
}
