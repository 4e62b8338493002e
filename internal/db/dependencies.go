package db

import "context"

type Client interface {
	Close() error

	GetSettings(ctx context.Context, chatID int64) (*Settings, error)
	SetSettings(ctx context.Context, settings *Settings) error

	GetWarn(ctx context.Context, chatID, userID int64) (*WarnRecord, error)
	UpsertWarn(ctx context.Context, record *WarnRecord) error
	DeleteWarn(ctx context.Context, chatID, userID int64) error
	DeleteExpiredWarns(ctx context.Context, nowNS int64) (int64, error)

	AddAudit(ctx context.Context, record *AuditRecord) error
	GetRecentAudits(ctx context.Context, chatID int64, limit int) ([]*AuditRecord, error)
}
