package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"

	"github.com/iamwavecut/tool"
	"github.com/jmoiron/sqlx"
	migrate "github.com/rubenv/sql-migrate"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/iamwavecut/modguard/internal/db"
	"github.com/iamwavecut/modguard/internal/infra"
	"github.com/iamwavecut/modguard/resources"
)

type sqliteClient struct {
	db *sqlx.DB
}

func NewSQLiteClient(dbPath string) *sqliteClient {
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(infra.GetWorkDir(), dbPath)
	}
	dbx, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		log.WithError(err).Fatalln("cant open db")
	}
	dbx.SetMaxOpenConns(42)

	migrationsSource := &migrate.EmbedFileSystemMigrationSource{
		FileSystem: resources.FS,
		Root:       "migrations",
	}
	_, _, err = migrate.PlanMigration(dbx.DB, "sqlite3", migrationsSource, migrate.Up, 0)
	if err != nil {
		log.WithError(err).Fatalln("migrate plan failed")
	}

	n, err := migrate.Exec(dbx.DB, "sqlite3", migrationsSource, migrate.Up)
	if err != nil {
		log.WithError(err).WithField("migration", migrationsSource).Fatalln("migrate up failed")
	}
	if n > 0 {
		log.Infof("applied %d migrations!", n)
	}

	return &sqliteClient{db: dbx}
}

func (c *sqliteClient) Close() error {
	return c.db.Close()
}

func (c *sqliteClient) GetSettings(ctx context.Context, chatID int64) (*db.Settings, error) {
	res := &db.Settings{}
	err := c.db.GetContext(ctx, res, "SELECT * FROM chats WHERE id=?", chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return res, err
}

func (c *sqliteClient) SetSettings(ctx context.Context, settings *db.Settings) error {
	query := `
		INSERT INTO chats (
			id, enabled, language,
			flood_limit_override, flood_window_override_ns, flood_action_override,
			raid_limit_override, raid_window_override_ns, raid_cooldown_override_ns,
			warn_limit_override, warn_action_override, warn_expiry_override_ns,
			captcha_override, captcha_timeout_override_ns
		) VALUES (
			:id, :enabled, :language,
			:flood_limit_override, :flood_window_override_ns, :flood_action_override,
			:raid_limit_override, :raid_window_override_ns, :raid_cooldown_override_ns,
			:warn_limit_override, :warn_action_override, :warn_expiry_override_ns,
			:captcha_override, :captcha_timeout_override_ns
		)
		ON CONFLICT(id) DO UPDATE SET
			enabled=excluded.enabled,
			language=excluded.language,
			flood_limit_override=excluded.flood_limit_override,
			flood_window_override_ns=excluded.flood_window_override_ns,
			flood_action_override=excluded.flood_action_override,
			raid_limit_override=excluded.raid_limit_override,
			raid_window_override_ns=excluded.raid_window_override_ns,
			raid_cooldown_override_ns=excluded.raid_cooldown_override_ns,
			warn_limit_override=excluded.warn_limit_override,
			warn_action_override=excluded.warn_action_override,
			warn_expiry_override_ns=excluded.warn_expiry_override_ns,
			captcha_override=excluded.captcha_override,
			captcha_timeout_override_ns=excluded.captcha_timeout_override_ns;
	`
	return tool.Err(c.db.NamedExecContext(ctx, query, settings))
}

func (c *sqliteClient) GetWarn(ctx context.Context, chatID, userID int64) (*db.WarnRecord, error) {
	res := &db.WarnRecord{}
	err := c.db.GetContext(ctx, res, "SELECT * FROM warns WHERE chat_id=? AND user_id=?", chatID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return res, err
}

func (c *sqliteClient) UpsertWarn(ctx context.Context, record *db.WarnRecord) error {
	query := `
		INSERT INTO warns (chat_id, user_id, count, last_warn_at_ns, expires_at_ns)
		VALUES (:chat_id, :user_id, :count, :last_warn_at_ns, :expires_at_ns)
		ON CONFLICT(chat_id, user_id) DO UPDATE SET
			count=excluded.count,
			last_warn_at_ns=excluded.last_warn_at_ns,
			expires_at_ns=excluded.expires_at_ns;
	`
	return tool.Err(c.db.NamedExecContext(ctx, query, record))
}

func (c *sqliteClient) DeleteWarn(ctx context.Context, chatID, userID int64) error {
	_, err := c.db.ExecContext(ctx, "DELETE FROM warns WHERE chat_id=? AND user_id=?", chatID, userID)
	return err
}

func (c *sqliteClient) DeleteExpiredWarns(ctx context.Context, nowNS int64) (int64, error) {
	res, err := c.db.ExecContext(ctx, "DELETE FROM warns WHERE expires_at_ns > 0 AND expires_at_ns < ?", nowNS)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *sqliteClient) AddAudit(ctx context.Context, record *db.AuditRecord) error {
	query := `
		INSERT INTO audit_log (id, chat_id, user_id, action, reason, created_at_ns)
		VALUES (:id, :chat_id, :user_id, :action, :reason, :created_at_ns);
	`
	return tool.Err(c.db.NamedExecContext(ctx, query, record))
}

func (c *sqliteClient) GetRecentAudits(ctx context.Context, chatID int64, limit int) ([]*db.AuditRecord, error) {
	var records []*db.AuditRecord
	err := c.db.SelectContext(ctx, &records,
		"SELECT * FROM audit_log WHERE chat_id=? ORDER BY created_at_ns DESC LIMIT ?", chatID, limit)
	return records, err
}
