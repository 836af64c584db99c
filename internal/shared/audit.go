package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// AuditLog is one committed workflow step stored in audit_logs.
type AuditLog struct {
	ActorID  int64
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AuditLogger writes records into audit_logs. It accepts a pool or a
// transaction.
type AuditLogger struct {
	db  execer
	now func() time.Time
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(db execer) *AuditLogger {
	return &AuditLogger{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Record persists the log entry. The actor falls back to the one carried by
// ctx and the timestamp to now.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.db == nil {
		return errors.New("audit logger not initialised")
	}
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	if log.ActorID == 0 {
		log.ActorID = ActorFromContext(ctx)
	}
	if log.At.IsZero() {
		log.At = l.now()
	}
	if log.Meta == nil {
		log.Meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	_, err = l.db.Exec(ctx, `INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		log.ActorID, log.Action, log.Entity, log.EntityID, metaJSON, log.At)
	return err
}
