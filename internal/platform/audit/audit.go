// Package audit persists case access entries produced by the audit
// middleware to the case_audit table.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crvs/deathform/internal/platform/middleware"
)

// writeTimeout bounds one insert; the request that produced the entry has
// already been answered.
const writeTimeout = 5 * time.Second

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Logger writes audit entries to Postgres. It implements
// middleware.AuditRecorder.
type Logger struct {
	db    execer
	newID func() uuid.UUID
}

// NewLogger creates a Logger backed by the given connection pool.
func NewLogger(pool *pgxpool.Pool) *Logger {
	return newLogger(pool)
}

func newLogger(db execer) *Logger {
	return &Logger{db: db, newID: uuid.New}
}

const insertEntry = `
	INSERT INTO case_audit (
		id, recorded_at, request_id, user_id, user_roles, facility,
		tracked_entity, action, target, method, path, ip_address, status_code
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`

// RecordAccess inserts one entry.
func (l *Logger) RecordAccess(entry middleware.AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	roles := entry.UserRoles
	if roles == nil {
		roles = []string{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	_, err := l.db.Exec(ctx, insertEntry,
		l.newID(), entry.Timestamp, entry.RequestID, entry.UserID, roles, entry.Facility,
		entry.TrackedEntity, entry.Action, entry.Target, entry.Method, entry.Path, entry.IPAddress, entry.StatusCode,
	)
	if err != nil {
		return fmt.Errorf("insert case audit entry: %w", err)
	}
	return nil
}
