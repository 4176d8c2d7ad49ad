package bridge

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteAudit persists invoke audit records in a local SQLite database.
type SQLiteAudit struct {
	db *sql.DB
}

// NewSQLiteAudit opens (creating if needed) the audit database at path.
func NewSQLiteAudit(path string) (*SQLiteAudit, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("bridge: open audit db: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS invoke_audit (
			id          TEXT NOT NULL,
			session_id  TEXT NOT NULL,
			agent_id    TEXT,
			tool        TEXT NOT NULL,
			args        TEXT,
			ok          INTEGER NOT NULL,
			error_code  TEXT,
			started_at  TEXT NOT NULL,
			duration_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_invoke_audit_session ON invoke_audit(session_id, started_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("bridge: init audit schema: %w", err)
	}
	return &SQLiteAudit{db: db}, nil
}

func (a *SQLiteAudit) Log(rec AuditRecord) error {
	args, err := json.Marshal(rec.Args)
	if err != nil {
		args = []byte("{}")
	}
	_, err = a.db.Exec(
		`INSERT INTO invoke_audit (id, session_id, agent_id, tool, args, ok, error_code, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.AgentID, rec.Tool, string(args),
		boolToInt(rec.OK), rec.ErrorCode, rec.StartedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("bridge: audit insert: %w", err)
	}
	return nil
}

func (a *SQLiteAudit) Close() error { return a.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
