// Package pg backs the session store with Postgres for managed-mode
// deployments. The same sessionstore.Store interface as the default file
// backend; the entry log lives in one append-only table keyed by session id
// and ordered by a sequence column, and the Session Index is derived from the headers table
// rather than persisted separately.
package pg

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"

	"github.com/nextlevelbuilder/webbrain/internal/kernelerr"
	"github.com/nextlevelbuilder/webbrain/internal/sessionstore"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is the Postgres sessionstore.Store implementation.
type Store struct {
	pool *pgxpool.Pool
}

// New connects, migrates, and returns the store.
func New(ctx context.Context, dsn string) (*Store, error) {
	if err := runMigrations(dsn); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: connect: %w", err)
	}
	return &Store{pool: pool}, nil
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("pg: open for migrate: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "webbrain_schema_migrations"})
	if err != nil {
		return fmt.Errorf("pg: migrate driver: %w", err)
	}
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("pg: migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("pg: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("pg: migrate up: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

func (s *Store) CreateSession(header sessionstore.Header) (sessionstore.Header, error) {
	if header.ID == "" {
		header.ID = uuid.NewString()
	}
	now := time.Now()
	if header.CreatedAt.IsZero() {
		header.CreatedAt = now
	}
	header.UpdatedAt = now

	var forked []byte
	if header.ForkedFrom != nil {
		forked, _ = json.Marshal(header.ForkedFrom)
	}

	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO session_headers (id, title, title_source, created_at, updated_at, parent_session_id, forked_from)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)`,
		header.ID, header.Title, header.TitleSource, header.CreatedAt, header.UpdatedAt,
		header.ParentSessionID, forked)
	if err != nil {
		return sessionstore.Header{}, fmt.Errorf("pg: create session: %w", err)
	}
	return header, nil
}

func (s *Store) GetHeader(sessionID string) (sessionstore.Header, error) {
	var (
		header   sessionstore.Header
		parentID sql.NullString
		forked   []byte
	)
	err := s.pool.QueryRow(context.Background(),
		`SELECT id, title, title_source, created_at, updated_at, parent_session_id, forked_from
		 FROM session_headers WHERE id = $1`, sessionID).
		Scan(&header.ID, &header.Title, &header.TitleSource, &header.CreatedAt,
			&header.UpdatedAt, &parentID, &forked)
	if err != nil {
		return sessionstore.Header{}, kernelerr.New(kernelerr.CodeSessionNotFound, "session not found: "+sessionID)
	}
	header.ParentSessionID = parentID.String
	if len(forked) > 0 {
		var fi sessionstore.ForkInfo
		if json.Unmarshal(forked, &fi) == nil {
			header.ForkedFrom = &fi
		}
	}
	return header, nil
}

func (s *Store) ListSessions() ([]sessionstore.IndexEntry, error) {
	rows, err := s.pool.Query(context.Background(),
		`SELECT id, created_at, updated_at FROM session_headers ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("pg: list sessions: %w", err)
	}
	defer rows.Close()

	var out []sessionstore.IndexEntry
	for rows.Next() {
		var ie sessionstore.IndexEntry
		if err := rows.Scan(&ie.ID, &ie.CreatedAt, &ie.UpdatedAt); err != nil {
			return nil, fmt.Errorf("pg: scan session row: %w", err)
		}
		out = append(out, ie)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSession(sessionID string) error {
	tag, err := s.pool.Exec(context.Background(),
		`DELETE FROM session_headers WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("pg: delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return kernelerr.New(kernelerr.CodeSessionNotFound, "session not found: "+sessionID)
	}
	return nil
}

func (s *Store) AppendMessage(sessionID string, msg sessionstore.MessageAppend) (sessionstore.Entry, error) {
	e := sessionstore.Entry{
		ID:         uuid.NewString(),
		Type:       sessionstore.EntryTypeMessage,
		Timestamp:  time.Now(),
		ParentID:   msg.ParentID,
		Role:       msg.Role,
		Text:       msg.Text,
		ToolCallID: msg.ToolCallID,
		ToolName:   msg.ToolName,
	}
	return s.append(sessionID, e)
}

func (s *Store) AppendToolCall(sessionID, parentID string, call sessionstore.ToolCallSpec) (sessionstore.Entry, error) {
	e := sessionstore.Entry{
		ID:        uuid.NewString(),
		Type:      sessionstore.EntryTypeToolCall,
		Timestamp: time.Now(),
		ParentID:  parentID,
		ToolCall:  &call,
	}
	return s.append(sessionID, e)
}

func (s *Store) AppendCompaction(sessionID string, c sessionstore.CompactionAppend) (sessionstore.Entry, error) {
	e := sessionstore.Entry{
		ID:              uuid.NewString(),
		Type:            sessionstore.EntryTypeCompaction,
		Timestamp:       time.Now(),
		Summary:         c.Summary,
		CutPointEntryID: c.CutPointEntryID,
		TokensBefore:    c.TokensBefore,
		TokensAfter:     c.TokensAfter,
		Reason:          c.Reason,
	}
	return s.append(sessionID, e)
}

func (s *Store) append(sessionID string, e sessionstore.Entry) (sessionstore.Entry, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return sessionstore.Entry{}, fmt.Errorf("pg: marshal entry: %w", err)
	}

	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return sessionstore.Entry{}, fmt.Errorf("pg: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE session_headers SET updated_at = $2 WHERE id = $1`, sessionID, e.Timestamp)
	if err != nil {
		return sessionstore.Entry{}, fmt.Errorf("pg: touch header: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sessionstore.Entry{}, kernelerr.New(kernelerr.CodeSessionNotFound, "session not found: "+sessionID)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO session_entries (id, session_id, entry, created_at) VALUES ($1, $2, $3, $4)`,
		e.ID, sessionID, payload, e.Timestamp); err != nil {
		return sessionstore.Entry{}, fmt.Errorf("pg: insert entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return sessionstore.Entry{}, fmt.Errorf("pg: commit: %w", err)
	}
	return e, nil
}

func (s *Store) GetEntries(sessionID string) ([]sessionstore.Entry, error) {
	if _, err := s.GetHeader(sessionID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(context.Background(),
		`SELECT entry FROM session_entries WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("pg: get entries: %w", err)
	}
	defer rows.Close()

	var out []sessionstore.Entry
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("pg: scan entry: %w", err)
		}
		var e sessionstore.Entry
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, kernelerr.New(kernelerr.CodeLogCorrupt, "entry decode failed: "+err.Error())
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) RefreshTitle(sessionID, title, source string) error {
	tag, err := s.pool.Exec(context.Background(),
		`UPDATE session_headers SET title = $2, title_source = $3, updated_at = $4 WHERE id = $1`,
		sessionID, title, source, time.Now())
	if err != nil {
		return fmt.Errorf("pg: refresh title: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return kernelerr.New(kernelerr.CodeSessionNotFound, "session not found: "+sessionID)
	}
	return nil
}

var _ sessionstore.Store = (*Store)(nil)
