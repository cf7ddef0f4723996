// Package archive persists the tutoring conversation to PostgreSQL.
//
// The voice loop never waits on the database: sessions hand utterances to a
// [Recorder], which queues them and writes them in the background through a
// [Store]. Clearing a session's history does not delete archived rows.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/voicetutor/internal/voice"
)

// Schema is the SQL DDL for the voice_utterances table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS voice_utterances (
    utterance_id TEXT PRIMARY KEY,
    session_id   TEXT NOT NULL,
    student_id   TEXT NOT NULL DEFAULT '',
    subject_id   TEXT NOT NULL DEFAULT '',
    role         TEXT NOT NULL,
    text         TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_voice_utterances_session ON voice_utterances(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_voice_utterances_student ON voice_utterances(student_id, subject_id);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store writes archive entries.
type Store interface {
	Append(ctx context.Context, e voice.ArchiveEntry) error
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore returns a store using db. Call [PostgresStore.Migrate]
// before the first write.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the voice_utterances table and indexes if missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("archive: migrate: %w", err)
	}
	return nil
}

// Append inserts one utterance. Writing the same utterance twice is a no-op.
func (s *PostgresStore) Append(ctx context.Context, e voice.ArchiveEntry) error {
	const query = `
		INSERT INTO voice_utterances (
			utterance_id, session_id, student_id, subject_id, role, text, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (utterance_id) DO NOTHING`

	u := e.Utterance
	if _, err := s.db.Exec(ctx, query,
		u.ID, e.SessionID, e.StudentID, e.SubjectID, string(u.Role), u.Text, u.Timestamp,
	); err != nil {
		return fmt.Errorf("archive: append %q: %w", u.ID, err)
	}
	return nil
}

// Session returns every archived utterance of a session, oldest first.
func (s *PostgresStore) Session(ctx context.Context, sessionID string) ([]voice.ArchiveEntry, error) {
	const query = `
		SELECT utterance_id, session_id, student_id, subject_id, role, text, created_at
		FROM voice_utterances
		WHERE session_id = $1
		ORDER BY created_at, utterance_id`

	rows, err := s.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("archive: session %q: %w", sessionID, err)
	}
	defer rows.Close()

	var out []voice.ArchiveEntry
	for rows.Next() {
		var (
			e    voice.ArchiveEntry
			role string
			at   time.Time
		)
		if err := rows.Scan(
			&e.Utterance.ID, &e.SessionID, &e.StudentID, &e.SubjectID, &role, &e.Utterance.Text, &at,
		); err != nil {
			return nil, fmt.Errorf("archive: session scan: %w", err)
		}
		e.Utterance.Role = voice.Role(role)
		e.Utterance.Timestamp = at
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: session %q: %w", sessionID, err)
	}
	return out, nil
}

// Ping checks that the database answers queries.
func (s *PostgresStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("archive: ping: %w", err)
	}
	return nil
}
