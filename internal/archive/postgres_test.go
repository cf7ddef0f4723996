package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/voicetutor/internal/voice"
)

// ---------------------------------------------------------------------------
// Test helpers — mock DB types
// ---------------------------------------------------------------------------

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

type mockRows struct {
	data   [][]any
	idx    int
	err    error
	closed bool
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *time.Time:
			*d = v.(time.Time)
		case *int:
			*d = v.(int)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{scanFunc: func(...any) error { return pgx.ErrNoRows }}
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

var entryTime = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func sampleEntry() voice.ArchiveEntry {
	return voice.ArchiveEntry{
		SessionID: "session-1",
		StudentID: "student-1",
		SubjectID: "cs101",
		Utterance: voice.Utterance{
			ID:        "u-1",
			Role:      voice.RoleUser,
			Text:      "explain loops",
			Timestamp: entryTime,
		},
	}
}

// ---------------------------------------------------------------------------
// PostgresStore
// ---------------------------------------------------------------------------

func TestPostgresStore_Migrate(t *testing.T) {
	t.Parallel()

	var executed string
	db := &mockDB{execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
		executed = sql
		return pgconn.CommandTag{}, nil
	}}
	if err := NewPostgresStore(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if executed != Schema {
		t.Error("Migrate should execute the schema DDL")
	}

	db.execFunc = func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, errors.New("permission denied")
	}
	err := NewPostgresStore(db).Migrate(context.Background())
	if err == nil || !strings.Contains(err.Error(), "archive: migrate") {
		t.Errorf("Migrate error = %v, want wrapped failure", err)
	}
}

func TestPostgresStore_Append(t *testing.T) {
	t.Parallel()

	var gotSQL string
	var gotArgs []any
	db := &mockDB{execFunc: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		gotSQL, gotArgs = sql, args
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}}
	if err := NewPostgresStore(db).Append(context.Background(), sampleEntry()); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if !strings.Contains(gotSQL, "ON CONFLICT (utterance_id) DO NOTHING") {
		t.Error("Append should be idempotent per utterance")
	}
	want := []any{"u-1", "session-1", "student-1", "cs101", "user", "explain loops", entryTime}
	if len(gotArgs) != len(want) {
		t.Fatalf("args = %v, want %v", gotArgs, want)
	}
	for i := range want {
		if gotArgs[i] != want[i] {
			t.Errorf("arg %d = %v, want %v", i, gotArgs[i], want[i])
		}
	}
}

func TestPostgresStore_AppendError(t *testing.T) {
	t.Parallel()

	db := &mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, errors.New("connection reset")
	}}
	err := NewPostgresStore(db).Append(context.Background(), sampleEntry())
	if err == nil || !strings.Contains(err.Error(), `archive: append "u-1"`) {
		t.Errorf("err = %v", err)
	}
}

func TestPostgresStore_Session(t *testing.T) {
	t.Parallel()

	rows := &mockRows{data: [][]any{
		{"u-1", "session-1", "student-1", "cs101", "user", "explain loops", entryTime},
		{"u-2", "session-1", "student-1", "cs101", "agent", "A loop repeats.", entryTime.Add(time.Second)},
	}}
	db := &mockDB{queryFunc: func(_ context.Context, _ string, args ...any) (pgx.Rows, error) {
		if args[0] != "session-1" {
			t.Errorf("session arg = %v", args[0])
		}
		return rows, nil
	}}

	got, err := NewPostgresStore(db).Session(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entries = %d, want 2", len(got))
	}
	if got[1].Utterance.Role != voice.RoleAgent || got[1].Utterance.Text != "A loop repeats." {
		t.Errorf("second entry = %+v", got[1])
	}
	if !got[0].Utterance.Timestamp.Equal(entryTime) {
		t.Errorf("timestamp = %v", got[0].Utterance.Timestamp)
	}
	if !rows.closed {
		t.Error("rows should be closed")
	}
}

func TestPostgresStore_SessionRowsError(t *testing.T) {
	t.Parallel()

	db := &mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
		return &mockRows{err: errors.New("stream broke")}, nil
	}}
	if _, err := NewPostgresStore(db).Session(context.Background(), "s"); err == nil {
		t.Error("expected rows error to surface")
	}
}

func TestPostgresStore_Ping(t *testing.T) {
	t.Parallel()

	ok := &mockDB{queryRowFunc: func(context.Context, string, ...any) pgx.Row {
		return &mockRow{scanFunc: func(dest ...any) error {
			*dest[0].(*int) = 1
			return nil
		}}
	}}
	if err := NewPostgresStore(ok).Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if err := NewPostgresStore(&mockDB{}).Ping(context.Background()); err == nil {
		t.Error("expected ping failure")
	}
}
