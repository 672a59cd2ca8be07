package agentstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ---------------------------------------------------------------------------
// Test helpers — mock DB types
// ---------------------------------------------------------------------------

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

type mockRows struct {
	data    [][]any
	idx     int
	err     error
	scanErr error
}

func (r *mockRows) Close()                                       {}
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return errors.New("scan: column count mismatch")
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *[]byte:
			*d = v.([]byte)
		case *time.Time:
			*d = v.(time.Time)
		case *int:
			*d = v.(int)
		case *bool:
			*d = v.(bool)
		case *float64:
			*d = v.(float64)
		default:
			return errors.New("scan: unsupported destination type")
		}
	}
	return nil
}

func (r *mockRows) Values() ([]any, error) { return nil, nil }

type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
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

// ---------------------------------------------------------------------------
// Validate tests
// ---------------------------------------------------------------------------

func TestRecord_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		rec     Record
		wantErr []string
	}{
		{name: "valid", rec: Record{ID: "a-1", Name: "Aria", MinSimilarity: 0.5}},
		{name: "missing id", rec: Record{Name: "Aria"}, wantErr: []string{"id must not be empty"}},
		{name: "missing name", rec: Record{ID: "a-1"}, wantErr: []string{"name must not be empty"}},
		{name: "negative max tool runs", rec: Record{ID: "a-1", Name: "Aria", MaxToolRuns: -1}, wantErr: []string{"max_tool_runs"}},
		{name: "out of range min similarity", rec: Record{ID: "a-1", Name: "Aria", MinSimilarity: 1.5}, wantErr: []string{"min_similarity"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.rec.Validate()
			if len(tc.wantErr) == 0 {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() expected error, got nil")
			}
			for _, substr := range tc.wantErr {
				if !strings.Contains(err.Error(), substr) {
					t.Errorf("error = %q, want substring %q", err.Error(), substr)
				}
			}
		})
	}
}

func TestRecord_MissingPlaceholders(t *testing.T) {
	t.Parallel()
	rec := Record{Prompt: "You are Aria. The time is {datetime}."}
	missing := rec.MissingPlaceholders()
	if len(missing) != 1 || missing[0] != "{memories}" {
		t.Errorf("MissingPlaceholders() = %v, want [{memories}]", missing)
	}

	full := Record{Prompt: "{datetime} {memories}"}
	if got := full.MissingPlaceholders(); len(got) != 0 {
		t.Errorf("MissingPlaceholders() = %v, want none", got)
	}
}

// ---------------------------------------------------------------------------
// PostgresStore tests
// ---------------------------------------------------------------------------

func TestPostgresStore_Create(t *testing.T) {
	t.Parallel()
	fixedTime := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		var capturedSQL string
		var capturedArgs []any

		db := &mockDB{
			queryRowFunc: func(_ context.Context, sql string, args ...any) pgx.Row {
				capturedSQL = sql
				capturedArgs = args
				return &mockRow{scanFunc: func(dest ...any) error {
					*(dest[0].(*time.Time)) = fixedTime
					*(dest[1].(*time.Time)) = fixedTime
					return nil
				}}
			},
		}

		store := NewPostgresStore(db)
		r := &Record{ID: "a-1", Name: "Aria", Prompt: "hi"}
		if err := store.Create(context.Background(), r); err != nil {
			t.Fatalf("Create() unexpected error: %v", err)
		}
		if !strings.Contains(capturedSQL, "INSERT INTO agent_records") {
			t.Errorf("SQL should contain INSERT, got: %s", capturedSQL)
		}
		if len(capturedArgs) != 11 {
			t.Errorf("expected 11 args, got %d", len(capturedArgs))
		}
		if r.CreatedAt != fixedTime || r.UpdatedAt != fixedTime {
			t.Errorf("timestamps not populated from scan")
		}
	})

	t.Run("validation error", func(t *testing.T) {
		t.Parallel()
		store := NewPostgresStore(&mockDB{})
		err := store.Create(context.Background(), &Record{})
		if err == nil || !strings.Contains(err.Error(), "id must not be empty") {
			t.Fatalf("Create() = %v, want validation error", err)
		}
	})

	t.Run("duplicate key", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{
			queryRowFunc: func(_ context.Context, _ string, _ ...any) pgx.Row {
				return &mockRow{scanFunc: func(_ ...any) error {
					return &pgconn.PgError{Code: "23505"}
				}}
			},
		}
		store := NewPostgresStore(db)
		err := store.Create(context.Background(), &Record{ID: "dup", Name: "Aria"})
		if err == nil || !strings.Contains(err.Error(), "already exists") {
			t.Fatalf("Create() = %v, want 'already exists'", err)
		}
	})
}

func TestPostgresStore_Get(t *testing.T) {
	t.Parallel()
	fixedTime := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	t.Run("found", func(t *testing.T) {
		t.Parallel()
		toolsJSON, _ := json.Marshal([]string{"search_web", "add_fact"})

		db := &mockDB{
			queryRowFunc: func(_ context.Context, _ string, _ ...any) pgx.Row {
				return &mockRow{scanFunc: func(dest ...any) error {
					*(dest[0].(*string)) = "a-1"
					*(dest[1].(*string)) = "Aria"
					*(dest[2].(*string)) = "hello"
					*(dest[3].(*[]byte)) = toolsJSON
					*(dest[4].(*int)) = 8
					*(dest[5].(*int)) = 4
					*(dest[6].(*float64)) = 0.65
					*(dest[7].(*bool)) = true
					*(dest[8].(*int)) = 6000
					*(dest[9].(*int)) = 2000
					*(dest[10].(*bool)) = false
					*(dest[11].(*time.Time)) = fixedTime
					*(dest[12].(*time.Time)) = fixedTime
					return nil
				}}
			},
		}
		store := NewPostgresStore(db)
		got, err := store.Get(context.Background(), "a-1")
		if err != nil {
			t.Fatalf("Get() unexpected error: %v", err)
		}
		if got == nil {
			t.Fatal("Get() = nil, want a record")
		}
		if len(got.EnabledTools) != 2 || got.EnabledTools[0] != "search_web" {
			t.Errorf("EnabledTools = %+v", got.EnabledTools)
		}
		if got.MinSimilarity != 0.65 || !got.ContextCompression {
			t.Errorf("got = %+v", got)
		}
	})

	t.Run("not found", func(t *testing.T) {
		t.Parallel()
		store := NewPostgresStore(&mockDB{})
		got, err := store.Get(context.Background(), "missing")
		if err != nil {
			t.Fatalf("Get() unexpected error: %v", err)
		}
		if got != nil {
			t.Errorf("Get() = %+v, want nil", got)
		}
	})
}

func TestPostgresStore_Update(t *testing.T) {
	t.Parallel()

	t.Run("not found", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{
			queryRowFunc: func(_ context.Context, _ string, _ ...any) pgx.Row {
				return &mockRow{scanFunc: func(_ ...any) error { return pgx.ErrNoRows }}
			},
		}
		store := NewPostgresStore(db)
		err := store.Update(context.Background(), &Record{ID: "missing", Name: "Aria"})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("Update() = %v, want ErrNotFound", err)
		}
	})

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		fixedTime := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
		db := &mockDB{
			queryRowFunc: func(_ context.Context, _ string, _ ...any) pgx.Row {
				return &mockRow{scanFunc: func(dest ...any) error {
					*(dest[0].(*time.Time)) = fixedTime
					return nil
				}}
			},
		}
		store := NewPostgresStore(db)
		r := &Record{ID: "a-1", Name: "Aria", Prompt: "new prompt"}
		if err := store.Update(context.Background(), r); err != nil {
			t.Fatalf("Update() unexpected error: %v", err)
		}
		if r.UpdatedAt != fixedTime {
			t.Errorf("UpdatedAt = %v, want %v", r.UpdatedAt, fixedTime)
		}
	})
}

func TestPostgresStore_Delete(t *testing.T) {
	t.Parallel()
	store := NewPostgresStore(&mockDB{})
	if err := store.Delete(context.Background(), "a-1"); err != nil {
		t.Fatalf("Delete() unexpected error: %v", err)
	}
}

func TestPostgresStore_List(t *testing.T) {
	t.Parallel()
	fixedTime := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	toolsJSON, _ := json.Marshal([]string{"search_web"})

	t.Run("excludes templates by default", func(t *testing.T) {
		t.Parallel()
		var capturedSQL string
		db := &mockDB{
			queryFunc: func(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
				capturedSQL = sql
				return &mockRows{data: [][]any{
					{"a-1", "Aria", "hi", toolsJSON, 8, 4, 0.65, true, 6000, 2000, false, fixedTime, fixedTime},
				}}, nil
			},
		}
		store := NewPostgresStore(db)
		got, err := store.List(context.Background(), false)
		if err != nil {
			t.Fatalf("List() unexpected error: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("len(got) = %d, want 1", len(got))
		}
		if !strings.Contains(capturedSQL, "WHERE is_template = false") {
			t.Errorf("SQL should exclude templates, got: %s", capturedSQL)
		}
	})

	t.Run("includes templates", func(t *testing.T) {
		t.Parallel()
		var capturedSQL string
		db := &mockDB{
			queryFunc: func(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
				capturedSQL = sql
				return &mockRows{data: [][]any{
					{"a-1", "Aria", "hi", toolsJSON, 8, 4, 0.65, true, 6000, 2000, false, fixedTime, fixedTime},
					{"tmpl-1", "Template", "hi", toolsJSON, 0, 0, 0.0, false, 0, 0, true, fixedTime, fixedTime},
				}}, nil
			},
		}
		store := NewPostgresStore(db)
		got, err := store.List(context.Background(), true)
		if err != nil {
			t.Fatalf("List() unexpected error: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("len(got) = %d, want 2", len(got))
		}
		if strings.Contains(capturedSQL, "WHERE") {
			t.Errorf("SQL should not filter, got: %s", capturedSQL)
		}
	})
}

func TestPostgresStore_Migrate(t *testing.T) {
	t.Parallel()
	var capturedSQL string
	db := &mockDB{
		execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
			capturedSQL = sql
			return pgconn.CommandTag{}, nil
		},
	}
	store := NewPostgresStore(db)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() unexpected error: %v", err)
	}
	if !strings.Contains(capturedSQL, "CREATE TABLE IF NOT EXISTS agent_records") {
		t.Errorf("Migrate() SQL = %q, want CREATE TABLE", capturedSQL)
	}
}
