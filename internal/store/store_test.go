package store

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/observability"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, Config{
		Driver: DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "test.db"),
	}, nil, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// newMockStore wires a Store over sqlmock for error paths a real database
// file cannot produce.
func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s := &Store{
		db:     db,
		driver: DriverSQLite,
		logger: observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard}),
	}
	return s, mock
}

func TestMetaIncrRejectsNonNumericValue(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO meta").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("not-a-number"))

	_, err := s.MetaIncr(context.Background(), "counter", 1)
	if err == nil {
		t.Fatal("expected error for non-numeric counter value")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle"}, nil, nil)
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestOpenPostgresRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: DriverPostgres}, nil, nil)
	if err == nil {
		t.Fatal("expected error for postgres without DSN")
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(ctx, Config{Driver: DriverSQLite, DSN: path}, nil, nil)
	if err != nil {
		t.Fatalf("first Open() error = %v", err)
	}
	if err := s1.MetaSet(ctx, "k", "v"); err != nil {
		t.Fatalf("MetaSet() error = %v", err)
	}
	s1.Close()

	// Reopening the same file must tolerate the existing schema and keep
	// the data.
	s2, err := Open(ctx, Config{Driver: DriverSQLite, DSN: path}, nil, nil)
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	defer s2.Close()

	v, ok, err := s2.MetaGet(ctx, "k")
	if err != nil || !ok || v != "v" {
		t.Fatalf("MetaGet() = %q, %v, %v after reopen", v, ok, err)
	}
}

func TestRebindPostgres(t *testing.T) {
	s := &Store{driver: DriverPostgres}
	got := s.rebind(`INSERT INTO t (a, b) VALUES (?, ?) ON CONFLICT DO UPDATE SET a = ?`)
	want := `INSERT INTO t (a, b) VALUES ($1, $2) ON CONFLICT DO UPDATE SET a = $3`
	if got != want {
		t.Errorf("rebind() = %q, want %q", got, want)
	}

	s = &Store{driver: DriverSQLite}
	if got := s.rebind(`SELECT ?`); got != `SELECT ?` {
		t.Errorf("sqlite rebind() = %q, want untouched query", got)
	}
}

func TestMetaRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.MetaGet(ctx, "missing"); err != nil || ok {
		t.Fatalf("MetaGet(missing) = ok=%v, err=%v, want absent", ok, err)
	}

	if err := s.MetaSet(ctx, "schema_note", "v1"); err != nil {
		t.Fatalf("MetaSet() error = %v", err)
	}
	if err := s.MetaSet(ctx, "schema_note", "v2"); err != nil {
		t.Fatalf("MetaSet() overwrite error = %v", err)
	}
	v, ok, err := s.MetaGet(ctx, "schema_note")
	if err != nil || !ok {
		t.Fatalf("MetaGet() = ok=%v, err=%v", ok, err)
	}
	if v != "v2" {
		t.Errorf("MetaGet() = %q, want v2", v)
	}

	if err := s.MetaDelete(ctx, "schema_note"); err != nil {
		t.Fatalf("MetaDelete() error = %v", err)
	}
	if _, ok, _ := s.MetaGet(ctx, "schema_note"); ok {
		t.Error("key still present after MetaDelete")
	}
	// Deleting again is not an error.
	if err := s.MetaDelete(ctx, "schema_note"); err != nil {
		t.Errorf("MetaDelete(missing) error = %v", err)
	}
}

func TestMetaIncr(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.MetaIncr(ctx, "counter", 3)
	if err != nil {
		t.Fatalf("MetaIncr() error = %v", err)
	}
	if n != 3 {
		t.Errorf("fresh MetaIncr() = %d, want 3", n)
	}

	n, err = s.MetaIncr(ctx, "counter", -1)
	if err != nil {
		t.Fatalf("second MetaIncr() error = %v", err)
	}
	if n != 2 {
		t.Errorf("MetaIncr() = %d, want 2", n)
	}
}

func TestMetaDeletePrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"session:a", "session:b", "other"} {
		if err := s.MetaSet(ctx, key, "x"); err != nil {
			t.Fatalf("MetaSet(%q) error = %v", key, err)
		}
	}

	n, err := s.MetaDeletePrefix(ctx, "session:")
	if err != nil {
		t.Fatalf("MetaDeletePrefix() error = %v", err)
	}
	if n != 2 {
		t.Errorf("MetaDeletePrefix() = %d, want 2", n)
	}
	if _, ok, _ := s.MetaGet(ctx, "other"); !ok {
		t.Error("unrelated key was deleted")
	}
}
