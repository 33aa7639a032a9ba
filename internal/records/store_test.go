package records

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	execs    []execCall
	affected int64
	execErr  error
	nextID   int64
	rowErr   error
	record   *Record
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	if f.affected == 0 {
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{id: f.nextID, err: f.rowErr, rec: f.record}
}

type fakeRow struct {
	id  int64
	err error
	rec *Record
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if r.rec != nil && len(dest) == 7 {
		from := r.rec.FromNumber
		*dest[0].(*int64) = r.rec.ID
		*dest[1].(*string) = r.rec.CallSID
		*dest[2].(**string) = &from
		*dest[3].(*time.Time) = r.rec.StartedAt
		*dest[4].(**time.Time) = r.rec.EndedAt
		*dest[5].(*string) = r.rec.Transcript
		*dest[6].(*bool) = r.rec.AlertTriggered
		return nil
	}
	if p, ok := dest[0].(*int64); ok {
		*p = r.id
	}
	return nil
}

func TestCreateCallReturnsID(t *testing.T) {
	db := &fakeDB{nextID: 17}
	s := New(db)
	id, err := s.CreateCall(context.Background(), "CA1", "+1555", time.Now())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != 17 {
		t.Fatalf("expected id 17, got %d", id)
	}
}

func TestCreateCallWrapsError(t *testing.T) {
	boom := errors.New("connection refused")
	s := New(&fakeDB{rowErr: boom})
	if _, err := s.CreateCall(context.Background(), "CA1", "", time.Now()); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestUpdatesReportMissingRow(t *testing.T) {
	s := New(&fakeDB{affected: 0})
	ctx := context.Background()
	if err := s.UpdateTranscript(ctx, 1, "x"); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("expected ErrCallNotFound, got %v", err)
	}
	if err := s.MarkAlert(ctx, 1); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("expected ErrCallNotFound, got %v", err)
	}
}

func TestEndCallWritesTranscriptAndEnd(t *testing.T) {
	db := &fakeDB{affected: 1}
	s := New(db)
	end := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := s.EndCall(context.Background(), 9, "I fell", end); err != nil {
		t.Fatalf("end: %v", err)
	}
	if len(db.execs) != 1 {
		t.Fatalf("expected one exec, got %d", len(db.execs))
	}
	e := db.execs[0]
	if !strings.Contains(e.sql, "ended_at") {
		t.Fatalf("unexpected sql %q", e.sql)
	}
	if e.args[0] != int64(9) || e.args[1] != "I fell" || e.args[2] != end {
		t.Fatalf("unexpected args %v", e.args)
	}
}

func TestGetRecord(t *testing.T) {
	end := time.Date(2024, 1, 2, 3, 9, 0, 0, time.UTC)
	want := Record{ID: 4, CallSID: "CA4", FromNumber: "+1555", StartedAt: end.Add(-5 * time.Minute), EndedAt: &end, Transcript: "hi", AlertTriggered: true}
	s := New(&fakeDB{record: &want})
	got, err := s.Get(context.Background(), 4)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CallSID != "CA4" || got.FromNumber != "+1555" || got.EndedAt == nil || !got.AlertTriggered {
		t.Fatalf("unexpected record %+v", got)
	}

	s = New(&fakeDB{rowErr: pgx.ErrNoRows})
	if _, err := s.Get(context.Background(), 5); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("expected ErrCallNotFound, got %v", err)
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	b, err := migrations.ReadFile("migrations/00001_create_calls.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if !strings.Contains(string(b), "-- +goose Up") || !strings.Contains(string(b), "alert_triggered") {
		t.Fatalf("migration missing expected content")
	}
}
