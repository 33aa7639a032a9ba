// Package records keeps one durable row per call, independent of the cache TTL.
package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrCallNotFound = errors.New("call record not found")

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Record struct {
	ID             int64      `json:"id"`
	CallSID        string     `json:"call_sid"`
	FromNumber     string     `json:"from_number"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	Transcript     string     `json:"transcript"`
	AlertTriggered bool       `json:"alert_triggered"`
}

type Store struct {
	db DB
}

func New(db DB) *Store { return &Store{db: db} }

// Open connects a pool and verifies it with a ping.
func Open(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// CreateCall inserts the row for a starting call and returns its durable id.
func (s *Store) CreateCall(ctx context.Context, callSID, origin string, startedAt time.Time) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx,
		`INSERT INTO calls (call_sid, from_number, started_at) VALUES ($1, $2, $3) RETURNING id`,
		callSID, origin, startedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert call %s: %w", callSID, err)
	}
	return id, nil
}

// UpdateTranscript overwrites the stored transcript with the full text so far.
func (s *Store) UpdateTranscript(ctx context.Context, id int64, transcript string) error {
	return s.exec(ctx, id, `UPDATE calls SET transcript = $2 WHERE id = $1`, id, transcript)
}

func (s *Store) EndCall(ctx context.Context, id int64, transcript string, endedAt time.Time) error {
	return s.exec(ctx, id, `UPDATE calls SET transcript = $2, ended_at = $3 WHERE id = $1`, id, transcript, endedAt)
}

func (s *Store) MarkAlert(ctx context.Context, id int64) error {
	return s.exec(ctx, id, `UPDATE calls SET alert_triggered = TRUE WHERE id = $1`, id)
}

func (s *Store) Get(ctx context.Context, id int64) (Record, error) {
	var r Record
	var from *string
	err := s.db.QueryRow(ctx,
		`SELECT id, call_sid, from_number, started_at, ended_at, transcript, alert_triggered FROM calls WHERE id = $1`,
		id,
	).Scan(&r.ID, &r.CallSID, &from, &r.StartedAt, &r.EndedAt, &r.Transcript, &r.AlertTriggered)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrCallNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get call %d: %w", id, err)
	}
	if from != nil {
		r.FromNumber = *from
	}
	return r, nil
}

func (s *Store) exec(ctx context.Context, id int64, sql string, args ...any) error {
	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update call %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCallNotFound
	}
	return nil
}
