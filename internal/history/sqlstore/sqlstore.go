// Package sqlstore keeps step_history rows in any database/sql backend.
// The sqlite and postgres sinks differ only in driver, column types and
// placeholder syntax, which a Dialect captures.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/loykin/mt5prov/internal/history"
)

// DefaultLimit caps Recent when the caller passes a non-positive limit.
const DefaultLimit = 50

type Dialect struct {
	// TimeType and IntType name the column types for occurred_at and duration_ms.
	TimeType string
	Now      string
	IntType  string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
	// Tiebreak is appended to ORDER BY for rows sharing a timestamp.
	Tiebreak string
}

func QuestionMarks(int) string { return "?" }
func Dollar(n int) string      { return fmt.Sprintf("$%d", n) }

type Store struct {
	db     *sql.DB
	insert string
	recent string
}

// Open connects with driver and creates the table and index when missing.
func Open(driver, dsn string, d Dialect) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	return New(db, d)
}

// New wraps an open handle. The handle is closed when the schema cannot be applied.
func New(db *sql.DB, d Dialect) (*Store, error) {
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS step_history(
			occurred_at %s NOT NULL DEFAULT %s,
			run_id TEXT NOT NULL,
			step TEXT NOT NULL,
			outcome TEXT NOT NULL,
			duration_ms %s NOT NULL DEFAULT 0,
			error TEXT
		)`, d.TimeType, d.Now, d.IntType),
		`CREATE INDEX IF NOT EXISTS idx_step_history_run ON step_history(run_id)`,
	}
	for _, q := range ddl {
		if _, err := db.ExecContext(context.Background(), q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("step_history schema: %w", err)
		}
	}
	marks := make([]string, 6)
	for i := range marks {
		marks[i] = d.Placeholder(i + 1)
	}
	order := "occurred_at DESC"
	if d.Tiebreak != "" {
		order += ", " + d.Tiebreak
	}
	return &Store{
		db: db,
		insert: "INSERT INTO step_history(occurred_at, run_id, step, outcome, duration_ms, error) VALUES(" +
			strings.Join(marks, ", ") + ")",
		recent: "SELECT occurred_at, run_id, step, outcome, duration_ms, error FROM step_history ORDER BY " +
			order + " LIMIT " + d.Placeholder(1),
	}, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Send(ctx context.Context, e history.Event) error {
	var errText sql.NullString
	if e.Error != "" {
		errText = sql.NullString{String: e.Error, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.insert,
		e.OccurredAt.UTC(), e.RunID, e.Step, e.Outcome, e.Duration.Milliseconds(), errText)
	return err
}

// Recent returns up to limit events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx, s.recent, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []history.Event
	for rows.Next() {
		var (
			e       history.Event
			ms      int64
			errText sql.NullString
		)
		if err := rows.Scan(&e.OccurredAt, &e.RunID, &e.Step, &e.Outcome, &ms, &errText); err != nil {
			return nil, err
		}
		e.Duration = time.Duration(ms) * time.Millisecond
		e.Error = errText.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
