// Package history records every dispatch in the run_log table.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the outcome of a recorded run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// DefaultLimit bounds Recent when the caller passes no limit.
const DefaultLimit = 50

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ErrRunNotFound is returned by Get for unknown ids.
var ErrRunNotFound = errors.New("run not found")

// Run is one dispatched command and its report.
type Run struct {
	ID          string    `json:"id"`
	Topic       string    `json:"topic"`
	ReportTopic string    `json:"report_topic"`
	Payload     *string   `json:"payload,omitempty"`
	Match       string    `json:"match"`
	Argv        []string  `json:"argv"`
	Status      Status    `json:"status"`
	ExitCode    int       `json:"exit_code"`
	Output      string    `json:"output"`
	Truncated   bool      `json:"truncated"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMS  int64     `json:"duration_ms"`
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record inserts r. An empty ID is filled with a new UUID.
func (s *Store) Record(ctx context.Context, r Run) (string, error) {
	if r.Topic == "" {
		return "", fmt.Errorf("topic is empty")
	}
	if r.Status == "" {
		return "", fmt.Errorf("status is empty")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	if r.CompletedAt.IsZero() {
		r.CompletedAt = r.StartedAt.Add(time.Duration(r.DurationMS) * time.Millisecond)
	}

	argv, err := json.Marshal(r.Argv)
	if err != nil {
		return "", fmt.Errorf("marshal argv: %w", err)
	}

	var payload any
	if r.Payload != nil {
		payload = *r.Payload
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO run_log(
  id, topic, report_topic, payload, param_match, argv, status, exit_code, output, truncated,
  started_at, completed_at, duration_ms
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, r.ID, r.Topic, r.ReportTopic, payload, r.Match, string(argv), string(r.Status), r.ExitCode, r.Output, r.Truncated,
		r.StartedAt.UTC().Format(timeLayout), r.CompletedAt.UTC().Format(timeLayout), r.DurationMS)
	if err != nil {
		return "", fmt.Errorf("record run: %w", err)
	}
	return r.ID, nil
}

const selectColumns = `
  id, topic, report_topic, payload, param_match, argv, status, exit_code, output, truncated,
  started_at, completed_at, duration_ms`

func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+selectColumns+` FROM run_log WHERE id = ?;`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

// Recent returns up to limit runs, newest first. A non-empty topic filters
// on the exact topic name.
func (s *Store) Recent(ctx context.Context, limit int, topic string) ([]Run, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	var (
		rows *sql.Rows
		err  error
	)
	if topic == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT`+selectColumns+`
FROM run_log
ORDER BY started_at DESC, rowid DESC
LIMIT ?;`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT`+selectColumns+`
FROM run_log
WHERE topic = ?
ORDER BY started_at DESC, rowid DESC
LIMIT ?;`, topic, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]Run, 0, limit)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

// Prune deletes runs that started before now-retention and returns how many
// were removed. A non-positive retention keeps everything.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-retention).UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `DELETE FROM run_log WHERE started_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		r            Run
		payload      sql.NullString
		argv         string
		status       string
		truncated    bool
		startedAtS   string
		completedAtS string
	)
	if err := row.Scan(
		&r.ID, &r.Topic, &r.ReportTopic, &payload, &r.Match, &argv, &status, &r.ExitCode, &r.Output, &truncated,
		&startedAtS, &completedAtS, &r.DurationMS,
	); err != nil {
		return nil, err
	}

	r.Status = Status(status)
	r.Truncated = truncated
	if payload.Valid {
		p := payload.String
		r.Payload = &p
	}
	if err := json.Unmarshal([]byte(argv), &r.Argv); err != nil {
		return nil, fmt.Errorf("decode argv: %w", err)
	}
	if t, err := time.Parse(timeLayout, startedAtS); err == nil {
		r.StartedAt = t
	}
	if t, err := time.Parse(timeLayout, completedAtS); err == nil {
		r.CompletedAt = t
	}
	return &r, nil
}
