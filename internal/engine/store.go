package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// RunStore persists run records.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns the newest runs first. limit <= 0 means no limit.
	ListRuns(ctx context.Context, limit int) ([]Run, error)
}

// timeFormat is fixed-width so started_at sorts lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const runColumns = `id, routine_id, title, params, mapping, seed, status, end_reason, error,
			ticks, skipped_ticks, started_at, ended_at`

// SQLiteRunStore implements RunStore on the routine_runs table.
type SQLiteRunStore struct {
	db *sql.DB
}

// NewSQLiteRunStore creates a SQLite-backed run store.
func NewSQLiteRunStore(db *sql.DB) *SQLiteRunStore {
	return &SQLiteRunStore{db: db}
}

// CreateRun inserts a new run record.
func (s *SQLiteRunStore) CreateRun(ctx context.Context, run *Run) error {
	params, mapping, err := marshalRunMaps(run)
	if err != nil {
		return err
	}

	query := `INSERT INTO routine_runs (` + runColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		run.ID,
		run.RoutineID,
		run.Title,
		params,
		mapping,
		strconv.FormatUint(run.Seed, 10),
		string(run.Status),
		run.EndReason,
		run.Error,
		run.Ticks,
		run.SkippedTicks,
		run.StartedAt.UTC().Format(timeFormat),
		nullableTime(run.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// UpdateRun writes the mutable fields of an existing run.
func (s *SQLiteRunStore) UpdateRun(ctx context.Context, run *Run) error {
	query := `
		UPDATE routine_runs SET
			status = ?, end_reason = ?, error = ?,
			ticks = ?, skipped_ticks = ?, ended_at = ?
		WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query,
		string(run.Status),
		run.EndReason,
		run.Error,
		run.Ticks,
		run.SkippedTicks,
		nullableTime(run.EndedAt),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteRunStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM routine_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("querying run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs ordered by start time, newest first.
func (s *SQLiteRunStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM routine_runs ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(scanner rowScanner) (*Run, error) {
	var (
		r                     Run
		params, mapping, seed string
		status, startedAt     string
		endedAt               sql.NullString
	)

	err := scanner.Scan(
		&r.ID,
		&r.RoutineID,
		&r.Title,
		&params,
		&mapping,
		&seed,
		&status,
		&r.EndReason,
		&r.Error,
		&r.Ticks,
		&r.SkippedTicks,
		&startedAt,
		&endedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = RunStatus(status)
	if r.Seed, err = strconv.ParseUint(seed, 10, 64); err != nil {
		return nil, fmt.Errorf("parsing seed: %w", err)
	}
	if err := json.Unmarshal([]byte(params), &r.Params); err != nil {
		return nil, fmt.Errorf("parsing params: %w", err)
	}
	if err := json.Unmarshal([]byte(mapping), &r.Mapping); err != nil {
		return nil, fmt.Errorf("parsing mapping: %w", err)
	}
	if r.StartedAt, err = time.Parse(timeFormat, startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if endedAt.Valid {
		t, err := time.Parse(timeFormat, endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing ended_at: %w", err)
		}
		r.EndedAt = &t
	}
	return &r, nil
}

func marshalRunMaps(run *Run) (params, mapping string, err error) {
	p := []byte("{}")
	if run.Params != nil {
		if p, err = json.Marshal(run.Params); err != nil {
			return "", "", fmt.Errorf("marshalling params: %w", err)
		}
	}
	m := []byte("{}")
	if run.Mapping != nil {
		if m, err = json.Marshal(run.Mapping); err != nil {
			return "", "", fmt.Errorf("marshalling mapping: %w", err)
		}
	}
	return string(p), string(m), nil
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeFormat), Valid: true}
}
