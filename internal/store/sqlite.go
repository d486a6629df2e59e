package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteRunStore implements RunStore on a SQLite database.
type SQLiteRunStore struct {
	mu     sync.Mutex
	db     *sql.DB
	dbPath string
}

// NewSQLiteRunStore opens or creates the database at dbPath, creating its
// directory if needed.
func NewSQLiteRunStore(dbPath string) (*SQLiteRunStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite works best with single writer

	if err := InitSchema(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteRunStore{db: db, dbPath: dbPath}, nil
}

// Path returns the database file path.
func (s *SQLiteRunStore) Path() string { return s.dbPath }

// CreateRun registers a running run.
func (s *SQLiteRunStore) CreateRun(ctx context.Context, run Run) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, params_hash, seed, path, resumed_from, frames, status, started_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		run.ID, run.ParamsHash, int64(run.Seed), run.Path, nullString(run.ResumedFrom),
		string(StatusRunning), formatTime(run.StartedAt))
	if err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}
	return run.ID, nil
}

// RecordFrame stores a frame summary and bumps the run's frame count in
// one transaction.
func (s *SQLiteRunStore) RecordFrame(ctx context.Context, frame FrameRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts, err := json.Marshal(frame.Summary.PhenotypeCounts)
	if err != nil {
		return fmt.Errorf("failed to marshal phenotype counts: %w", err)
	}
	means, err := json.Marshal(frame.Summary.MeanWeights)
	if err != nil {
		return fmt.Errorf("failed to marshal mean weights: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE runs SET frames = frames + 1 WHERE id = ?`, frame.RunID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, frame.RunID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO frames (run_id, idx, step, environment, agents, step_delta, phenotype_counts, mean_weights)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		frame.RunID, frame.Index, int64(frame.Step), frame.Summary.Environment,
		frame.Summary.Agents, frame.Summary.StepDelta, string(counts), string(means))
	if err != nil {
		return fmt.Errorf("failed to insert frame: %w", err)
	}

	return tx.Commit()
}

// FinishRun marks the run completed or failed.
func (s *SQLiteRunStore) FinishRun(ctx context.Context, id string, runErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, errText := finishState(runErr)
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(status), nullString(errText), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

const runColumns = `id, params_hash, seed, path, resumed_from, frames, status, error, started_at, finished_at`

// GetRun retrieves a run by ID.
func (s *SQLiteRunStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns all runs, most recently started first.
func (s *SQLiteRunStore) ListRuns(ctx context.Context) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// ListFrames returns a run's frames in index order.
func (s *SQLiteRunStore) ListFrames(ctx context.Context, runID string) ([]FrameRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, step, environment, agents, step_delta, phenotype_counts, mean_weights
		FROM frames WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query frames: %w", err)
	}
	defer rows.Close()

	var frames []FrameRecord
	for rows.Next() {
		var (
			step          int64
			delta         int32
			counts, means string
		)
		f := FrameRecord{RunID: runID}
		if err := rows.Scan(&f.Index, &step, &f.Summary.Environment, &f.Summary.Agents,
			&delta, &counts, &means); err != nil {
			return nil, fmt.Errorf("failed to scan frame: %w", err)
		}
		f.Step = uint64(step)
		f.Summary.StepDelta = delta
		if err := json.Unmarshal([]byte(counts), &f.Summary.PhenotypeCounts); err != nil {
			return nil, fmt.Errorf("failed to parse phenotype counts: %w", err)
		}
		if err := json.Unmarshal([]byte(means), &f.Summary.MeanWeights); err != nil {
			return nil, fmt.Errorf("failed to parse mean weights: %w", err)
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

// Close closes the database.
func (s *SQLiteRunStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run              Run
		seed             int64
		status           string
		resumed, errText sql.NullString
		started          string
		finished         sql.NullString
	)
	if err := row.Scan(&run.ID, &run.ParamsHash, &seed, &run.Path, &resumed, &run.Frames,
		&status, &errText, &started, &finished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	run.Seed = uint64(seed)
	run.Status = RunStatus(status)
	run.ResumedFrom = resumed.String
	run.Error = errText.String

	t, err := time.Parse(timeLayout, started)
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	run.StartedAt = t
	if finished.Valid {
		t, err := time.Parse(timeLayout, finished.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse finished_at: %w", err)
		}
		run.FinishedAt = &t
	}
	return &run, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ RunStore = (*SQLiteRunStore)(nil)
