package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/escalation"
	"github.com/loqalabs/loqa-scribe/internal/orchestrator"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so text comparison in SQLite orders like time.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var ErrNotFound = errors.New("job not found")

// JobSummary is the listing view of a stored job.
type JobSummary struct {
	JobID          string    `json:"job_id"`
	AudioPath      string    `json:"audio_path"`
	InitialTier    string    `json:"initial_tier"`
	FinalTier      string    `json:"final_tier,omitempty"`
	TerminalAction string    `json:"terminal_action"`
	TerminalReason string    `json:"terminal_reason"`
	PolicyVersion  int64     `json:"policy_version"`
	Attempts       int       `json:"attempts"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store wraps a SQLite-backed job audit store.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the job store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("job store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("job store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS jobs (
    job_id TEXT PRIMARY KEY,
    audio_path TEXT,
    fingerprint TEXT,
    policy_version INTEGER,
    initial_tier TEXT,
    final_tier TEXT,
    terminal_action TEXT NOT NULL,
    terminal_reason TEXT,
    error TEXT,
    duration_ns INTEGER,
    result BLOB NOT NULL,
    created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS attempts (
    job_id TEXT NOT NULL,
    sequence INTEGER NOT NULL,
    tier TEXT NOT NULL,
    overall REAL,
    confidence REAL,
    cache_outcome TEXT,
    retries INTEGER,
    error TEXT,
    action TEXT NOT NULL,
    reason TEXT,
    started_at TEXT NOT NULL,
    PRIMARY KEY(job_id, sequence),
    FOREIGN KEY(job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// SaveResult writes a finished job and its attempt history. Saving the same
// job again replaces the earlier rows.
func (s *Store) SaveResult(ctx context.Context, res orchestrator.Result) error {
	if s.disabled() {
		return nil
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	created := res.FinishedAt
	if created.IsZero() {
		created = s.clock()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM attempts WHERE job_id = ?`, res.JobID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs(job_id, audio_path, fingerprint, policy_version, initial_tier, final_tier,
		     terminal_action, terminal_reason, error, duration_ns, result, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
		     audio_path=excluded.audio_path, fingerprint=excluded.fingerprint,
		     policy_version=excluded.policy_version, initial_tier=excluded.initial_tier,
		     final_tier=excluded.final_tier, terminal_action=excluded.terminal_action,
		     terminal_reason=excluded.terminal_reason, error=excluded.error,
		     duration_ns=excluded.duration_ns, result=excluded.result, created_at=excluded.created_at`,
		res.JobID, res.AudioPath, string(res.Fingerprint), res.PolicyVersion, res.InitialTier, res.FinalTier,
		string(res.TerminalAction), res.TerminalReason, res.Error, int64(res.Duration), payload, formatTime(created))
	if err != nil {
		return err
	}
	for _, rec := range res.EscalationHistory {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO attempts(job_id, sequence, tier, overall, confidence, cache_outcome, retries,
			     error, action, reason, started_at)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			res.JobID, rec.Sequence, rec.Tier, rec.Metrics.OverallQualityScore, rec.Metrics.ConfidenceScore,
			rec.CacheOutcome, rec.Retries, rec.Error, string(rec.Decision.Action), rec.Decision.Reason,
			formatTime(rec.StartedAt))
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// GetJob returns the stored result for jobID.
func (s *Store) GetJob(ctx context.Context, jobID string) (orchestrator.Result, error) {
	if s.disabled() {
		return orchestrator.Result{}, ErrNotFound
	}
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT result FROM jobs WHERE job_id = ?`, jobID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return orchestrator.Result{}, ErrNotFound
	}
	if err != nil {
		return orchestrator.Result{}, err
	}
	var res orchestrator.Result
	if err := json.Unmarshal(payload, &res); err != nil {
		return orchestrator.Result{}, fmt.Errorf("decode result %s: %w", jobID, err)
	}
	return res, nil
}

// ListJobs retrieves up to limit jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]JobSummary, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT j.job_id, j.audio_path, j.initial_tier, j.final_tier, j.terminal_action, j.terminal_reason,
		        j.policy_version, j.created_at, (SELECT COUNT(*) FROM attempts a WHERE a.job_id = j.job_id)
		 FROM jobs j ORDER BY j.created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []JobSummary
	for rows.Next() {
		var j JobSummary
		var created string
		if err := rows.Scan(&j.JobID, &j.AudioPath, &j.InitialTier, &j.FinalTier, &j.TerminalAction,
			&j.TerminalReason, &j.PolicyVersion, &created, &j.Attempts); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(timeLayout, created); err == nil {
			j.CreatedAt = ts
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ListAttempts returns the audit rows of one job in sequence order.
func (s *Store) ListAttempts(ctx context.Context, jobID string) (escalation.History, error) {
	if s.disabled() {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, tier, overall, confidence, cache_outcome, retries, error, action, reason, started_at
		 FROM attempts WHERE job_id = ? ORDER BY sequence ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history escalation.History
	for rows.Next() {
		var rec escalation.AttemptRecord
		var action, started string
		if err := rows.Scan(&rec.Sequence, &rec.Tier, &rec.Metrics.OverallQualityScore, &rec.Metrics.ConfidenceScore,
			&rec.CacheOutcome, &rec.Retries, &rec.Error, &action, &rec.Decision.Reason, &started); err != nil {
			return nil, err
		}
		rec.Decision.Action = escalation.Action(action)
		if ts, err := time.Parse(timeLayout, started); err == nil {
			rec.StartedAt = ts
		}
		history = append(history, rec)
	}
	return history, rows.Err()
}

// Prune applies configured retention (called on startup and on the prune schedule).
func (s *Store) Prune(ctx context.Context) error {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE created_at < ?`, formatTime(cutoff)); err != nil {
			return err
		}
	}
	if s.cfg.MaxJobs > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id IN (
			SELECT job_id FROM jobs ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxJobs)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure checks that an ephemeral store holds no database connection.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
