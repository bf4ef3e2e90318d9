package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/legatohq/legato/pkg/job"
	"github.com/legatohq/legato/pkg/message"
)

// SQLiteStore persists jobs, message history, and exchange audit records
// in a single SQLite database. Message and exchange rows are append-only;
// status transitions run inside a transaction that re-reads the current
// status so concurrent writers cannot skip an edge of the state machine.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and initializes
// the schema. The connection uses WAL mode and a busy timeout so the
// control API and the execution engine can share it.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initSchema creates database tables
func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			target_id TEXT NOT NULL,
			session_id TEXT,
			api_name TEXT NOT NULL,
			parameters TEXT NOT NULL,
			status TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			recovery_prompt TEXT,
			recovery_attempts INTEGER NOT NULL DEFAULT 0,
			result TEXT,
			error TEXT,
			total_input_tokens INTEGER NOT NULL DEFAULT 0,
			total_output_tokens INTEGER NOT NULL DEFAULT 0,
			control_signal TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_target ON jobs(target_id);
		CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

		CREATE TABLE IF NOT EXISTS job_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL REFERENCES jobs(id),
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_job ON job_messages(job_id);

		CREATE TABLE IF NOT EXISTS job_exchanges (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL REFERENCES jobs(id),
			timestamp INTEGER NOT NULL,
			latency_ms INTEGER NOT NULL,
			request_summary TEXT NOT NULL,
			response_summary TEXT NOT NULL,
			stop_reason TEXT,
			error TEXT,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_exchanges_job ON job_exchanges(job_id);
		CREATE INDEX IF NOT EXISTS idx_exchanges_ts ON job_exchanges(timestamp);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, j *job.Job) error {
	params, err := json.Marshal(j.Parameters)
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (
			id, target_id, session_id, api_name, parameters, status,
			provider, model, recovery_prompt, recovery_attempts,
			total_input_tokens, total_output_tokens, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.TargetID, j.SessionID, j.APIName, string(params), string(j.Status),
		j.Provider, j.Model, j.RecoveryPrompt, j.RecoveryAttempts,
		j.TotalInputTokens, j.TotalOutputTokens, j.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

const jobColumns = `id, target_id, session_id, api_name, parameters, status,
	provider, model, recovery_prompt, recovery_attempts, result, error,
	total_input_tokens, total_output_tokens, created_at, started_at, completed_at`

func (s *SQLiteStore) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j           job.Job
		params      string
		status      string
		result      sql.NullString
		errMsg      sql.NullString
		sessionID   sql.NullString
		recovery    sql.NullString
		createdAt   int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
	)
	err := row.Scan(
		&j.ID, &j.TargetID, &sessionID, &j.APIName, &params, &status,
		&j.Provider, &j.Model, &recovery, &j.RecoveryAttempts, &result, &errMsg,
		&j.TotalInputTokens, &j.TotalOutputTokens, &createdAt, &startedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	j.Status = job.Status(status)
	j.SessionID = sessionID.String
	j.RecoveryPrompt = recovery.String
	j.Error = errMsg.String
	if params != "" {
		if err := json.Unmarshal([]byte(params), &j.Parameters); err != nil {
			return nil, fmt.Errorf("failed to decode parameters: %w", err)
		}
	}
	if result.Valid && result.String != "" {
		var v interface{}
		if err := json.Unmarshal([]byte(result.String), &v); err != nil {
			return nil, fmt.Errorf("failed to decode result: %w", err)
		}
		j.Result = v
	}
	j.CreatedAt = time.UnixMilli(createdAt).UTC()
	if startedAt.Valid {
		t := time.UnixMilli(startedAt.Int64).UTC()
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64).UTC()
		j.CompletedAt = &t
	}
	return &j, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter job.Filter) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []interface{}
	if filter.TargetID != "" {
		query += ` AND target_id = ?`
		args = append(args, filter.TargetID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.APIName != "" {
		query += ` AND api_name = ?`
		args = append(args, filter.APIName)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, to job.Status) (*job.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var cur string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read status: %w", err)
	}

	from := job.Status(cur)
	if !job.CanTransition(from, to) {
		return nil, &job.TransitionError{JobID: id, From: from, To: to}
	}

	now := time.Now().UTC().UnixMilli()
	query := `UPDATE jobs SET status = ?`
	args := []interface{}{string(to)}
	if to == job.StatusRunning {
		query += `, started_at = COALESCE(started_at, ?)`
		args = append(args, now)
	}
	if to.IsTerminal() {
		query += `, completed_at = COALESCE(completed_at, ?)`
		args = append(args, now)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("failed to update status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit status update: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *SQLiteStore) SetResult(ctx context.Context, id string, result interface{}) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return s.exec(ctx, id, `UPDATE jobs SET result = ? WHERE id = ?`, string(data), id)
}

func (s *SQLiteStore) SetError(ctx context.Context, id string, errMsg string) error {
	return s.exec(ctx, id, `UPDATE jobs SET error = ? WHERE id = ?`, errMsg, id)
}

func (s *SQLiteStore) SetRecoveryAttempts(ctx context.Context, id string, attempts int) error {
	return s.exec(ctx, id, `UPDATE jobs SET recovery_attempts = ? WHERE id = ?`, attempts, id)
}

func (s *SQLiteStore) AddTokens(ctx context.Context, id string, input, output int) error {
	return s.exec(ctx, id, `
		UPDATE jobs SET
			total_input_tokens = total_input_tokens + ?,
			total_output_tokens = total_output_tokens + ?
		WHERE id = ?`, input, output, id)
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, id string, msg message.Message) error {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("failed to encode message content: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_messages (job_id, role, content, created_at)
		VALUES (?, ?, ?, ?)`,
		id, string(msg.Role), string(content), time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Messages(ctx context.Context, id string) ([]message.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content FROM job_messages
		WHERE job_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []message.Message
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		var blocks []message.ContentBlock
		if err := json.Unmarshal([]byte(content), &blocks); err != nil {
			return nil, fmt.Errorf("failed to decode message content: %w", err)
		}
		out = append(out, message.Message{Role: message.Role(role), Content: blocks})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendExchange(ctx context.Context, id string, x job.ExchangeRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_exchanges (
			id, job_id, timestamp, latency_ms, request_summary,
			response_summary, stop_reason, error, input_tokens, output_tokens
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		x.ID, id, x.Timestamp.UnixMilli(), x.LatencyMS, x.RequestSummary,
		x.ResponseSummary, x.StopReason, x.Error, x.InputTokens, x.OutputTokens,
	)
	if err != nil {
		return fmt.Errorf("failed to append exchange: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Exchanges(ctx context.Context, id string) ([]job.ExchangeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, latency_ms, request_summary, response_summary,
			stop_reason, error, input_tokens, output_tokens
		FROM job_exchanges WHERE job_id = ? ORDER BY timestamp ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query exchanges: %w", err)
	}
	defer rows.Close()

	var out []job.ExchangeRecord
	for rows.Next() {
		var (
			x  job.ExchangeRecord
			ts int64
		)
		if err := rows.Scan(&x.ID, &ts, &x.LatencyMS, &x.RequestSummary,
			&x.ResponseSummary, &x.StopReason, &x.Error, &x.InputTokens, &x.OutputTokens); err != nil {
			return nil, fmt.Errorf("failed to scan exchange: %w", err)
		}
		x.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, x)
	}
	return out, rows.Err()
}

// PruneExchanges deletes exchange records older than the cutoff and
// returns the number of rows removed.
func (s *SQLiteStore) PruneExchanges(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM job_exchanges WHERE timestamp < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune exchanges: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) RequestCancel(ctx context.Context, id string) error {
	return s.exec(ctx, id,
		`UPDATE jobs SET control_signal = ? WHERE id = ?`, string(job.SignalCancel), id)
}

func (s *SQLiteStore) RequestInterrupt(ctx context.Context, id string) error {
	// Never downgrade a pending cancel.
	return s.exec(ctx, id, `
		UPDATE jobs SET control_signal = ?
		WHERE id = ? AND control_signal != ?`,
		string(job.SignalInterrupt), id, string(job.SignalCancel))
}

func (s *SQLiteStore) ControlSignal(ctx context.Context, id string) (job.Signal, error) {
	var sig string
	err := s.db.QueryRowContext(ctx,
		`SELECT control_signal FROM jobs WHERE id = ?`, id).Scan(&sig)
	if errors.Is(err, sql.ErrNoRows) {
		return job.SignalNone, job.ErrNotFound
	}
	if err != nil {
		return job.SignalNone, fmt.Errorf("failed to read control signal: %w", err)
	}
	return job.Signal(sig), nil
}

func (s *SQLiteStore) ClearControl(ctx context.Context, id string) error {
	return s.exec(ctx, id,
		`UPDATE jobs SET control_signal = '' WHERE id = ?`, id)
}

// exec runs a job-scoped statement. Statements guarded by an extra WHERE
// clause (interrupt-after-cancel) legitimately touch zero rows, so a
// missing job is only reported when the row truly does not exist.
func (s *SQLiteStore) exec(ctx context.Context, id, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return job.ErrNotFound
		}
	}
	return nil
}
