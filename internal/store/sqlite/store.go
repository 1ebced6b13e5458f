package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"halforge/internal/domain"

	_ "modernc.org/sqlite"
)

// Timestamps are unix milliseconds; attempts of one chunk can start within
// the same second.
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	input TEXT NOT NULL DEFAULT '',
	task_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	started_at INTEGER NOT NULL,
	finished_at INTEGER NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	run_id TEXT NOT NULL,
	id TEXT NOT NULL,
	kind TEXT NOT NULL,
	module TEXT NOT NULL DEFAULT '',
	complexity INTEGER NOT NULL DEFAULT 0,
	depends_on TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL,
	wave INTEGER NOT NULL DEFAULT 0,
	provenance TEXT NOT NULL DEFAULT '',
	chunks INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	started_at INTEGER NULL,
	finished_at INTEGER NULL,
	PRIMARY KEY(run_id, id),
	FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS attempts (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	chunk_seq INTEGER NOT NULL,
	number INTEGER NOT NULL,
	budget_ms INTEGER NOT NULL,
	outcome TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	variant TEXT NOT NULL DEFAULT '',
	started_at INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_attempts_run ON attempts(run_id, started_at);

CREATE TABLE IF NOT EXISTS artifacts (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	module TEXT NOT NULL DEFAULT '',
	provenance TEXT NOT NULL,
	uri TEXT NOT NULL DEFAULT '',
	checksum TEXT NOT NULL,
	metadata TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE(run_id, task_id),
	FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS decision_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_decision_log_run ON decision_log(run_id, created_at);

CREATE TABLE IF NOT EXISTS file_change_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	operation TEXT NOT NULL,
	path TEXT NOT NULL,
	allowed INTEGER NOT NULL,
	reason TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_file_change_log_run ON file_change_log(run_id, created_at);

CREATE TABLE IF NOT EXISTS generation_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	module TEXT NOT NULL DEFAULT '',
	property_count INTEGER NOT NULL,
	chunk_size INTEGER NOT NULL,
	budget_ms INTEGER NOT NULL,
	prompt_variant TEXT NOT NULL DEFAULT '',
	success INTEGER NOT NULL,
	quality_score REAL NOT NULL DEFAULT 0,
	generation_time_ms INTEGER NOT NULL,
	error_type TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_generation_history_kind ON generation_history(kind, success, created_at);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) CreateRun(ctx context.Context, run domain.Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = domain.RunStatusRunning
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO runs(id, status, input, task_count, last_error, started_at, finished_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Status), run.Input, run.TaskCount, run.LastError,
		toMillis(run.StartedAt), nullableMillis(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *Store) FinishRun(ctx context.Context, runID string, status domain.RunStatus, lastError string) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE runs SET status = ?, last_error = ?, finished_at = ? WHERE id = ?`,
		string(status), lastError, toMillis(time.Now().UTC()), runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("finish run %s: %w", runID, sql.ErrNoRows)
	}
	return nil
}

const runColumns = `id, status, input, task_count, last_error, started_at, finished_at`

func (s *Store) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if err != nil {
		return domain.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		result = append(result, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return result, nil
}

func scanRun(row rowScanner) (domain.Run, error) {
	var run domain.Run
	var status string
	var started int64
	var finished sql.NullInt64
	if err := row.Scan(&run.ID, &status, &run.Input, &run.TaskCount, &run.LastError, &started, &finished); err != nil {
		return domain.Run{}, err
	}
	run.Status = domain.RunStatus(status)
	run.StartedAt = fromMillis(started)
	run.FinishedAt = millisToTimePtr(finished)
	return run, nil
}

// SaveTask inserts or replaces the task's current state.
func (s *Store) SaveTask(ctx context.Context, task domain.Task) error {
	deps, err := json.Marshal(nonNil(task.DependsOn))
	if err != nil {
		return fmt.Errorf("marshal task dependencies: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO tasks(
			run_id, id, kind, module, complexity, depends_on, status, wave, provenance,
			chunks, attempts, last_error, started_at, finished_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, id) DO UPDATE SET
			status = excluded.status,
			wave = excluded.wave,
			provenance = excluded.provenance,
			chunks = excluded.chunks,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		task.RunID, task.ID, string(task.Kind), task.Module, task.Complexity, string(deps),
		string(task.Status), task.Wave, string(task.Provenance), task.Chunks, task.Attempts,
		task.LastError, nullableMillis(task.StartedAt), nullableMillis(task.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (s *Store) ListRunTasks(ctx context.Context, runID string) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT run_id, id, kind, module, complexity, depends_on, status, wave, provenance,
			chunks, attempts, last_error, started_at, finished_at
		FROM tasks WHERE run_id = ? ORDER BY wave, id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list run tasks: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Task, 0)
	for rows.Next() {
		var t domain.Task
		var kind, deps, status, provenance string
		var started, finished sql.NullInt64
		if err := rows.Scan(
			&t.RunID, &t.ID, &kind, &t.Module, &t.Complexity, &deps, &status, &t.Wave, &provenance,
			&t.Chunks, &t.Attempts, &t.LastError, &started, &finished,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if err := json.Unmarshal([]byte(deps), &t.DependsOn); err != nil {
			return nil, fmt.Errorf("parse task dependencies: %w", err)
		}
		t.Kind = domain.TaskKind(kind)
		t.Status = domain.TaskStatus(status)
		t.Provenance = domain.Provenance(provenance)
		t.StartedAt = millisToTimePtr(started)
		t.FinishedAt = millisToTimePtr(finished)
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return result, nil
}

func (s *Store) AppendAttempt(ctx context.Context, a domain.Attempt) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO attempts(
			id, run_id, task_id, chunk_seq, number, budget_ms, outcome, reason, variant,
			started_at, duration_ms, finished_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RunID, a.TaskID, a.ChunkSeq, a.Number, a.Budget.Milliseconds(), string(a.Outcome),
		a.Reason, a.Variant, toMillis(a.StartedAt), a.Duration.Milliseconds(), toMillis(a.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("append attempt: %w", err)
	}
	return nil
}

func (s *Store) ListRunAttempts(ctx context.Context, runID string, limit int) ([]domain.Attempt, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, run_id, task_id, chunk_seq, number, budget_ms, outcome, reason, variant,
			started_at, duration_ms, finished_at
		FROM attempts WHERE run_id = ?
		ORDER BY started_at, task_id, chunk_seq, number
		LIMIT ?`,
		runID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list run attempts: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Attempt, 0)
	for rows.Next() {
		var a domain.Attempt
		var outcome string
		var budget, started, duration, finished int64
		if err := rows.Scan(
			&a.ID, &a.RunID, &a.TaskID, &a.ChunkSeq, &a.Number, &budget, &outcome, &a.Reason, &a.Variant,
			&started, &duration, &finished,
		); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Outcome = domain.Outcome(outcome)
		a.Budget = time.Duration(budget) * time.Millisecond
		a.Duration = time.Duration(duration) * time.Millisecond
		a.StartedAt = fromMillis(started)
		a.FinishedAt = fromMillis(finished)
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return result, nil
}

// Store records the artifact row. It makes the store usable as an artifact sink.
func (s *Store) Store(ctx context.Context, artifact domain.Artifact) error {
	metadata, err := json.Marshal(map[string]any{
		"entities": artifact.Content.Names(),
		"renames":  artifact.Renames,
		"bytes":    len(artifact.Content.Bytes()),
	})
	if err != nil {
		return fmt.Errorf("marshal artifact metadata: %w", err)
	}
	createdAt := artifact.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO artifacts(id, run_id, task_id, kind, module, provenance, uri, checksum, metadata, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		artifact.ID, artifact.RunID, artifact.TaskID, string(artifact.Kind), artifact.Module,
		string(artifact.Provenance), artifact.URI, artifact.Checksum, string(metadata), toMillis(createdAt),
	)
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	return nil
}

// ArtifactRow is an artifact as recorded, without its content.
type ArtifactRow struct {
	ID         string            `json:"id"`
	RunID      string            `json:"run_id"`
	TaskID     string            `json:"task_id"`
	Kind       domain.TaskKind   `json:"kind"`
	Module     string            `json:"module,omitempty"`
	Provenance domain.Provenance `json:"provenance"`
	URI        string            `json:"uri,omitempty"`
	Checksum   string            `json:"checksum"`
	Metadata   json.RawMessage   `json:"metadata"`
	CreatedAt  time.Time         `json:"created_at"`
}

func (s *Store) ListRunArtifacts(ctx context.Context, runID string) ([]ArtifactRow, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, run_id, task_id, kind, module, provenance, uri, checksum, metadata, created_at
		FROM artifacts WHERE run_id = ? ORDER BY created_at, task_id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list run artifacts: %w", err)
	}
	defer rows.Close()

	result := make([]ArtifactRow, 0)
	for rows.Next() {
		var a ArtifactRow
		var kind, provenance, metadata string
		var created int64
		if err := rows.Scan(&a.ID, &a.RunID, &a.TaskID, &kind, &a.Module, &provenance, &a.URI, &a.Checksum, &metadata, &created); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.Kind = domain.TaskKind(kind)
		a.Provenance = domain.Provenance(provenance)
		a.Metadata = json.RawMessage(metadata)
		a.CreatedAt = fromMillis(created)
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return result, nil
}

func (s *Store) LogDecision(ctx context.Context, entry domain.DecisionLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	payload := entry.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO decision_log(run_id, task_id, actor, action, reason, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		entry.RunID, entry.TaskID, entry.Actor, entry.Action, entry.Reason, string(payload), toMillis(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

func (s *Store) ListRunDecisions(ctx context.Context, runID string, limit int) ([]domain.DecisionLog, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, run_id, task_id, actor, action, reason, payload, created_at
		FROM decision_log
		WHERE run_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		runID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list run decisions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.DecisionLog, 0, limit)
	for rows.Next() {
		var item domain.DecisionLog
		var payload string
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.RunID, &item.TaskID, &item.Actor, &item.Action, &item.Reason, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		item.Payload = []byte(payload)
		item.CreatedAt = fromMillis(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return result, nil
}

func (s *Store) LogFileChange(ctx context.Context, entry domain.FileChangeLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	allowed := 0
	if entry.Allowed {
		allowed = 1
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO file_change_log(run_id, task_id, operation, path, allowed, reason, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		entry.RunID, entry.TaskID, string(entry.Operation), entry.Path, allowed, entry.Reason, toMillis(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("log file change: %w", err)
	}
	return nil
}

func (s *Store) ListRunFileChanges(ctx context.Context, runID string) ([]domain.FileChangeLog, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, run_id, task_id, operation, path, allowed, reason, created_at
		FROM file_change_log WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list file changes: %w", err)
	}
	defer rows.Close()

	result := make([]domain.FileChangeLog, 0)
	for rows.Next() {
		var item domain.FileChangeLog
		var op string
		var allowed int
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.RunID, &item.TaskID, &op, &item.Path, &allowed, &item.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scan file change: %w", err)
		}
		item.Operation = domain.FileOperation(op)
		item.Allowed = allowed == 1
		item.CreatedAt = fromMillis(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file changes: %w", err)
	}
	return result, nil
}

func (s *Store) RecordGeneration(ctx context.Context, r domain.GenerationRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	success := 0
	if r.Success {
		success = 1
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO generation_history(
			run_id, task_id, kind, module, property_count, chunk_size, budget_ms, prompt_variant,
			success, quality_score, generation_time_ms, error_type, error_message, model, created_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.TaskID, string(r.Kind), r.Module, r.PropertyCount, r.ChunkSize, r.Budget.Milliseconds(),
		r.PromptVariant, success, r.QualityScore, r.GenerationTime.Milliseconds(), r.ErrorType,
		r.ErrorMessage, r.Model, toMillis(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("record generation: %w", err)
	}
	return nil
}

// GenerationStats summarizes the whole performance history, overall and
// grouped by kind and by prompt variant.
func (s *Store) GenerationStats(ctx context.Context) (domain.GenerationStats, error) {
	var stats domain.GenerationStats
	overall, err := s.groupStats(ctx, `'overall'`)
	if err != nil {
		return stats, err
	}
	if len(overall) == 1 {
		stats.Total = overall[0].Total
		stats.Successes = overall[0].Successes
		stats.SuccessRate = overall[0].SuccessRate
		stats.AvgGenerationTime = overall[0].AvgGenerationTime
	}
	if stats.ByKind, err = s.groupStats(ctx, `kind`); err != nil {
		return stats, err
	}
	if stats.ByVariant, err = s.groupStats(ctx, `prompt_variant`); err != nil {
		return stats, err
	}
	return stats, nil
}

// groupStats runs the aggregate over one of a fixed set of column expressions.
func (s *Store) groupStats(ctx context.Context, column string) ([]domain.GroupStats, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+column+` AS grp, COUNT(*), COALESCE(SUM(success), 0),
			COALESCE(AVG(CASE WHEN success = 1 THEN generation_time_ms END), 0)
		FROM generation_history
		GROUP BY grp
		ORDER BY grp`,
	)
	if err != nil {
		return nil, fmt.Errorf("generation stats by %s: %w", column, err)
	}
	defer rows.Close()

	result := make([]domain.GroupStats, 0)
	for rows.Next() {
		var g domain.GroupStats
		var avgMS float64
		if err := rows.Scan(&g.Group, &g.Total, &g.Successes, &avgMS); err != nil {
			return nil, fmt.Errorf("scan generation stats: %w", err)
		}
		if g.Total > 0 {
			g.SuccessRate = float64(g.Successes) / float64(g.Total)
		}
		g.AvgGenerationTime = time.Duration(avgMS * float64(time.Millisecond))
		result = append(result, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate generation stats: %w", err)
	}
	return result, nil
}

// LearningCurve splits the history, oldest first, into windows of the given
// size and reports each window's success rate. The last window may be short.
func (s *Store) LearningCurve(ctx context.Context, window int) ([]domain.LearningPoint, error) {
	if window <= 0 {
		window = 10
	}
	rows, err := s.db.QueryContext(ctx, `SELECT success, created_at FROM generation_history ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("learning curve: %w", err)
	}
	defer rows.Close()

	var points []domain.LearningPoint
	var current domain.LearningPoint
	successes := 0
	flush := func() {
		if current.Total == 0 {
			return
		}
		current.SuccessRate = float64(successes) / float64(current.Total)
		points = append(points, current)
		current = domain.LearningPoint{Window: len(points)}
		successes = 0
	}
	for rows.Next() {
		var success int
		var created int64
		if err := rows.Scan(&success, &created); err != nil {
			return nil, fmt.Errorf("scan learning curve: %w", err)
		}
		at := fromMillis(created)
		if current.Total == 0 {
			current.From = at
		}
		current.To = at
		current.Total++
		successes += success
		if current.Total == window {
			flush()
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate learning curve: %w", err)
	}
	flush()
	return points, nil
}

// RecentSuccessDurations returns the latest successful records, oldest
// first, for seeding learned budgets.
func (s *Store) RecentSuccessDurations(ctx context.Context, limit int) ([]domain.GenerationRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, run_id, task_id, kind, chunk_size, generation_time_ms, created_at
		FROM generation_history
		WHERE success = 1 AND generation_time_ms > 0
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent successes: %w", err)
	}
	defer rows.Close()

	result := make([]domain.GenerationRecord, 0)
	for rows.Next() {
		var r domain.GenerationRecord
		var kind string
		var genMS, created int64
		if err := rows.Scan(&r.ID, &r.RunID, &r.TaskID, &kind, &r.ChunkSize, &genMS, &created); err != nil {
			return nil, fmt.Errorf("scan recent success: %w", err)
		}
		r.Kind = domain.TaskKind(kind)
		r.Success = true
		r.PropertyCount = r.ChunkSize
		r.GenerationTime = time.Duration(genMS) * time.Millisecond
		r.CreatedAt = fromMillis(created)
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent successes: %w", err)
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// IsNotFound reports whether err came from a lookup that matched no row.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func millisToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
