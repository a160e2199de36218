package persistence

import (
	"database/sql"
	"fmt"
	"time"

	"autopilot/pkg/proto"
	"autopilot/pkg/state"
)

// RunSummary is the dashboard view of one run.
type RunSummary struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	RepoURL       string     `json:"repo_url"`
	Branch        string     `json:"branch"`
	State         string     `json:"state"`
	Iterations    int        `json:"iterations"`
	CostUSD       float64    `json:"cost_usd"`
	LadderRung    int        `json:"ladder_rung"`
	PRURL         string     `json:"pr_url,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	Resumable     bool       `json:"resumable"`
	StartedAt     time.Time  `json:"started_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// IterationSummary is the dashboard view of one iteration.
type IterationSummary struct {
	Sequence     int       `json:"sequence"`
	Decision     string    `json:"decision"`
	LoopScore    float64   `json:"loop_score"`
	ModelProfile string    `json:"model_profile"`
	CostUSD      float64   `json:"cost_usd"`
	Signature    string    `json:"signature,omitempty"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// UpsertRun writes the current run snapshot into the index.
func (d *DB) UpsertRun(run *state.Run) error {
	var completed sql.NullTime
	if run.CompletedAt != nil {
		completed = sql.NullTime{Time: *run.CompletedAt, Valid: true}
	}

	_, err := d.db.Exec(`
		INSERT INTO runs (id, title, repo_url, branch, state, iterations, cost_usd,
			ladder_rung, pr_url, failure_reason, resumable, started_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			iterations = excluded.iterations,
			cost_usd = excluded.cost_usd,
			ladder_rung = excluded.ladder_rung,
			pr_url = excluded.pr_url,
			failure_reason = excluded.failure_reason,
			resumable = excluded.resumable,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at`,
		run.ID, run.Title, run.RepoURL, run.Branch, string(run.State), run.Iterations,
		run.CostUSD, int(run.LadderRung), run.PRURL, run.FailureReason, run.Resumable,
		run.StartedAt, run.UpdatedAt, completed,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert run %s: %w", run.ID, err)
	}
	return nil
}

// InsertIteration indexes one finalized iteration record. Re-indexing the
// same sequence is a no-op, matching the record's immutability.
func (d *DB) InsertIteration(runID string, rec *proto.IterationRecord) error {
	_, err := d.db.Exec(`
		INSERT OR IGNORE INTO iterations
			(run_id, sequence, decision, loop_score, model_profile, cost_usd, signature, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, rec.Sequence, string(rec.Decision), rec.LoopScore, rec.ModelProfile,
		rec.CostUSD, rec.Signature, rec.Error, rec.StartedAt, rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to index iteration %d of run %s: %w", rec.Sequence, runID, err)
	}
	return nil
}

// GetRun returns the indexed summary of one run.
func (d *DB) GetRun(runID string) (*RunSummary, error) {
	row := d.db.QueryRow(`
		SELECT id, title, repo_url, branch, state, iterations, cost_usd, ladder_rung,
			pr_url, failure_reason, resumable, started_at, updated_at, completed_at
		FROM runs WHERE id = ?`, runID)

	summary, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s not found in index", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run %s: %w", runID, err)
	}
	return summary, nil
}

// ListRuns returns run summaries, optionally filtered by state, newest
// first.
func (d *DB) ListRuns(stateFilter string) ([]RunSummary, error) {
	query := `
		SELECT id, title, repo_url, branch, state, iterations, cost_usd, ladder_rung,
			pr_url, failure_reason, resumable, started_at, updated_at, completed_at
		FROM runs`
	args := []any{}
	if stateFilter != "" {
		query += ` WHERE state = ?`
		args = append(args, stateFilter)
	}
	query += ` ORDER BY started_at DESC`

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		summary, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, *summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return out, nil
}

// ListIterations returns iteration summaries for a run in sequence order.
func (d *DB) ListIterations(runID string) ([]IterationSummary, error) {
	rows, err := d.db.Query(`
		SELECT sequence, decision, loop_score, model_profile, cost_usd, signature, error, started_at, finished_at
		FROM iterations WHERE run_id = ? ORDER BY sequence`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list iterations: %w", err)
	}
	defer rows.Close()

	var out []IterationSummary
	for rows.Next() {
		var it IterationSummary
		if err := rows.Scan(&it.Sequence, &it.Decision, &it.LoopScore, &it.ModelProfile,
			&it.CostUSD, &it.Signature, &it.Error, &it.StartedAt, &it.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan iteration: %w", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate iterations: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunSummary, error) {
	var s RunSummary
	var completed sql.NullTime
	err := row.Scan(&s.ID, &s.Title, &s.RepoURL, &s.Branch, &s.State, &s.Iterations,
		&s.CostUSD, &s.LadderRung, &s.PRURL, &s.FailureReason, &s.Resumable,
		&s.StartedAt, &s.UpdatedAt, &completed)
	if err != nil {
		return nil, err
	}
	if completed.Valid {
		t := completed.Time
		s.CompletedAt = &t
	}
	return &s, nil
}
