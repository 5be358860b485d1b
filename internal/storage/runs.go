package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tsumugi/internal/model"
)

// runColumns is the scan list shared by all run queries.
const runColumns = `id, window_start, window_end, status,
	 proposals_total, proposals_pending, proposals_approved, proposals_rejected,
	 messages_in_window, messages_after_prefilter, batches_created, versions_created, links_created,
	 config, error, approval_rate, rejection_rate,
	 created_at, started_at, completed_at, closed_at`

// CreateRun inserts a new run in status pending. The insert itself enforces
// the single-unclosed-run invariant: a partial unique index over non-terminal
// statuses makes the existence check and the insert one atomic operation, so
// two concurrent creates cannot both observe "no unclosed run". A violation
// maps to model.ErrRunConflict.
func (db *DB) CreateRun(ctx context.Context, windowStart, windowEnd time.Time, cfg model.ConfigSnapshot) (model.Run, error) {
	run := model.Run{
		ID:          uuid.New(),
		WindowStart: windowStart.UTC(),
		WindowEnd:   windowEnd.UTC(),
		Status:      model.RunStatusPending,
		Config:      cfg,
		CreatedAt:   time.Now().UTC(),
	}

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: marshal run config: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO runs (id, window_start, window_end, status, config, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.WindowStart, run.WindowEnd, string(run.Status), cfgJSON, run.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "runs_one_unclosed_idx") {
			return model.Run{}, fmt.Errorf("storage: %w", model.ErrRunConflict)
		}
		return model.Run{}, fmt.Errorf("storage: create run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// GetUnclosedRun returns the run currently counting against the
// single-active-run invariant, or ErrNotFound.
func (db *DB) GetUnclosedRun(ctx context.Context) (model.Run, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status IN ('pending', 'running', 'completed')`)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: unclosed run: %w", ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get unclosed run: %w", err)
	}
	return run, nil
}

// StartRun transitions pending → running and records the start time.
// The status guard in the UPDATE makes illegal transitions a no-op, reported
// as model.ErrInvalidTransition.
func (db *DB) StartRun(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = 'running', started_at = $1 WHERE id = $2 AND status = 'pending'`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("storage: start run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.transitionFailure(ctx, id, model.RunStatusRunning)
	}
	return nil
}

// CompleteRun transitions running → completed and stores the extraction
// summary counters.
func (db *DB) CompleteRun(ctx context.Context, id uuid.UUID, summary model.ExtractionSummary) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = 'completed', completed_at = $1,
		   messages_in_window = $2, messages_after_prefilter = $3, batches_created = $4
		 WHERE id = $5 AND status = 'running'`,
		time.Now().UTC(), summary.MessagesInWindow, summary.MessagesAfterPrefilter, summary.BatchesCreated, id,
	)
	if err != nil {
		return fmt.Errorf("storage: complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.transitionFailure(ctx, id, model.RunStatusCompleted)
	}
	return nil
}

// CloseRun transitions completed → closed, but only when no proposals remain
// pending. Accuracy metrics are computed and frozen in the same statement
// (rates are 0 when the run produced no proposals).
func (db *DB) CloseRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE runs SET status = 'closed', closed_at = $1,
		   approval_rate = CASE WHEN proposals_total = 0 THEN 0
		     ELSE proposals_approved::double precision / proposals_total END,
		   rejection_rate = CASE WHEN proposals_total = 0 THEN 0
		     ELSE proposals_rejected::double precision / proposals_total END
		 WHERE id = $2 AND status = 'completed' AND proposals_pending = 0
		 RETURNING `+runColumns,
		time.Now().UTC(), id,
	)
	run, err := scanRun(row)
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Run{}, fmt.Errorf("storage: close run: %w", err)
	}

	// Distinguish why the guarded update matched nothing.
	current, getErr := db.GetRun(ctx, id)
	if getErr != nil {
		return model.Run{}, getErr
	}
	if current.Status != model.RunStatusCompleted {
		return model.Run{}, fmt.Errorf("storage: close run %s in status %s: %w", id, current.Status, model.ErrInvalidTransition)
	}
	return model.Run{}, fmt.Errorf("storage: close run %s with %d pending proposals: %w",
		id, current.Counters.ProposalsPending, model.ErrPreconditionFailed)
}

// FailRun transitions any non-terminal status to failed and stores the
// structured error payload. Already-persisted proposals from committed
// batches are left untouched.
func (db *DB) FailRun(ctx context.Context, id uuid.UUID, runErr model.RunError) error {
	if runErr.At.IsZero() {
		runErr.At = time.Now().UTC()
	}
	errJSON, err := json.Marshal(runErr)
	if err != nil {
		return fmt.Errorf("storage: marshal run error: %w", err)
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = 'failed', error = $1
		 WHERE id = $2 AND status NOT IN ('closed', 'failed')`,
		errJSON, id,
	)
	if err != nil {
		return fmt.Errorf("storage: fail run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.transitionFailure(ctx, id, model.RunStatusFailed)
	}
	return nil
}

// ListRuns returns runs ordered by creation time descending.
func (db *DB) ListRuns(ctx context.Context, limit, offset int) ([]model.Run, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM runs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count runs: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}

// transitionFailure reports why a guarded status update affected no rows.
func (db *DB) transitionFailure(ctx context.Context, id uuid.UUID, wanted model.RunStatus) error {
	current, err := db.GetRun(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("storage: run %s cannot move from %s to %s: %w",
		id, current.Status, wanted, model.ErrInvalidTransition)
}

func scanRun(row pgx.Row) (model.Run, error) {
	var (
		r       model.Run
		status  string
		cfgJSON []byte
		errJSON []byte
	)
	err := row.Scan(
		&r.ID, &r.WindowStart, &r.WindowEnd, &status,
		&r.Counters.ProposalsTotal, &r.Counters.ProposalsPending,
		&r.Counters.ProposalsApproved, &r.Counters.ProposalsRejected,
		&r.Counters.MessagesInWindow, &r.Counters.MessagesAfterPrefilter,
		&r.Counters.BatchesCreated, &r.Counters.VersionsCreated, &r.Counters.LinksCreated,
		&cfgJSON, &errJSON, &r.ApprovalRate, &r.RejectionRate,
		&r.CreatedAt, &r.StartedAt, &r.CompletedAt, &r.ClosedAt,
	)
	if err != nil {
		return model.Run{}, err
	}
	r.Status = model.RunStatus(status)
	if len(cfgJSON) > 0 {
		if err := json.Unmarshal(cfgJSON, &r.Config); err != nil {
			return model.Run{}, fmt.Errorf("unmarshal run config: %w", err)
		}
	}
	if len(errJSON) > 0 {
		var re model.RunError
		if err := json.Unmarshal(errJSON, &re); err != nil {
			return model.Run{}, fmt.Errorf("unmarshal run error: %w", err)
		}
		r.Error = &re
	}
	return r, nil
}
