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

const proposalColumns = `id, run_id, kind, title, content, confidence, status,
	 similar_entity_id, similarity_score, diff, entity_id, matched_rule_id,
	 reviewer, review_action, review_notes, reviewed_at, created_at`

// GetProposal retrieves a proposal by ID.
func (db *DB) GetProposal(ctx context.Context, id uuid.UUID) (model.Proposal, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1`, id)
	p, err := scanProposal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Proposal{}, fmt.Errorf("storage: proposal %s: %w", id, ErrNotFound)
		}
		return model.Proposal{}, fmt.Errorf("storage: get proposal: %w", err)
	}
	return p, nil
}

// ListProposals returns proposals for a run, optionally filtered by status,
// oldest first.
func (db *DB) ListProposals(ctx context.Context, runID uuid.UUID, status model.ProposalStatus) ([]model.Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE run_id = $1`
	args := []any{runID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list proposals: %w", err)
	}
	defer rows.Close()

	var proposals []model.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan proposal: %w", err)
		}
		proposals = append(proposals, p)
	}
	return proposals, rows.Err()
}

// ReviewProposal records a review verdict on a pending proposal and moves the
// run counters in the same transaction, so proposals_total always equals the
// sum of the per-status counters. Re-reviewing is rejected with
// model.ErrInvalidTransition. Concurrent reviews of the same run contend on
// the run counters row; deadlocks are retried.
func (db *DB) ReviewProposal(ctx context.Context, id uuid.UUID, review model.Review) (model.Proposal, error) {
	if review.At.IsZero() {
		review.At = time.Now().UTC()
	}
	newStatus := model.ProposalStatusApproved
	if review.Action == model.ReviewActionReject {
		newStatus = model.ProposalStatusRejected
	}

	var p model.Proposal
	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		var err error
		p, err = db.reviewProposalTx(ctx, id, review, newStatus)
		return err
	})
	return p, err
}

func (db *DB) reviewProposalTx(ctx context.Context, id uuid.UUID, review model.Review, newStatus model.ProposalStatus) (model.Proposal, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Proposal{}, fmt.Errorf("storage: begin review tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`UPDATE proposals SET status = $1, reviewer = $2, review_action = $3, review_notes = $4, reviewed_at = $5
		 WHERE id = $6 AND status = 'pending'
		 RETURNING `+proposalColumns,
		string(newStatus), review.Reviewer, string(review.Action), nullIfEmpty(review.Notes), review.At, id,
	)
	p, err := scanProposal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Proposal{}, db.reviewFailure(ctx, id)
		}
		return model.Proposal{}, fmt.Errorf("storage: review proposal: %w", err)
	}

	counterCol := "proposals_approved"
	if newStatus == model.ProposalStatusRejected {
		counterCol = "proposals_rejected"
	}
	if _, err := tx.Exec(ctx,
		`UPDATE runs SET proposals_pending = proposals_pending - 1, `+counterCol+` = `+counterCol+` + 1
		 WHERE id = $1`,
		p.RunID,
	); err != nil {
		return model.Proposal{}, fmt.Errorf("storage: update run counters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Proposal{}, fmt.Errorf("storage: commit review tx: %w", err)
	}
	return p, nil
}

// MarkRuleMatch records which rule matched a proposal during auto-triage.
// Set for all matched actions, including notify where the proposal stays
// pending.
func (db *DB) MarkRuleMatch(ctx context.Context, id, ruleID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE proposals SET matched_rule_id = $1 WHERE id = $2`, ruleID, id)
	if err != nil {
		return fmt.Errorf("storage: mark rule match: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: proposal %s: %w", id, ErrNotFound)
	}
	return nil
}

func (db *DB) reviewFailure(ctx context.Context, id uuid.UUID) error {
	current, err := db.GetProposal(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("storage: proposal %s already %s: %w", id, current.Status, model.ErrInvalidTransition)
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func scanProposal(row pgx.Row) (model.Proposal, error) {
	var (
		p            model.Proposal
		kind, status string
		diffJSON     []byte
		reviewer     *string
		reviewAction *string
		reviewNotes  *string
		reviewedAt   *time.Time
	)
	err := row.Scan(
		&p.ID, &p.RunID, &kind, &p.Title, &p.Content, &p.Confidence, &status,
		&p.SimilarEntityID, &p.SimilarityScore, &diffJSON, &p.EntityID, &p.MatchedRuleID,
		&reviewer, &reviewAction, &reviewNotes, &reviewedAt, &p.CreatedAt,
	)
	if err != nil {
		return model.Proposal{}, err
	}
	p.Kind = model.ProposalKind(kind)
	p.Status = model.ProposalStatus(status)
	if len(diffJSON) > 0 {
		if err := json.Unmarshal(diffJSON, &p.Diff); err != nil {
			return model.Proposal{}, fmt.Errorf("unmarshal proposal diff: %w", err)
		}
	}
	if reviewer != nil && reviewAction != nil && reviewedAt != nil {
		review := model.Review{
			Reviewer: *reviewer,
			Action:   model.ReviewAction(*reviewAction),
			At:       *reviewedAt,
		}
		if reviewNotes != nil {
			review.Notes = *reviewNotes
		}
		p.Review = &review
	}
	return p, nil
}
