package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsumugi/internal/model"
)

// VersionAppend describes a new snapshot for an existing entity.
type VersionAppend struct {
	EntityID   uuid.UUID
	Title      string
	Content    string
	Confidence float32
}

// LinkCreate describes a typed link between two atoms.
type LinkCreate struct {
	SourceID uuid.UUID
	TargetID uuid.UUID
	Type     model.LinkType
}

// TopicAssignment claims a message for a topic.
type TopicAssignment struct {
	MessageID uuid.UUID
	TopicID   uuid.UUID
}

// BatchCommit is everything one extracted batch writes to the store.
type BatchCommit struct {
	RunID       uuid.UUID
	Provenance  string
	Entities    []model.Entity
	Versions    []VersionAppend
	Links       []LinkCreate
	Proposals   []model.Proposal
	Assignments []TopicAssignment
}

// CommitResult reports what the transaction actually wrote.
type CommitResult struct {
	EntitiesCreated  int
	VersionsCreated  int
	LinksCreated     int
	ProposalsCreated int
	TopicsAssigned   int
}

// CommitExtraction applies one batch's extraction output in a single
// transaction: entities, version snapshots, atom links, proposals, topic
// assignments, and the run counter increments. Either the whole batch lands
// or none of it does; a failure here leaves earlier batches' commits intact.
// Concurrent batches contend on the run counters row; deadlocks roll back
// wholesale and are retried.
func (db *DB) CommitExtraction(ctx context.Context, commit BatchCommit) (CommitResult, error) {
	var result CommitResult
	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		var err error
		result, err = db.commitExtractionTx(ctx, commit)
		return err
	})
	return result, err
}

func (db *DB) commitExtractionTx(ctx context.Context, commit BatchCommit) (CommitResult, error) {
	var result CommitResult

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return result, fmt.Errorf("storage: begin extraction tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for i := range commit.Entities {
		if err := createEntityTx(ctx, tx, &commit.Entities[i], commit.Provenance); err != nil {
			return CommitResult{}, fmt.Errorf("storage: %w", err)
		}
		result.EntitiesCreated++
		result.VersionsCreated++
	}

	for _, v := range commit.Versions {
		if _, err := appendEntityVersionTx(ctx, tx, v.EntityID, v.Title, v.Content, v.Confidence, commit.Provenance); err != nil {
			return CommitResult{}, fmt.Errorf("storage: %w", err)
		}
		result.VersionsCreated++
	}

	for _, l := range commit.Links {
		if _, err := createAtomLinkTx(ctx, tx, l.SourceID, l.TargetID, l.Type); err != nil {
			return CommitResult{}, fmt.Errorf("storage: %w", err)
		}
		result.LinksCreated++
	}

	now := time.Now().UTC()
	for _, p := range commit.Proposals {
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		var diffJSON []byte
		if p.Diff != nil {
			diffJSON, err = json.Marshal(p.Diff)
			if err != nil {
				return CommitResult{}, fmt.Errorf("storage: marshal proposal diff: %w", err)
			}
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO proposals (id, run_id, kind, title, content, confidence, status,
			   similar_entity_id, similarity_score, diff, entity_id, matched_rule_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8, $9, $10, $11, $12)`,
			p.ID, commit.RunID, string(p.Kind), p.Title, p.Content, p.Confidence,
			p.SimilarEntityID, p.SimilarityScore, diffJSON, p.EntityID, p.MatchedRuleID, now,
		)
		if err != nil {
			return CommitResult{}, fmt.Errorf("storage: insert proposal: %w", err)
		}
		result.ProposalsCreated++
	}

	for _, a := range commit.Assignments {
		assigned, err := assignTopicTx(ctx, tx, a.MessageID, a.TopicID)
		if err != nil {
			return CommitResult{}, fmt.Errorf("storage: %w", err)
		}
		if assigned {
			result.TopicsAssigned++
		}
	}

	// Counter moves ride the same transaction so they can never drift from
	// the rows they count.
	_, err = tx.Exec(ctx,
		`UPDATE runs SET
		   proposals_total = proposals_total + $1,
		   proposals_pending = proposals_pending + $1,
		   versions_created = versions_created + $2,
		   links_created = links_created + $3
		 WHERE id = $4`,
		result.ProposalsCreated, result.VersionsCreated, result.LinksCreated, commit.RunID,
	)
	if err != nil {
		return CommitResult{}, fmt.Errorf("storage: update run counters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return CommitResult{}, fmt.Errorf("storage: commit extraction tx: %w", err)
	}
	return result, nil
}
