package model

import (
	"time"

	"github.com/google/uuid"
)

// ProposalStatus is the review state of a generated proposal.
type ProposalStatus string

const (
	ProposalStatusPending  ProposalStatus = "pending"
	ProposalStatusApproved ProposalStatus = "approved"
	ProposalStatusRejected ProposalStatus = "rejected"
)

// ProposalKind distinguishes what a proposal materializes on approval.
type ProposalKind string

const (
	ProposalKindTopic ProposalKind = "topic"
	ProposalKindAtom  ProposalKind = "atom"
	ProposalKindTask  ProposalKind = "task"
)

// ReviewAction is the verdict attached when a proposal leaves pending.
type ReviewAction string

const (
	ReviewActionApprove ReviewAction = "approve"
	ReviewActionReject  ReviewAction = "reject"
)

// Review is the metadata attached to a proposal on transition out of pending.
type Review struct {
	Reviewer string       `json:"reviewer"`
	Action   ReviewAction `json:"action"`
	Notes    string       `json:"notes,omitempty"`
	At       time.Time    `json:"at"`
}

// Proposal is a generated knowledge/task candidate awaiting approval or
// rejection. Every proposal belongs to exactly one run.
type Proposal struct {
	ID         uuid.UUID      `json:"id"`
	RunID      uuid.UUID      `json:"run_id"`
	Kind       ProposalKind   `json:"kind"`
	Title      string         `json:"title"`
	Content    string         `json:"content"`
	Confidence float32        `json:"confidence"`
	Status     ProposalStatus `json:"status"`

	// Duplicate-detection fields, populated when the similarity index finds
	// a close prior entity.
	SimilarEntityID *uuid.UUID     `json:"similar_entity_id,omitempty"`
	SimilarityScore *float32       `json:"similarity_score,omitempty"`
	Diff            map[string]any `json:"diff,omitempty"`

	// EntityID links the proposal to the entity (or version) it produced.
	EntityID *uuid.UUID `json:"entity_id,omitempty"`

	// MatchedRuleID is set when a rule auto-triaged this proposal.
	MatchedRuleID *uuid.UUID `json:"matched_rule_id,omitempty"`

	Review    *Review   `json:"review,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Record flattens a proposal into the nested attribute map consumed by the
// rule engine. Topic fields nest under "topic" so conditions can address
// paths like "topic.name".
func (p Proposal) Record(topicName string) map[string]any {
	rec := map[string]any{
		"kind":       string(p.Kind),
		"title":      p.Title,
		"content":    p.Content,
		"confidence": float64(p.Confidence),
		"status":     string(p.Status),
	}
	if p.SimilarityScore != nil {
		rec["similarity_score"] = float64(*p.SimilarityScore)
	}
	if topicName != "" {
		rec["topic"] = map[string]any{"name": topicName}
	}
	return rec
}
