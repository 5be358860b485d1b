// Package review triages pending proposals: automatically through the rule
// engine, and manually through human verdicts.
package review

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/notify"
	"github.com/ashita-ai/tsumugi/internal/rules"
	"github.com/ashita-ai/tsumugi/internal/storage"
)

// Service applies rule verdicts and records human reviews.
type Service struct {
	db        *storage.DB
	publisher *notify.Publisher
	logger    *slog.Logger
}

// New creates a review service.
func New(db *storage.DB, publisher *notify.Publisher, logger *slog.Logger) *Service {
	return &Service{db: db, publisher: publisher, logger: logger}
}

// TriageSummary reports what one auto-triage pass did.
type TriageSummary struct {
	Evaluated int
	Approved  int
	Rejected  int
	Notified  int
}

// AutoTriage evaluates every pending proposal of a run against the enabled
// rules. Approve and reject verdicts are applied immediately; notify matches
// ping reviewers and leave the proposal pending. Proposals matching no rule
// stay pending for manual review.
func (s *Service) AutoTriage(ctx context.Context, runID uuid.UUID) (TriageSummary, error) {
	var summary TriageSummary

	ruleSet, err := s.db.ListRules(ctx, true)
	if err != nil {
		return summary, err
	}
	if len(ruleSet) == 0 {
		return summary, nil
	}

	pending, err := s.db.ListProposals(ctx, runID, model.ProposalStatusPending)
	if err != nil {
		return summary, err
	}

	for _, p := range pending {
		summary.Evaluated++

		decision := rules.Evaluate(p.Record(topicNameOf(p)), ruleSet)
		if !decision.Matched {
			continue
		}

		if err := s.db.MarkRuleMatch(ctx, p.ID, decision.RuleID); err != nil {
			return summary, err
		}
		if err := s.db.TouchRuleTriggered(ctx, decision.RuleID); err != nil {
			return summary, err
		}

		switch decision.Action {
		case model.RuleActionApprove, model.RuleActionReject:
			action := model.ReviewActionApprove
			if decision.Action == model.RuleActionReject {
				action = model.ReviewActionReject
				summary.Rejected++
			} else {
				summary.Approved++
			}
			reviewed, err := s.db.ReviewProposal(ctx, p.ID, model.Review{
				Reviewer: "rule:" + decision.RuleName,
				Action:   action,
			})
			if err != nil {
				return summary, err
			}
			s.logger.Info("proposal auto-triaged",
				"proposal_id", p.ID, "rule", decision.RuleName, "action", action)
			s.publisher.ProposalTriaged(ctx, reviewed, decision.RuleName)

		case model.RuleActionNotify:
			summary.Notified++
			s.logger.Info("proposal flagged for attention",
				"proposal_id", p.ID, "rule", decision.RuleName)
			s.publisher.ProposalNeedsAttention(ctx, p, decision.RuleName)
		}
	}

	s.logger.Info("auto-triage finished",
		"run_id", runID,
		"evaluated", summary.Evaluated,
		"approved", summary.Approved,
		"rejected", summary.Rejected,
		"notified", summary.Notified)
	return summary, nil
}

// Review records a human verdict on a pending proposal. When the proposal was
// earlier flagged by a rule and the human agrees with the rule's action, the
// rule's success counter advances; triggered vs success counts give each
// rule's observed precision.
func (s *Service) Review(ctx context.Context, proposalID uuid.UUID, review model.Review) (model.Proposal, error) {
	reviewed, err := s.db.ReviewProposal(ctx, proposalID, review)
	if err != nil {
		return model.Proposal{}, err
	}

	if reviewed.MatchedRuleID != nil {
		rule, err := s.db.GetRule(ctx, *reviewed.MatchedRuleID)
		if err != nil {
			s.logger.Warn("review: matched rule lookup failed", "rule_id", *reviewed.MatchedRuleID, "error", err)
		} else if ruleAgrees(rule.Action, review.Action) {
			if err := s.db.RecordRuleOutcome(ctx, rule.ID); err != nil {
				s.logger.Warn("review: record rule outcome", "rule_id", rule.ID, "error", err)
			}
		}
	}

	s.logger.Info("proposal reviewed",
		"proposal_id", proposalID, "reviewer", review.Reviewer, "action", review.Action)
	s.publisher.ProposalTriaged(ctx, reviewed, "")
	return reviewed, nil
}

// ListPending returns a run's proposals awaiting review.
func (s *Service) ListPending(ctx context.Context, runID uuid.UUID) ([]model.Proposal, error) {
	return s.db.ListProposals(ctx, runID, model.ProposalStatusPending)
}

func ruleAgrees(ruleAction model.RuleAction, humanAction model.ReviewAction) bool {
	switch ruleAction {
	case model.RuleActionApprove:
		return humanAction == model.ReviewActionApprove
	case model.RuleActionReject:
		return humanAction == model.ReviewActionReject
	default:
		// A notify rule succeeded by getting the proposal looked at.
		return true
	}
}

// topicNameOf pulls the topic name the extraction recorded on the proposal,
// if any, for rule paths like "topic.name".
func topicNameOf(p model.Proposal) string {
	if p.Diff == nil {
		return ""
	}
	if name, ok := p.Diff["topic"].(string); ok {
		return name
	}
	return ""
}
