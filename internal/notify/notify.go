// Package notify publishes pipeline events over Postgres LISTEN/NOTIFY and
// fans them out to in-process subscribers.
//
// Events are advisory: publishing is fire-and-forget and a delivery failure
// never fails the operation that produced it.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/storage"
)

// RunEvent announces a run status change.
type RunEvent struct {
	RunID  uuid.UUID       `json:"run_id"`
	Status model.RunStatus `json:"status"`
	At     time.Time       `json:"at"`
}

// ProposalEvent announces a proposal entering or leaving review.
type ProposalEvent struct {
	ProposalID uuid.UUID            `json:"proposal_id"`
	RunID      uuid.UUID            `json:"run_id"`
	Status     model.ProposalStatus `json:"status"`
	RuleName   string               `json:"rule_name,omitempty"`
	At         time.Time            `json:"at"`
}

// BatchEvent announces progress through a run's batches.
type BatchEvent struct {
	RunID      uuid.UUID `json:"run_id"`
	BatchIndex int       `json:"batch_index"`
	Proposals  int       `json:"proposals"`
	At         time.Time `json:"at"`
}

// Publisher sends events through Postgres NOTIFY. All methods are best-effort:
// failures are logged and swallowed.
type Publisher struct {
	db     *storage.DB
	logger *slog.Logger
}

// NewPublisher creates a Publisher.
func NewPublisher(db *storage.DB, logger *slog.Logger) *Publisher {
	return &Publisher{db: db, logger: logger}
}

// RunStatusChanged announces a run transition.
func (p *Publisher) RunStatusChanged(ctx context.Context, runID uuid.UUID, status model.RunStatus) {
	p.publish(ctx, storage.ChannelRunEvents, RunEvent{RunID: runID, Status: status, At: time.Now().UTC()})
}

// ProposalTriaged announces a proposal verdict, automatic or human.
func (p *Publisher) ProposalTriaged(ctx context.Context, proposal model.Proposal, ruleName string) {
	p.publish(ctx, storage.ChannelProposalEvents, ProposalEvent{
		ProposalID: proposal.ID,
		RunID:      proposal.RunID,
		Status:     proposal.Status,
		RuleName:   ruleName,
		At:         time.Now().UTC(),
	})
}

// ProposalNeedsAttention announces a pending proposal flagged by a notify
// rule. The proposal stays pending; this only pings reviewers.
func (p *Publisher) ProposalNeedsAttention(ctx context.Context, proposal model.Proposal, ruleName string) {
	p.publish(ctx, storage.ChannelProposalEvents, ProposalEvent{
		ProposalID: proposal.ID,
		RunID:      proposal.RunID,
		Status:     proposal.Status,
		RuleName:   ruleName,
		At:         time.Now().UTC(),
	})
}

// BatchCommitted announces one committed batch so hosts can show run progress.
func (p *Publisher) BatchCommitted(ctx context.Context, runID uuid.UUID, batchIndex, proposals int) {
	p.publish(ctx, storage.ChannelBatchEvents, BatchEvent{
		RunID:      runID,
		BatchIndex: batchIndex,
		Proposals:  proposals,
		At:         time.Now().UTC(),
	})
}

func (p *Publisher) publish(ctx context.Context, channel string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("notify: marshal event", "channel", channel, "error", err)
		return
	}
	if err := p.db.Notify(ctx, channel, string(payload)); err != nil {
		p.logger.Warn("notify: publish event", "channel", channel, "error", err)
	}
}
