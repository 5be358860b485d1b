// Package model defines the core domain types for tsumugi.
//
// All types correspond directly to database tables and event payloads.
// Types use strong typing (UUIDs, time.Time, enums) and avoid interface{}
// wherever possible.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of an extraction run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusClosed    RunStatus = "closed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether no further transitions are possible from s.
func (s RunStatus) Terminal() bool {
	return s == RunStatusClosed || s == RunStatusFailed
}

// Unclosed reports whether s counts against the single-active-run invariant.
// At most one run system-wide may be in an unclosed state.
func (s RunStatus) Unclosed() bool {
	return s == RunStatusPending || s == RunStatusRunning || s == RunStatusCompleted
}

// CanTransition reports whether a run may move from s to next.
func (s RunStatus) CanTransition(next RunStatus) bool {
	if next == RunStatusFailed {
		return !s.Terminal()
	}
	switch s {
	case RunStatusPending:
		return next == RunStatusRunning
	case RunStatusRunning:
		return next == RunStatusCompleted
	case RunStatusCompleted:
		return next == RunStatusClosed
	default:
		return false
	}
}

// ConfigSnapshot freezes the exact parameters a run was created with.
// Later configuration edits never alter an in-flight run.
type ConfigSnapshot struct {
	AgentID             string   `json:"agent_id"`
	TaskID              string   `json:"task_id"`
	Provider            string   `json:"provider"`
	Project             string   `json:"project"`
	Model               string   `json:"model,omitempty"`
	ConfidenceThreshold float32  `json:"confidence_threshold"`
	MinContentLength    int      `json:"min_content_length"`
	Keywords            []string `json:"keywords,omitempty"`
	GapThreshold        Duration `json:"gap_threshold"`
	MaxBatchSize        int      `json:"max_batch_size"`
	MessageBudget       int      `json:"message_budget"`
}

// ApplyDefaults fills zero-valued tuning knobs with their defaults.
func (c *ConfigSnapshot) ApplyDefaults() {
	if c.ConfidenceThreshold == 0 {
		c.ConfidenceThreshold = 0.7
	}
	if c.MinContentLength == 0 {
		c.MinContentLength = 10
	}
	if c.GapThreshold == 0 {
		c.GapThreshold = Duration(10 * time.Minute)
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = 50
	}
}

// Duration is a time.Duration that marshals as a Go duration string
// (e.g. "10m0s") so config snapshots stay human-readable in JSONB.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		parsed, err := time.ParseDuration(s[1 : len(s)-1])
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	}
	return nil
}

// RunCounters holds the per-run counters maintained by the storage layer.
// Invariant: ProposalsTotal == ProposalsPending + ProposalsApproved + ProposalsRejected.
type RunCounters struct {
	ProposalsTotal         int `json:"proposals_total"`
	ProposalsPending       int `json:"proposals_pending"`
	ProposalsApproved      int `json:"proposals_approved"`
	ProposalsRejected      int `json:"proposals_rejected"`
	MessagesInWindow       int `json:"messages_in_window"`
	MessagesAfterPrefilter int `json:"messages_after_prefilter"`
	BatchesCreated         int `json:"batches_created"`
	VersionsCreated        int `json:"versions_created"`
	LinksCreated           int `json:"links_created"`
}

// RunError is the structured error payload attached to a failed run.
type RunError struct {
	At      time.Time      `json:"at"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// Run is one bounded execution of the extraction-and-review pipeline over
// a time window of messages.
type Run struct {
	ID          uuid.UUID      `json:"id"`
	WindowStart time.Time      `json:"window_start"`
	WindowEnd   time.Time      `json:"window_end"` // exclusive
	Status      RunStatus      `json:"status"`
	Counters    RunCounters    `json:"counters"`
	Config      ConfigSnapshot `json:"config"`
	Error       *RunError      `json:"error,omitempty"`

	// Accuracy metrics, computed and frozen when the run closes.
	ApprovalRate  *float64 `json:"approval_rate,omitempty"`
	RejectionRate *float64 `json:"rejection_rate,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

// ExtractionSummary carries the counters recorded when extraction finishes.
type ExtractionSummary struct {
	MessagesInWindow       int `json:"messages_in_window"`
	MessagesAfterPrefilter int `json:"messages_after_prefilter"`
	BatchesCreated         int `json:"batches_created"`
}
