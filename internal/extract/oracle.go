// Package extract defines the extraction oracle: the external collaborator
// that turns a batch of chat messages into candidate topics and atomic facts.
//
// The oracle is an interface so the pipeline can run against an
// OpenAI-compatible chat endpoint in production and a static implementation
// in tests.
package extract

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsumugi/internal/model"
)

// TopicCandidate is a discussion topic proposed by the oracle.
type TopicCandidate struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Confidence  float32     `json:"confidence"`
	Keywords    []string    `json:"keywords"`
	MessageIDs  []uuid.UUID `json:"related_message_ids"`
}

// LinkCandidate is a typed relation from an atom to another atom, addressed
// by name because the target may be created in the same batch.
type LinkCandidate struct {
	TargetName string         `json:"target"`
	Type       model.LinkType `json:"type"`
}

// AtomCandidate is an atomic fact proposed by the oracle.
type AtomCandidate struct {
	Type       string          `json:"type"`
	Title      string          `json:"title"`
	Content    string          `json:"content"`
	Confidence float32         `json:"confidence"`
	TopicName  string          `json:"topic"`
	MessageIDs []uuid.UUID     `json:"related_message_ids"`
	Links      []LinkCandidate `json:"links"`
}

// Result is the oracle's output for one batch.
type Result struct {
	Topics []TopicCandidate `json:"topics"`
	Atoms  []AtomCandidate  `json:"atoms"`
}

// Oracle extracts candidate knowledge from a batch of messages.
// Implementations must be safe for concurrent use.
type Oracle interface {
	Extract(ctx context.Context, msgs []model.Message, cfg model.ConfigSnapshot) (Result, error)
}

// Static is an Oracle returning a fixed result, or a fixed error.
// Used in tests and as a dry-run stand-in.
type Static struct {
	Result Result
	Err    error
}

func (s Static) Extract(context.Context, []model.Message, model.ConfigSnapshot) (Result, error) {
	if s.Err != nil {
		return Result{}, s.Err
	}
	return s.Result, nil
}
