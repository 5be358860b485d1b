package model

import (
	"time"

	"github.com/google/uuid"
)

// Message is one chat message in the ingestion stream. Channel/thread/parent
// keys are used purely for conversation grouping.
type Message struct {
	ID        uuid.UUID  `json:"id"`
	ChannelID string     `json:"channel_id"`
	ThreadID  string     `json:"thread_id,omitempty"`
	ParentID  *uuid.UUID `json:"parent_id,omitempty"`
	Author    string     `json:"author"`
	Content   string     `json:"content"`
	SentAt    time.Time  `json:"sent_at"`

	// TopicID is the write-once topic assignment: the first extraction
	// candidate that claims a message wins, later claims are ignored.
	TopicID *uuid.UUID `json:"topic_id,omitempty"`
}
