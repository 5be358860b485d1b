// Package batch groups an ordered chat-message stream into conversation-shaped
// batches for extraction. The algorithm is pure and deterministic: identical
// input and configuration always produce identical groupings.
package batch

import (
	"sort"
	"strings"
	"time"

	"github.com/ashita-ai/tsumugi/internal/model"
)

// Config holds the batching knobs. Zero values fall back to defaults.
type Config struct {
	// MinContentLength drops messages with shorter trimmed content during
	// prefilter, unless a keyword or @mention rescues them.
	MinContentLength int

	// Keywords rescue short messages when matched case-insensitively.
	Keywords []string

	// GapThreshold starts a new batch when the gap to the previous message
	// exceeds it, for conversations without explicit threading.
	GapThreshold time.Duration

	// MaxBatchSize caps the number of messages per batch.
	MaxBatchSize int
}

const (
	defaultMinContentLength = 10
	defaultGapThreshold     = 10 * time.Minute
	defaultMaxBatchSize     = 50
)

func (c Config) withDefaults() Config {
	if c.MinContentLength <= 0 {
		c.MinContentLength = defaultMinContentLength
	}
	if c.GapThreshold <= 0 {
		c.GapThreshold = defaultGapThreshold
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = defaultMaxBatchSize
	}
	return c
}

// Batch is a conversation-shaped group of messages submitted together to the
// extraction step. Messages are ordered by send time.
type Batch struct {
	ChannelID string
	ThreadID  string
	Messages  []model.Message
}

// Size returns the number of messages in the batch.
func (b Batch) Size() int { return len(b.Messages) }

// Prefilter drops messages whose trimmed content is shorter than
// cfg.MinContentLength, unless the content contains a configured keyword
// (case-insensitive) or an "@" mention marker.
func Prefilter(msgs []model.Message, cfg Config) []model.Message {
	cfg = cfg.withDefaults()

	kept := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		trimmed := strings.TrimSpace(m.Content)
		if len(trimmed) >= cfg.MinContentLength {
			kept = append(kept, m)
			continue
		}
		if strings.Contains(trimmed, "@") || matchesKeyword(trimmed, cfg.Keywords) {
			kept = append(kept, m)
		}
	}
	return kept
}

func matchesKeyword(content string, keywords []string) bool {
	if len(keywords) == 0 {
		return false
	}
	lower := strings.ToLower(content)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// Group sorts messages by send time and groups them by (channel, thread).
// Conversations without an explicit thread are split on time gaps larger
// than cfg.GapThreshold. Every batch is additionally capped at
// cfg.MaxBatchSize messages. The input slice is not mutated.
func Group(msgs []model.Message, cfg Config) []Batch {
	cfg = cfg.withDefaults()
	if len(msgs) == 0 {
		return nil
	}

	sorted := make([]model.Message, len(msgs))
	copy(sorted, msgs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].SentAt.Equal(sorted[j].SentAt) {
			return sorted[i].SentAt.Before(sorted[j].SentAt)
		}
		// Stable tiebreak so equal timestamps cannot reorder between calls.
		return sorted[i].ID.String() < sorted[j].ID.String()
	})

	// Partition by conversation key, preserving time order within each.
	type conversation struct {
		channelID string
		threadID  string
		msgs      []model.Message
	}
	index := make(map[string]int)
	var conversations []conversation
	for _, m := range sorted {
		key := m.ChannelID + "\x00" + m.ThreadID
		i, ok := index[key]
		if !ok {
			i = len(conversations)
			index[key] = i
			conversations = append(conversations, conversation{channelID: m.ChannelID, threadID: m.ThreadID})
		}
		conversations[i].msgs = append(conversations[i].msgs, m)
	}

	var batches []Batch
	for _, conv := range conversations {
		current := Batch{ChannelID: conv.channelID, ThreadID: conv.threadID}
		var prev time.Time
		for _, m := range conv.msgs {
			gapExceeded := conv.threadID == "" && len(current.Messages) > 0 &&
				m.SentAt.Sub(prev) > cfg.GapThreshold
			if gapExceeded || len(current.Messages) >= cfg.MaxBatchSize {
				batches = append(batches, current)
				current = Batch{ChannelID: conv.channelID, ThreadID: conv.threadID}
			}
			current.Messages = append(current.Messages, m)
			prev = m.SentAt
		}
		if len(current.Messages) > 0 {
			batches = append(batches, current)
		}
	}

	// Order batches by first message time so the extraction sequence is
	// reproducible regardless of map iteration.
	sort.SliceStable(batches, func(i, j int) bool {
		a, b := batches[i].Messages[0], batches[j].Messages[0]
		if !a.SentAt.Equal(b.SentAt) {
			return a.SentAt.Before(b.SentAt)
		}
		return a.ID.String() < b.ID.String()
	})
	return batches
}

// SelectWithinBudget admits complete batches, in order, until adding the next
// one would exceed the global message budget. A batch is never truncated
// mid-conversation: the remainder waits for the next cycle. A non-positive
// budget admits everything.
func SelectWithinBudget(batches []Batch, budget int) (selected, deferred []Batch) {
	if budget <= 0 {
		return batches, nil
	}
	used := 0
	for i, b := range batches {
		if used+b.Size() > budget {
			return batches[:i], batches[i:]
		}
		used += b.Size()
	}
	return batches, nil
}
