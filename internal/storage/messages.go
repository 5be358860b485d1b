package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tsumugi/internal/model"
)

const messageColumns = `id, channel_id, thread_id, parent_id, author, content, sent_at, topic_id`

// InsertMessages stores a batch of chat messages, skipping any IDs already
// present so re-delivery from the ingest spool is harmless.
func (db *DB) InsertMessages(ctx context.Context, msgs []model.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: begin insert messages tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted := 0
	for _, m := range msgs {
		tag, err := tx.Exec(ctx,
			`INSERT INTO messages (id, channel_id, thread_id, parent_id, author, content, sent_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO NOTHING`,
			m.ID, m.ChannelID, m.ThreadID, m.ParentID, m.Author, m.Content, m.SentAt.UTC(),
		)
		if err != nil {
			return 0, fmt.Errorf("storage: insert message %s: %w", m.ID, err)
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: commit insert messages tx: %w", err)
	}
	return inserted, nil
}

// MessagesInWindow returns messages sent within [start, end), oldest first.
func (db *DB) MessagesInWindow(ctx context.Context, start, end time.Time) ([]model.Message, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE sent_at >= $1 AND sent_at < $2
		 ORDER BY sent_at ASC, id ASC`,
		start.UTC(), end.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: messages in window: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.ThreadID, &m.ParentID, &m.Author, &m.Content, &m.SentAt, &m.TopicID); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetMessage retrieves a message by ID.
func (db *DB) GetMessage(ctx context.Context, id uuid.UUID) (model.Message, error) {
	var m model.Message
	err := db.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id,
	).Scan(&m.ID, &m.ChannelID, &m.ThreadID, &m.ParentID, &m.Author, &m.Content, &m.SentAt, &m.TopicID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Message{}, fmt.Errorf("storage: message %s: %w", id, ErrNotFound)
		}
		return model.Message{}, fmt.Errorf("storage: get message: %w", err)
	}
	return m, nil
}

// assignTopicTx links a message to a topic. Assignment is write-once: the
// topic_id IS NULL guard means a later extraction can never reassign a
// message, so the first claim wins. Returns true when this call made the
// assignment.
func assignTopicTx(ctx context.Context, tx pgx.Tx, messageID, topicID uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx,
		`UPDATE messages SET topic_id = $1 WHERE id = $2 AND topic_id IS NULL`,
		topicID, messageID,
	)
	if err != nil {
		return false, fmt.Errorf("assign topic to message %s: %w", messageID, err)
	}
	return tag.RowsAffected() > 0, nil
}
