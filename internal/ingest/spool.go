// Package ingest provides a local durability buffer for incoming chat
// messages.
//
// Platform adapters append messages to an embedded SQLite spool; the pipeline
// drains the spool into Postgres at the start of each cycle. Messages survive
// process restarts and Postgres outages, and draining is idempotent because
// the Postgres insert skips already-seen IDs.
package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashita-ai/tsumugi/internal/model"
)

const spoolSchema = `
CREATE TABLE IF NOT EXISTS spool (
	id TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL,
	thread_id TEXT NOT NULL DEFAULT '',
	parent_id TEXT,
	author TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	sent_at TEXT NOT NULL,
	consumed_at TEXT
);
CREATE INDEX IF NOT EXISTS spool_pending_idx ON spool (sent_at) WHERE consumed_at IS NULL;
`

// Spool is an embedded SQLite message buffer.
type Spool struct {
	db *sql.DB
}

// Open opens (or creates) a spool database at path. Use ":memory:" for an
// ephemeral spool in tests.
func Open(path string) (*Spool, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ingest: open spool %s: %w", path, err)
	}
	// SQLite allows one writer; funnel everything through one connection to
	// avoid SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("ingest: enable WAL: %w", err)
	}
	if _, err := db.Exec(spoolSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ingest: create spool schema: %w", err)
	}
	return &Spool{db: db}, nil
}

// Append stores messages in the spool. Re-appending an already-spooled ID is
// a no-op, so adapters can retry deliveries safely.
func (s *Spool) Append(ctx context.Context, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ingest: begin append tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO spool (id, channel_id, thread_id, parent_id, author, content, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("ingest: prepare append: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		var parentID *string
		if m.ParentID != nil {
			pid := m.ParentID.String()
			parentID = &pid
		}
		if _, err := stmt.ExecContext(ctx,
			m.ID.String(), m.ChannelID, m.ThreadID, parentID, m.Author, m.Content,
			m.SentAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("ingest: append message %s: %w", m.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ingest: commit append tx: %w", err)
	}
	return nil
}

// Pending returns unconsumed messages, oldest first.
func (s *Spool) Pending(ctx context.Context, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_id, thread_id, parent_id, author, content, sent_at
		 FROM spool WHERE consumed_at IS NULL ORDER BY sent_at ASC, id ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ingest: query pending: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var (
			idStr, sentAtStr string
			parentID         sql.NullString
			msg              model.Message
		)
		if err := rows.Scan(&idStr, &msg.ChannelID, &msg.ThreadID, &parentID, &msg.Author, &msg.Content, &sentAtStr); err != nil {
			return nil, fmt.Errorf("ingest: scan spooled message: %w", err)
		}
		msg.ID, err = uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("ingest: invalid spooled message id %q: %w", idStr, err)
		}
		msg.SentAt, err = time.Parse(time.RFC3339Nano, sentAtStr)
		if err != nil {
			return nil, fmt.Errorf("ingest: invalid sent_at %q: %w", sentAtStr, err)
		}
		if parentID.Valid {
			pid, err := uuid.Parse(parentID.String)
			if err != nil {
				return nil, fmt.Errorf("ingest: invalid parent id %q: %w", parentID.String, err)
			}
			msg.ParentID = &pid
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// MarkConsumed records that messages were durably handed off to Postgres.
// Consumed rows stay in the spool until Vacuum removes them, so a crash
// between insert and mark only causes a harmless redelivery.
func (s *Spool) MarkConsumed(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, time.Now().UTC().Format(time.RFC3339Nano))
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id.String())
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE spool SET consumed_at = ? WHERE id IN (`+strings.Join(placeholders, ", ")+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("ingest: mark consumed: %w", err)
	}
	return nil
}

// Vacuum deletes consumed rows older than keep.
func (s *Spool) Vacuum(ctx context.Context, keep time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-keep).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM spool WHERE consumed_at IS NOT NULL AND consumed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("ingest: vacuum spool: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close closes the spool database.
func (s *Spool) Close() error {
	return s.db.Close()
}
