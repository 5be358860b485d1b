package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Notification channels used by the pipeline. Payloads are JSON.
const (
	ChannelRunEvents      = "tsumugi_run_events"
	ChannelProposalEvents = "tsumugi_proposal_events"
	ChannelBatchEvents    = "tsumugi_batch_events"
)

// Notify publishes a payload on a Postgres NOTIFY channel via the pool.
// pg_notify only fires on commit, so events are never delivered for work
// that rolled back.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	_, err := db.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, payload)
	if err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}

// Listen subscribes the dedicated notify connection to a channel.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: listen %s: no notify connection configured", channel)
	}
	if _, err := db.notifyConn.Exec(ctx, `LISTEN `+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any channel the
// notify connection is subscribed to, or ctx is cancelled.
func (db *DB) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	if db.notifyConn == nil {
		return nil, fmt.Errorf("storage: wait for notification: no notify connection configured")
	}
	n, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: wait for notification: %w", err)
	}
	return n, nil
}
