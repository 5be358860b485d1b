package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsumugi/internal/model"
)

func openTestSpool(t *testing.T) *Spool {
	t.Helper()
	s, err := Open(t.TempDir() + "/spool.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func spoolMsg(channel, content string, sentAt time.Time) model.Message {
	return model.Message{
		ID:        uuid.New(),
		ChannelID: channel,
		Author:    "rin",
		Content:   content,
		SentAt:    sentAt,
	}
}

func TestSpoolAppendAndPending(t *testing.T) {
	ctx := context.Background()
	s := openTestSpool(t)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	parent := uuid.New()
	msgs := []model.Message{
		spoolMsg("ops", "second message", base.Add(time.Minute)),
		spoolMsg("ops", "first message", base),
	}
	msgs[0].ParentID = &parent

	require.NoError(t, s.Append(ctx, msgs))

	got, err := s.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Oldest first regardless of append order.
	assert.Equal(t, "first message", got[0].Content)
	assert.Equal(t, "second message", got[1].Content)
	require.NotNil(t, got[1].ParentID)
	assert.Equal(t, parent, *got[1].ParentID)
	assert.True(t, got[0].SentAt.Equal(base))
}

func TestSpoolAppend_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestSpool(t)

	msg := spoolMsg("ops", "delivered twice", time.Now().UTC())
	require.NoError(t, s.Append(ctx, []model.Message{msg}))
	require.NoError(t, s.Append(ctx, []model.Message{msg}))

	got, err := s.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSpoolMarkConsumedAndVacuum(t *testing.T) {
	ctx := context.Background()
	s := openTestSpool(t)

	a := spoolMsg("ops", "will be consumed", time.Now().UTC())
	b := spoolMsg("ops", "stays pending", time.Now().UTC())
	require.NoError(t, s.Append(ctx, []model.Message{a, b}))

	require.NoError(t, s.MarkConsumed(ctx, []uuid.UUID{a.ID}))

	got, err := s.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b.ID, got[0].ID)

	// keep=0 removes everything already consumed.
	n, err := s.Vacuum(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// The pending message is untouched.
	got, err = s.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSpoolPending_Limit(t *testing.T) {
	ctx := context.Background()
	s := openTestSpool(t)

	base := time.Now().UTC()
	var msgs []model.Message
	for i := range 5 {
		msgs = append(msgs, spoolMsg("ops", "msg", base.Add(time.Duration(i)*time.Second)))
	}
	require.NoError(t, s.Append(ctx, msgs))

	got, err := s.Pending(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}
