package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsumugi/internal/testutil"
)

func TestBrokerBroadcast(t *testing.T) {
	b := NewBroker(nil, testutil.TestLogger())

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()

	b.broadcast(Event{Channel: "tsumugi_run_events", Payload: []byte(`{"status":"running"}`)})

	for _, sub := range []chan Event{sub1, sub2} {
		select {
		case ev := <-sub:
			assert.Equal(t, "tsumugi_run_events", ev.Channel)
		default:
			t.Fatal("subscriber did not receive event")
		}
	}

	b.Unsubscribe(sub1)
	b.broadcast(Event{Channel: "tsumugi_run_events", Payload: []byte(`{}`)})

	// sub1 is closed; sub2 still receives.
	_, open := <-sub1
	assert.False(t, open)
	select {
	case ev := <-sub2:
		require.NotNil(t, ev.Payload)
	default:
		t.Fatal("remaining subscriber did not receive event")
	}
}

func TestBrokerBroadcast_FullBufferDoesNotBlock(t *testing.T) {
	b := NewBroker(nil, testutil.TestLogger())

	sub := b.Subscribe()
	for range 100 {
		b.broadcast(Event{Channel: "tsumugi_proposal_events", Payload: []byte(`{}`)})
	}

	// Buffer is 64; overflow was dropped, not blocked on.
	assert.Len(t, sub, 64)
	b.Unsubscribe(sub)
}

func TestBrokerWaitsBetweenRetries(t *testing.T) {
	b := NewBroker(nil, testutil.TestLogger())
	b.retryDelay = 20 * time.Millisecond

	// A persistent notification error must not spin the listen loop.
	start := time.Now()
	require.True(t, b.waitBeforeRetry(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.retryDelay = time.Hour
	assert.False(t, b.waitBeforeRetry(ctx))
}
