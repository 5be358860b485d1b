package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/tsumugi/internal/storage"
)

// retryDelay spaces out reconnect attempts after a notification error so a
// dead notify connection does not spin the loop.
const retryDelay = time.Second

// Event is one notification as delivered to subscribers.
type Event struct {
	Channel string
	Payload []byte
}

// Broker fans out Postgres LISTEN/NOTIFY messages to in-process subscribers.
// It runs a background goroutine that calls db.WaitForNotification in a loop
// and sends each payload to all active subscriber channels.
type Broker struct {
	db     *storage.DB
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan Event]struct{}

	retryDelay time.Duration
}

// NewBroker creates a new broker. Call Start to begin listening.
func NewBroker(db *storage.DB, logger *slog.Logger) *Broker {
	return &Broker{
		db:          db,
		logger:      logger,
		subscribers: make(map[chan Event]struct{}),
		retryDelay:  retryDelay,
	}
}

// Start begins listening on the run, proposal, and batch channels.
// It blocks, so call it in a goroutine. Returns when ctx is cancelled.
func (b *Broker) Start(ctx context.Context) {
	channels := []string{storage.ChannelRunEvents, storage.ChannelProposalEvents, storage.ChannelBatchEvents}
	for _, channel := range channels {
		if err := b.db.Listen(ctx, channel); err != nil {
			b.logger.Error("broker: listen", "channel", channel, "error", err)
			return
		}
	}

	b.logger.Info("broker: listening for notifications", "channels", channels)

	for {
		n, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Shutting down.
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			if !b.waitBeforeRetry(ctx) {
				return
			}
			continue
		}

		b.broadcast(Event{Channel: n.Channel, Payload: []byte(n.Payload)})
	}
}

// Subscribe returns a channel that receives events.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan Event {
	ch := make(chan Event, 64) // Buffer to avoid blocking the broadcast loop.
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// waitBeforeRetry sleeps the retry delay. Returns false when ctx is
// cancelled before the delay elapses.
func (b *Broker) waitBeforeRetry(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(b.retryDelay):
		return true
	}
}

// broadcast sends an event to all subscribers. Slow subscribers with a full
// buffer are skipped so one slow consumer cannot block the others.
func (b *Broker) broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber buffer full; drop this event for them.
		}
	}
}
