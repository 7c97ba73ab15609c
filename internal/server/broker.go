package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/storage"
)

// NotifySource is the LISTEN/NOTIFY side of the database.
type NotifySource interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
	ReconnectNotify(ctx context.Context, channels ...string) error
}

const reconnectDelay = time.Second

// Broker fans out evaluation events received over Postgres LISTEN/NOTIFY to
// SSE subscribers. Each subscriber may restrict the stream to one workspace.
type Broker struct {
	src    NotifySource
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]int64
}

// NewBroker creates a new SSE broker. Call Start to begin listening.
func NewBroker(src NotifySource, logger *slog.Logger) *Broker {
	return &Broker{
		src:         src,
		logger:      logger,
		subscribers: make(map[chan []byte]int64),
	}
}

// Start listens on the evaluation events channel until ctx is cancelled.
// A broken notify connection is replaced and the loop resumes.
func (b *Broker) Start(ctx context.Context) {
	if err := b.src.Listen(ctx, storage.ChannelEvaluationEvents); err != nil {
		b.logger.Error("broker: listen evaluation events", "error", err)
		return
	}
	b.logger.Info("broker: listening for notifications", "channel", storage.ChannelEvaluationEvents)

	for {
		channel, payload, err := b.src.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("broker: notification error, reconnecting", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
			if err := b.src.ReconnectNotify(ctx, storage.ChannelEvaluationEvents); err != nil {
				b.logger.Warn("broker: reconnect failed", "error", err)
			}
			continue
		}
		b.publish(channel, payload)
	}
}

// Subscribe returns a channel that receives SSE-formatted events for
// workspaceID, or for every workspace when workspaceID is 0. The caller must
// call Unsubscribe when done.
func (b *Broker) Subscribe(workspaceID int64) chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subscribers[ch] = workspaceID
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

func (b *Broker) publish(channel, payload string) {
	var ev model.EvaluationEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		b.logger.Warn("broker: malformed event", "channel", channel, "error", err)
		return
	}
	b.broadcast(ev.ActiveEvaluation.WorkspaceID, formatSSE(string(ev.Type), payload))
}

// broadcast sends an event to matching subscribers. A subscriber with a full
// buffer misses the event.
func (b *Broker) broadcast(workspaceID int64, event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, filter := range b.subscribers {
		if filter != 0 && filter != workspaceID {
			continue
		}
		select {
		case ch <- event:
		default:
		}
	}
}

// formatSSE formats a notification as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
