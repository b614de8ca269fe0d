package gateway

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// EventBroadcaster stamps events and delivers them to clients.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Send delivers one event to one client.
func (b *EventBroadcaster) Send(client *Client, evt Event) error {
	b.stamp(&evt)
	if err := client.WriteJSON(evt); err != nil {
		b.logger.Warn().
			Err(err).
			Str("clientId", client.ID).
			Str("event", evt.Type).
			Int64("seq", evt.Seq).
			Msg("Failed to send event")
		return err
	}
	return nil
}

// Broadcast sends an event to every connected client.
func (b *EventBroadcaster) Broadcast(eventType string, data interface{}) {
	clients := b.clients.Snapshot()
	if len(clients) == 0 {
		b.logger.Debug().Str("event", eventType).Msg("No clients to broadcast to")
		return
	}

	failed := 0
	for _, client := range clients {
		if err := b.Send(client, Event{Type: eventType, Data: data}); err != nil {
			failed++
		}
	}

	b.logger.Debug().
		Str("event", eventType).
		Int("success", len(clients)-failed).
		Int("failed", failed).
		Msg("Event broadcast complete")
}

func (b *EventBroadcaster) stamp(evt *Event) {
	if evt.Seq == 0 {
		evt.Seq = int64(atomic.AddUint64(&b.seq, 1))
	}
	if evt.Timestamp == 0 {
		evt.Timestamp = time.Now().UnixMilli()
	}
}
