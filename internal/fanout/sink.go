// Package fanout wires the WebSocket hub and the webhook dispatcher
// behind the single EventSink interface the ingest pipeline depends on.
package fanout

import (
	"context"

	"github.com/wnt/oracle/internal/fanout/webhook"
	"github.com/wnt/oracle/internal/fanout/ws"
)

// Sink combines the two fan-out channels so callers construct one object
// and the ingest pipeline stays oblivious to which concrete channels
// exist behind it.
type Sink struct {
	Hub        *ws.Hub
	Dispatcher *webhook.Dispatcher
}

func NewSink(hub *ws.Hub, dispatcher *webhook.Dispatcher) *Sink {
	return &Sink{Hub: hub, Dispatcher: dispatcher}
}

func (s *Sink) Broadcast(event string, data interface{}) {
	s.Hub.Broadcast(event, data)
}

// BroadcastToTier forwards to the hub's tiered broadcast so only
// connections at or above minTier receive it (spec §4.7 "broadcastToTier").
func (s *Sink) BroadcastToTier(event string, data interface{}, minTier int) {
	s.Hub.BroadcastToTier(event, data, minTier)
}

func (s *Sink) Dispatch(ctx context.Context, eventType string, data interface{}) {
	s.Dispatcher.Dispatch(ctx, eventType, data)
}
