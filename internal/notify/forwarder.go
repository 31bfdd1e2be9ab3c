package notify

import (
	"context"

	"github.com/kronk/taskengine/internal/events"
)

// Forwarder routes engine events to the hub. Stats events go to every
// connection; task events go to the connections of the task's principal.
type Forwarder struct {
	hub *Hub
}

// NewForwarder creates a Forwarder publishing to hub.
func NewForwarder(hub *Hub) *Forwarder {
	return &Forwarder{hub: hub}
}

// HandleEvent implements events.EventHandler. Delivery failures never
// surface as errors.
func (f *Forwarder) HandleEvent(ctx context.Context, event *events.TaskEvent) error {
	if event.Kind == events.KindStats {
		f.hub.Broadcast(event)
		return nil
	}
	if event.Principal == "" {
		return nil
	}
	f.hub.Publish(event.Principal, event)
	return nil
}
