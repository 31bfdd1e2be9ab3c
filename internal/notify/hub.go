package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/kronk/taskengine/internal/events"
	"github.com/kronk/taskengine/internal/metrics"
)

// Conn is a live connection able to receive encoded events.
type Conn interface {
	WriteMessage(data []byte) error
	Close() error
}

// HubConfig holds configuration for the hub
type HubConfig struct {
	// BufferSize is the number of undelivered events a subscription may hold
	BufferSize int
}

// DefaultHubConfig returns a HubConfig with reasonable defaults
func DefaultHubConfig() HubConfig {
	return HubConfig{BufferSize: 64}
}

// Drop reasons reported in DeliveryError.
const (
	ReasonBufferFull  = "buffer_full"
	ReasonWriteFailed = "write_failed"
)

// DeliveryError describes why a subscription was dropped. It is logged and
// counted, never returned to a publisher.
type DeliveryError struct {
	Principal      string
	SubscriptionID uuid.UUID
	Reason         string
	Err            error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("deliver to %s (%s): %s: %v", e.Principal, e.SubscriptionID, e.Reason, e.Err)
	}
	return fmt.Sprintf("deliver to %s (%s): %s", e.Principal, e.SubscriptionID, e.Reason)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Subscription is one live connection registered for a principal.
type Subscription struct {
	ID        uuid.UUID
	Principal string

	conn    Conn
	send    chan []byte
	closing sync.Once
}

// Hub routes events to the live connections of a principal.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[uuid.UUID]*Subscription
	closed bool

	config HubConfig
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(config HubConfig, logger *slog.Logger) *Hub {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultHubConfig().BufferSize
	}
	return &Hub{
		subs:   make(map[string]map[uuid.UUID]*Subscription),
		config: config,
		logger: logger.With("component", "notify_hub"),
	}
}

// Subscribe registers conn for principal. After Close it returns a
// subscription whose connection is already closed.
func (h *Hub) Subscribe(principal string, conn Conn) *Subscription {
	sub := &Subscription{
		ID:        uuid.New(),
		Principal: principal,
		conn:      conn,
		send:      make(chan []byte, h.config.BufferSize),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.closing.Do(func() { close(sub.send) })
		_ = conn.Close()
		return sub
	}
	set, ok := h.subs[principal]
	if !ok {
		set = make(map[uuid.UUID]*Subscription)
		h.subs[principal] = set
	}
	set[sub.ID] = sub
	h.wg.Add(1)
	h.mu.Unlock()

	metrics.ActiveSubscriptions.Inc()
	go h.deliver(sub)

	h.logger.Debug("subscribed",
		"principal", principal,
		"subscription_id", sub.ID)
	return sub
}

// Unsubscribe removes sub. Queued events are still flushed before its
// connection is closed. Calling it more than once is safe.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if h.remove(sub) {
		h.logger.Debug("unsubscribed",
			"principal", sub.Principal,
			"subscription_id", sub.ID)
	}
}

// remove deletes sub from the index and closes its buffer.
// It reports whether sub was still registered.
func (h *Hub) remove(sub *Subscription) bool {
	h.mu.Lock()
	set, ok := h.subs[sub.Principal]
	if ok {
		_, ok = set[sub.ID]
		delete(set, sub.ID)
		if len(set) == 0 {
			delete(h.subs, sub.Principal)
		}
	}
	h.mu.Unlock()

	if ok {
		metrics.ActiveSubscriptions.Dec()
		sub.closing.Do(func() { close(sub.send) })
	}
	return ok
}

// Publish sends event to every live connection of principal. With no
// subscribers it does nothing.
func (h *Hub) Publish(principal string, event *events.TaskEvent) {
	h.mu.RLock()
	set := h.subs[principal]
	if len(set) == 0 {
		h.mu.RUnlock()
		return
	}
	data, ok := h.encode(event)
	if !ok {
		h.mu.RUnlock()
		return
	}
	full := h.enqueue(set, data)
	h.mu.RUnlock()

	h.dropAll(full)
}

// Broadcast sends event to every live connection.
func (h *Hub) Broadcast(event *events.TaskEvent) {
	h.mu.RLock()
	if len(h.subs) == 0 {
		h.mu.RUnlock()
		return
	}
	data, ok := h.encode(event)
	if !ok {
		h.mu.RUnlock()
		return
	}
	var full []*Subscription
	for _, set := range h.subs {
		full = append(full, h.enqueue(set, data)...)
	}
	h.mu.RUnlock()

	h.dropAll(full)
}

func (h *Hub) encode(event *events.TaskEvent) ([]byte, bool) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to encode event",
			"event_id", event.ID,
			"error", err)
		return nil, false
	}
	return data, true
}

// enqueue buffers data for each subscription and returns those that were full.
// Caller holds at least the read lock, which keeps every buffer open.
func (h *Hub) enqueue(set map[uuid.UUID]*Subscription, data []byte) []*Subscription {
	var full []*Subscription
	for _, sub := range set {
		select {
		case sub.send <- data:
		default:
			full = append(full, sub)
		}
	}
	return full
}

func (h *Hub) dropAll(subs []*Subscription) {
	for _, sub := range subs {
		h.drop(sub, &DeliveryError{
			Principal:      sub.Principal,
			SubscriptionID: sub.ID,
			Reason:         ReasonBufferFull,
		})
	}
}

func (h *Hub) drop(sub *Subscription, derr *DeliveryError) {
	if !h.remove(sub) {
		return
	}
	metrics.NotificationsDroppedTotal.WithLabelValues(derr.Reason).Inc()
	h.logger.Warn("dropping subscription", "error", derr)
}

// deliver writes buffered events to the connection in publish order.
func (h *Hub) deliver(sub *Subscription) {
	defer h.wg.Done()
	defer func() {
		if err := sub.conn.Close(); err != nil {
			h.logger.Debug("failed to close connection",
				"subscription_id", sub.ID,
				"error", err)
		}
	}()

	for data := range sub.send {
		if err := sub.conn.WriteMessage(data); err != nil {
			h.drop(sub, &DeliveryError{
				Principal:      sub.Principal,
				SubscriptionID: sub.ID,
				Reason:         ReasonWriteFailed,
				Err:            err,
			})
			return
		}
		metrics.NotificationsDeliveredTotal.Inc()
	}
}

// Count returns the number of live connections for principal.
func (h *Hub) Count(principal string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[principal])
}

// Len returns the total number of live connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

// Close removes every subscription and waits for their senders to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*Subscription
	for _, set := range h.subs {
		for _, sub := range set {
			all = append(all, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range all {
		h.remove(sub)
	}
	h.wg.Wait()
	h.logger.Info("notification hub closed", "dropped_subscriptions", len(all))
}
