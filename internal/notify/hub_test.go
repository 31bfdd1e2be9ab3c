package notify

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kronk/taskengine/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn records writes. When block is set each write waits for release.
type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	closed   bool
	writeErr error

	block   bool
	release chan struct{}
	written chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		release: make(chan struct{}),
		written: make(chan struct{}, 100),
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	if c.block {
		<-c.release
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.messages = append(c.messages, data)
	c.written <- struct{}{}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) received(t *testing.T) []*events.TaskEvent {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*events.TaskEvent, 0, len(c.messages))
	for _, m := range c.messages {
		var e events.TaskEvent
		require.NoError(t, json.Unmarshal(m, &e))
		out = append(out, &e)
	}
	return out
}

func (c *fakeConn) waitFor(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.written:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for message %d of %d", i+1, n)
		}
	}
}

func stateEvent(principal, state string) *events.TaskEvent {
	e := events.NewTaskEvent(events.KindState, uuid.New(), "resize_image", principal)
	e.State = state
	return e
}

func TestHub_PublishWithoutSubscribers(t *testing.T) {
	hub := NewHub(DefaultHubConfig(), setupTestLogger())
	defer hub.Close()

	assert.NotPanics(t, func() {
		hub.Publish("nobody", stateEvent("nobody", "succeeded"))
	})
	assert.Equal(t, 0, hub.Len())
	assert.Equal(t, 0, hub.Count("nobody"))
	assert.Empty(t, hub.subs)
}

func TestHub_PublishReachesOnlyPrincipal(t *testing.T) {
	hub := NewHub(DefaultHubConfig(), setupTestLogger())
	defer hub.Close()

	alice1, alice2, bob := newFakeConn(), newFakeConn(), newFakeConn()
	hub.Subscribe("alice", alice1)
	hub.Subscribe("alice", alice2)
	hub.Subscribe("bob", bob)
	assert.Equal(t, 2, hub.Count("alice"))
	assert.Equal(t, 3, hub.Len())

	states := []string{"pending", "leased", "succeeded"}
	for _, s := range states {
		hub.Publish("alice", stateEvent("alice", s))
	}

	for _, conn := range []*fakeConn{alice1, alice2} {
		conn.waitFor(t, 3)
		var got []string
		for _, e := range conn.received(t) {
			got = append(got, e.State)
		}
		assert.Equal(t, states, got)
	}
	assert.Empty(t, bob.received(t))
}

func TestHub_FullBufferDropsOnlySlowSubscription(t *testing.T) {
	hub := NewHub(HubConfig{BufferSize: 1}, setupTestLogger())
	defer hub.Close()

	slow := newFakeConn()
	slow.block = true
	fast := newFakeConn()

	hub.Subscribe("alice", slow)
	hub.Subscribe("alice", fast)

	hub.Publish("alice", stateEvent("alice", "pending"))
	fast.waitFor(t, 1)
	// The slow sender now holds the first event inside its blocked write.
	require.Eventually(t, func() bool {
		return bufferedLen(hub, slow) == 0
	}, time.Second, time.Millisecond)

	hub.Publish("alice", stateEvent("alice", "leased"))
	fast.waitFor(t, 1)
	hub.Publish("alice", stateEvent("alice", "succeeded"))
	fast.waitFor(t, 1)

	assert.Equal(t, 1, hub.Count("alice"))
	assert.Len(t, fast.received(t), 3)

	close(slow.release)
	require.Eventually(t, slow.isClosed, time.Second, time.Millisecond)
	assert.False(t, fast.isClosed())
}

func bufferedLen(hub *Hub, conn *fakeConn) int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	for _, set := range hub.subs {
		for _, sub := range set {
			if sub.conn == conn {
				return len(sub.send)
			}
		}
	}
	return -1
}

func TestHub_WriteFailureDropsSubscription(t *testing.T) {
	hub := NewHub(DefaultHubConfig(), setupTestLogger())
	defer hub.Close()

	broken := newFakeConn()
	broken.writeErr = errors.New("broken pipe")
	hub.Subscribe("alice", broken)

	hub.Publish("alice", stateEvent("alice", "pending"))

	require.Eventually(t, broken.isClosed, time.Second, time.Millisecond)
	assert.Equal(t, 0, hub.Count("alice"))

	assert.NotPanics(t, func() {
		hub.Publish("alice", stateEvent("alice", "leased"))
	})
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := NewHub(DefaultHubConfig(), setupTestLogger())
	defer hub.Close()

	conn := newFakeConn()
	sub := hub.Subscribe("alice", conn)
	assert.Equal(t, "alice", sub.Principal)

	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)

	require.Eventually(t, conn.isClosed, time.Second, time.Millisecond)
	assert.Equal(t, 0, hub.Len())
}

func TestHub_Broadcast(t *testing.T) {
	hub := NewHub(DefaultHubConfig(), setupTestLogger())
	defer hub.Close()

	a, b := newFakeConn(), newFakeConn()
	hub.Subscribe("alice", a)
	hub.Subscribe("bob", b)

	stats, err := events.NewStatsEvent(map[string]int{"pending": 3})
	require.NoError(t, err)
	hub.Broadcast(stats)

	a.waitFor(t, 1)
	b.waitFor(t, 1)
	assert.Equal(t, events.KindStats, a.received(t)[0].Kind)
}

func TestHub_Close(t *testing.T) {
	hub := NewHub(DefaultHubConfig(), setupTestLogger())

	a, b := newFakeConn(), newFakeConn()
	hub.Subscribe("alice", a)
	hub.Subscribe("bob", b)

	hub.Close()
	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
	assert.Equal(t, 0, hub.Len())

	late := newFakeConn()
	sub := hub.Subscribe("carol", late)
	assert.True(t, late.isClosed())
	assert.Equal(t, 0, hub.Len())
	hub.Unsubscribe(sub)
}

func TestDeliveryError(t *testing.T) {
	cause := errors.New("reset by peer")
	err := &DeliveryError{Principal: "alice", Reason: ReasonWriteFailed, Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "write_failed")
	assert.Contains(t, (&DeliveryError{Reason: ReasonBufferFull}).Error(), "buffer_full")
}
