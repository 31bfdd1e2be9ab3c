package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler() Handler {
	return HandlerFunc(func(ctx context.Context, exec *Execution) (any, error) {
		return nil, nil
	})
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register("send_email", noopHandler(), RetryPolicy{MaxRetries: 5, Timeout: time.Second}))

	entry, err := r.Resolve("send_email")
	require.NoError(t, err)
	assert.Equal(t, "send_email", entry.Name)
	assert.Equal(t, 5, entry.Policy.MaxRetries)
	assert.Equal(t, time.Second, entry.Policy.Timeout)
	assert.Equal(t, DefaultBackoffBase, entry.Policy.Backoff.Base)
}

func TestRegistry_Errors(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("a", noopHandler(), DefaultRetryPolicy()))

	err := r.Register("a", noopHandler(), DefaultRetryPolicy())
	assert.ErrorIs(t, err, ErrDuplicateTaskType)

	assert.Error(t, r.Register("", noopHandler(), DefaultRetryPolicy()))
	assert.Error(t, r.Register("b", nil, DefaultRetryPolicy()))
	assert.Error(t, r.Register("c", noopHandler(), RetryPolicy{MaxRetries: -1}))

	_, err = r.Resolve("missing")
	assert.ErrorIs(t, err, ErrUnknownTaskType)
}

func TestRegistry_Internal(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("resize_image", noopHandler(), DefaultRetryPolicy()))
	require.NoError(t, r.RegisterInternal("send_email", noopHandler(), DefaultRetryPolicy()))

	assert.True(t, r.Public("resize_image"))
	assert.False(t, r.Public("send_email"))
	assert.False(t, r.Public("missing"))

	entry, err := r.Resolve("send_email")
	require.NoError(t, err)
	assert.True(t, entry.Internal)

	assert.ErrorIs(t, r.RegisterInternal("resize_image", noopHandler(), DefaultRetryPolicy()), ErrDuplicateTaskType)
}

func TestRegistry_Seal(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("a", noopHandler(), DefaultRetryPolicy()))
	assert.False(t, r.Sealed())

	r.Seal()
	assert.True(t, r.Sealed())

	err := r.Register("b", noopHandler(), DefaultRetryPolicy())
	assert.ErrorIs(t, err, ErrRegistrySealed)

	_, err = r.Resolve("a")
	assert.NoError(t, err)
}

func TestRegistry_Names(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("zeta", noopHandler(), DefaultRetryPolicy())
	r.MustRegister("alpha", noopHandler(), DefaultRetryPolicy())

	assert.Equal(t, []string{"alpha", "zeta"}, r.Names())
	assert.Panics(t, func() { r.MustRegister("alpha", noopHandler(), DefaultRetryPolicy()) })
}

func TestTyped(t *testing.T) {
	type payload struct {
		URL string `json:"url"`
	}

	h := Typed(func(ctx context.Context, exec *Execution, p payload) (any, error) {
		return p.URL, nil
	})

	out, err := h.Handle(context.Background(), &Execution{TaskType: "x", Payload: []byte(`{"url":"a.png"}`)})
	require.NoError(t, err)
	assert.Equal(t, "a.png", out)

	_, err = h.Handle(context.Background(), &Execution{TaskType: "x", Payload: []byte(`{"url":5}`)})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestExecution_Progress(t *testing.T) {
	var got []int
	exec := &Execution{progress: func(p int, _ string) { got = append(got, p) }}

	exec.Progress(-5, "")
	exec.Progress(50, "")
	exec.Progress(150, "")
	assert.Equal(t, []int{0, 50, 100}, got)

	(&Execution{}).Progress(10, "no listener")
}
