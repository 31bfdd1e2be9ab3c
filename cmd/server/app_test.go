package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kronk/taskengine/internal/api"
	"github.com/kronk/taskengine/internal/config"
	"github.com/kronk/taskengine/internal/events"
	"github.com/kronk/taskengine/internal/jobs"
	"github.com/kronk/taskengine/internal/task"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port:            8080,
			LogLevel:        "debug",
			ShutdownTimeout: 5 * time.Second,
			PrincipalHeader: "X-Principal-ID",
		},
		Redis: config.RedisConfig{KeyPrefix: "taskengine"},
		Queue: config.QueueConfig{
			Backend:       config.BackendMemory,
			LeaseDuration: 5 * time.Second,
			ScanInterval:  time.Second,
		},
		Worker: config.WorkerConfig{
			Count:           2,
			PollInterval:    10 * time.Millisecond,
			MaxPollInterval: 50 * time.Millisecond,
			MaxRetries:      1,
			Timeout:         5 * time.Second,
			BackoffBase:     10 * time.Millisecond,
			BackoffMax:      100 * time.Millisecond,
		},
		Notify: config.NotifyConfig{
			BufferSize:   16,
			WriteTimeout: time.Second,
		},
		Email: config.EmailConfig{FromDomain: "kronk.uz", Timeout: time.Second},
	}
}

// typeEcho is a client-visible task type that returns its payload.
const typeEcho = "echo"

func registerEcho(r *task.Registry) {
	r.MustRegister(typeEcho, task.Typed(func(ctx context.Context, exec *task.Execution, payload map[string]any) (any, error) {
		return payload, nil
	}), task.RetryPolicy{Timeout: time.Second})
}

// startTestApp runs the application against the memory backend, with the
// echo task type added, and serves its router from an httptest server.
func startTestApp(t *testing.T, cfg *config.Config) (*application, *httptest.Server) {
	t.Helper()
	require.NoError(t, config.Validate(cfg))

	ctx := context.Background()
	app, err := newApplication(ctx, cfg, discardLogger())
	require.NoError(t, err)
	registerEcho(app.engine.Registry())
	require.NoError(t, app.start(ctx))

	server := httptest.NewServer(app.setupRouter())
	t.Cleanup(func() {
		server.Close()
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		app.stop(stopCtx)
		app.cleanup()
	})
	return app, server
}

func apiRequest(t *testing.T, method, url, principal, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if principal != "" {
		req.Header.Set("X-Principal-ID", principal)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func waitForState(t *testing.T, baseURL, principal, taskID string, want task.State) api.TaskStatusResponse {
	t.Helper()
	var status api.TaskStatusResponse
	require.Eventually(t, func() bool {
		resp := apiRequest(t, http.MethodGet, baseURL+"/api/tasks/"+taskID, principal, "")
		if resp.StatusCode != http.StatusOK {
			return false
		}
		status = api.TaskStatusResponse{}
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return false
		}
		return status.State == want
	}, 5*time.Second, 20*time.Millisecond)
	return status
}

func newMailServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"message":"OK"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestApplication_Endpoints(t *testing.T) {
	_, server := startTestApp(t, testConfig())

	resp := apiRequest(t, http.MethodGet, server.URL+"/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = apiRequest(t, http.MethodGet, server.URL+"/metrics", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "taskengine_")

	resp = apiRequest(t, http.MethodPost, server.URL+"/api/tasks", "", `{"type":"broadcast_stats"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Trace-ID"))

	resp = apiRequest(t, http.MethodPost, server.URL+"/api/tasks", "user-1", `{"type":"send_email"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "send_email is not registered without an api token")
}

func TestApplication_TaskLifecycle(t *testing.T) {
	_, server := startTestApp(t, testConfig())

	resp := apiRequest(t, http.MethodPost, server.URL+"/api/tasks", "user-1",
		`{"type":"echo","payload":{"greeting":"hello"}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var accepted api.EnqueueTaskResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	assert.Equal(t, task.StatePending, accepted.State)

	status := waitForState(t, server.URL, "user-1", accepted.TaskID, task.StateSucceeded)
	assert.Equal(t, typeEcho, status.TaskType)
	assert.Equal(t, 1, status.Attempts)
	assert.JSONEq(t, `{"greeting":"hello"}`, string(status.Output))

	resp = apiRequest(t, http.MethodGet, server.URL+"/api/tasks/"+accepted.TaskID, "user-2", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = apiRequest(t, http.MethodDelete, server.URL+"/api/tasks/"+accepted.TaskID, "user-1", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestApplication_InternalTaskTypes(t *testing.T) {
	cfg := testConfig()
	cfg.Email.APIURL = newMailServer(t).URL
	cfg.Email.APIToken = "test-token"
	app, server := startTestApp(t, cfg)

	for _, body := range []string{
		`{"type":"send_email","payload":{"to_email":"bob@kronk.uz","username":"bob","code":"1234"}}`,
		`{"type":"broadcast_stats"}`,
	} {
		resp := apiRequest(t, http.MethodPost, server.URL+"/api/tasks", "user-1", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)

		var errResp struct {
			Error string `json:"error"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
		assert.Equal(t, "Unknown task type", errResp.Error)
	}

	id, err := app.engine.Enqueue(context.Background(), jobs.TypeSendEmail,
		jobs.SendEmailPayload{ToEmail: "bob@kronk.uz", Username: "bob", Code: "1234"}, "user-1")
	require.NoError(t, err)

	status := waitForState(t, server.URL, "user-1", id.String(), task.StateSucceeded)
	assert.Equal(t, jobs.TypeSendEmail, status.TaskType)
	assert.Contains(t, string(status.Output), jobs.TemplateVerification)
}

func TestApplication_CancelDelayedTask(t *testing.T) {
	_, server := startTestApp(t, testConfig())

	resp := apiRequest(t, http.MethodPost, server.URL+"/api/tasks", "user-1",
		`{"type":"echo","payload":{"greeting":"later"},"delay_seconds":3600}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var accepted api.EnqueueTaskResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))

	resp = apiRequest(t, http.MethodDelete, server.URL+"/api/tasks/"+accepted.TaskID, "user-1", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var status api.TaskStatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, task.StateCancelled, status.State)
	require.NotNil(t, status.Error)
	assert.Equal(t, task.KindCancelled, status.Error.Kind)
}

func TestApplication_LiveUpdates(t *testing.T) {
	app, server := startTestApp(t, testConfig())

	header := http.Header{}
	header.Set("X-Principal-ID", "user-1")
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	client, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool { return app.hub.Count("user-1") == 1 }, 2*time.Second, 10*time.Millisecond)

	resp := apiRequest(t, http.MethodPost, server.URL+"/api/tasks", "user-1",
		`{"type":"echo","payload":{"greeting":"live"}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var accepted api.EnqueueTaskResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))

	var states []string
	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := client.ReadMessage()
		require.NoError(t, err)

		var event events.TaskEvent
		require.NoError(t, json.Unmarshal(data, &event))
		if event.Kind != events.KindState {
			continue
		}
		assert.Equal(t, accepted.TaskID, event.TaskID.String())
		states = append(states, event.State)
		if event.State == string(task.StateSucceeded) {
			break
		}
	}
	assert.Equal(t, []string{"pending", "leased", "succeeded"}, states)
}

func TestOpenBackend(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		b, err := openBackend(context.Background(), testConfig(), discardLogger())
		require.NoError(t, err)
		assert.NoError(t, b.close())
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := testConfig()
		cfg.Queue.Backend = config.BackendRedis
		cfg.Redis.Addr = mr.Addr()

		b, err := openBackend(context.Background(), cfg, discardLogger())
		require.NoError(t, err)
		defer func() { _ = b.close() }()

		id, err := b.queue.Enqueue(context.Background(), &task.Descriptor{Type: "broadcast_stats"})
		require.NoError(t, err)
		assert.True(t, mr.Exists("taskengine:task:"+id.String()))
	})

	t.Run("unknown", func(t *testing.T) {
		cfg := testConfig()
		cfg.Queue.Backend = "sqlite"
		_, err := openBackend(context.Background(), cfg, discardLogger())
		assert.ErrorContains(t, err, "unknown queue backend")
	})
}

func TestRunMigrations_RequiresDatabaseURL(t *testing.T) {
	err := runMigrations(context.Background(), testConfig(), "up", discardLogger())
	assert.ErrorContains(t, err, "database.url")
}

func TestDefaultRetryPolicy(t *testing.T) {
	cfg := testConfig()
	p := defaultRetryPolicy(cfg.Worker)
	assert.Equal(t, 1, p.MaxRetries)
	assert.Equal(t, 5*time.Second, p.Timeout)
	assert.Equal(t, 10*time.Millisecond, p.Backoff.Base)
	assert.Equal(t, task.DefaultBackoffScale, p.Backoff.Factor)
}
