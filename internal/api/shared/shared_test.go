package shared

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kronk/taskengine/internal/platform/logger"
)

func TestPrincipalContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", GetPrincipal(ctx))

	ctx = WithPrincipal(ctx, "user-42")
	assert.Equal(t, "user-42", GetPrincipal(ctx))
}

func TestTraceID(t *testing.T) {
	assert.Equal(t, "", GetTraceID(context.Background()))

	ctx := SetTraceID(context.Background())
	id := GetTraceID(ctx)
	assert.Len(t, id, 32)
	assert.NotContains(t, id, "-")
	assert.NotEqual(t, id, GetTraceID(SetTraceID(context.Background())))
}

type enqueueBody struct {
	Type  string `json:"type" validate:"required"`
	Delay int    `json:"delay" validate:"gte=0"`
}

type selfValidating struct {
	OK bool `json:"ok"`
}

func (s selfValidating) Validate() error {
	if !s.OK {
		return errors.New("not ok")
	}
	return nil
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"type":"send_email","delay":5}`, false},
		{"unknown field", `{"type":"send_email","extra":1}`, true},
		{"malformed", `{"type":`, true},
		{"trailing object", `{"type":"a"}{"type":"b"}`, true},
		{"empty", ``, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(tt.body))
			var v enqueueBody
			err := DecodeJSON(r, &v)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "send_email", v.Type)
		})
	}

	t.Run("oversized body", func(t *testing.T) {
		big := `{"type":"` + strings.Repeat("x", MaxBodyBytes) + `"}`
		r := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(big))
		var v enqueueBody
		assert.Error(t, DecodeJSON(r, &v))
	})
}

func TestValidateRequest(t *testing.T) {
	assert.NoError(t, ValidateRequest(&enqueueBody{Type: "send_email"}))
	assert.Error(t, ValidateRequest(&enqueueBody{}))
	assert.Error(t, ValidateRequest(&enqueueBody{Type: "a", Delay: -1}))

	assert.NoError(t, ValidateRequest(selfValidating{OK: true}))
	assert.EqualError(t, ValidateRequest(selfValidating{}), "not ok")
}

func TestRespondWithJSON(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	RespondWithJSON(w, r, http.StatusAccepted, map[string]string{"state": "pending"})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"state":"pending"}`, w.Body.String())
}

func TestRespondWithErrorAndLog(t *testing.T) {
	var logs bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := logger.WithLogger(SetTraceID(context.Background()), log)
	r := httptest.NewRequest(http.MethodGet, "/api/tasks/x", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	RespondWithErrorAndLog(w, r, http.StatusInternalServerError, "Failed to get task status",
		errors.New("dial postgres://app:hunter22@db:5432/tasks: refused"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Failed to get task status", resp.Error)
	assert.Equal(t, GetTraceID(ctx), resp.TraceID)
	assert.NotContains(t, w.Body.String(), "postgres")

	assert.Contains(t, logs.String(), `"level":"ERROR"`)
	assert.Contains(t, logs.String(), resp.TraceID)
	assert.NotContains(t, logs.String(), "hunter22")
}

func TestRespondWithError_ClientErrorLogsAtDebug(t *testing.T) {
	var logs bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	r := httptest.NewRequest(http.MethodGet, "/api/tasks/x", nil).
		WithContext(logger.WithLogger(context.Background(), log))
	w := httptest.NewRecorder()

	RespondWithError(w, r, http.StatusNotFound, "Task not found")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, logs.String(), `"level":"DEBUG"`)
}
