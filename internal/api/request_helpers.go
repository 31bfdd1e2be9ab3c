package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kronk/taskengine/internal/api/shared"
	"github.com/kronk/taskengine/internal/platform/logger"
)

var errInvalidPathID = errors.New("invalid path id")

// getPathUUID parses the chi URL parameter paramName as a UUID.
func getPathUUID(r *http.Request, paramName string) (uuid.UUID, error) {
	raw := chi.URLParam(r, paramName)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%w: %s is required", errInvalidPathID, paramName)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s has invalid format", errInvalidPathID, paramName)
	}
	return id, nil
}

// handlePrincipalAndPathUUID extracts the caller and the {id} path parameter,
// writing the error response itself when either is missing.
func handlePrincipalAndPathUUID(w http.ResponseWriter, r *http.Request, paramName string) (string, uuid.UUID, bool) {
	principal := shared.GetPrincipal(r.Context())
	if principal == "" {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Principal not found")
		return "", uuid.Nil, false
	}

	id, err := getPathUUID(r, paramName)
	if err != nil {
		logger.FromContextOrDefault(r.Context()).Debug("invalid path parameter",
			"param_name", paramName,
			"value", chi.URLParam(r, paramName))
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid task ID")
		return "", uuid.Nil, false
	}
	return principal, id, true
}
