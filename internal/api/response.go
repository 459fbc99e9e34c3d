// Package api provides HTTP response utilities for SleepPath.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/SleepPath/internal/flow"
	"github.com/BTreeMap/SleepPath/internal/models"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so an encoding error can still change the status code.
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// decodeJSONBody decodes r's body into dst. An empty body is accepted when
// optional is set and leaves dst untouched.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}, optional bool) error {
	if r.Body == nil {
		if optional {
			return nil
		}
		return io.EOF
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	err := dec.Decode(dst)
	if errors.Is(err, io.EOF) && optional {
		return nil
	}
	return err
}

// writeSessionError maps orchestrator and manager errors onto HTTP statuses.
func writeSessionError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, models.ErrUserIDRequired):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	case errors.Is(err, flow.ErrUnknownUser):
		writeJSONResponse(w, http.StatusNotFound, models.Error("User not found"))
	case errors.Is(err, flow.ErrOrchestratorStopped), errors.Is(err, flow.ErrManagerClosed):
		slog.Warn("Server: session unavailable", "op", op, "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Session unavailable"))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		slog.Warn("Server: request cancelled", "op", op, "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Request cancelled"))
	default:
		slog.Error("Server: session operation failed", "op", op, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
	}
}
