// Package handlers exposes the transfer service over HTTP.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/maneesh/hookdrive/internal/protocol"
	"github.com/maneesh/hookdrive/internal/storage"
	"github.com/maneesh/hookdrive/internal/transfer"
)

var tracer = otel.Tracer("hookdrive-handlers")

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("failed to write response")
	}
}

// writeError maps service errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), ErrorResponse{Error: err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, protocol.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, transfer.ErrNoActiveTransfer):
		return http.StatusNotFound
	case errors.Is(err, transfer.ErrNotComplete), errors.Is(err, storage.ErrNotUploading):
		return http.StatusConflict
	case errors.Is(err, transfer.ErrNoEndpoints):
		return http.StatusServiceUnavailable
	case errors.Is(err, transfer.ErrNoExportSink):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg})
}
