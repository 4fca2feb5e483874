package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BizMitra/BizMitra/internal/models"
)

// User-facing texts for turn failures.
const (
	BusyNotice   = "Please wait, still working on your previous message"
	ApologyReply = "Sorry, I'm having trouble replying right now. Please try again in a moment."
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so encoding errors surface before headers are written.
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

// writeError maps domain errors onto HTTP status codes. fallback is the
// message used for unclassified errors.
func writeError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, models.ErrThreadBusy):
		writeJSONResponse(w, http.StatusConflict, models.Error(BusyNotice))
	case errors.Is(err, models.ErrGatewayUnavailable):
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error(ApologyReply))
	case errors.Is(err, models.ErrGatewayRejected):
		slog.Error("Server.writeError: model request rejected", "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error(ApologyReply))
	case errors.Is(err, models.ErrInvalidAPIKey):
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Invalid API key"))
	case errors.Is(err, models.ErrEmptyMessage):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	case errors.Is(err, models.ErrThreadNotFound),
		errors.Is(err, models.ErrBusinessNotFound),
		errors.Is(err, models.ErrClientNotFound),
		errors.Is(err, models.ErrBookingNotFound),
		errors.Is(err, models.ErrTaskNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error(err.Error()))
	default:
		slog.Error("Server.writeError: unhandled error", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error(fallback))
	}
}

// decodeJSON decodes the request body into v and validates it.
func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON format: %w", err)
	}
	if err := models.Validator().Struct(v); err != nil {
		return err
	}
	return nil
}
