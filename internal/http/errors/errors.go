// Package errors centralizes API error responses and request-scoped logging.
// Handlers return JSON error envelopes; the underlying cause is logged with
// the chi request ID and never leaks to the client.
package errors

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

type errorBody struct {
	Error string `json:"error"`
}

// JSON writes an error envelope with the given status.
func JSON(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: message})
}

// Internal logs the cause and answers with a generic 500. The real error
// never reaches the client.
func Internal(w http.ResponseWriter, r *http.Request, err error, message string) {
	logWith(r, "[ERROR]", message, err)
	JSON(w, http.StatusInternalServerError, "internal server error")
}

// BadRequest logs the cause and returns the client-safe message.
func BadRequest(w http.ResponseWriter, r *http.Request, err error, clientMessage string) {
	logWith(r, "[WARN]", "bad request", err)
	JSON(w, http.StatusBadRequest, clientMessage)
}

// NotFound answers 404 with the given message.
func NotFound(w http.ResponseWriter, message string) {
	JSON(w, http.StatusNotFound, message)
}

// LogError records an error with the request ID for debugging.
func LogError(r *http.Request, message string, err error) {
	logWith(r, "[ERROR]", message, err)
}

func logWith(r *http.Request, level, message string, err error) {
	requestID := middleware.GetReqID(r.Context())
	if requestID != "" {
		log.Printf("%s RequestID=%s: %s: %v", level, requestID, message, err)
		return
	}
	log.Printf("%s %s: %v", level, message, err)
}
