package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	app_errors "relaychat/internal/errors"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusResponse acknowledges operations that return no resource.
type StatusResponse struct {
	Status string `json:"status"`
}

type UpdateTitleRequest struct {
	Title string `json:"title" validate:"required,min=1,max=100" example:"Weekend trip ideas"`
}

type CreateConversationRequest struct {
	Title string `json:"title" validate:"max=100" example:"New conversation"`
}

// ChatRequest is the body of the stateless relay endpoint. Content stays raw
// so entries whose content is not a string can be dropped.
type ChatRequest struct {
	Messages []ChatRequestMessage `json:"messages"`
}

type ChatRequestMessage struct {
	Role    string          `json:"role" example:"user"`
	Content json.RawMessage `json:"content" swaggertype:"string" example:"Hello!"`
}

// CodeFailureResponse is returned when the code simulation could not run.
type CodeFailureResponse struct {
	Output      string `json:"output"`
	Error       string `json:"error"`
	Explanation string `json:"explanation"`
}

// statusFor maps an error to its HTTP status and the message shown to the
// client.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, app_errors.ErrNotFound):
		return http.StatusNotFound, "The requested resource was not found."
	case errors.Is(err, app_errors.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, app_errors.ErrConcurrentTurn):
		return http.StatusConflict, app_errors.ErrConcurrentTurn.Error()
	case errors.Is(err, app_errors.ErrConflict):
		return http.StatusConflict, "A conflict occurred with the current state of the resource."
	case errors.Is(err, app_errors.ErrPermission):
		return http.StatusForbidden, "You do not have permission to perform this action."
	case errors.Is(err, app_errors.ErrGateway), errors.Is(err, app_errors.ErrStreamTruncated):
		return http.StatusBadGateway, "The model service is unavailable. Please try again."
	default:
		return http.StatusInternalServerError, "An unexpected internal server error occurred."
	}
}

// respondWithError maps service errors to a status code and a generic JSON
// message. The internal error is only logged.
func respondWithError(w http.ResponseWriter, err error) {
	statusCode, message := statusFor(err)
	slog.Warn("Responding with error", "status_code", statusCode, "client_message", message, "internal_error", err)
	respondWithJSON(w, statusCode, ErrorResponse{Error: message})
}

// respondWithText is respondWithError for endpoints whose clients expect a
// plain-text reason.
func respondWithText(w http.ResponseWriter, err error) {
	statusCode, message := statusFor(err)
	slog.Warn("Responding with error", "status_code", statusCode, "client_message", message, "internal_error", err)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(statusCode)
	if _, err := fmt.Fprint(w, message); err != nil {
		slog.Error("Failed to write error response", "error", err)
	}
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal JSON response", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(response); err != nil {
		slog.Error("Failed to write JSON response", "error", err)
	}
}

// sendStreamError writes an `event: error` SSE frame.
func sendStreamError(w http.ResponseWriter, message string) {
	slog.Warn("Sending stream error to client", "message", message)
	jsonData, err := json.Marshal(ErrorResponse{Error: message})
	if err != nil {
		slog.Error("Failed to marshal stream error payload", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "event: error\ndata: %s\n\n", jsonData); err != nil {
		slog.Warn("Failed to write stream error, client might have disconnected", "error", err)
		return
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// writeStreamEvent writes one SSE data frame. An error means the client is
// gone.
func writeStreamEvent(w http.ResponseWriter, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		slog.Error("Failed to marshal stream data to JSON", "error", err)
		return nil
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", jsonData); err != nil {
		return fmt.Errorf("failed to write data to stream: %w", err)
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

// flushWriter flushes after every write so stream records reach the client
// as soon as the model produces them.
type flushWriter struct {
	w http.ResponseWriter
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if flusher, ok := f.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return n, err
}
