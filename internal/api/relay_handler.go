package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	app_errors "relaychat/internal/errors"
	"relaychat/internal/interfaces"
	"relaychat/internal/model"
	"relaychat/internal/service"
)

// StreamProtocolHeader tells the front-end which record format the body uses.
const StreamProtocolHeader = "X-Vercel-AI-Data-Stream"

// RelayHandler serves the endpoints that need no stored conversation.
type RelayHandler struct {
	relay interfaces.RelayService
}

func NewRelayHandler(relay interfaces.RelayService) *RelayHandler {
	return &RelayHandler{relay: relay}
}

// HandleChat godoc
// @Summary      Relay a conversation
// @Description  Forwards a client-held conversation to the model and streams newline-terminated records back.
// @Tags         Relay
// @Accept       json
// @Produce      plain
// @Param        conversation  body      ChatRequest  true  "Conversation so far"
// @Success      200           {string}  string       "Record stream"
// @Failure      400           {string}  string       "Reason"
// @Failure      502           {string}  string       "Reason"
// @Router       /chat [post]
func (h *RelayHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithText(w, app_errors.ErrValidation)
		return
	}

	body, err := h.relay.Stream(r.Context(), chatMessages(req.Messages))
	if err != nil {
		respondWithText(w, err)
		return
	}
	defer func() { _ = body.Close() }()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(StreamProtocolHeader, "v1")
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(flushWriter{w}, body); err != nil {
		slog.Warn("Relay stream ended early", "error", err)
	}
}

// chatMessages keeps the entries whose content is a JSON string.
func chatMessages(in []ChatRequestMessage) []model.ChatMessage {
	out := make([]model.ChatMessage, 0, len(in))
	for _, m := range in {
		raw := bytes.TrimSpace(m.Content)
		if len(raw) == 0 || raw[0] != '"' {
			continue
		}
		var content string
		if err := json.Unmarshal(raw, &content); err != nil {
			continue
		}
		out = append(out, model.ChatMessage{Role: m.Role, Content: content})
	}
	return out
}

// HandleGenerateImage godoc
// @Summary      Generate an image
// @Description  Generates an image for a prompt. When the image model fails, a text description and a placeholder image are returned.
// @Tags         Relay
// @Accept       json
// @Produce      json
// @Param        request  body      service.ImageRequest  true  "Prompt"
// @Success      200      {object}  service.ImageResult
// @Failure      400      {object}  ErrorResponse
// @Failure      500      {object}  ErrorResponse
// @Router       /generate-image [post]
func (h *RelayHandler) HandleGenerateImage(w http.ResponseWriter, r *http.Request) {
	var req service.ImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, app_errors.ErrValidation)
		return
	}
	if err := validateRequest(&req); err != nil {
		respondWithError(w, err)
		return
	}

	result, err := h.relay.GenerateImage(r.Context(), &req)
	if err != nil {
		if errors.Is(err, app_errors.ErrGateway) {
			slog.Error("Image generation failed", "error", err)
			respondWithJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Failed to generate image"})
			return
		}
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

// HandleExecuteCode godoc
// @Summary      Simulate code execution
// @Description  Asks the model what the code would print. Nothing is executed.
// @Tags         Relay
// @Accept       json
// @Produce      json
// @Param        request  body      service.CodeRequest  true  "Code"
// @Success      200      {object}  service.CodeResult
// @Failure      400      {object}  ErrorResponse
// @Failure      500      {object}  CodeFailureResponse
// @Router       /execute-code [post]
func (h *RelayHandler) HandleExecuteCode(w http.ResponseWriter, r *http.Request) {
	var req service.CodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, app_errors.ErrValidation)
		return
	}
	if err := validateRequest(&req); err != nil {
		respondWithError(w, err)
		return
	}

	result, err := h.relay.ExecuteCode(r.Context(), &req)
	if err != nil {
		if status, _ := statusFor(err); status >= http.StatusInternalServerError {
			slog.Error("Code simulation failed", "language", req.Language, "error", err)
			respondWithJSON(w, http.StatusInternalServerError, CodeFailureResponse{
				Error:       "Failed to execute code",
				Explanation: "An error occurred during code execution",
			})
			return
		}
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}
