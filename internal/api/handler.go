package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	app_errors "relaychat/internal/errors"
	"relaychat/internal/interfaces"
	"relaychat/internal/model"
	"relaychat/internal/service"
)

const maxImportBytes = 10 << 20

// ChatHandler serves settings, conversations and the streaming turn endpoint.
type ChatHandler struct {
	chat     interfaces.ChatService
	settings interfaces.SettingsService
	exports  interfaces.ExportService
}

func NewChatHandler(chat interfaces.ChatService, settings interfaces.SettingsService, exports interfaces.ExportService) *ChatHandler {
	return &ChatHandler{chat: chat, settings: settings, exports: exports}
}

// GetSettings godoc
// @Summary      Get settings
// @Description  Returns the system prompt and the configured models.
// @Tags         Settings
// @Produce      json
// @Success      200  {object}  service.Settings
// @Failure      500  {object}  ErrorResponse
// @Router       /v1/settings [get]
func (h *ChatHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.settings.Get(r.Context())
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, settings)
}

// UpdateSettings godoc
// @Summary      Update settings
// @Description  Stores new settings. The chat and support models must be offered by the provider.
// @Tags         Settings
// @Accept       json
// @Produce      json
// @Param        settings  body      service.Settings  true  "New settings"
// @Success      200       {object}  StatusResponse
// @Failure      400       {object}  ErrorResponse
// @Failure      500       {object}  ErrorResponse
// @Router       /v1/settings [post]
func (h *ChatHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req service.Settings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, app_errors.ErrValidation)
		return
	}
	if err := validateRequest(&req); err != nil {
		respondWithError(w, err)
		return
	}
	if err := h.settings.Save(r.Context(), &req); err != nil {
		respondWithError(w, err)
		return
	}
	slog.Info("Settings updated", "chat_model", req.ChatModel, "support_model", req.SupportModel)
	respondWithJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// ListConversations godoc
// @Summary      List conversations
// @Description  Lists conversations, most recently active first.
// @Tags         Conversations
// @Produce      json
// @Param        q    query     string  false  "Case-insensitive title filter"
// @Success      200  {array}   model.Conversation
// @Failure      500  {object}  ErrorResponse
// @Router       /v1/conversations [get]
func (h *ChatHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := h.chat.ListConversations(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		respondWithError(w, err)
		return
	}
	if conversations == nil {
		conversations = []*model.Conversation{}
	}
	respondWithJSON(w, http.StatusOK, conversations)
}

// CreateConversation godoc
// @Summary      Create a conversation
// @Tags         Conversations
// @Accept       json
// @Produce      json
// @Param        conversation  body      CreateConversationRequest  false  "Optional title"
// @Success      201           {object}  model.Conversation
// @Failure      400           {object}  ErrorResponse
// @Router       /v1/conversations [post]
func (h *ChatHandler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondWithError(w, app_errors.ErrValidation)
		return
	}
	if err := validateRequest(&req); err != nil {
		respondWithError(w, err)
		return
	}
	c, err := h.chat.CreateConversation(r.Context(), req.Title)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, c)
}

// GetConversation godoc
// @Summary      Get a conversation
// @Description  Returns a conversation with all its messages.
// @Tags         Conversations
// @Produce      json
// @Param        conversationID  path      string  true  "Conversation ID"
// @Success      200             {object}  model.FullConversation
// @Failure      404             {object}  ErrorResponse
// @Router       /v1/conversations/{conversationID} [get]
func (h *ChatHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	full, err := h.chat.GetConversation(r.Context(), conversationID)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, full)
}

// RenameConversation godoc
// @Summary      Rename a conversation
// @Tags         Conversations
// @Accept       json
// @Produce      json
// @Param        conversationID  path      string              true  "Conversation ID"
// @Param        title           body      UpdateTitleRequest  true  "New title"
// @Success      200             {object}  StatusResponse
// @Failure      400             {object}  ErrorResponse
// @Failure      404             {object}  ErrorResponse
// @Router       /v1/conversations/{conversationID}/title [put]
func (h *ChatHandler) RenameConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	var req UpdateTitleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, app_errors.ErrValidation)
		return
	}
	if err := validateRequest(&req); err != nil {
		respondWithError(w, err)
		return
	}
	if err := h.chat.RenameConversation(r.Context(), conversationID, req.Title); err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// DeleteConversation godoc
// @Summary      Delete a conversation
// @Description  Deletes a conversation and its messages. Refused while a reply is streaming.
// @Tags         Conversations
// @Produce      json
// @Param        conversationID  path      string  true  "Conversation ID"
// @Success      200             {object}  StatusResponse
// @Failure      404             {object}  ErrorResponse
// @Failure      409             {object}  ErrorResponse
// @Router       /v1/conversations/{conversationID} [delete]
func (h *ChatHandler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if err := h.chat.DeleteConversation(r.Context(), conversationID); err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// ImportConversation godoc
// @Summary      Import a conversation
// @Description  Creates a conversation from a JSON export document.
// @Tags         Conversations
// @Accept       json
// @Produce      json
// @Param        title     query     string           false  "Title of the new conversation"
// @Param        document  body      export.Document  true   "JSON export"
// @Success      201       {object}  model.Conversation
// @Failure      400       {object}  ErrorResponse
// @Router       /v1/import [post]
func (h *ChatHandler) ImportConversation(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImportBytes))
	if err != nil {
		respondWithError(w, app_errors.ErrValidation)
		return
	}
	doc, err := h.exports.Import(data)
	if err != nil {
		respondWithError(w, err)
		return
	}
	c, err := h.chat.ImportConversation(r.Context(), r.URL.Query().Get("title"), doc.Messages)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, c)
}

// HandleStreamMessage godoc
// @Summary      Send a message
// @Description  Runs one turn and streams its progress as Server-Sent Events. Without a conversation_id a new conversation is created.
// @Tags         Conversations
// @Accept       json
// @Produce      text/event-stream
// @Param        message  body      service.CreateMessageRequest  true  "User message"
// @Success      200      {object}  model.StreamResponse  "Stream of turn events"
// @Failure      400      {object}  ErrorResponse         "Sent as a stream error event"
// @Router       /v1/conversations/messages [post]
func (h *ChatHandler) HandleStreamMessage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var req service.CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Error("Error decoding request body", "error", err)
		sendStreamError(w, "Invalid request body")
		return
	}
	if err := validateRequest(&req); err != nil {
		sendStreamError(w, err.Error())
		return
	}

	streamChan := make(chan model.StreamResponse)
	go h.chat.HandleNewMessage(r.Context(), &req, streamChan)

	for chunk := range streamChan {
		if err := writeStreamEvent(w, chunk); err != nil {
			slog.Warn("Could not write to stream, client likely disconnected", "error", err)
			break
		}
	}
	// The turn keeps running to completion; drain whatever is left.
	for range streamChan {
	}
	slog.Debug("Finished streaming response", "conversation_id", req.ConversationID)
}
