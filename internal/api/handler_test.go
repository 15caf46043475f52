package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"relaychat/internal/api"
	app_errors "relaychat/internal/errors"
	"relaychat/internal/export"
	"relaychat/internal/interfaces/mocks"
	"relaychat/internal/model"
	"relaychat/internal/service"
)

func setupChatHandler(t *testing.T) (*api.ChatHandler, *mocks.MockChatService, *mocks.MockSettingsService, *mocks.MockExportService) {
	mockChatSvc := mocks.NewMockChatService(t)
	mockSettingsSvc := mocks.NewMockSettingsService(t)
	mockExportSvc := mocks.NewMockExportService(t)
	return api.NewChatHandler(mockChatSvc, mockSettingsSvc, mockExportSvc), mockChatSvc, mockSettingsSvc, mockExportSvc
}

// addChiURLParams puts route parameters where chi.URLParam looks for them.
func addChiURLParams(req *http.Request, params map[string]string) *http.Request {
	chiCtx := chi.NewRouteContext()
	for key, value := range params {
		chiCtx.URLParams.Add(key, value)
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, chiCtx))
}

func TestChatHandler_GetSettings(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		// ARRANGE
		handler, _, mockSettingsSvc, _ := setupChatHandler(t)
		mockSettingsSvc.On("Get", mock.Anything).Return(&service.Settings{ChatModel: "gemini-2.0-flash"}, nil).Once()

		// ACT
		req := httptest.NewRequest(http.MethodGet, "/api/v1/settings", nil)
		rr := httptest.NewRecorder()
		handler.GetSettings(rr, req)

		// ASSERT
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"system_prompt":"","chat_model":"gemini-2.0-flash","support_model":"","image_model":""}`, rr.Body.String())
	})

	t.Run("Failure", func(t *testing.T) {
		handler, _, mockSettingsSvc, _ := setupChatHandler(t)
		mockSettingsSvc.On("Get", mock.Anything).Return(nil, app_errors.ErrInternal).Once()

		req := httptest.NewRequest(http.MethodGet, "/api/v1/settings", nil)
		rr := httptest.NewRecorder()
		handler.GetSettings(rr, req)

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})
}

func TestChatHandler_UpdateSettings(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		handler, _, mockSettingsSvc, _ := setupChatHandler(t)
		body := `{"system_prompt":"new prompt","chat_model":"m1","support_model":"m2"}`
		mockSettingsSvc.On("Save", mock.Anything, mock.MatchedBy(func(s *service.Settings) bool {
			return s.ChatModel == "m1" && s.SupportModel == "m2" && s.SystemPrompt == "new prompt"
		})).Return(nil).Once()

		req := httptest.NewRequest(http.MethodPost, "/api/v1/settings", strings.NewReader(body))
		rr := httptest.NewRecorder()
		handler.UpdateSettings(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("Failure - Invalid JSON", func(t *testing.T) {
		handler, _, _, _ := setupChatHandler(t)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/settings", strings.NewReader(`{invalid`))
		rr := httptest.NewRecorder()

		handler.UpdateSettings(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Failure - Validation Error", func(t *testing.T) {
		handler, _, _, _ := setupChatHandler(t)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/settings", strings.NewReader(`{"chat_model":"","support_model":"m2"}`))
		rr := httptest.NewRecorder()

		handler.UpdateSettings(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), "Field 'chat_model' failed on the 'required' tag")
	})

	t.Run("Failure - Model not available", func(t *testing.T) {
		handler, _, mockSettingsSvc, _ := setupChatHandler(t)
		mockSettingsSvc.On("Save", mock.Anything, mock.Anything).
			Return(errors.Join(app_errors.ErrValidation, errors.New("chat model 'x' is not available"))).Once()

		req := httptest.NewRequest(http.MethodPost, "/api/v1/settings", strings.NewReader(`{"chat_model":"x","support_model":"x"}`))
		rr := httptest.NewRecorder()
		handler.UpdateSettings(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), "is not available")
	})
}

func TestChatHandler_ListConversations(t *testing.T) {
	t.Run("Success with filter", func(t *testing.T) {
		handler, mockChatSvc, _, _ := setupChatHandler(t)
		expected := []*model.Conversation{{ID: "c1", Title: "Go tips", MessageCount: 2}}
		mockChatSvc.On("ListConversations", mock.Anything, "go").Return(expected, nil).Once()

		req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations?q=go", nil)
		rr := httptest.NewRecorder()
		handler.ListConversations(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		var got []*model.Conversation
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
		assert.Equal(t, expected, got)
	})

	t.Run("Empty list is an empty array", func(t *testing.T) {
		handler, mockChatSvc, _, _ := setupChatHandler(t)
		mockChatSvc.On("ListConversations", mock.Anything, "").Return(nil, nil).Once()

		req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
		rr := httptest.NewRecorder()
		handler.ListConversations(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "[]", rr.Body.String())
	})

	t.Run("Failure - Service returns error", func(t *testing.T) {
		handler, mockChatSvc, _, _ := setupChatHandler(t)
		mockChatSvc.On("ListConversations", mock.Anything, "").Return(nil, errors.New("db down")).Once()

		req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
		rr := httptest.NewRecorder()
		handler.ListConversations(rr, req)

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.Contains(t, rr.Body.String(), "internal server error")
		assert.NotContains(t, rr.Body.String(), "db down")
	})
}

func TestChatHandler_CreateConversation(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		handler, mockChatSvc, _, _ := setupChatHandler(t)
		mockChatSvc.On("CreateConversation", mock.Anything, "Trip").Return(&model.Conversation{ID: "c1", Title: "Trip"}, nil).Once()

		req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations", strings.NewReader(`{"title":"Trip"}`))
		rr := httptest.NewRecorder()
		handler.CreateConversation(rr, req)

		assert.Equal(t, http.StatusCreated, rr.Code)
	})

	t.Run("Empty body uses the default title", func(t *testing.T) {
		handler, mockChatSvc, _, _ := setupChatHandler(t)
		mockChatSvc.On("CreateConversation", mock.Anything, "").Return(&model.Conversation{ID: "c1", Title: service.DefaultConversationTitle}, nil).Once()

		req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations", nil)
		rr := httptest.NewRecorder()
		handler.CreateConversation(rr, req)

		assert.Equal(t, http.StatusCreated, rr.Code)
	})
}

func TestChatHandler_GetConversation(t *testing.T) {
	conversationID := "test-conversation-id"

	t.Run("Success", func(t *testing.T) {
		handler, mockChatSvc, _, _ := setupChatHandler(t)
		expected := &model.FullConversation{
			Conversation: model.Conversation{ID: conversationID},
			Messages: []model.DisplayMessage{{
				Message:        model.Message{ID: "a", Role: model.RoleAssistant, Status: model.StatusComplete},
				DisplayContent: service.EmptyReplyPlaceholder,
			}},
		}
		mockChatSvc.On("GetConversation", mock.Anything, conversationID).Return(expected, nil).Once()

		req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations/"+conversationID, nil)
		req = addChiURLParams(req, map[string]string{"conversationID": conversationID})
		rr := httptest.NewRecorder()
		handler.GetConversation(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), `"display_content":"No response."`)
	})

	t.Run("Failure - Not Found", func(t *testing.T) {
		handler, mockChatSvc, _, _ := setupChatHandler(t)
		mockChatSvc.On("GetConversation", mock.Anything, conversationID).Return(nil, app_errors.ErrNotFound).Once()

		req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations/"+conversationID, nil)
		req = addChiURLParams(req, map[string]string{"conversationID": conversationID})
		rr := httptest.NewRecorder()
		handler.GetConversation(rr, req)

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestChatHandler_RenameConversation(t *testing.T) {
	conversationID := "test-conversation-id"

	t.Run("Success", func(t *testing.T) {
		handler, mockChatSvc, _, _ := setupChatHandler(t)
		mockChatSvc.On("RenameConversation", mock.Anything, conversationID, "A valid title").Return(nil).Once()

		req := httptest.NewRequest(http.MethodPut, "/api/v1/conversations/"+conversationID+"/title", strings.NewReader(`{"title": "A valid title"}`))
		req = addChiURLParams(req, map[string]string{"conversationID": conversationID})
		rr := httptest.NewRecorder()
		handler.RenameConversation(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("Failure - Validation Error (empty title)", func(t *testing.T) {
		handler, _, _, _ := setupChatHandler(t)

		req := httptest.NewRequest(http.MethodPut, "/api/v1/conversations/"+conversationID+"/title", strings.NewReader(`{"title": ""}`))
		req = addChiURLParams(req, map[string]string{"conversationID": conversationID})
		rr := httptest.NewRecorder()
		handler.RenameConversation(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), "Field 'title' failed on the 'required' tag")
	})

	t.Run("Failure - Bad JSON", func(t *testing.T) {
		handler, _, _, _ := setupChatHandler(t)

		req := httptest.NewRequest(http.MethodPut, "/api/v1/conversations/"+conversationID+"/title", strings.NewReader(`{"title":`))
		req = addChiURLParams(req, map[string]string{"conversationID": conversationID})
		rr := httptest.NewRecorder()
		handler.RenameConversation(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestChatHandler_DeleteConversation(t *testing.T) {
	conversationID := "test-conversation-id"

	testCases := []struct {
		name       string
		serviceErr error
		wantStatus int
	}{
		{"Success", nil, http.StatusOK},
		{"Not Found", app_errors.ErrNotFound, http.StatusNotFound},
		{"Turn in progress", app_errors.ErrConcurrentTurn, http.StatusConflict},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			handler, mockChatSvc, _, _ := setupChatHandler(t)
			mockChatSvc.On("DeleteConversation", mock.Anything, conversationID).Return(tc.serviceErr).Once()

			req := httptest.NewRequest(http.MethodDelete, "/api/v1/conversations/"+conversationID, nil)
			req = addChiURLParams(req, map[string]string{"conversationID": conversationID})
			rr := httptest.NewRecorder()
			handler.DeleteConversation(rr, req)

			assert.Equal(t, tc.wantStatus, rr.Code)
		})
	}
}

func TestChatHandler_ImportConversation(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		handler, mockChatSvc, _, mockExportSvc := setupChatHandler(t)
		messages := []model.Message{{ID: "m1", Role: model.RoleUser, Content: "Hi"}}
		body := `{"messages":[{"id":"m1","role":"user","content":"Hi"}]}`
		mockExportSvc.On("Import", []byte(body)).Return(&export.Document{Messages: messages}, nil).Once()
		mockChatSvc.On("ImportConversation", mock.Anything, "Restored", messages).
			Return(&model.Conversation{ID: "new", Title: "Restored", MessageCount: 1}, nil).Once()

		req := httptest.NewRequest(http.MethodPost, "/api/v1/import?title=Restored", strings.NewReader(body))
		rr := httptest.NewRecorder()
		handler.ImportConversation(rr, req)

		assert.Equal(t, http.StatusCreated, rr.Code)
		assert.Contains(t, rr.Body.String(), `"id":"new"`)
	})

	t.Run("Failure - Invalid document", func(t *testing.T) {
		handler, _, _, mockExportSvc := setupChatHandler(t)
		mockExportSvc.On("Import", mock.Anything).Return(nil, app_errors.ErrValidation).Once()

		req := httptest.NewRequest(http.MethodPost, "/api/v1/import", strings.NewReader(`{}`))
		rr := httptest.NewRecorder()
		handler.ImportConversation(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestChatHandler_HandleStreamMessage(t *testing.T) {
	t.Run("Success - Events are written as SSE", func(t *testing.T) {
		handler, mockChatSvc, _, _ := setupChatHandler(t)
		mockChatSvc.On("HandleNewMessage", mock.Anything, mock.MatchedBy(func(req *service.CreateMessageRequest) bool {
			return req.Content == "hello" && req.ConversationID == "c1"
		}), mock.Anything).
			Run(func(args mock.Arguments) {
				streamChan := args.Get(2).(chan<- model.StreamResponse)
				streamChan <- model.StreamResponse{ConversationID: "c1", MessageID: "a1", Content: "Hi"}
				streamChan <- model.StreamResponse{ConversationID: "c1", MessageID: "a1", Done: true}
				close(streamChan)
			}).Once()

		req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations/messages", strings.NewReader(`{"conversation_id":"c1","content":"hello"}`))
		rr := httptest.NewRecorder()
		handler.HandleStreamMessage(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))
		assert.Equal(t,
			"data: {\"conversation_id\":\"c1\",\"message_id\":\"a1\",\"content\":\"Hi\",\"done\":false}\n\n"+
				"data: {\"conversation_id\":\"c1\",\"message_id\":\"a1\",\"content\":\"\",\"done\":true}\n\n",
			rr.Body.String())
	})

	t.Run("Failure - Invalid JSON", func(t *testing.T) {
		handler, _, _, _ := setupChatHandler(t)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations/messages", strings.NewReader(`{"content":`))
		rr := httptest.NewRecorder()

		handler.HandleStreamMessage(rr, req)

		assert.Contains(t, rr.Body.String(), "event: error")
		assert.Contains(t, rr.Body.String(), "Invalid request body")
	})

	t.Run("Failure - Validation Error", func(t *testing.T) {
		handler, _, _, _ := setupChatHandler(t)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations/messages", strings.NewReader(`{"content": ""}`))
		rr := httptest.NewRecorder()

		handler.HandleStreamMessage(rr, req)

		assert.Contains(t, rr.Body.String(), "Field 'content' failed on the 'required' tag")
	})
}
