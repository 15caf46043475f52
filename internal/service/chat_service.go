package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"relaychat/internal/conversation"
	app_errors "relaychat/internal/errors"
	"relaychat/internal/gateway"
	"relaychat/internal/model"
	"relaychat/internal/repository"
	"relaychat/internal/turn"
)

const (
	// DefaultConversationTitle names conversations created without a title.
	DefaultConversationTitle = "New conversation"
	// EmptyReplyPlaceholder is displayed for a finalized reply with no text.
	EmptyReplyPlaceholder = "No response."

	provisionalTitleRunes = 50
	defaultTurnTimeout    = 2 * time.Minute
)

// SettingsReader supplies the current runtime settings.
type SettingsReader interface {
	Get(ctx context.Context) (*Settings, error)
}

type ChatService struct {
	repo        repository.Repository
	sender      turn.Sender
	settings    SettingsReader
	registry    *turn.Registry
	turnTimeout time.Duration
	titles      sync.WaitGroup
}

// CreateMessageRequest is a new user message. An empty ConversationID starts
// a new conversation.
type CreateMessageRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content" validate:"required"`
	Model          string `json:"model"`
	SystemPrompt   string `json:"system_prompt"`
}

type ChatOption func(*ChatService)

// WithTurnTimeout bounds how long one turn may run.
func WithTurnTimeout(d time.Duration) ChatOption {
	return func(s *ChatService) {
		if d > 0 {
			s.turnTimeout = d
		}
	}
}

func NewChatService(repo repository.Repository, sender turn.Sender, settings SettingsReader, opts ...ChatOption) *ChatService {
	s := &ChatService{
		repo:        repo,
		sender:      sender,
		settings:    settings,
		registry:    turn.NewRegistry(sender),
		turnTimeout: defaultTurnTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Wait blocks until background title generation has finished.
func (s *ChatService) Wait() {
	s.titles.Wait()
}

// ListConversations returns the conversations, most recently active first,
// keeping only titles that contain query (case-insensitive) when it is set.
func (s *ChatService) ListConversations(ctx context.Context, query string) ([]*model.Conversation, error) {
	conversations, err := s.repo.ListConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not list conversations: %w", err)
	}
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return conversations, nil
	}
	filtered := make([]*model.Conversation, 0, len(conversations))
	for _, c := range conversations {
		if strings.Contains(strings.ToLower(c.Title), query) {
			filtered = append(filtered, c)
		}
	}
	return filtered, nil
}

func (s *ChatService) CreateConversation(ctx context.Context, title string) (*model.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultConversationTitle
	}
	now := time.Now().UTC()
	c := &model.Conversation{ID: uuid.NewString(), Title: title, CreatedAt: now, UpdatedAt: now}
	if err := s.repo.CreateConversation(ctx, c); err != nil {
		return nil, fmt.Errorf("could not create conversation: %w", err)
	}
	slog.Info("Created conversation", "conversation_id", c.ID)
	return c, nil
}

// GetConversation returns a conversation with its messages. While a request
// holds the conversation the in-memory log is returned so a partial reply is
// visible.
func (s *ChatService) GetConversation(ctx context.Context, conversationID string) (*model.FullConversation, error) {
	c, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, translateRepoError(err, conversationID)
	}

	var messages []model.Message
	if ctrl, ok := s.registry.Lookup(conversationID); ok {
		messages = ctrl.State().Messages()
	} else {
		messages, err = s.repo.GetMessages(ctx, conversationID)
		if err != nil {
			return nil, fmt.Errorf("could not get messages: %w", err)
		}
	}
	c.MessageCount = len(messages)

	display := make([]model.DisplayMessage, len(messages))
	for i, m := range messages {
		display[i] = toDisplay(m)
	}
	return &model.FullConversation{Conversation: *c, Messages: display}, nil
}

// ConversationMessages returns the stored messages of a conversation.
func (s *ChatService) ConversationMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	if _, err := s.repo.GetConversation(ctx, conversationID); err != nil {
		return nil, translateRepoError(err, conversationID)
	}
	messages, err := s.repo.GetMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("could not get messages: %w", err)
	}
	return messages, nil
}

func (s *ChatService) RenameConversation(ctx context.Context, conversationID, newTitle string) error {
	newTitle = strings.TrimSpace(newTitle)
	if newTitle == "" {
		return fmt.Errorf("%w: title cannot be empty", app_errors.ErrValidation)
	}
	slog.Info("Renaming conversation", "conversation_id", conversationID)
	if err := s.repo.UpdateConversationTitle(ctx, conversationID, newTitle); err != nil {
		return translateRepoError(err, conversationID)
	}
	return nil
}

// DeleteConversation removes a conversation. It is refused while a turn is
// running for it.
func (s *ChatService) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := s.registry.Evict(conversationID); err != nil {
		return err
	}
	slog.Info("Deleting conversation", "conversation_id", conversationID)
	if err := s.repo.DeleteConversation(ctx, conversationID); err != nil {
		return translateRepoError(err, conversationID)
	}
	return nil
}

// ImportConversation stores messages read from an export as a new
// conversation. Replies that were still streaming when exported come back
// as failed.
func (s *ChatService) ImportConversation(ctx context.Context, title string, messages []model.Message) (*model.Conversation, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: nothing to import", app_errors.ErrValidation)
	}
	for _, m := range messages {
		if !model.ValidRole(m.Role) {
			return nil, fmt.Errorf("%w: message %s has unknown role %q", app_errors.ErrValidation, m.ID, m.Role)
		}
	}

	if strings.TrimSpace(title) == "" {
		for _, m := range messages {
			if m.Role == model.RoleUser {
				title = truncate(strings.TrimSpace(m.Content), provisionalTitleRunes)
				break
			}
		}
	}
	c, err := s.CreateConversation(ctx, title)
	if err != nil {
		return nil, err
	}

	// Fresh ids keep an imported copy apart from the conversation it came from.
	copies := make([]model.Message, len(messages))
	for i, m := range messages {
		m.ID = uuid.NewString()
		copies[i] = m
	}
	sort.SliceStable(copies, func(i, j int) bool { return copies[i].CreatedAt.Before(copies[j].CreatedAt) })

	state, _ := conversation.Restore(c.ID, copies)
	for _, m := range state.Messages() {
		if err := s.repo.AddMessage(ctx, &m, c.ID); err != nil {
			return nil, fmt.Errorf("could not import message: %w", err)
		}
	}
	// Stored messages carry their original times; the import itself is the
	// latest activity.
	now := time.Now().UTC()
	if err := s.repo.TouchConversation(ctx, c.ID, now); err != nil {
		return nil, fmt.Errorf("could not import conversation: %w", translateRepoError(err, c.ID))
	}
	c.UpdatedAt = now

	c.MessageCount = len(copies)
	return c, nil
}

// RecordArtifact appends a finalized assistant message carrying a tool
// result to a conversation.
func (s *ChatService) RecordArtifact(ctx context.Context, conversationID, content string, attachment model.Attachment) (*model.Message, error) {
	ctrl, err := s.registry.Get(ctx, conversationID, s.load)
	if err != nil {
		return nil, err
	}
	defer s.registry.Release(ctrl)

	msg, err := ctrl.Record(content, []model.Attachment{attachment}, func(m model.Message) error {
		return s.repo.AddMessage(ctx, &m, conversationID)
	})
	if err != nil {
		if errors.Is(err, app_errors.ErrConcurrentTurn) || errors.Is(err, app_errors.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("could not save artifact message: %w", err)
	}
	return &msg, nil
}

// HandleNewMessage runs one turn and streams its progress to streamChan,
// which is closed on return.
func (s *ChatService) HandleNewMessage(ctx context.Context, req *CreateMessageRequest, streamChan chan<- model.StreamResponse) {
	defer close(streamChan)

	content := strings.TrimSpace(req.Content)
	if content == "" {
		send(ctx, streamChan, model.StreamResponse{Error: "Message content cannot be empty", Done: true})
		return
	}

	settings := s.currentSettings(ctx)
	modelName := firstNonEmpty(req.Model, settings.ChatModel)
	systemPrompt := firstNonEmpty(req.SystemPrompt, settings.SystemPrompt)

	isNew := req.ConversationID == ""
	conversationID := req.ConversationID
	var ctrl *turn.Controller

	if isNew {
		now := time.Now().UTC()
		c := &model.Conversation{
			ID:        uuid.NewString(),
			Title:     truncate(content, provisionalTitleRunes),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.repo.CreateConversation(ctx, c); err != nil {
			slog.Error("Error creating conversation", "error", err)
			send(ctx, streamChan, model.StreamResponse{Error: "Could not create conversation", Done: true})
			return
		}
		conversationID = c.ID
		ctrl = s.registry.Put(conversation.NewState(c.ID))
	} else {
		var err error
		ctrl, err = s.registry.Get(ctx, conversationID, s.load)
		if err != nil {
			slog.Warn("Error loading conversation", "conversation_id", conversationID, "error", err)
			msg := "Could not load conversation"
			if errors.Is(err, app_errors.ErrNotFound) {
				msg = "Conversation not found"
			}
			send(ctx, streamChan, model.StreamResponse{ConversationID: conversationID, Error: msg, Done: true})
			return
		}
	}
	defer s.registry.Release(ctrl)

	turnCtx, cancel := context.WithTimeout(ctx, s.turnTimeout)
	defer cancel()
	// Persistence must outlive a client that went away mid-turn.
	persistCtx := context.WithoutCancel(ctx)

	sink := func(ev turn.Event) {
		msg := ev.Message
		switch ev.Type {
		case turn.EventUserMessage, turn.EventAssistantStarted:
			if err := s.repo.AddMessage(persistCtx, &msg, conversationID); err != nil {
				slog.Error("Failed to save message", "conversation_id", conversationID, "message_id", msg.ID, "error", err)
			}
			send(ctx, streamChan, model.StreamResponse{ConversationID: conversationID, MessageID: msg.ID, Message: &msg})
		case turn.EventDelta:
			send(ctx, streamChan, model.StreamResponse{ConversationID: conversationID, MessageID: msg.ID, Content: ev.Delta})
		case turn.EventFinalized, turn.EventFailed:
			if err := s.repo.UpdateMessage(persistCtx, &msg, conversationID); err != nil {
				slog.Error("Failed to save assistant message", "conversation_id", conversationID, "message_id", msg.ID, "error", err)
			}
			resp := model.StreamResponse{ConversationID: conversationID, MessageID: msg.ID, Done: true, Message: &msg}
			if ev.Type == turn.EventFailed {
				resp.Error = turn.FailureNotice
			}
			send(ctx, streamChan, resp)
		}
	}

	res, err := ctrl.Submit(turnCtx, turn.Input{Text: content, SystemInstruction: systemPrompt, Model: modelName}, sink)
	if err != nil {
		slog.Warn("Turn refused", "conversation_id", conversationID, "error", err)
		send(ctx, streamChan, model.StreamResponse{ConversationID: conversationID, Error: refusalMessage(err), Done: true})
		return
	}
	if res.Failed() {
		return
	}
	slog.Info("Turn completed", "conversation_id", conversationID, "message_id", res.Assistant.ID)

	if isNew {
		s.titles.Add(1)
		go func() {
			defer s.titles.Done()
			s.generateTitle(persistCtx, conversationID, firstNonEmpty(settings.SupportModel, modelName), res.User.Content, res.Assistant.Content)
		}()
	}
}

// load restores a conversation from storage. Replies orphaned by a restart
// are marked failed and written back.
func (s *ChatService) load(ctx context.Context, conversationID string) (*conversation.State, error) {
	if _, err := s.repo.GetConversation(ctx, conversationID); err != nil {
		return nil, translateRepoError(err, conversationID)
	}
	messages, err := s.repo.GetMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("could not get messages: %w", err)
	}
	state, repaired := conversation.Restore(conversationID, messages)
	for i := range repaired {
		slog.Warn("Marking interrupted reply as failed", "conversation_id", conversationID, "message_id", repaired[i].ID)
		if err := s.repo.UpdateMessage(ctx, &repaired[i], conversationID); err != nil {
			slog.Error("Failed to save repaired message", "conversation_id", conversationID, "message_id", repaired[i].ID, "error", err)
		}
	}
	return state, nil
}

func (s *ChatService) currentSettings(ctx context.Context) *Settings {
	settings, err := s.settings.Get(ctx)
	if err != nil {
		slog.Warn("Could not read settings, using request values only", "error", err)
		return &Settings{}
	}
	return settings
}

// generateTitle replaces the provisional title of a new conversation with one
// written by the support model.
func (s *ChatService) generateTitle(ctx context.Context, conversationID, supportModel, userQuery, assistantResponse string) {
	slog.Debug("Generating title", "conversation_id", conversationID, "model", supportModel)

	resp, err := s.sender.Send(ctx, gateway.Request{
		SystemInstruction: "You are an expert at creating short, concise titles for conversations. Respond with only the title, and nothing else.",
		Messages: []model.ChatMessage{{
			Role: model.RoleUser,
			Content: fmt.Sprintf("Based on the following conversation, what would be a good title?\n\n---\nUser: %s\n\nAssistant: %s\n---",
				truncate(userQuery, 150),
				truncate(assistantResponse, 200),
			),
		}},
		Model: supportModel,
		Mode:  gateway.Buffered,
	})
	if err != nil {
		slog.Warn("Failed to generate title", "conversation_id", conversationID, "error", err)
		return
	}

	newTitle := strings.TrimSpace(resp.Text)
	newTitle = strings.Trim(newTitle, `"'`)
	newTitle = strings.TrimSpace(newTitle)
	if newTitle == "" {
		slog.Debug("Generated title was empty after cleaning", "conversation_id", conversationID)
		return
	}

	if err := s.repo.UpdateConversationTitle(ctx, conversationID, newTitle); err != nil {
		slog.Warn("Failed to update conversation title", "conversation_id", conversationID, "error", err)
		return
	}
	slog.Info("Updated conversation title", "conversation_id", conversationID, "title", newTitle)
}

func toDisplay(m model.Message) model.DisplayMessage {
	d := model.DisplayMessage{Message: m, DisplayContent: m.Content}
	if m.Role == model.RoleAssistant && m.Finalized() && strings.TrimSpace(m.Content) == "" && len(m.Attachments) == 0 {
		d.DisplayContent = EmptyReplyPlaceholder
	}
	return d
}

func translateRepoError(err error, conversationID string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: conversation %s", app_errors.ErrNotFound, conversationID)
	}
	return err
}

func refusalMessage(err error) string {
	switch {
	case errors.Is(err, app_errors.ErrConcurrentTurn):
		return app_errors.ErrConcurrentTurn.Error()
	case errors.Is(err, app_errors.ErrNotFound):
		return "Conversation not found"
	case errors.Is(err, app_errors.ErrValidation):
		return "Message content cannot be empty"
	default:
		return "Could not process message"
	}
}

// send delivers v unless the consumer has gone away.
func send(ctx context.Context, ch chan<- model.StreamResponse, v model.StreamResponse) {
	select {
	case ch <- v:
	case <-ctx.Done():
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// truncate shortens a string to a specified number of runes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
