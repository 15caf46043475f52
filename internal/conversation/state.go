// Package conversation holds the in-memory, ordered message log of a single
// conversation and enforces that at most one assistant reply is in flight.
package conversation

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	app_errors "relaychat/internal/errors"
	"relaychat/internal/model"
)

// State is safe for concurrent use. Content of a message only ever grows
// while it streams and never changes once finalized.
type State struct {
	mu       sync.Mutex
	id       string
	messages []*model.Message
	index    map[string]*model.Message
	activeID string
	last     time.Time
	now      func() time.Time
	newID    func() string
}

// Option customizes a State.
type Option func(*State)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *State) { s.now = now }
}

// WithIDGenerator replaces the UUID generator, mainly for tests.
func WithIDGenerator(gen func() string) Option {
	return func(s *State) { s.newID = gen }
}

// NewState returns an empty log for conversation id.
func NewState(id string, opts ...Option) *State {
	s := &State{
		id:    id,
		index: make(map[string]*model.Message),
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore rebuilds a State from persisted messages in creation order. A
// message persisted while still streaming can never be resumed, so it comes
// back as failed and the returned list names those repaired messages.
func Restore(id string, persisted []model.Message, opts ...Option) (*State, []model.Message) {
	s := NewState(id, opts...)
	var repaired []model.Message
	for i := range persisted {
		m := cloneMessage(&persisted[i])
		switch {
		case m.Status == model.StatusStreaming && m.Role == model.RoleAssistant:
			m.Status = model.StatusFailed
			m.Content = failedContent(m.Content, InterruptedNotice)
			repaired = append(repaired, *cloneMessage(m))
		case m.Status == model.StatusStreaming || m.Status == "":
			m.Status = model.StatusComplete
		}
		s.messages = append(s.messages, m)
		s.index[m.ID] = m
		if m.CreatedAt.After(s.last) {
			s.last = m.CreatedAt
		}
	}
	return s, repaired
}

// InterruptedNotice replaces the content of replies that were cut off by a
// restart.
const InterruptedNotice = "This response was interrupted before it completed."

// ID returns the conversation id.
func (s *State) ID() string {
	return s.id
}

// AppendUserMessage adds a finalized user message.
func (s *State) AppendUserMessage(text string) (model.Message, error) {
	if strings.TrimSpace(text) == "" {
		return model.Message{}, fmt.Errorf("%w: message text must not be empty", app_errors.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeID != "" {
		return model.Message{}, app_errors.ErrConcurrentTurn
	}
	m := s.appendLocked(model.RoleUser, text, model.StatusComplete)
	return *cloneMessage(m), nil
}

// BeginAssistantMessage opens the single in-flight assistant slot.
func (s *State) BeginAssistantMessage() (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeID != "" {
		return model.Message{}, app_errors.ErrConcurrentTurn
	}
	m := s.appendLocked(model.RoleAssistant, "", model.StatusStreaming)
	s.activeID = m.ID
	return *cloneMessage(m), nil
}

// AppendDelta appends text to the in-flight assistant message.
func (s *State) AppendDelta(messageID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.activeLocked(messageID)
	if err != nil {
		return err
	}
	m.Content += text
	return nil
}

// Finalize makes the in-flight message immutable and frees the slot.
func (s *State) Finalize(messageID string) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.activeLocked(messageID)
	if err != nil {
		return model.Message{}, err
	}
	m.Status = model.StatusComplete
	s.activeID = ""
	return *cloneMessage(m), nil
}

// Fail marks the in-flight message as failed. The reason replaces empty
// content and is appended after partial content so nothing already shown is
// lost.
func (s *State) Fail(messageID, reason string) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.activeLocked(messageID)
	if err != nil {
		return model.Message{}, err
	}
	m.Content = failedContent(m.Content, reason)
	m.Status = model.StatusFailed
	s.activeID = ""
	return *cloneMessage(m), nil
}

// AppendAssistantMessage adds an already complete assistant message. It is
// used for tool results that never stream.
func (s *State) AppendAssistantMessage(text string, attachments ...model.Attachment) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeID != "" {
		return model.Message{}, app_errors.ErrConcurrentTurn
	}
	m := s.appendLocked(model.RoleAssistant, text, model.StatusComplete)
	m.Attachments = append(m.Attachments, attachments...)
	return *cloneMessage(m), nil
}

// Attach adds an attachment to a finalized message.
func (s *State) Attach(messageID string, a model.Attachment) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.index[messageID]
	if !ok || !m.Finalized() {
		return model.Message{}, fmt.Errorf("%w: %s", app_errors.ErrUnknownMessage, messageID)
	}
	m.Attachments = append(m.Attachments, a)
	return *cloneMessage(m), nil
}

// Messages returns a snapshot of the log in creation order.
func (s *State) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, *cloneMessage(m))
	}
	return out
}

// Message returns a snapshot of one message.
func (s *State) Message(messageID string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.index[messageID]
	if !ok {
		return model.Message{}, false
	}
	return *cloneMessage(m), true
}

// Active returns the id of the in-flight assistant message, if any.
func (s *State) Active() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID, s.activeID != ""
}

// History returns the role/content pairs to send to the model. Failed
// replies and empty messages are left out.
func (s *State) History() []model.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ChatMessage, 0, len(s.messages))
	for _, m := range s.messages {
		if m.Status != model.StatusComplete || m.Content == "" {
			continue
		}
		out = append(out, model.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func (s *State) appendLocked(role, content string, status model.MessageStatus) *model.Message {
	created := s.now().UTC()
	if !created.After(s.last) {
		created = s.last.Add(time.Nanosecond)
	}
	s.last = created

	m := &model.Message{
		ID:        s.newID(),
		Role:      role,
		Content:   content,
		Status:    status,
		CreatedAt: created,
	}
	s.messages = append(s.messages, m)
	s.index[m.ID] = m
	return m
}

func (s *State) activeLocked(messageID string) (*model.Message, error) {
	if messageID == "" || messageID != s.activeID {
		return nil, fmt.Errorf("%w: %s", app_errors.ErrUnknownMessage, messageID)
	}
	return s.index[messageID], nil
}

func failedContent(content, reason string) string {
	if content == "" {
		return reason
	}
	if reason == "" {
		return content
	}
	return content + "\n\n" + reason
}

func cloneMessage(m *model.Message) *model.Message {
	c := *m
	if m.Attachments != nil {
		c.Attachments = append([]model.Attachment(nil), m.Attachments...)
	}
	return &c
}
