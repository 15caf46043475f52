package model

import (
	"time"
)

// Roles accepted by the model gateway.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ValidRole reports whether role is one of the roles the gateway forwards.
func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// MessageStatus tracks the lifecycle of a message. Only assistant messages
// are ever in the streaming state.
type MessageStatus string

const (
	StatusStreaming MessageStatus = "streaming"
	StatusComplete  MessageStatus = "complete"
	StatusFailed    MessageStatus = "failed"
)

// Attachment types.
const (
	AttachmentImage         = "image"
	AttachmentCodeExecution = "code_execution"
)

// Attachment is a structured payload hung off a finalized message: either a
// generated image reference or a simulated code-execution result.
type Attachment struct {
	Type           string  `json:"type"`
	ImageURL       string  `json:"imageUrl,omitempty"`
	Prompt         string  `json:"prompt,omitempty"`
	OriginalPrompt string  `json:"originalPrompt,omitempty"`
	Language       string  `json:"language,omitempty"`
	Code           string  `json:"code,omitempty"`
	Output         string  `json:"output,omitempty"`
	Error          *string `json:"error,omitempty"`
	Explanation    string  `json:"explanation,omitempty"`
	Simulated      bool    `json:"simulated,omitempty"`
}

// Message is a single entry in a conversation log.
type Message struct {
	ID          string        `json:"id"`
	Role        string        `json:"role"`
	Content     string        `json:"content"`
	Status      MessageStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	Attachments []Attachment  `json:"attachments,omitempty"`
}

// Finalized reports whether the message can no longer receive deltas.
func (m Message) Finalized() bool {
	return m.Status != StatusStreaming
}

// Conversation stores the metadata of a conversation. MessageCount is derived
// by the storage layer.
type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// DisplayMessage is a message as rendered to clients. DisplayContent replaces
// an empty finalized assistant reply with a placeholder without touching the
// stored content.
type DisplayMessage struct {
	Message
	DisplayContent string `json:"display_content"`
}

// FullConversation includes the conversation metadata and all its messages.
type FullConversation struct {
	Conversation
	Messages []DisplayMessage `json:"messages"`
}

// ChatMessage is the role/content pair exchanged with the model.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamResponse is a single Server-Sent Event emitted while a turn runs.
type StreamResponse struct {
	ConversationID string   `json:"conversation_id,omitempty"`
	MessageID      string   `json:"message_id,omitempty"`
	Content        string   `json:"content"`
	Done           bool     `json:"done"`
	Error          string   `json:"error,omitempty"`
	Message        *Message `json:"message,omitempty"`
}
