package repository

import (
	"context"
	"time"

	"relaychat/internal/model"
)

// Repository defines the storage operations for conversations and their
// messages. Implementations return ErrNotFound for unknown ids.
type Repository interface {
	CreateConversation(ctx context.Context, conversation *model.Conversation) error
	GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error)
	// ListConversations returns every conversation, most recently active first.
	ListConversations(ctx context.Context) ([]*model.Conversation, error)
	UpdateConversationTitle(ctx context.Context, conversationID, newTitle string) error
	// TouchConversation sets the activity time of a conversation.
	TouchConversation(ctx context.Context, conversationID string, at time.Time) error
	DeleteConversation(ctx context.Context, conversationID string) error

	// AddMessage appends a message and marks the conversation as active.
	AddMessage(ctx context.Context, message *model.Message, conversationID string) error
	// UpdateMessage rewrites the mutable fields of a stored message: content,
	// status and attachments.
	UpdateMessage(ctx context.Context, message *model.Message, conversationID string) error
	// GetMessages returns the messages of a conversation in creation order.
	GetMessages(ctx context.Context, conversationID string) ([]model.Message, error)
}
