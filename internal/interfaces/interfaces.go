package interfaces

import (
	"context"
	"io"

	"relaychat/internal/export"
	"relaychat/internal/model"
	"relaychat/internal/service"
)

// The API layer depends on these contracts rather than on the concrete
// services so handlers can be tested against mocks.

// ChatService covers conversations and the turns run on them.
type ChatService interface {
	ListConversations(ctx context.Context, query string) ([]*model.Conversation, error)
	CreateConversation(ctx context.Context, title string) (*model.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (*model.FullConversation, error)
	RenameConversation(ctx context.Context, conversationID, newTitle string) error
	DeleteConversation(ctx context.Context, conversationID string) error
	ImportConversation(ctx context.Context, title string, messages []model.Message) (*model.Conversation, error)
	HandleNewMessage(ctx context.Context, req *service.CreateMessageRequest, streamChan chan<- model.StreamResponse)
}

// SettingsService reads and stores the runtime settings.
type SettingsService interface {
	Get(ctx context.Context) (*service.Settings, error)
	Save(ctx context.Context, settings *service.Settings) error
}

// RelayService serves the stateless relay and tool endpoints.
type RelayService interface {
	Stream(ctx context.Context, messages []model.ChatMessage) (io.ReadCloser, error)
	GenerateImage(ctx context.Context, req *service.ImageRequest) (*service.ImageResult, error)
	ExecuteCode(ctx context.Context, req *service.CodeRequest) (*service.CodeResult, error)
}

// ExportService renders and reads conversation exports.
type ExportService interface {
	Export(ctx context.Context, req *service.ExportRequest) (*service.ExportFile, error)
	Import(data []byte) (*export.Document, error)
}
