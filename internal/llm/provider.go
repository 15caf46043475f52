package llm

import (
	"context"
	"errors"

	"relaychat/internal/model"
)

// Provider is a hosted text and image generation service.
//
// Failures before any output is produced are returned as
// *errors.GatewayError. Once GenerateStream returned a channel, later
// failures arrive as a final StreamResponse with Err set and the channel is
// closed. A channel that closes without a Done or Err chunk means the
// upstream connection ended early.
type Provider interface {
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)
	GenerateStream(ctx context.Context, req *GenerateRequest) (<-chan StreamResponse, error)
	GenerateImage(ctx context.Context, req *ImageRequest) (*ImageResponse, error)
	ListModels(ctx context.Context) (*ListModelsResponse, error)
}

// ErrImagesUnsupported is returned by providers without an image endpoint.
var ErrImagesUnsupported = errors.New("llm: provider does not support image generation")

type GenerateRequest struct {
	Model       string
	Messages    []model.ChatMessage
	Temperature *float64
	// JSONMode asks the provider for a single JSON object.
	JSONMode bool
}

type GenerateResponse struct {
	Model    string
	Response string
}

// StreamResponse is one increment of a streamed generation.
type StreamResponse struct {
	Content      string
	Done         bool
	FinishReason string
	Err          error
}

type ImageRequest struct {
	Model  string
	Prompt string
	Size   string
}

// ImageResponse carries either a remote URL or an inline data URL.
type ImageResponse struct {
	URL           string
	RevisedPrompt string
}

type Model struct {
	Name       string `json:"name"`
	ModifiedAt string `json:"modified_at,omitempty"`
}

type ListModelsResponse struct {
	Models []Model `json:"models"`
}
