package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	app_errors "relaychat/internal/errors"
	"relaychat/internal/model"
)

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []model.ChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Format   string              `json:"format,omitempty"`
	Options  map[string]any      `json:"options,omitempty"`
}

// ollamaChatChunk is both the buffered response and one NDJSON stream line.
type ollamaChatChunk struct {
	Model      string            `json:"model"`
	Message    model.ChatMessage `json:"message"`
	Done       bool              `json:"done"`
	DoneReason string            `json:"done_reason"`
	Error      string            `json:"error"`
}

type ollamaTagsResponse struct {
	Models []Model `json:"models"`
}

type ollamaProvider struct {
	*client
}

// NewOllamaProvider returns a client for a local Ollama server.
func NewOllamaProvider(url string, opts ...Option) Provider {
	return &ollamaProvider{client: newClient(url, nil, opts)}
}

func (p *ollamaProvider) chatRequest(req *GenerateRequest, stream bool) ollamaChatRequest {
	body := ollamaChatRequest{Model: req.Model, Messages: req.Messages, Stream: stream}
	if req.JSONMode {
		body.Format = "json"
	}
	if req.Temperature != nil {
		body.Options = map[string]any{"temperature": *req.Temperature}
	}
	return body
}

func (p *ollamaProvider) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	var out ollamaChatChunk
	if err := p.doJSON(ctx, http.MethodPost, "/api/chat", p.chatRequest(req, false), &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, &app_errors.GatewayError{Err: errors.New(out.Error)}
	}
	return &GenerateResponse{Model: out.Model, Response: out.Message.Content}, nil
}

func (p *ollamaProvider) GenerateStream(ctx context.Context, req *GenerateRequest) (<-chan StreamResponse, error) {
	res, err := p.open(ctx, http.MethodPost, "/api/chat", p.chatRequest(req, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamResponse)
	go func() {
		defer close(ch)
		defer func() { _ = res.Body.Close() }()

		scanner := bufio.NewScanner(res.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var chunk ollamaChatChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				slog.Debug("Skipping malformed ollama stream line", "error", err)
				continue
			}
			if chunk.Error != "" {
				send(ctx, ch, StreamResponse{Err: &app_errors.GatewayError{Err: errors.New(chunk.Error)}})
				return
			}
			if chunk.Message.Content != "" {
				if !send(ctx, ch, StreamResponse{Content: chunk.Message.Content}) {
					return
				}
			}
			if chunk.Done {
				reason := chunk.DoneReason
				if reason == "" {
					reason = "stop"
				}
				send(ctx, ch, StreamResponse{Done: true, FinishReason: reason})
				return
			}
		}
		if err := scanner.Err(); err != nil {
			send(ctx, ch, StreamResponse{Err: streamError(err)})
		}
	}()
	return ch, nil
}

// GenerateImage is not offered by Ollama.
func (p *ollamaProvider) GenerateImage(context.Context, *ImageRequest) (*ImageResponse, error) {
	return nil, &app_errors.GatewayError{StatusCode: http.StatusNotImplemented, Err: ErrImagesUnsupported}
}

func (p *ollamaProvider) ListModels(ctx context.Context) (*ListModelsResponse, error) {
	var out ollamaTagsResponse
	if err := p.doJSON(ctx, http.MethodGet, "/api/tags", nil, &out); err != nil {
		return nil, err
	}
	return &ListModelsResponse{Models: out.Models}, nil
}
