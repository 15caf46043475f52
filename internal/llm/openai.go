package llm

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	app_errors "relaychat/internal/errors"
	"relaychat/internal/model"
)

// DefaultOpenAIBaseURL is the OpenAI-compatible surface of the hosted Gemini
// API.
const DefaultOpenAIBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"

type chatCompletionRequest struct {
	Model          string              `json:"model"`
	Messages       []model.ChatMessage `json:"messages"`
	Stream         bool                `json:"stream"`
	Temperature    *float64            `json:"temperature,omitempty"`
	ResponseFormat *responseFormat     `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      model.ChatMessage `json:"message"`
		FinishReason string            `json:"finish_reason"`
	} `json:"choices"`
}

type chatCompletionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type imageGenerationRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format"`
}

type imageGenerationResponse struct {
	Data []struct {
		B64JSON       string `json:"b64_json"`
		URL           string `json:"url"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
}

type modelListResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

type openAIProvider struct {
	*client
}

// NewOpenAIProvider returns a client for any OpenAI-compatible chat
// completions API. The key is resolved through keys on every request.
func NewOpenAIProvider(keys KeySource, opts ...Option) Provider {
	return &openAIProvider{client: newClient(DefaultOpenAIBaseURL, keys, opts)}
}

func (p *openAIProvider) chatRequest(req *GenerateRequest, stream bool) chatCompletionRequest {
	body := chatCompletionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Stream:      stream,
		Temperature: req.Temperature,
	}
	if req.JSONMode {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	return body
}

func (p *openAIProvider) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	var out chatCompletionResponse
	if err := p.doJSON(ctx, http.MethodPost, "/chat/completions", p.chatRequest(req, false), &out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, &app_errors.GatewayError{Err: errors.New("no choices in response")}
	}
	return &GenerateResponse{Model: out.Model, Response: out.Choices[0].Message.Content}, nil
}

func (p *openAIProvider) GenerateStream(ctx context.Context, req *GenerateRequest) (<-chan StreamResponse, error) {
	res, err := p.open(ctx, http.MethodPost, "/chat/completions", p.chatRequest(req, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamResponse)
	go func() {
		defer close(ch)
		defer func() { _ = res.Body.Close() }()

		finished := false
		err := consumeSSE(ctx, res.Body, func(_, data string) error {
			if data == "[DONE]" {
				if !finished {
					finished = true
					send(ctx, ch, StreamResponse{Done: true, FinishReason: "stop"})
				}
				return errStopStream
			}
			var chunk chatCompletionChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				slog.Debug("Skipping malformed completion chunk", "error", err)
				return nil
			}
			if chunk.Error != nil {
				return &app_errors.GatewayError{Err: errors.New(chunk.Error.Message)}
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					if !send(ctx, ch, StreamResponse{Content: choice.Delta.Content}) {
						return ctx.Err()
					}
				}
				if choice.FinishReason != nil && *choice.FinishReason != "" && !finished {
					finished = true
					if !send(ctx, ch, StreamResponse{Done: true, FinishReason: *choice.FinishReason}) {
						return ctx.Err()
					}
				}
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStopStream) {
			send(ctx, ch, StreamResponse{Err: streamError(err)})
		}
	}()
	return ch, nil
}

func (p *openAIProvider) GenerateImage(ctx context.Context, req *ImageRequest) (*ImageResponse, error) {
	var out imageGenerationResponse
	body := imageGenerationRequest{
		Model:          req.Model,
		Prompt:         req.Prompt,
		N:              1,
		Size:           req.Size,
		ResponseFormat: "b64_json",
	}
	if err := p.doJSON(ctx, http.MethodPost, "/images/generations", body, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, &app_errors.GatewayError{Err: errors.New("no image in response")}
	}

	img := out.Data[0]
	resp := &ImageResponse{URL: img.URL, RevisedPrompt: img.RevisedPrompt}
	if img.B64JSON != "" {
		raw, err := base64.StdEncoding.DecodeString(img.B64JSON)
		if err != nil {
			return nil, &app_errors.GatewayError{Err: fmt.Errorf("decode image: %w", err)}
		}
		resp.URL = "data:" + http.DetectContentType(raw) + ";base64," + img.B64JSON
	}
	if resp.URL == "" {
		return nil, &app_errors.GatewayError{Err: errors.New("image response has neither data nor url")}
	}
	return resp, nil
}

func (p *openAIProvider) ListModels(ctx context.Context) (*ListModelsResponse, error) {
	var out modelListResponse
	if err := p.doJSON(ctx, http.MethodGet, "/models", nil, &out); err != nil {
		return nil, err
	}
	resp := &ListModelsResponse{Models: make([]Model, 0, len(out.Data))}
	for _, m := range out.Data {
		resp.Models = append(resp.Models, Model{Name: strings.TrimPrefix(m.ID, "models/")})
	}
	return resp, nil
}

var errStopStream = errors.New("llm: stop stream")

// consumeSSE parses a Server-Sent Events body and calls fn once per event.
func consumeSSE(ctx context.Context, r io.Reader, fn func(event, data string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var eventName string
	var dataBuf strings.Builder
	flush := func() error {
		if dataBuf.Len() == 0 {
			eventName = ""
			return nil
		}
		payload := dataBuf.String()
		dataBuf.Reset()
		name := eventName
		eventName = ""
		return fn(name, payload)
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSuffix(scanner.Text(), "\r")
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			if dataBuf.Len() > 0 {
				dataBuf.WriteByte('\n')
			}
			dataBuf.WriteString(strings.TrimSpace(line[len("data:"):]))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}

// streamError normalizes a mid-stream failure into a gateway error.
func streamError(err error) error {
	if errors.Is(err, app_errors.ErrGateway) {
		return err
	}
	return &app_errors.GatewayError{Err: err}
}
