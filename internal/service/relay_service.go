package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	app_errors "relaychat/internal/errors"
	"relaychat/internal/gateway"
	"relaychat/internal/llm"
	"relaychat/internal/model"
	"relaychat/internal/turn"
)

const (
	fallbackExplanation = "Code analysis completed"
	placeholderImageFmt = "/placeholder.svg?height=512&width=512&query=%s"
)

// ImageGenerator produces images from a prompt.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, req *llm.ImageRequest) (*llm.ImageResponse, error)
}

// ArtifactRecorder attaches tool results to a conversation.
type ArtifactRecorder interface {
	RecordArtifact(ctx context.Context, conversationID, content string, attachment model.Attachment) (*model.Message, error)
}

type ImageRequest struct {
	Prompt         string `json:"prompt" validate:"required"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type ImageResult struct {
	ImageURL       string `json:"imageUrl"`
	Prompt         string `json:"prompt"`
	OriginalPrompt string `json:"originalPrompt"`
}

type CodeRequest struct {
	Code           string `json:"code" validate:"required"`
	Language       string `json:"language" validate:"required"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// CodeResult is a simulated execution. Error is null when the model
// predicts none.
type CodeResult struct {
	Output      string  `json:"output"`
	Error       *string `json:"error"`
	Explanation string  `json:"explanation"`
	Simulated   bool    `json:"simulated"`
}

// RelayService serves the endpoints that need no stored conversation.
type RelayService struct {
	sender   turn.Sender
	images   ImageGenerator
	settings SettingsReader
	recorder ArtifactRecorder
}

func NewRelayService(sender turn.Sender, images ImageGenerator, settings SettingsReader, recorder ArtifactRecorder) *RelayService {
	return &RelayService{sender: sender, images: images, settings: settings, recorder: recorder}
}

// Stream forwards a client-held conversation and returns the record stream.
func (s *RelayService) Stream(ctx context.Context, messages []model.ChatMessage) (io.ReadCloser, error) {
	settings := s.currentSettings(ctx)
	resp, err := s.sender.Send(ctx, gateway.Request{
		Messages:          messages,
		SystemInstruction: settings.SystemPrompt,
		Model:             settings.ChatModel,
		Mode:              gateway.Streaming,
	})
	if err != nil {
		return nil, err
	}
	return resp.Stream, nil
}

// GenerateImage asks the image model first. If that fails, one text request
// writes an enhanced description shown next to a placeholder image.
func (s *RelayService) GenerateImage(ctx context.Context, req *ImageRequest) (*ImageResult, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, fmt.Errorf("%w: prompt is required", app_errors.ErrValidation)
	}
	settings := s.currentSettings(ctx)

	result, err := s.primaryImage(ctx, settings.ImageModel, prompt)
	if err != nil {
		slog.Warn("Image generation failed, using fallback", "error", err)
		result, err = s.fallbackImage(ctx, firstNonEmpty(settings.SupportModel, settings.ChatModel), prompt)
		if err != nil {
			return nil, fmt.Errorf("image generation failed: %w", err)
		}
	}

	if req.ConversationID != "" {
		attachment := model.Attachment{
			Type:           model.AttachmentImage,
			ImageURL:       result.ImageURL,
			Prompt:         result.Prompt,
			OriginalPrompt: result.OriginalPrompt,
		}
		if _, err := s.recorder.RecordArtifact(ctx, req.ConversationID, "Generated image:", attachment); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (s *RelayService) primaryImage(ctx context.Context, imageModel, prompt string) (*ImageResult, error) {
	resp, err := s.images.GenerateImage(ctx, &llm.ImageRequest{Model: imageModel, Prompt: prompt, Size: "512x512"})
	if err != nil {
		return nil, err
	}
	if resp.URL == "" {
		return nil, fmt.Errorf("%w: provider returned no image", app_errors.ErrGateway)
	}
	description := strings.TrimSpace(resp.RevisedPrompt)
	if description == "" {
		description = "Generated image for: " + prompt
	}
	return &ImageResult{ImageURL: resp.URL, Prompt: description, OriginalPrompt: prompt}, nil
}

func (s *RelayService) fallbackImage(ctx context.Context, textModel, prompt string) (*ImageResult, error) {
	resp, err := s.sender.Send(ctx, gateway.Request{
		Messages: []model.ChatMessage{{
			Role: model.RoleUser,
			Content: fmt.Sprintf("Create a detailed, creative description for generating an image based on this prompt: %s. Include artistic style, colors, composition, and mood.",
				prompt),
		}},
		Model: textModel,
		Mode:  gateway.Buffered,
	})
	if err != nil {
		return nil, err
	}
	enhanced := strings.TrimSpace(resp.Text)
	if enhanced == "" {
		enhanced = "Enhanced prompt for: " + prompt
	}
	return &ImageResult{ImageURL: PlaceholderImageURL(prompt), Prompt: enhanced, OriginalPrompt: prompt}, nil
}

// PlaceholderImageURL escapes prompt the way encodeURIComponent does so the
// placeholder service reads spaces as %20.
func PlaceholderImageURL(prompt string) string {
	return fmt.Sprintf(placeholderImageFmt, strings.ReplaceAll(url.QueryEscape(prompt), "+", "%20"))
}

// ExecuteCode asks the model to predict what code would print. Nothing is
// run; the result is always marked simulated.
func (s *RelayService) ExecuteCode(ctx context.Context, req *CodeRequest) (*CodeResult, error) {
	if strings.TrimSpace(req.Code) == "" {
		return nil, fmt.Errorf("%w: code is required", app_errors.ErrValidation)
	}
	language := strings.TrimSpace(req.Language)
	settings := s.currentSettings(ctx)

	resp, err := s.sender.Send(ctx, gateway.Request{
		Messages: []model.ChatMessage{{Role: model.RoleUser, Content: codePrompt(language, req.Code)}},
		Model:    settings.ChatModel,
		Mode:     gateway.Buffered,
		JSONMode: true,
	})
	if err != nil {
		return nil, err
	}
	result := ParseCodeResult(resp.Text)

	if req.ConversationID != "" {
		attachment := model.Attachment{
			Type:        model.AttachmentCodeExecution,
			Language:    language,
			Code:        req.Code,
			Output:      result.Output,
			Error:       result.Error,
			Explanation: result.Explanation,
			Simulated:   true,
		}
		content := fmt.Sprintf("Code executed successfully in %s:", language)
		if _, err := s.recorder.RecordArtifact(ctx, req.ConversationID, content, attachment); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func codePrompt(language, code string) string {
	return fmt.Sprintf("Analyze this %[1]s code and provide a realistic simulation of its execution:\n\n"+
		"Code:\n```%[1]s\n%[2]s\n```\n\n"+
		"Respond with a JSON object containing:\n"+
		"- \"output\": the expected console output or result\n"+
		"- \"error\": any potential errors (null if none)\n"+
		"- \"explanation\": brief explanation of what the code does\n\n"+
		"Format your response as valid JSON only.", language, code)
}

// ParseCodeResult reads the model's JSON answer. Code fences are stripped;
// text that is not a JSON object becomes the output verbatim.
func ParseCodeResult(text string) *CodeResult {
	fallback := &CodeResult{Output: text, Explanation: fallbackExplanation, Simulated: true}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(stripFences(text)), &fields); err != nil {
		return fallback
	}
	_, hasOutput := fields["output"]
	_, hasError := fields["error"]
	_, hasExplanation := fields["explanation"]
	if !hasOutput && !hasError && !hasExplanation {
		return fallback
	}

	result := &CodeResult{Simulated: true}
	result.Output, _ = rawText(fields["output"])
	result.Explanation, _ = rawText(fields["explanation"])
	if errText, ok := rawText(fields["error"]); ok && errText != "" {
		result.Error = &errText
	}
	return result
}

// rawText renders a JSON value as text: strings unquoted, null as absent,
// anything else as its JSON form.
func rawText(raw json.RawMessage) (string, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	return trimmed, true
}

func stripFences(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		t = t[i+1:]
	} else {
		return ""
	}
	t = strings.TrimSpace(t)
	return strings.TrimSpace(strings.TrimSuffix(t, "```"))
}

func (s *RelayService) currentSettings(ctx context.Context) *Settings {
	settings, err := s.settings.Get(ctx)
	if err != nil {
		slog.Warn("Could not read settings, using gateway defaults", "error", err)
		return &Settings{}
	}
	return settings
}
