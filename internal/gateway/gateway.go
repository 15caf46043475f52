// Package gateway normalizes a conversation, forwards it to the model
// provider in one request and exposes the reply either as a whole text or as
// a live stream of records.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	app_errors "relaychat/internal/errors"
	"relaychat/internal/llm"
	"relaychat/internal/model"
	"relaychat/internal/stream"
)

type Mode int

const (
	Buffered Mode = iota
	Streaming
)

type Request struct {
	Messages          []model.ChatMessage
	SystemInstruction string
	Model             string
	Mode              Mode
	// JSONMode asks for a single JSON object. Buffered mode only.
	JSONMode    bool
	Temperature *float64
}

// Response holds Text in Buffered mode and Stream in Streaming mode. Stream
// yields `\n`-terminated records and always ends with a finish or error
// record. Callers must Close it; closing cancels the upstream request.
type Response struct {
	Text   string
	Stream io.ReadCloser
}

// errIncomplete is reported when the provider stream ends without finishing.
var errIncomplete = errors.New("upstream stream ended before completion")

type Gateway struct {
	provider     llm.Provider
	defaultModel string
}

func New(provider llm.Provider, defaultModel string) *Gateway {
	return &Gateway{provider: provider, defaultModel: defaultModel}
}

// Normalize keeps the entries the model can accept: a known role and
// non-blank content.
func Normalize(messages []model.ChatMessage) []model.ChatMessage {
	out := make([]model.ChatMessage, 0, len(messages))
	for _, m := range messages {
		if !model.ValidRole(m.Role) || strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Send performs exactly one provider call. Validation failures return
// before any network I/O.
func (g *Gateway) Send(ctx context.Context, req Request) (*Response, error) {
	messages := Normalize(req.Messages)
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: conversation has no usable messages", app_errors.ErrValidation)
	}
	modelName := req.Model
	if modelName == "" {
		modelName = g.defaultModel
	}
	if modelName == "" {
		return nil, fmt.Errorf("%w: no model configured", app_errors.ErrValidation)
	}
	if sys := strings.TrimSpace(req.SystemInstruction); sys != "" {
		messages = append([]model.ChatMessage{{Role: model.RoleSystem, Content: sys}}, messages...)
	}

	genReq := &llm.GenerateRequest{
		Model:       modelName,
		Messages:    messages,
		Temperature: req.Temperature,
		JSONMode:    req.JSONMode,
	}

	if req.Mode == Buffered {
		resp, err := g.provider.Generate(ctx, genReq)
		if err != nil {
			return nil, asGatewayError(err)
		}
		return &Response{Text: resp.Response}, nil
	}

	streamCtx, cancel := context.WithCancel(ctx)
	ch, err := g.provider.GenerateStream(streamCtx, genReq)
	if err != nil {
		cancel()
		return nil, asGatewayError(err)
	}

	pr, pw := io.Pipe()
	go pump(streamCtx, cancel, ch, pw)
	return &Response{Stream: &relayStream{PipeReader: pr, cancel: cancel}}, nil
}

// pump re-encodes provider chunks as records. Exactly one terminal record is
// written unless the reader went away.
func pump(ctx context.Context, cancel context.CancelFunc, ch <-chan llm.StreamResponse, pw *io.PipeWriter) {
	defer cancel()
	defer func() {
		go func() {
			for range ch {
			}
		}()
	}()

	enc := stream.NewEncoder(pw)
	fail := func(err error) {
		if werr := enc.Error(recordMessage(err)); werr != nil {
			slog.Debug("Could not deliver stream error record", "error", werr)
		}
		_ = pw.Close()
	}

	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				if err := ctx.Err(); err != nil {
					fail(&app_errors.GatewayError{Err: err})
					return
				}
				fail(&app_errors.GatewayError{Err: errIncomplete})
				return
			}
			if chunk.Err != nil {
				fail(asGatewayError(chunk.Err))
				return
			}
			if err := enc.TextDelta(chunk.Content); err != nil {
				_ = pw.CloseWithError(err)
				return
			}
			if chunk.Done {
				if err := enc.Finish(chunk.FinishReason); err != nil {
					_ = pw.CloseWithError(err)
					return
				}
				_ = pw.Close()
				return
			}
		case <-ctx.Done():
			fail(&app_errors.GatewayError{Err: ctx.Err()})
			return
		}
	}
}

type relayStream struct {
	*io.PipeReader
	cancel context.CancelFunc
}

func (s *relayStream) Close() error {
	s.cancel()
	return s.PipeReader.Close()
}

// recordMessage strips the gateway prefix, which the decoder adds back.
func recordMessage(err error) string {
	var gwErr *app_errors.GatewayError
	if errors.As(err, &gwErr) && gwErr.StatusCode == 0 && gwErr.Err != nil {
		return gwErr.Err.Error()
	}
	return err.Error()
}

func asGatewayError(err error) error {
	if errors.Is(err, app_errors.ErrGateway) || errors.Is(err, app_errors.ErrValidation) {
		return err
	}
	return &app_errors.GatewayError{Err: err}
}
