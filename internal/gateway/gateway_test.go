package gateway_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	app_errors "relaychat/internal/errors"
	"relaychat/internal/gateway"
	"relaychat/internal/llm"
	"relaychat/internal/llm/mocks"
	"relaychat/internal/model"
	"relaychat/internal/stream"
)

func chunks(items ...llm.StreamResponse) <-chan llm.StreamResponse {
	ch := make(chan llm.StreamResponse, len(items))
	for _, it := range items {
		ch <- it
	}
	close(ch)
	return ch
}

func readFrames(t *testing.T, r io.Reader) []stream.Frame {
	t.Helper()
	sr := stream.NewReader(r)
	var out []stream.Frame
	for {
		f, err := sr.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, f)
	}
}

func TestGateway_RejectsEmptyConversationWithoutIO(t *testing.T) {
	provider := mocks.NewMockProvider(t)
	gw := gateway.New(provider, "gemini-2.0-flash")

	for _, msgs := range [][]model.ChatMessage{
		nil,
		{},
		{{Role: "user", Content: "   "}},
		{{Role: "tool", Content: "result"}, {Role: "", Content: "x"}},
	} {
		_, err := gw.Send(context.Background(), gateway.Request{Messages: msgs, Mode: gateway.Streaming})
		assert.ErrorIs(t, err, app_errors.ErrValidation)
	}

	provider.AssertNotCalled(t, "GenerateStream", mock.Anything, mock.Anything)
	provider.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestGateway_Buffered(t *testing.T) {
	provider := mocks.NewMockProvider(t)
	gw := gateway.New(provider, "default-model")

	provider.On("Generate", mock.Anything, mock.MatchedBy(func(req *llm.GenerateRequest) bool {
		return req.Model == "default-model" &&
			req.JSONMode &&
			len(req.Messages) == 2 &&
			req.Messages[0] == model.ChatMessage{Role: model.RoleSystem, Content: "Be brief."} &&
			req.Messages[1] == model.ChatMessage{Role: model.RoleUser, Content: "Hi"}
	})).Return(&llm.GenerateResponse{Response: "Hello"}, nil).Once()

	resp, err := gw.Send(context.Background(), gateway.Request{
		Messages:          []model.ChatMessage{{Role: "bogus", Content: "drop me"}, {Role: model.RoleUser, Content: "Hi"}},
		SystemInstruction: "Be brief.",
		Mode:              gateway.Buffered,
		JSONMode:          true,
	})

	require.NoError(t, err)
	assert.Equal(t, "Hello", resp.Text)
	assert.Nil(t, resp.Stream)
}

func TestGateway_BufferedFailure(t *testing.T) {
	provider := mocks.NewMockProvider(t)
	gw := gateway.New(provider, "m")
	provider.On("Generate", mock.Anything, mock.Anything).Return(nil, errors.New("dial tcp: refused")).Once()

	_, err := gw.Send(context.Background(), gateway.Request{
		Messages: []model.ChatMessage{{Role: model.RoleUser, Content: "Hi"}},
	})

	assert.ErrorIs(t, err, app_errors.ErrGateway)
	assert.Contains(t, err.Error(), "refused")
}

func TestGateway_Streaming(t *testing.T) {
	t.Run("Deltas and finish are relayed as records", func(t *testing.T) {
		provider := mocks.NewMockProvider(t)
		gw := gateway.New(provider, "m")
		provider.On("GenerateStream", mock.Anything, mock.Anything).Return(chunks(
			llm.StreamResponse{Content: "He"},
			llm.StreamResponse{Content: "llo"},
			llm.StreamResponse{Done: true, FinishReason: "stop"},
		), nil).Once()

		resp, err := gw.Send(context.Background(), gateway.Request{
			Messages: []model.ChatMessage{{Role: model.RoleUser, Content: "Hi"}},
			Mode:     gateway.Streaming,
		})
		require.NoError(t, err)
		defer func() { _ = resp.Stream.Close() }()

		raw, err := io.ReadAll(resp.Stream)
		require.NoError(t, err)
		assert.Equal(t,
			`0:{"type":"text-delta","textDelta":"He"}`+"\n"+
				`0:{"type":"text-delta","textDelta":"llo"}`+"\n"+
				`d:{"type":"finish","finishReason":"stop"}`+"\n",
			string(raw))
	})

	t.Run("Rejected request is returned before streaming", func(t *testing.T) {
		provider := mocks.NewMockProvider(t)
		gw := gateway.New(provider, "m")
		provider.On("GenerateStream", mock.Anything, mock.Anything).
			Return(nil, &app_errors.GatewayError{StatusCode: 401, Body: "bad key"}).Once()

		_, err := gw.Send(context.Background(), gateway.Request{
			Messages: []model.ChatMessage{{Role: model.RoleUser, Content: "Hi"}},
			Mode:     gateway.Streaming,
		})

		var gwErr *app_errors.GatewayError
		require.ErrorAs(t, err, &gwErr)
		assert.Equal(t, 401, gwErr.StatusCode)
	})

	t.Run("Mid-stream failure becomes an error record", func(t *testing.T) {
		provider := mocks.NewMockProvider(t)
		gw := gateway.New(provider, "m")
		provider.On("GenerateStream", mock.Anything, mock.Anything).Return(chunks(
			llm.StreamResponse{Content: "par"},
			llm.StreamResponse{Err: errors.New("connection reset")},
		), nil).Once()

		resp, err := gw.Send(context.Background(), gateway.Request{
			Messages: []model.ChatMessage{{Role: model.RoleUser, Content: "Hi"}},
			Mode:     gateway.Streaming,
		})
		require.NoError(t, err)
		defer func() { _ = resp.Stream.Close() }()

		frames := readFrames(t, resp.Stream)
		require.Len(t, frames, 2)
		assert.Equal(t, "par", frames[0].Text)
		assert.Equal(t, stream.KindError, frames[1].Kind)
		assert.ErrorIs(t, frames[1].Err, app_errors.ErrGateway)
		assert.Contains(t, frames[1].Err.Error(), "connection reset")
	})

	t.Run("Stream ending without finish is never silent", func(t *testing.T) {
		provider := mocks.NewMockProvider(t)
		gw := gateway.New(provider, "m")
		provider.On("GenerateStream", mock.Anything, mock.Anything).Return(chunks(
			llm.StreamResponse{Content: "par"},
		), nil).Once()

		resp, err := gw.Send(context.Background(), gateway.Request{
			Messages: []model.ChatMessage{{Role: model.RoleUser, Content: "Hi"}},
			Mode:     gateway.Streaming,
		})
		require.NoError(t, err)
		defer func() { _ = resp.Stream.Close() }()

		frames := readFrames(t, resp.Stream)
		require.Len(t, frames, 2)
		assert.Equal(t, stream.KindError, frames[1].Kind)
		assert.Contains(t, frames[1].Err.Error(), "before completion")
	})

	t.Run("Close cancels the upstream request", func(t *testing.T) {
		provider := mocks.NewMockProvider(t)
		gw := gateway.New(provider, "m")

		upstreamCancelled := make(chan struct{})
		provider.On("GenerateStream", mock.Anything, mock.Anything).Return(
			func(ctx context.Context, _ *llm.GenerateRequest) (<-chan llm.StreamResponse, error) {
				ch := make(chan llm.StreamResponse)
				go func() {
					defer close(ch)
					select {
					case ch <- llm.StreamResponse{Content: "first"}:
					case <-ctx.Done():
					}
					<-ctx.Done()
					close(upstreamCancelled)
				}()
				return ch, nil
			}).Once()

		resp, err := gw.Send(context.Background(), gateway.Request{
			Messages: []model.ChatMessage{{Role: model.RoleUser, Content: "Hi"}},
			Mode:     gateway.Streaming,
		})
		require.NoError(t, err)

		buf := make([]byte, 256)
		n, err := resp.Stream.Read(buf)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(buf[:n]), `0:`))

		require.NoError(t, resp.Stream.Close())

		select {
		case <-upstreamCancelled:
		case <-time.After(5 * time.Second):
			t.Fatal("upstream context was not cancelled")
		}
	})
}
