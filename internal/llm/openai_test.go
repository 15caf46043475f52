package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	app_errors "relaychat/internal/errors"
	"relaychat/internal/model"
)

// pngHeader is enough for http.DetectContentType to report image/png.
var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

func newOpenAITestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, Provider) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server, NewOpenAIProvider(StaticKey("test-key"), WithBaseURL(server.URL))
}

func TestOpenAIProvider_Generate(t *testing.T) {
	var captured chatCompletionRequest
	var auth string
	_, provider := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(`{"model":"gemini-2.0-flash","choices":[{"message":{"role":"assistant","content":"{\"output\":\"4\"}"},"finish_reason":"stop"}]}`))
	})

	resp, err := provider.Generate(context.Background(), &GenerateRequest{
		Model:    "gemini-2.0-flash",
		Messages: []model.ChatMessage{{Role: model.RoleUser, Content: "2+2"}},
		JSONMode: true,
	})

	require.NoError(t, err)
	assert.Equal(t, `{"output":"4"}`, resp.Response)
	assert.Equal(t, "Bearer test-key", auth)
	assert.False(t, captured.Stream)
	require.NotNil(t, captured.ResponseFormat)
	assert.Equal(t, "json_object", captured.ResponseFormat.Type)
}

func TestOpenAIProvider_GenerateStream(t *testing.T) {
	t.Run("Deltas then finish", func(t *testing.T) {
		_, provider := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			events := []string{
				`{"choices":[{"delta":{"role":"assistant","content":"Hel"},"finish_reason":null}]}`,
				`{malformed`,
				`{"choices":[{"delta":{"content":"lo"},"finish_reason":null}]}`,
				`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
				`[DONE]`,
			}
			for _, e := range events {
				_, _ = fmt.Fprintf(w, "data: %s\n\n", e)
				w.(http.Flusher).Flush()
			}
		})

		ch, err := provider.GenerateStream(context.Background(), &GenerateRequest{Model: "m"})
		require.NoError(t, err)
		chunks := collect(t, ch)

		require.Len(t, chunks, 3)
		assert.Equal(t, "Hel", chunks[0].Content)
		assert.Equal(t, "lo", chunks[1].Content)
		assert.True(t, chunks[2].Done)
		assert.Equal(t, "stop", chunks[2].FinishReason)
	})

	t.Run("Upstream rejects the request", func(t *testing.T) {
		_, provider := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"quota"}}`))
		})

		_, err := provider.GenerateStream(context.Background(), &GenerateRequest{Model: "m"})

		var gwErr *app_errors.GatewayError
		require.ErrorAs(t, err, &gwErr)
		assert.Equal(t, http.StatusTooManyRequests, gwErr.StatusCode)
	})

	t.Run("Error event mid-stream", func(t *testing.T) {
		_, provider := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"par\"}}]}\n\n")
			_, _ = fmt.Fprint(w, "data: {\"error\":{\"message\":\"safety block\"}}\n\n")
		})

		ch, err := provider.GenerateStream(context.Background(), &GenerateRequest{Model: "m"})
		require.NoError(t, err)
		chunks := collect(t, ch)

		require.Len(t, chunks, 2)
		assert.ErrorIs(t, chunks[1].Err, app_errors.ErrGateway)
		assert.Contains(t, chunks[1].Err.Error(), "safety block")
	})

	t.Run("Cancellation stops the stream", func(t *testing.T) {
		release := make(chan struct{})
		_, provider := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
			w.(http.Flusher).Flush()
			select {
			case <-r.Context().Done():
			case <-release:
			}
		})
		defer close(release)

		ctx, cancel := context.WithCancel(context.Background())
		ch, err := provider.GenerateStream(ctx, &GenerateRequest{Model: "m"})
		require.NoError(t, err)

		first := <-ch
		assert.Equal(t, "a", first.Content)
		cancel()

		done := make(chan struct{})
		go func() {
			for range ch {
			}
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("stream was not closed after cancellation")
		}
	})
}

func TestOpenAIProvider_GenerateImage(t *testing.T) {
	t.Run("Inline image becomes a data URL", func(t *testing.T) {
		b64 := base64.StdEncoding.EncodeToString(pngHeader)
		_, provider := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/images/generations", r.URL.Path)
			var req imageGenerationRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "b64_json", req.ResponseFormat)
			_, _ = fmt.Fprintf(w, `{"data":[{"b64_json":%q,"revised_prompt":"a red fox, oil painting"}]}`, b64)
		})

		img, err := provider.GenerateImage(context.Background(), &ImageRequest{Model: "imagen", Prompt: "a fox"})

		require.NoError(t, err)
		assert.Equal(t, "data:image/png;base64,"+b64, img.URL)
		assert.Equal(t, "a red fox, oil painting", img.RevisedPrompt)
	})

	t.Run("Empty data is an error", func(t *testing.T) {
		_, provider := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"data":[]}`))
		})

		_, err := provider.GenerateImage(context.Background(), &ImageRequest{Prompt: "a fox"})
		assert.ErrorIs(t, err, app_errors.ErrGateway)
	})
}

func TestOpenAIProvider_ListModels(t *testing.T) {
	_, provider := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		_, _ = w.Write([]byte(`{"data":[{"id":"models/gemini-2.0-flash"},{"id":"gemini-1.5-pro"}]}`))
	})

	resp, err := provider.ListModels(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []Model{{Name: "gemini-2.0-flash"}, {Name: "gemini-1.5-pro"}}, resp.Models)
}

type failingKeys struct{}

func (failingKeys) APIKey(context.Context) (string, error) { return "", errors.New("no key") }

func TestOpenAIProvider_KeyFailureIsGatewayError(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	defer server.Close()

	provider := NewOpenAIProvider(failingKeys{}, WithBaseURL(server.URL))
	_, err := provider.Generate(context.Background(), &GenerateRequest{Model: "m"})

	assert.ErrorIs(t, err, app_errors.ErrGateway)
	assert.False(t, called)
}

func TestConsumeSSE(t *testing.T) {
	body := ": comment\r\nevent: message\r\ndata: one\r\ndata: two\r\n\r\ndata: three\n"
	var got []string

	err := consumeSSE(context.Background(), strings.NewReader(body), func(event, data string) error {
		got = append(got, event+"|"+data)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"message|one\ntwo", "|three"}, got)
}
