package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var payload map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "gpt-4o-mini", payload["model"])

		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": `{"severity": "High"}`}},
			},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "sk-test", "gpt-4o-mini", zap.NewNop().Sugar())
	out, err := client.Chat(context.Background(), []Message{{Role: "user", Content: "assess"}}, Options{Temperature: 0.7, MaxTokens: 500})
	require.NoError(t, err)
	assert.Equal(t, `{"severity": "High"}`, out)
}

func TestCompleteWrapsPromptAsUserMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Messages []Message `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Len(t, payload.Messages, 1)
		assert.Equal(t, "user", payload.Messages[0].Role)
		assert.Equal(t, "hello", payload.Messages[0].Content)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": "ok"}},
			},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "sk-test", "gpt-4o-mini", zap.NewNop().Sugar())
	out, err := client.Complete(context.Background(), "hello", Options{})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestChatMissingAPIKey(t *testing.T) {
	client := NewClient("http://localhost", "", "gpt-4o-mini", zap.NewNop().Sugar())
	_, err := client.Chat(context.Background(), nil, Options{})
	assert.Error(t, err)
}

func TestChatErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "sk-test", "gpt-4o-mini", zap.NewNop().Sugar())
	_, err := client.Chat(context.Background(), []Message{{Role: "user", Content: "x"}}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}
