package lmstudio

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/completions", r.URL.Path)

		var payload map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "say hi", payload["prompt"])
		assert.Equal(t, 0.2, payload["temperature"])
		assert.Equal(t, float64(100), payload["max_tokens"])

		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]string{{"text": "  hi there \n"}},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, zap.NewNop().Sugar())
	out, err := client.Complete(context.Background(), "say hi", Options{Temperature: 0.2, MaxTokens: 100})
	require.NoError(t, err)
	assert.Equal(t, "hi there", out)
}

func TestChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "done"}},
			},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, zap.NewNop().Sugar())
	out, err := client.Chat(context.Background(), []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "go"},
	}, Options{Temperature: 0.7, MaxTokens: 50})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
}

func TestCompleteNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"choices": []interface{}{}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, zap.NewNop().Sugar())
	_, err := client.Complete(context.Background(), "x", Options{})
	assert.Error(t, err)
}

func TestCompleteServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, zap.NewNop().Sugar())
	_, err := client.Complete(context.Background(), "x", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestCompleteHonorsContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]string{{"text": "too late"}},
		})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	client := NewClient(srv.URL, zap.NewNop().Sugar())
	_, err := client.Complete(ctx, "x", Options{})
	assert.Error(t, err)
}
