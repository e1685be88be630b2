// Package openai is a minimal client for the OpenAI chat completions API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/andbeder/ClinicalGenius/errors"
)

const defaultBaseURL = "https://api.openai.com"

// Options are the per-request generation settings.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client calls the OpenAI API with a fixed model and key.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	log        *zap.SugaredLogger
}

// NewClient builds a client. baseURL may be empty to use the public API;
// it is overridable for tests and OpenAI-compatible gateways.
func NewClient(baseURL, apiKey, model string, log *zap.SugaredLogger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{},
		log:        log,
	}
}

// Chat runs a chat completion over the given messages.
func (c *Client) Chat(ctx context.Context, messages []Message, opts Options) (string, error) {
	if c.apiKey == "" {
		return "", errors.New("OpenAI API key not configured")
	}

	payload := map[string]interface{}{
		"model":       c.model,
		"messages":    messages,
		"temperature": opts.Temperature,
		"max_tokens":  opts.MaxTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", errors.Wrap(errors.ErrTimeout, "OpenAI generation timed out")
		}
		return "", errors.Wrap(err, "OpenAI request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", errors.Newf("OpenAI returned status %d: %s", resp.StatusCode, string(detail))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", errors.Wrap(err, "failed to decode OpenAI response")
	}
	if len(result.Choices) == 0 {
		return "", errors.New("OpenAI returned no choices")
	}
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

// Complete runs a single-turn completion by wrapping the prompt in one
// user message; the completions endpoint is deprecated for current models.
func (c *Client) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	return c.Chat(ctx, []Message{{Role: "user", Content: prompt}}, opts)
}
