// Package lmstudio is a client for LM Studio's OpenAI-compatible local
// inference server.
package lmstudio

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

// Options are the per-request generation settings.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Message is one chat turn in the wire format LM Studio expects.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client talks to one LM Studio endpoint. The model is whatever the server
// currently has loaded; LM Studio ignores model selectors on requests.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.SugaredLogger
}

// NewClient builds a client for the given endpoint, e.g.
// http://localhost:1234. Request deadlines come from the caller's context,
// not a fixed client timeout, since generation length varies per call.
func NewClient(baseURL string, log *zap.SugaredLogger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		log:        log,
	}
}

// Complete runs a plain text completion.
func (c *Client) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	payload := map[string]interface{}{
		"prompt":      prompt,
		"temperature": opts.Temperature,
		"max_tokens":  opts.MaxTokens,
		"stream":      false,
	}

	var result struct {
		Choices []struct {
			Text string `json:"text"`
		} `json:"choices"`
	}
	if err := c.post(ctx, "/v1/completions", payload, &result); err != nil {
		return "", err
	}
	if len(result.Choices) == 0 {
		return "", errors.New("LM Studio returned no choices")
	}
	return strings.TrimSpace(result.Choices[0].Text), nil
}

// Chat runs a chat completion over the given message history.
func (c *Client) Chat(ctx context.Context, messages []Message, opts Options) (string, error) {
	payload := map[string]interface{}{
		"messages":    messages,
		"temperature": opts.Temperature,
		"max_tokens":  opts.MaxTokens,
		"stream":      false,
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := c.post(ctx, "/v1/chat/completions", payload, &result); err != nil {
		return "", err
	}
	if len(result.Choices) == 0 {
		return "", errors.New("LM Studio returned no choices")
	}
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.Wrap(errors.ErrTimeout, "LM Studio generation timed out")
		}
		return errors.Wrap(err, "LM Studio request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Newf("LM Studio returned status %d: %s", resp.StatusCode, string(detail))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "failed to decode LM Studio response")
	}
	return nil
}
