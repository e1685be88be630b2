// Package provider selects and constructs generation backends.
//
// Providers form a closed set resolved once at configuration time. String
// aliases are normalized in Parse and nowhere else, so the rest of the
// system only ever handles the canonical values.
package provider

import (
	"context"
	"strings"
	"time"

	"github.com/andbeder/ClinicalGenius/errors"
)

// Provider identifies a generation backend.
type Provider string

const (
	// LMStudio is a local OpenAI-compatible inference server.
	LMStudio Provider = "lmstudio"
	// OpenAI is the hosted OpenAI chat completions API.
	OpenAI Provider = "openai"
)

// Parse normalizes a configured provider name to its canonical value.
//
// Copilot is recognized but deliberately refused: it lacks data-handling
// approval for clinical text, and the refusal surfaces at configuration
// time as ErrProviderNotPermitted rather than per record at runtime.
func Parse(s string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lmstudio", "lm_studio", "lm-studio", "local":
		return LMStudio, nil
	case "openai", "open_ai":
		return OpenAI, nil
	case "copilot":
		return "", errors.Wrapf(errors.ErrProviderNotPermitted, "provider %q", s)
	default:
		return "", errors.Newf("unknown provider: %q (valid: lmstudio, openai)", s)
	}
}

func (p Provider) String() string {
	return string(p)
}

// Params are the per-call generation settings. Timeout bounds a single
// backend call and is expected to be minute-scale; reasoning models can
// deliberate for a long time before emitting structured output.
type Params struct {
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Message is one turn of a chat-style request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Generator is the behavior the pipeline needs from any backend:
// plain completion of a rendered prompt, and chat completion for flows
// that carry a system message.
type Generator interface {
	Generate(ctx context.Context, prompt string, params Params) (string, error)
	GenerateChat(ctx context.Context, messages []Message, params Params) (string, error)
}
