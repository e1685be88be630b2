// Package schema turns plain-language descriptions of a desired response
// shape into JSON schema text, using the configured generation backend.
package schema

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/andbeder/ClinicalGenius/ai/provider"
	"github.com/andbeder/ClinicalGenius/errors"
	"github.com/andbeder/ClinicalGenius/extract"
)

const systemPrompt = "You are a JSON schema generator. Given a natural language description " +
	"of a data structure, generate a clean, valid JSON schema example. The output should be " +
	"ONLY valid JSON, with no additional text, explanations, or markdown formatting. " +
	"Use proper JSON data types and include example structures for arrays and objects."

// Service generates response schemas.
type Service struct {
	gen     provider.Generator
	timeout time.Duration
}

func NewService(gen provider.Generator, timeout time.Duration) *Service {
	return &Service{gen: gen, timeout: timeout}
}

// Generate produces JSON schema text for a description. The model's output
// passes through the same brace-match recovery as batch responses, so
// surrounding prose or fences do not leak into the stored schema.
func (s *Service) Generate(ctx context.Context, description string) (string, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return "", errors.Wrap(errors.ErrInvalidRequest, "schema description is empty")
	}

	messages := []provider.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: "Generate a JSON schema based on this description:\n\n" + description},
	}

	raw, err := s.gen.GenerateChat(ctx, messages, provider.Params{
		Temperature: 0.2,
		MaxTokens:   2000,
		Timeout:     s.timeout,
	})
	if err != nil {
		return "", errors.Wrap(err, "schema generation failed")
	}

	obj, err := extract.Object(raw)
	if err != nil {
		return "", errors.Wrap(err, "model did not return a JSON schema")
	}

	pretty, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to render schema")
	}
	return string(pretty), nil
}
