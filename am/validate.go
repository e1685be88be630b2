package am

import (
	"github.com/andbeder/ClinicalGenius/errors"
)

// Validate checks the configuration for values that would prevent startup.
// Provider approval is enforced separately by ai/provider.Parse; this only
// covers structural problems.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path must not be empty")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port out of range: %d", c.Server.Port)
	}
	if c.LLM.TimeoutSeconds <= 0 {
		return errors.Newf("llm.timeout_seconds must be positive, got %d", c.LLM.TimeoutSeconds)
	}
	if c.LLM.CallsPerMinute < 0 {
		return errors.Newf("llm.calls_per_minute must not be negative, got %d", c.LLM.CallsPerMinute)
	}
	if c.Execution.CheckpointEvery <= 0 {
		c.Execution.CheckpointEvery = DefaultCheckpointEvery
	}
	if c.Analytics.QueryLimit <= 0 {
		c.Analytics.QueryLimit = DefaultQueryLimit
	}
	return nil
}
