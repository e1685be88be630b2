// Package am holds the core ClinicalGenius configuration, loaded via Viper
// from TOML files and GENIUS_-prefixed environment variables.
package am

// Config represents the core ClinicalGenius configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Analytics AnalyticsConfig `mapstructure:"analytics"`
	Execution ExecutionConfig `mapstructure:"execution"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the ClinicalGenius web server
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LLMConfig configures the text-generation backend.
//
// Provider is resolved once at startup into a closed ai/provider.Provider
// value; an unknown or unapproved provider is a fatal configuration error.
type LLMConfig struct {
	Provider       string   `mapstructure:"provider"`        // "lmstudio" or "openai"
	Endpoint       string   `mapstructure:"endpoint"`        // base URL for lmstudio (e.g., "http://localhost:1234")
	APIKey         string   `mapstructure:"api_key"`         // required for openai
	Model          string   `mapstructure:"model"`           // e.g., "gpt-4o-mini"
	Temperature    *float64 `mapstructure:"temperature"`     // nil = default 0.7
	MaxTokens      *int     `mapstructure:"max_tokens"`      // nil = default 4000
	TimeoutSeconds int      `mapstructure:"timeout_seconds"` // per-generation timeout; minutes-scale for reasoning models
	CallsPerMinute int      `mapstructure:"calls_per_minute"` // 0 = unlimited
}

// AnalyticsConfig configures the CRM Analytics record source.
//
// Authentication is external: the access token arrives via the environment
// (GENIUS_ANALYTICS_ACCESS_TOKEN) or a token file refreshed out of band.
type AnalyticsConfig struct {
	InstanceURL  string `mapstructure:"instance_url"`
	APIVersion   string `mapstructure:"api_version"`
	AccessToken  string `mapstructure:"access_token"`
	QueryLimit   int    `mapstructure:"query_limit"`   // default cap for unfiltered batch queries
	TimeoutSecs  int    `mapstructure:"timeout_secs"`  // HTTP timeout for Analytics calls
}

// ExecutionConfig configures batch execution behavior
type ExecutionConfig struct {
	CheckpointEvery int `mapstructure:"checkpoint_every"` // rows between durable status checkpoints (default: 10)
}
