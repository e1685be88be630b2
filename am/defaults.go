package am

import "github.com/spf13/viper"

// Default values applied before any config file or environment override.
const (
	DefaultServerPort      = 8787
	DefaultDatabasePath    = "genius.db"
	DefaultProvider        = "lmstudio"
	DefaultEndpoint        = "http://localhost:1234"
	DefaultModel           = "gpt-4o-mini"
	DefaultTemperature     = 0.7
	DefaultMaxTokens       = 4000
	DefaultTimeoutSeconds  = 300
	DefaultAPIVersion      = "v60.0"
	DefaultQueryLimit      = 10000
	DefaultAnalyticsTimeout = 60
	DefaultCheckpointEvery = 10
)

// SetDefaults registers default configuration values on the Viper instance
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("llm.provider", DefaultProvider)
	v.SetDefault("llm.endpoint", DefaultEndpoint)
	v.SetDefault("llm.model", DefaultModel)
	v.SetDefault("llm.timeout_seconds", DefaultTimeoutSeconds)
	v.SetDefault("llm.calls_per_minute", 0)

	v.SetDefault("analytics.api_version", DefaultAPIVersion)
	v.SetDefault("analytics.query_limit", DefaultQueryLimit)
	v.SetDefault("analytics.timeout_secs", DefaultAnalyticsTimeout)

	v.SetDefault("execution.checkpoint_every", DefaultCheckpointEvery)
}

// BindSensitiveEnvVars binds credentials to environment variables so they
// never need to live in a config file on disk.
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("llm.api_key", "GENIUS_LLM_API_KEY", "OPENAI_API_KEY")
	v.BindEnv("analytics.access_token", "GENIUS_ANALYTICS_ACCESS_TOKEN")
	v.BindEnv("analytics.instance_url", "GENIUS_ANALYTICS_INSTANCE_URL")
}
