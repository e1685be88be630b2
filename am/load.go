package am

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/andbeder/ClinicalGenius/errors"
)

// Load reads the ClinicalGenius configuration using Viper.
// Precedence: defaults < config file < environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("GENIUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	BindSensitiveEnvVars(v)
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
		}
	} else {
		// Search for genius.toml in the working directory and ~/.genius
		v.SetConfigName("genius")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.genius")
		if err := v.ReadInConfig(); err != nil {
			// Missing config file is fine; defaults plus env vars suffice
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, errors.Wrap(err, "failed to read config file")
			}
		}
	}

	return LoadWithViper(v)
}

// LoadWithViper unmarshals configuration from a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}
