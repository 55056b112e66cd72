package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "COLLABOARD"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "collaboard.db"
	defaultLogLevel      = "info"
	defaultTokenTTLMins  = 24 * 60
	defaultTokenIssuer   = "collaboard"
	defaultTokenAudience = "collaboard-api"
)

// AppConfig captures runtime configuration for the sync server.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	AuthSigningKey  string
	TokenIssuer     string
	TokenAudience   string
	TokenTTLMinutes int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMins)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		AuthSigningKey:  configViper.GetString("auth.signing_secret"),
		TokenIssuer:     configViper.GetString("auth.issuer"),
		TokenAudience:   configViper.GetString("auth.audience"),
		TokenTTLMinutes: configViper.GetInt("auth.token_ttl_minutes"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTLMinutes <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	return nil
}
