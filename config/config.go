// Package config provides environment-based configuration for PalAuth.
//
// Configuration is loaded from environment variables using Viper, with
// sensible defaults for development.
//
// # Environment Variables
//
//   - DB_TYPE: Database type (sqlite, postgres). Default: sqlite
//   - DSN: Database connection string. Default: palauth.db
//   - LOG_LEVEL: Logging level (debug, info, warn, error). Default: info
//   - PORT: HTTP server port. Default: 8080
//   - ISSUER: OIDC issuer URL, e.g. https://auth.example.com
//   - RP_ID: WebAuthn relying-party ID (hostname of ISSUER)
//   - RP_NAME: WebAuthn relying-party display name. Default: PalAuth
//   - SIGNING_KEY: base64-encoded PEM RSA private key used for all JWTs
//   - SIGNING_KEY_ID: key ID published in the JWKS. Default: "primary"
//   - REDIS_URL: optional; enables the Redis lockout store
//   - OTLP_ENDPOINT: optional; enables OTLP trace export
package config

import (
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	DBType       string `mapstructure:"DB_TYPE"` // sqlite, postgres
	DSN          string `mapstructure:"DSN"`
	LogLevel     string `mapstructure:"LOG_LEVEL"`
	Port         int    `mapstructure:"PORT"`
	Issuer       string `mapstructure:"ISSUER"`
	RPID         string `mapstructure:"RP_ID"`
	RPName       string `mapstructure:"RP_NAME"`
	SigningKey   string `mapstructure:"SIGNING_KEY"`
	SigningKeyID string `mapstructure:"SIGNING_KEY_ID"`
	RedisURL     string `mapstructure:"REDIS_URL"`
	OTLPEndpoint string `mapstructure:"OTLP_ENDPOINT"`
}

func LoadConfig() (*Config, error) {
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("PORT", 8080)
	viper.SetDefault("DB_TYPE", "sqlite")
	viper.SetDefault("DSN", "palauth.db")
	viper.SetDefault("ISSUER", "http://localhost:8080")
	viper.SetDefault("RP_NAME", "PalAuth")
	viper.SetDefault("SIGNING_KEY_ID", "primary")

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
