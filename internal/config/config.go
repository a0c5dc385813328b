package config

import (
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config interface {
	EnvConfig
	CorsConfig
	OAuthConfig
	SecurityConfig
	StoreConfig
}

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetEnv() string
	GetBaseURL() string
	GetLogLevel() string
	GetCatalogFile() string
	GetDefaultTenant() string
}

type CorsConfig interface {
	GetAllowedOrigins() AllowedOrigins
	GetAllowedMethods() string
	GetAllowedHeaders() string
}

type mainConfig struct {
	EnvVars
	Cors
	OAuth
	Security
	Store
}

// Load reads an optional .env file and then the process environment into a Config value.
// The returned value is immutable and is passed explicitly to every component that needs it.
func Load(envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}
	return New()
}

// New builds a Config from the current process environment.
func New() (Config, error) {
	oauth, err := loadOAuth()
	if err != nil {
		return nil, err
	}
	security, err := loadSecurity()
	if err != nil {
		return nil, err
	}
	store, err := loadStore()
	if err != nil {
		return nil, err
	}
	return mainConfig{
		EnvVars:  loadEnvVars(),
		Cors:     loadCors(),
		OAuth:    oauth,
		Security: security,
		Store:    store,
	}, nil
}
