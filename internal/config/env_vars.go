package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	portEnvVar          = "PORT"
	appNameVar          = "APP_NAME"
	baseURLVar          = "BASE_URL"
	envVar              = "ENV"
	logLevelVar         = "LOG_LEVEL"
	catalogFileVar      = "CATALOG_FILE"
	defaultTenantEnvVar = "DEFAULT_TENANT"
)

type EnvVars struct {
	Port          string
	AppName       string
	Env           string
	BaseURL       string
	LogLevel      string
	CatalogFile   string
	DefaultTenant string
}

var _ EnvConfig = EnvVars{}

func loadEnvVars() EnvVars {
	port := GetEnv(portEnvVar, "8080")
	if !strings.HasPrefix(port, ":") {
		port = fmt.Sprintf(":%s", port)
	}
	return EnvVars{
		Port:          port,
		AppName:       GetEnv(appNameVar, "authflow"),
		Env:           GetEnv(envVar, "DEV"),
		BaseURL:       strings.TrimRight(GetEnv(baseURLVar, "http://localhost:8080"), "/"),
		LogLevel:      GetEnv(logLevelVar, "info"),
		CatalogFile:   GetEnv(catalogFileVar, "./catalog.yaml"),
		DefaultTenant: GetEnv(defaultTenantEnvVar, "default"),
	}
}

func (e EnvVars) GetPort() string {
	return e.Port
}

func (e EnvVars) GetAppName() string {
	return e.AppName
}

func (e EnvVars) GetEnv() string {
	return e.Env
}

// GetBaseURL returns the externally visible base URL of the server (e.g., "https://auth.example.com").
// It is used as the token issuer and to build provider callback URLs.
func (e EnvVars) GetBaseURL() string {
	return e.BaseURL
}

func (e EnvVars) GetLogLevel() string {
	return e.LogLevel
}

// GetCatalogFile is the YAML file describing tenants, clients and OAuth providers.
func (e EnvVars) GetCatalogFile() string {
	return e.CatalogFile
}

// GetDefaultTenant is the tenant served at the un-prefixed routes.
func (e EnvVars) GetDefaultTenant() string {
	return e.DefaultTenant
}

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvDuration(envVar string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.Wrapf(err, "[config] %s", envVar)
	}
	return d, nil
}

func getEnvBool(envVar string, defaultValue bool) (bool, error) {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, errors.Wrapf(err, "[config] %s", envVar)
	}
	return b, nil
}
