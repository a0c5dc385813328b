package config

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Supported session/token store drivers
const (
	StoreDriverMemory   = "memory"
	StoreDriverRedis    = "redis"
	StoreDriverPostgres = "postgres"
)

type StoreConfig interface {
	GetStoreDriver() string
	GetDatabaseURL() string
	GetRedisAddr() string
	GetRedisDB() int
	GetPurgeInterval() time.Duration
}

type Store struct {
	Driver        string
	DatabaseURL   string
	RedisAddr     string
	RedisDB       int
	PurgeInterval time.Duration
}

var _ StoreConfig = Store{}

func loadStore() (Store, error) {
	s := Store{
		Driver:      GetEnv("STORE_DRIVER", StoreDriverMemory),
		DatabaseURL: GetEnv("DATABASE_URL", ""),
		RedisAddr:   GetEnv("REDIS_ADDR", "localhost:6379"),
	}
	switch s.Driver {
	case StoreDriverMemory, StoreDriverRedis, StoreDriverPostgres:
	default:
		return Store{}, errors.Errorf("[config] unknown STORE_DRIVER %q", s.Driver)
	}
	if s.Driver == StoreDriverPostgres && s.DatabaseURL == "" {
		return Store{}, errors.New("[config] DATABASE_URL is required for the postgres driver")
	}
	db, err := strconv.Atoi(GetEnv("REDIS_DB", "0"))
	if err != nil {
		return Store{}, errors.Wrap(err, "[config] REDIS_DB")
	}
	s.RedisDB = db
	interval, err := getEnvDuration("PURGE_INTERVAL", 15*time.Minute)
	if err != nil {
		return Store{}, err
	}
	s.PurgeInterval = interval
	return s, nil
}

func (s Store) GetStoreDriver() string {
	return s.Driver
}

func (s Store) GetDatabaseURL() string {
	return s.DatabaseURL
}

func (s Store) GetRedisAddr() string {
	return s.RedisAddr
}

func (s Store) GetRedisDB() int {
	return s.RedisDB
}

// GetPurgeInterval is how often serve runs the expiry purge; zero disables it.
func (s Store) GetPurgeInterval() time.Duration {
	return s.PurgeInterval
}
