package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config holds the process wide settings read from the environment.
type Config struct {
	Env            string
	Port           string
	DatabaseURL    string
	JWTSecret      string
	LogLevel       string
	LogFile        string
	AllowedOrigins []string

	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// AggregationGranularity is the bucket width "now" is aligned to before
	// windowed statistics are memoized.
	AggregationGranularity time.Duration

	Cache *CacheConfig
}

// Load reads an optional .env file and then the environment. It returns an
// error when a required variable is missing.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:                    getEnv("APP_ENV", EnvDevelopment),
		Port:                   getEnv("PORT", "5050"),
		DatabaseURL:            getEnv("DATABASE_URL", ""),
		JWTSecret:              getEnv("JWT_SECRET", ""),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		LogFile:                getEnv("LOG_FILE", ""),
		AllowedOrigins:         splitList(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),
		DBMaxOpenConns:         getEnvInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:         getEnvInt("DB_MAX_IDLE_CONNS", 25),
		DBConnMaxLifetime:      getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		AggregationGranularity: getEnvDuration("AGGREGATION_GRANULARITY", time.Minute),
		Cache:                  NewCacheConfig(),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if cfg.AggregationGranularity <= 0 {
		cfg.AggregationGranularity = time.Minute
	}
	return cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
