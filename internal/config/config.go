package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const minAuthSecretLen = 32

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AuthSecret            string
	AccessTokenTTLMinutes int
	WorkerConcurrency     int
	WorkerQueueSize       int
	LogLevel              string
	LogPretty             bool
	ChurnSchedule         string
	ReportCacheTTLSeconds int
	MaxUploadBytes        int64
	MigrateOnStart        bool
	OCRProvider           string
	OpenAIAPIKey          string
	OpenAIModel           string
}

// Load reads an optional .env file and then the process environment.
// Values already present in the environment win over the file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               getInt("REDIS_DB", 0, 0),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
		WorkerConcurrency:     getInt("WORKER_CONCURRENCY", 5, 1),
		WorkerQueueSize:       getInt("WORKER_QUEUE_SIZE", 64, 1),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogPretty:             getBool("LOG_PRETTY", false),
		ChurnSchedule:         strings.TrimSpace(getEnvAllowEmpty("CHURN_SCHEDULE", "0 2 * * *")),
		ReportCacheTTLSeconds: getInt("REPORT_CACHE_TTL_SECONDS", 60, 0),
		MaxUploadBytes:        int64(getInt("MAX_UPLOAD_BYTES", 10<<20, 1)),
		MigrateOnStart:        getBool("MIGRATE_ON_START", true),
		OCRProvider:           strings.ToLower(getEnv("OCR_PROVIDER", "mock")),
		OpenAIAPIKey:          strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIModel:           getEnv("OPENAI_MODEL", "gpt-4o-mini"),
	}

	return cfg
}

// Validate reports settings the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if len(c.AuthSecret) < minAuthSecretLen {
		errs = append(errs, fmt.Errorf("AUTH_SECRET must be at least %d characters", minAuthSecretLen))
	}
	switch c.OCRProvider {
	case "mock":
	case "openai":
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required when OCR_PROVIDER=openai"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown OCR_PROVIDER %q", c.OCRProvider))
	}
	return errors.Join(errs...)
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) ReportCacheTTL() time.Duration {
	return time.Duration(c.ReportCacheTTLSeconds) * time.Second
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

// getEnvAllowEmpty distinguishes an unset key from one set to "".
func getEnvAllowEmpty(key string, fallback string) string {
	val, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return val
}

func getInt(key string, fallback int, floor int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < floor {
		return fallback
	}
	return val
}

func getBool(key string, fallback bool) bool {
	val, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
	if err != nil {
		return fallback
	}
	return val
}
