package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

var validate = validator.New()

type AppConfig struct {
	// Upstream area source.
	OpenBetaEndpoint string        `validate:"required,url"`
	SourceTimeout    time.Duration `validate:"gt=0"`

	// Area cache.
	RedisAddr     string `validate:"required"`
	RedisPassword string
	RedisDB       int `validate:"gte=0"`

	// Document store. An empty MongoURI selects the in-memory store.
	MongoURI      string
	MongoDatabase string `validate:"required"`

	// In-memory store retention.
	StoreMaxHistory int           `validate:"gte=0"` // max documents per area (0 = unlimited)
	StoreMaxAge     time.Duration // max age of documents (0 = unlimited)

	// Weather provider.
	WeatherProvider    string `validate:"oneof=sample weatherapi"`
	WeatherAPIKey      string `validate:"required_if=WeatherProvider weatherapi"`
	WeatherForecastDay int    `validate:"gte=1,lte=14"`
	WeatherRatePerSec  float64
	WeatherMaxRetries  int `validate:"gte=0"`

	// Pipeline.
	Workers      int           `validate:"gte=1"`
	CallTimeout  time.Duration `validate:"gt=0"`
	ArchiveAreas bool

	// FetchInterval controls how often the scheduler runs a full ingestion.
	FetchInterval time.Duration `validate:"gte=1m"`

	Port      string `validate:"required"`
	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=json console"`
}

// Load reads configuration from environment with sensible defaults.
// A .env file in the working directory is optional, but a malformed one is an error.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := &AppConfig{}
	var err error

	cfg.OpenBetaEndpoint = getenvDefault("OPENBETA_ENDPOINT", "https://api.openbeta.io")
	if cfg.SourceTimeout, err = getenvDuration("SOURCE_TIMEOUT", "120s"); err != nil {
		return nil, err
	}

	cfg.RedisAddr = getenvDefault("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.RedisDB = getenvInt("REDIS_DB", 0)

	cfg.MongoURI = os.Getenv("MONGO_URI")
	cfg.MongoDatabase = getenvDefault("MONGO_DATABASE", "crag_weather")

	cfg.StoreMaxHistory = getenvInt("STORE_MAX_HISTORY", 24) // a day of hourly runs
	if cfg.StoreMaxAge, err = getenvDuration("STORE_MAX_AGE", "0s"); err != nil {
		return nil, err
	}

	cfg.WeatherProvider = getenvDefault("WEATHER_PROVIDER", "sample")
	cfg.WeatherAPIKey = os.Getenv("WEATHERAPI_API_KEY")
	cfg.WeatherForecastDay = getenvInt("WEATHER_FORECAST_DAYS", 3)
	cfg.WeatherRatePerSec = getenvFloat("WEATHER_RATE_PER_SEC", 5)
	cfg.WeatherMaxRetries = getenvInt("WEATHER_MAX_RETRIES", 0)

	cfg.Workers = getenvInt("INGEST_WORKERS", 4)
	if cfg.CallTimeout, err = getenvDuration("CALL_TIMEOUT", "10s"); err != nil {
		return nil, err
	}
	cfg.ArchiveAreas = getenvBool("ARCHIVE_AREAS", true)

	if cfg.FetchInterval, err = getenvDuration("FETCH_INTERVAL", "1h"); err != nil {
		return nil, err
	}

	cfg.Port = getenvDefault("PORT", "8080")
	cfg.LogLevel = getenvDefault("LOG_LEVEL", "info")
	cfg.LogFormat = getenvDefault("LOG_FORMAT", "json")

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(getenvDefault(key, def))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
