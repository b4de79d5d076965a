// Package config provides application configuration management,
// loading settings from environment variables, .env files and an optional
// YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Store backends
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendDynamoDB = "dynamodb"
)

// Per-fix normalizers
const (
	NormalizerNone       = "none"
	NormalizerStreetView = "streetview"
)

// Config holds all configuration for the application
type Config struct {
	// Service configuration
	ServiceName string
	Environment string
	GRPCPort    string
	HTTPPort    string
	PprofPort   string
	DeviceID    string

	// Point store
	StoreBackend string

	// Database configuration
	PostgresHost     string
	PostgresPort     string
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string

	// DynamoDB configuration
	DynamoTable    string
	DynamoRegion   string
	DynamoEndpoint string

	// Remote services
	GameAPIURL   string
	MapsAPIURL   string
	RoadsAPIURL  string
	MapsAPIKey   string
	HTTPTimeout  time.Duration
	TokenFile    string
	SnapToRoads  bool
	Interpolate  bool
	Normalizer   string
	NormalizeTTL time.Duration

	// Collection
	SampleInterval time.Duration
	FixQueueSize   int
	ReplayFile     string

	// OpenTelemetry configuration
	OTELEndpoint string
	OTELEnabled  bool

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables. Values from the YAML
// file named by CONFIG_FILE sit between the environment and the defaults.
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	l := &loader{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := l.readFile(path); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		ServiceName: l.get("SERVICE_NAME", "path-worker"),
		Environment: l.get("ENVIRONMENT", "development"),
		GRPCPort:    l.get("GRPC_PORT", "50051"),
		HTTPPort:    l.get("HTTP_PORT", "8080"),
		PprofPort:   l.get("PPROF_PORT", ""),
		DeviceID:    l.get("DEVICE_ID", "default"),

		StoreBackend: strings.ToLower(l.get("STORE_BACKEND", BackendMemory)),

		PostgresHost:     l.get("POSTGRES_HOST", "localhost"),
		PostgresPort:     l.get("POSTGRES_PORT", "5432"),
		PostgresDB:       l.get("POSTGRES_DB", "pathworker"),
		PostgresUser:     l.get("POSTGRES_USER", "development"),
		PostgresPassword: l.get("POSTGRES_PASSWORD", "development"),

		DynamoTable:    l.get("DYNAMODB_TABLE", "path-worker-points"),
		DynamoRegion:   l.get("AWS_REGION", "ap-northeast-1"),
		DynamoEndpoint: l.get("DYNAMODB_ENDPOINT", ""),

		GameAPIURL:  strings.TrimRight(l.get("GAME_API_URL", "http://localhost:8081"), "/"),
		MapsAPIURL:  strings.TrimRight(l.get("MAPS_API_URL", "https://maps.googleapis.com"), "/"),
		RoadsAPIURL: strings.TrimRight(l.get("ROADS_API_URL", "https://roads.googleapis.com"), "/"),
		MapsAPIKey:  l.get("MAPS_API_KEY", ""),
		TokenFile:   l.get("TOKEN_FILE", "tokens.json"),
		Normalizer:  strings.ToLower(l.get("FIX_NORMALIZER", NormalizerNone)),
		ReplayFile:  l.get("REPLAY_FILE", ""),

		OTELEndpoint: l.get("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		LogLevel:     l.get("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.SnapToRoads, err = l.parseBool("SNAP_TO_ROADS", "true"); err != nil {
		return nil, fmt.Errorf("invalid SNAP_TO_ROADS: %w", err)
	}
	if cfg.Interpolate, err = l.parseBool("SNAP_INTERPOLATE", "true"); err != nil {
		return nil, fmt.Errorf("invalid SNAP_INTERPOLATE: %w", err)
	}
	if cfg.OTELEnabled, err = l.parseBool("OTEL_ENABLED", "false"); err != nil {
		return nil, fmt.Errorf("invalid OTEL_ENABLED: %w", err)
	}
	if cfg.HTTPTimeout, err = l.parseDuration("HTTP_TIMEOUT", "10s"); err != nil {
		return nil, fmt.Errorf("invalid HTTP_TIMEOUT: %w", err)
	}
	if cfg.NormalizeTTL, err = l.parseDuration("NORMALIZE_CACHE_TTL", "10m"); err != nil {
		return nil, fmt.Errorf("invalid NORMALIZE_CACHE_TTL: %w", err)
	}
	if cfg.SampleInterval, err = l.parseDuration("SAMPLE_INTERVAL", "15s"); err != nil {
		return nil, fmt.Errorf("invalid SAMPLE_INTERVAL: %w", err)
	}
	if cfg.FixQueueSize, err = l.parseInt("FIX_QUEUE_SIZE", "64"); err != nil {
		return nil, fmt.Errorf("invalid FIX_QUEUE_SIZE: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case BackendMemory, BackendPostgres, BackendDynamoDB:
	default:
		return fmt.Errorf("invalid STORE_BACKEND %q", c.StoreBackend)
	}

	switch c.Normalizer {
	case NormalizerNone, NormalizerStreetView:
	default:
		return fmt.Errorf("invalid FIX_NORMALIZER %q", c.Normalizer)
	}

	if c.SampleInterval <= 0 {
		return fmt.Errorf("SAMPLE_INTERVAL must be positive")
	}
	if c.FixQueueSize <= 0 {
		return fmt.Errorf("FIX_QUEUE_SIZE must be positive")
	}
	if c.DeviceID == "" {
		return fmt.Errorf("DEVICE_ID is required")
	}

	return nil
}

// DatabaseDSN returns the PostgreSQL connection string
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s dbname=%s user=%s password=%s sslmode=disable",
		c.PostgresHost,
		c.PostgresPort,
		c.PostgresDB,
		c.PostgresUser,
		c.PostgresPassword,
	)
}

// loader resolves keys from the environment, then the config file, then defaults
type loader struct {
	file map[string]string
}

// readFile loads a YAML (or any viper-supported) file of flat KEY: value pairs
func (l *loader) readFile(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	l.file = make(map[string]string)
	for _, key := range v.AllKeys() {
		l.file[key] = v.GetString(key)
	}

	return nil
}

// get retrieves a value or returns a default value
func (l *loader) get(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if value, ok := l.file[strings.ToLower(key)]; ok && value != "" {
		return value
	}
	return defaultValue
}

func (l *loader) parseBool(key, defaultValue string) (bool, error) {
	return strconv.ParseBool(l.get(key, defaultValue))
}

func (l *loader) parseInt(key, defaultValue string) (int, error) {
	return strconv.Atoi(l.get(key, defaultValue))
}

func (l *loader) parseDuration(key, defaultValue string) (time.Duration, error) {
	return time.ParseDuration(l.get(key, defaultValue))
}
