// Package config parses the bikecast runtime configuration.
//
// Values come from command-line flags, falling back to environment variables
// and then to defaults. A .env file, when present, is loaded into the
// environment before parsing. The station list is read from a YAML file:
//
//	stations:
//	  - id: "24370"
//	    name: Hauptbahnhof
//	    latitude: 54.3152
//	    longitude: 10.1319
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/HatiCode/bikecast/pkg/adapters"
	"github.com/HatiCode/bikecast/pkg/dataset"
	"github.com/HatiCode/bikecast/pkg/features"
	"github.com/HatiCode/bikecast/pkg/tls"
)

// Storage backends.
const (
	StorageMemory   = "memory"
	StorageFile     = "file"
	StorageRedis    = "redis"
	StoragePostgres = "postgres"
)

// Station is one entry of the station file.
type Station struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	adapters.Location `yaml:",inline"`
}

// Config holds all bikecast configuration.
type Config struct {
	Listen     string
	GRPCListen string
	LogFormat  string
	LogLevel   string
	TLS        tls.Config

	Storage       string
	DataFile      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration
	PostgresDSN   string
	PredictionTTL time.Duration

	StationsFile     string
	Stations         []Station
	OpenMeteoURL     string
	WeatherVariables []string
	UsageURL         string
	UsageTenant      string
	UsageToken       string
	RemoteURL        string
	RemoteToken      string

	Lookback        time.Duration
	Horizon         time.Duration
	MaxRange        time.Duration
	MaxRetries      int
	FetchTimeout    time.Duration
	ArtifactDir     string
	Models          []dataset.ModelKind
	Timezone        string
	Location        *time.Location
	RefreshInterval time.Duration
	RefreshTimeout  time.Duration

	// ExpectedSchemas pins the feature schema an artifact must declare, by
	// kind. Kinds without an entry accept whatever their artifact declares.
	ExpectedSchemas map[dataset.ModelKind][]string
}

// LoadDotEnv loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load parses args (without the program name), reads the station file and
// validates the result.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	flags := flag.NewFlagSet("bikecast", flag.ContinueOnError)

	flags.StringVar(&cfg.Listen, "listen", getEnv("LISTEN", ":8080"), "HTTP listen address")
	flags.StringVar(&cfg.GRPCListen, "grpc-listen", getEnv("GRPC_LISTEN", ":9090"), "gRPC listen address (empty disables gRPC)")
	flags.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format: text or json")
	flags.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")

	flags.BoolVar(&cfg.TLS.Enabled, "tls-enabled", getEnvBool("TLS_ENABLED", false), "Enable TLS for the HTTP and gRPC servers")
	flags.StringVar(&cfg.TLS.CertFile, "tls-cert-file", getEnv("TLS_CERT_FILE", ""), "TLS certificate file")
	flags.StringVar(&cfg.TLS.KeyFile, "tls-key-file", getEnv("TLS_KEY_FILE", ""), "TLS private key file")
	flags.StringVar(&cfg.TLS.ClientCAFile, "tls-client-ca-file", getEnv("TLS_CLIENT_CA_FILE", ""), "CA file for client certificate verification")

	flags.StringVar(&cfg.Storage, "storage", getEnv("STORAGE", StorageFile), "Dataset storage: memory, file, redis or postgres")
	flags.StringVar(&cfg.DataFile, "data-file", getEnv("DATA_FILE", "data/dataset.csv"), "CSV dataset file (storage=file)")
	flags.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis server address")
	flags.StringVar(&cfg.RedisPassword, "redis-password", getEnv("REDIS_PASSWORD", ""), "Redis password")
	flags.IntVar(&cfg.RedisDB, "redis-db", getEnvInt("REDIS_DB", 0), "Redis database number")
	flags.DurationVar(&cfg.RedisTTL, "redis-ttl", getEnvDuration("REDIS_TTL", 0), "TTL of prediction sets in Redis (0 uses --prediction-ttl)")
	flags.StringVar(&cfg.PostgresDSN, "postgres-dsn", getEnv("POSTGRES_DSN", ""), "Postgres connection string (storage=postgres)")
	flags.DurationVar(&cfg.PredictionTTL, "prediction-ttl", getEnvDuration("PREDICTION_TTL", 6*time.Hour), "How long refreshed predictions are kept")

	flags.StringVar(&cfg.StationsFile, "stations-file", getEnv("STATIONS_FILE", "stations.yaml"), "YAML station list")
	flags.StringVar(&cfg.OpenMeteoURL, "openmeteo-url", getEnv("OPENMETEO_URL", ""), "Open-Meteo forecast endpoint (empty uses the public API)")
	weather := flags.String("weather-variables", getEnv("WEATHER_VARIABLES", ""), "Comma-separated hourly weather variables")
	flags.StringVar(&cfg.UsageURL, "usage-url", getEnv("USAGE_URL", ""), "QuantumLeap entity URL prefix for station usage (empty disables usage)")
	flags.StringVar(&cfg.UsageTenant, "usage-tenant", getEnv("USAGE_TENANT", "infoportal"), "NGSI tenant")
	flags.StringVar(&cfg.UsageToken, "usage-token", getEnv("USAGE_TOKEN", ""), "Bearer token for the usage endpoint")
	flags.StringVar(&cfg.RemoteURL, "remote-url", getEnv("REMOTE_URL", ""), "Remote dataset repository URL (empty disables the remote)")
	flags.StringVar(&cfg.RemoteToken, "remote-token", getEnv("REMOTE_TOKEN", ""), "Bearer token for the remote repository")

	flags.DurationVar(&cfg.Lookback, "lookback", getEnvDuration("LOOKBACK", 7*24*time.Hour), "How far back synchronization checks for missing hours")
	flags.DurationVar(&cfg.Horizon, "horizon", getEnvDuration("HORIZON", 24*time.Hour), "Forecast horizon")
	flags.DurationVar(&cfg.MaxRange, "max-range", getEnvDuration("MAX_RANGE", 7*24*time.Hour), "Longest time range a prediction request may span")
	flags.IntVar(&cfg.MaxRetries, "max-retries", getEnvInt("MAX_RETRIES", 3), "Retries per external call")
	flags.DurationVar(&cfg.FetchTimeout, "fetch-timeout", getEnvDuration("FETCH_TIMEOUT", 30*time.Second), "Timeout per external call attempt")
	flags.StringVar(&cfg.ArtifactDir, "artifact-dir", getEnv("ARTIFACT_DIR", "models"), "Directory holding model artifacts")
	models := flags.String("models", getEnv("MODELS", "random_forest,deep_learning"), "Comma-separated model kinds to serve")
	forestSchema := flags.String("random-forest-schema", getEnv("RANDOM_FOREST_SCHEMA", ""), "Comma-separated feature schema the random_forest artifact must declare")
	deepSchema := flags.String("deep-learning-schema", getEnv("DEEP_LEARNING_SCHEMA", ""), "Comma-separated feature schema the deep_learning artifact must declare")
	flags.StringVar(&cfg.Timezone, "timezone", getEnv("TIMEZONE", "Europe/Berlin"), "Timezone of calendar features")
	flags.DurationVar(&cfg.RefreshInterval, "refresh-interval", getEnvDuration("REFRESH_INTERVAL", time.Hour), "Interval of the sync and prediction refresh (0 disables)")
	flags.DurationVar(&cfg.RefreshTimeout, "refresh-timeout", getEnvDuration("REFRESH_TIMEOUT", 10*time.Minute), "Timeout of one refresh")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	cfg.WeatherVariables = splitList(*weather)
	for _, name := range splitList(*models) {
		kind, err := dataset.ParseModelKind(name)
		if err != nil {
			return nil, err
		}
		cfg.Models = append(cfg.Models, kind)
	}
	for kind, raw := range map[dataset.ModelKind]string{dataset.RandomForest: *forestSchema, dataset.DeepLearning: *deepSchema} {
		if schema := splitList(raw); len(schema) > 0 {
			if cfg.ExpectedSchemas == nil {
				cfg.ExpectedSchemas = make(map[dataset.ModelKind][]string)
			}
			cfg.ExpectedSchemas[kind] = schema
		}
	}

	stations, err := LoadStations(cfg.StationsFile)
	if err != nil {
		return nil, err
	}
	cfg.Stations = stations

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration and resolves Location.
func (c *Config) Validate() error {
	switch c.Storage {
	case StorageMemory, StorageRedis:
	case StorageFile:
		if c.DataFile == "" {
			return errors.New("storage=file requires --data-file")
		}
	case StoragePostgres:
		if c.PostgresDSN == "" {
			return errors.New("storage=postgres requires --postgres-dsn")
		}
	default:
		return fmt.Errorf("invalid storage %q (must be memory, file, redis or postgres)", c.Storage)
	}

	if len(c.Stations) == 0 {
		return errors.New("no stations configured")
	}
	seen := make(map[string]bool, len(c.Stations))
	for i, s := range c.Stations {
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("station[%d]: id cannot be empty", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("station %q: duplicate id", s.ID)
		}
		seen[s.ID] = true
		if s.Latitude < -90 || s.Latitude > 90 || s.Longitude < -180 || s.Longitude > 180 {
			return fmt.Errorf("station %q: coordinates out of range", s.ID)
		}
	}

	if len(c.Models) == 0 {
		return errors.New("no model kinds configured")
	}
	if c.Lookback <= 0 {
		return errors.New("lookback must be > 0")
	}
	if c.Horizon <= 0 {
		return errors.New("horizon must be > 0")
	}
	if c.MaxRange <= 0 {
		return errors.New("max-range must be > 0")
	}
	if c.Horizon > c.MaxRange {
		return fmt.Errorf("horizon %s exceeds max-range %s", c.Horizon, c.MaxRange)
	}
	for kind, schema := range c.ExpectedSchemas {
		if err := features.ParseSchema(schema); err != nil {
			return fmt.Errorf("%s schema: %w", kind, err)
		}
		if err := c.CheckLookback(schema); err != nil {
			return fmt.Errorf("%s schema: %w", kind, err)
		}
	}
	if c.MaxRetries < 0 {
		return errors.New("max-retries cannot be negative")
	}
	if c.RefreshInterval < 0 {
		return errors.New("refresh-interval cannot be negative")
	}
	if c.ArtifactDir == "" {
		return errors.New("artifact-dir cannot be empty")
	}
	if err := c.TLS.Validate(); err != nil {
		return err
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	c.Location = loc
	return nil
}

// CheckLookback reports an error when the deepest lag or mean window of
// schema reaches further back than Lookback, so synchronization would never
// fetch the hours it reads.
func (c *Config) CheckLookback(schema []string) error {
	depth := time.Duration(features.MaxDepth(schema)) * adapters.Step
	if depth > c.Lookback {
		return fmt.Errorf("features read %s of history, lookback is %s", depth, c.Lookback)
	}
	return nil
}

// StationIDs returns the configured station ids in file order.
func (c *Config) StationIDs() []string {
	ids := make([]string, len(c.Stations))
	for i, s := range c.Stations {
		ids[i] = s.ID
	}
	return ids
}

// Locations maps station ids to coordinates for the weather adapter.
func (c *Config) Locations() map[string]adapters.Location {
	locs := make(map[string]adapters.Location, len(c.Stations))
	for _, s := range c.Stations {
		locs[s.ID] = s.Location
	}
	return locs
}

// LoadStations reads a YAML station file.
func LoadStations(path string) ([]Station, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stations file: %w", err)
	}
	var doc struct {
		Stations []Station `yaml:"stations"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse stations file %s: %w", path, err)
	}
	return doc.Stations, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
