// Package config loads the settings shared by the CLI and the worker.
//
// Values come from three layers, later ones winning: built-in defaults, an
// optional YAML file, and METEOHARVEST_* environment variables (a .env file
// in the working directory is read into the environment first).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/meteoharvest/meteoharvest/internal/aemet"
	"github.com/meteoharvest/meteoharvest/internal/database"
	"github.com/meteoharvest/meteoharvest/internal/provider/resilience"
	"github.com/meteoharvest/meteoharvest/internal/timerange"
)

// Errors returned while loading configuration.
var (
	// ErrFatalConfiguration aborts any command: the settings cannot be used.
	ErrFatalConfiguration = errors.New("fatal configuration error")

	// ErrInvalidBound is returned for interval bounds that are neither a
	// year nor a date.
	ErrInvalidBound = errors.New("invalid interval bound")
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DefaultAPIKeyFile is read when no key is given inline.
const DefaultAPIKeyFile = "apikey.txt"

// Config is the full configuration tree.
type Config struct {
	AEMET     AEMETConfig     `yaml:"aemet"`
	Download  DownloadConfig  `yaml:"download"`
	Store     StoreConfig     `yaml:"store"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Worker    WorkerConfig    `yaml:"worker"`
}

// AEMETConfig configures the OpenData client.
type AEMETConfig struct {
	APIKey         string        `yaml:"api_key"`
	APIKeyFile     string        `yaml:"api_key_file"`
	BaseURL        string        `yaml:"base_url"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	MaxRetries     uint64        `yaml:"max_retries"`
	BackoffFactor  time.Duration `yaml:"backoff_factor"`
}

// DownloadConfig holds defaults of download commands.
type DownloadConfig struct {
	OutputDir   string        `yaml:"output_dir"`
	Stations    []string      `yaml:"stations"`
	Start       string        `yaml:"start"`
	End         string        `yaml:"end"`
	Resumable   bool          `yaml:"resumable"`
	Verbose     bool          `yaml:"verbose"`
	QuietWindow time.Duration `yaml:"quiet_window"`
}

// StoreConfig selects the consolidation backend.
type StoreConfig struct {
	Driver   string          `yaml:"driver"`
	Postgres database.Config `yaml:"postgres"`
}

// ArchiveConfig configures upload of artifacts to Azure Blob Storage.
type ArchiveConfig struct {
	ConnectionString string `yaml:"connection_string"`
	Container        string `yaml:"container"`
	Prefix           string `yaml:"prefix"`
	Level            int    `yaml:"level"`
}

// LoggingConfig configures the console and file loggers.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
	JSON  bool   `yaml:"json"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Endpoint       string        `yaml:"endpoint"`
	Environment    string        `yaml:"environment"`
	ExportInterval time.Duration `yaml:"export_interval"`
}

// WorkerConfig configures the Pub/Sub worker and its ops server.
type WorkerConfig struct {
	ProjectID    string `yaml:"project_id"`
	Subscription string `yaml:"subscription"`
	Port         string `yaml:"port"`
	RateLimit    int    `yaml:"rate_limit"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	rc := resilience.DefaultClientConfig(aemet.ProviderName)
	return &Config{
		AEMET: AEMETConfig{
			APIKeyFile:     DefaultAPIKeyFile,
			BaseURL:        aemet.DefaultBaseURL,
			ConnectTimeout: rc.ConnectTimeout,
			ReadTimeout:    rc.ReadTimeout,
			MaxRetries:     rc.MaxRetries,
			BackoffFactor:  rc.BackoffFactor,
		},
		Download: DownloadConfig{
			OutputDir:   ".",
			Resumable:   true,
			QuietWindow: time.Minute,
		},
		Store: StoreConfig{
			Driver:   DriverSQLite,
			Postgres: database.DefaultConfig(),
		},
		Archive: ArchiveConfig{
			Container: "meteoharvest",
			Level:     3,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "meteoharvest.log",
		},
		Telemetry: TelemetryConfig{
			Environment:    "development",
			Endpoint:       "localhost:4317",
			ExportInterval: 15 * time.Second,
		},
		Worker: WorkerConfig{
			Subscription: "meteoharvest-jobs",
			Port:         "8080",
			RateLimit:    60,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (when
// path is not empty) and the environment.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: reading .env: %v", ErrFatalConfiguration, err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: reading config file: %v", ErrFatalConfiguration, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parsing config file: %v", ErrFatalConfiguration, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.AEMET.APIKey, "METEOHARVEST_API_KEY")
	setString(&c.AEMET.APIKeyFile, "METEOHARVEST_API_KEY_FILE")
	setString(&c.AEMET.BaseURL, "METEOHARVEST_BASE_URL")
	setString(&c.Download.OutputDir, "METEOHARVEST_OUTPUT_DIR")
	if v := os.Getenv("METEOHARVEST_STATIONS"); v != "" {
		c.Download.Stations = splitList(v)
	}
	setBool(&c.Download.Resumable, "METEOHARVEST_RESUMABLE")
	setString(&c.Logging.Level, "METEOHARVEST_LOG_LEVEL")
	setString(&c.Logging.File, "METEOHARVEST_LOG_FILE")
	setString(&c.Store.Driver, "METEOHARVEST_STORE_DRIVER")
	c.Store.Postgres.ApplyEnv()

	setString(&c.Archive.ConnectionString, "AZURE_STORAGE_CONNECTION_STRING")
	setString(&c.Archive.Container, "METEOHARVEST_ARCHIVE_CONTAINER")
	setString(&c.Archive.Prefix, "METEOHARVEST_ARCHIVE_PREFIX")

	setBool(&c.Telemetry.Enabled, "OTEL_ENABLED")
	setString(&c.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&c.Telemetry.Environment, "ENVIRONMENT")

	setString(&c.Worker.ProjectID, "PUBSUB_PROJECT_ID")
	setString(&c.Worker.Subscription, "PUBSUB_SUBSCRIPTION")
	setString(&c.Worker.Port, "PORT")
}

// Validate rejects settings no command can run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("store driver %q", c.Store.Driver))
	}
	if c.AEMET.BaseURL == "" {
		errs = append(errs, errors.New("empty base url"))
	}
	if c.Download.OutputDir == "" {
		errs = append(errs, errors.New("empty output dir"))
	}
	if c.Archive.Level < 1 || c.Archive.Level > 4 {
		errs = append(errs, fmt.Errorf("archive level %d outside 1..4", c.Archive.Level))
	}
	for _, b := range []string{c.Download.Start, c.Download.End} {
		if b == "" {
			continue
		}
		if _, err := ParseBound(b); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrFatalConfiguration, errors.Join(errs...))
	}
	return nil
}

// APIKey returns the inline key, or the trimmed content of the key file.
// A missing or empty key is fatal.
func (c *Config) APIKey() (string, error) {
	if k := strings.TrimSpace(c.AEMET.APIKey); k != "" {
		return k, nil
	}
	if c.AEMET.APIKeyFile == "" {
		return "", fmt.Errorf("%w: no api key configured", ErrFatalConfiguration)
	}
	data, err := os.ReadFile(c.AEMET.APIKeyFile)
	if err != nil {
		return "", fmt.Errorf("%w: reading api key: %v", ErrFatalConfiguration, err)
	}
	k := strings.TrimSpace(string(data))
	if k == "" {
		return "", fmt.Errorf("%w: api key file %s is empty", ErrFatalConfiguration, c.AEMET.APIKeyFile)
	}
	return k, nil
}

// ClientConfig returns the retry policy of the AEMET HTTP client.
func (c *Config) ClientConfig() resilience.ClientConfig {
	rc := resilience.DefaultClientConfig(aemet.ProviderName)
	if c.AEMET.ConnectTimeout > 0 {
		rc.ConnectTimeout = c.AEMET.ConnectTimeout
	}
	if c.AEMET.ReadTimeout > 0 {
		rc.ReadTimeout = c.AEMET.ReadTimeout
	}
	if c.AEMET.BackoffFactor > 0 {
		rc.BackoffFactor = c.AEMET.BackoffFactor
	}
	rc.MaxRetries = c.AEMET.MaxRetries
	return rc
}

// ParseBound reads "2020" as a year and "2020-01-31" as a date.
func ParseBound(s string) (timerange.Bound, error) {
	s = strings.TrimSpace(s)
	if len(s) == 4 {
		y, err := strconv.Atoi(s)
		if err == nil && y > 0 {
			return timerange.Year(y), nil
		}
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return timerange.Date(t), nil
	}
	return timerange.Bound{}, fmt.Errorf("%w: %q", ErrInvalidBound, s)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
