package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix namespaces every environment variable read by Load.
const EnvPrefix = "LRAG"

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Licensing LicensingConfig `yaml:"licensing" envconfig:"LICENSING"`
	Upstream  UpstreamConfig  `yaml:"upstream" envconfig:"UPSTREAM"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" validate:"gt=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" validate:"gte=0"`
	Burst   int     `yaml:"burst" envconfig:"BURST" validate:"gte=0"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn warning error"`
	Format   string `yaml:"format" envconfig:"FORMAT"`
	Output   string `yaml:"output" envconfig:"OUTPUT" validate:"oneof=console file both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// LicensingConfig controls key material, issuance defaults and the usage ledger.
type LicensingConfig struct {
	Enabled bool `yaml:"enabled" envconfig:"ENABLED"`

	KeysDir        string `yaml:"keys_dir" envconfig:"KEYS_DIR" validate:"required"`
	PrivateKeyPath string `yaml:"private_key_path" envconfig:"PRIVATE_KEY_PATH"`
	PublicKeyPath  string `yaml:"public_key_path" envconfig:"PUBLIC_KEY_PATH"`

	// KeyPassphrase seals the private key at rest when set.
	KeyPassphrase string `yaml:"key_passphrase" envconfig:"KEY_PASSPHRASE"`
	KeySize       int    `yaml:"key_size" envconfig:"KEY_SIZE" validate:"min=2048"`

	TokenFile string `yaml:"token_file" envconfig:"TOKEN_FILE"`

	DefaultValidityDays     int `yaml:"token_expiry_days" envconfig:"TOKEN_EXPIRY_DAYS" validate:"gte=0"`
	DefaultMaxQueriesPerDay int `yaml:"max_queries_per_day" envconfig:"MAX_QUERIES_PER_DAY" validate:"gte=0"`

	LedgerPath       string        `yaml:"ledger_path" envconfig:"LEDGER_PATH"`
	LogRetentionDays int           `yaml:"log_retention_days" envconfig:"LOG_RETENTION_DAYS" validate:"gte=0"`
	ReportWindowDays int           `yaml:"report_window_days" envconfig:"REPORT_WINDOW_DAYS" validate:"min=1"`
	StrictQuota      bool          `yaml:"strict_quota" envconfig:"STRICT_QUOTA"`
	BusyTimeout      time.Duration `yaml:"busy_timeout" envconfig:"BUSY_TIMEOUT" validate:"gte=0"`
	MaxBusyRetries   int           `yaml:"max_busy_retries" envconfig:"MAX_BUSY_RETRIES" validate:"gte=0"`
	VerifyCacheTTL   time.Duration `yaml:"verify_cache_ttl" envconfig:"VERIFY_CACHE_TTL" validate:"gte=0"`
	VerifyCacheSize  int           `yaml:"verify_cache_size" envconfig:"VERIFY_CACHE_SIZE" validate:"gte=0"`
}

// UpstreamConfig points the license gate at the host application it protects.
type UpstreamConfig struct {
	URL string `yaml:"url" envconfig:"URL" validate:"omitempty,url"`
}

// Load builds the configuration with precedence defaults < YAML file < environment.
// An empty path falls back to the well-known locations; a missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = getConfigFilePath()
	}
	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Defaults are already in place, so envconfig only overrides what is set.
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays YAML values on top of cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// Validate checks field constraints and normalizes logging per the JSON-only policy.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	// Always JSON
	c.Logging.Format = "json"

	return nil
}

// PrivateKeyFile returns the resolved private key path
func (l LicensingConfig) PrivateKeyFile() string {
	if l.PrivateKeyPath != "" {
		return l.PrivateKeyPath
	}
	return filepath.Join(l.KeysDir, "private_key.pem")
}

// PublicKeyFile returns the resolved public key path
func (l LicensingConfig) PublicKeyFile() string {
	if l.PublicKeyPath != "" {
		return l.PublicKeyPath
	}
	return filepath.Join(l.KeysDir, "public_key.pem")
}

// LedgerFile returns the resolved usage database path
func (l LicensingConfig) LedgerFile() string {
	if l.LedgerPath != "" {
		return l.LedgerPath
	}
	return filepath.Join(l.KeysDir, "usage.db")
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	locations := []string{
		"config.yaml",
		"configs/config.yaml",
		"../configs/config.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return ""
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     100,
				Burst:   50,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "console",
			FilePath: "logs/app.log",
		},
		Licensing: LicensingConfig{
			Enabled:                 true,
			KeysDir:                 "licenses",
			KeySize:                 2048,
			DefaultValidityDays:     365,
			DefaultMaxQueriesPerDay: 1000,
			LogRetentionDays:        30,
			ReportWindowDays:        7,
			BusyTimeout:             5 * time.Second,
			MaxBusyRetries:          5,
			VerifyCacheTTL:          10 * time.Minute,
			VerifyCacheSize:         256,
		},
	}
}
