package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	CRM      CRMConfig      `yaml:"crm"`
	Sync     SyncConfig     `yaml:"sync"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Input    InputConfig    `yaml:"input"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// CRMConfig holds CRM API credentials and endpoints
type CRMConfig struct {
	BaseURL        string `yaml:"base_url"`
	TokenURL       string `yaml:"token_url"`
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	RefreshToken   string `yaml:"refresh_token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// SyncConfig tunes the reconciliation engine
type SyncConfig struct {
	BatchSize          int `yaml:"batch_size"`
	PoolSize           int `yaml:"pool_size"`
	LookupChunkSize    int `yaml:"lookup_chunk_size"`
	LookupPauseMillis  int `yaml:"lookup_pause_millis"`
	WaveCooldownMillis int `yaml:"wave_cooldown_millis"`
}

// LookupPause returns the pacing delay between existence-lookup chunks.
func (s SyncConfig) LookupPause() time.Duration {
	return time.Duration(s.LookupPauseMillis) * time.Millisecond
}

// WaveCooldown returns the delay between write-batch waves.
func (s SyncConfig) WaveCooldown() time.Duration {
	return time.Duration(s.WaveCooldownMillis) * time.Millisecond
}

// RedisConfig holds progress-tracker connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DatabaseConfig holds the run-log database connection
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// InputConfig holds the subscriber export input source settings
type InputConfig struct {
	S3Bucket  string `yaml:"s3_bucket"`
	S3Region  string `yaml:"s3_region"`
	S3Prefix  string `yaml:"s3_prefix"`
	LocalPath string `yaml:"local_path"`
}

// LoggingConfig holds structured logging settings
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.CRM.TimeoutSeconds == 0 {
		cfg.CRM.TimeoutSeconds = 60
	}
	if cfg.Sync.BatchSize == 0 {
		cfg.Sync.BatchSize = 100
	}
	if cfg.Sync.PoolSize == 0 {
		cfg.Sync.PoolSize = 5
	}
	if cfg.Sync.LookupChunkSize == 0 {
		cfg.Sync.LookupChunkSize = 100
	}
	if cfg.Sync.LookupPauseMillis == 0 {
		cfg.Sync.LookupPauseMillis = 250
	}
	if cfg.Sync.WaveCooldownMillis == 0 {
		cfg.Sync.WaveCooldownMillis = 2000
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Input.S3Region == "" {
		cfg.Input.S3Region = "us-west-2"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	var cfg *Config
	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = &Config{}
		cfg.applyDefaults()
	}

	// Override with environment variables if present
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CRM_BASE_URL"); v != "" {
		cfg.CRM.BaseURL = v
	}
	if v := os.Getenv("CRM_TOKEN_URL"); v != "" {
		cfg.CRM.TokenURL = v
	}
	if v := os.Getenv("CRM_CLIENT_ID"); v != "" {
		cfg.CRM.ClientID = v
	}
	if v := os.Getenv("CRM_CLIENT_SECRET"); v != "" {
		cfg.CRM.ClientSecret = v
	}
	if v := os.Getenv("CRM_REFRESH_TOKEN"); v != "" {
		cfg.CRM.RefreshToken = v
	}
	setEnvInt("CRM_TIMEOUT_SECONDS", &cfg.CRM.TimeoutSeconds)
	setEnvInt("SYNC_BATCH_SIZE", &cfg.Sync.BatchSize)
	setEnvInt("SYNC_POOL_SIZE", &cfg.Sync.PoolSize)
	setEnvInt("SYNC_LOOKUP_CHUNK_SIZE", &cfg.Sync.LookupChunkSize)
	setEnvInt("SYNC_LOOKUP_PAUSE_MILLIS", &cfg.Sync.LookupPauseMillis)
	setEnvInt("SYNC_WAVE_COOLDOWN_MILLIS", &cfg.Sync.WaveCooldownMillis)
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	setEnvInt("REDIS_DB", &cfg.Redis.DB)
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("INPUT_S3_BUCKET"); v != "" {
		cfg.Input.S3Bucket = v
	}
	if v := os.Getenv("INPUT_S3_REGION"); v != "" {
		cfg.Input.S3Region = v
	}
	if v := os.Getenv("INPUT_S3_PREFIX"); v != "" {
		cfg.Input.S3Prefix = v
	}
	if v := os.Getenv("INPUT_LOCAL_PATH"); v != "" {
		cfg.Input.LocalPath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg, nil
}

// setEnvInt overrides dst with the named env var when it parses as an
// integer. Negative values pass through; the sync tunables use them to
// disable pacing delays.
func setEnvInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}
