package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server struct {
		Port           string   `json:"port"`
		StaticDir      string   `json:"static_dir"`
		MediaDir       string   `json:"media_dir"`
		Debug          bool     `json:"debug"`
		AllowedOrigins []string `json:"allowed_origins"`
	} `json:"server"`

	// Database holds the account and business profile records
	Database struct {
		Path string `json:"path"`
	} `json:"database"`

	// Storage is the on-device key-value store
	Storage struct {
		Path            string `json:"path"`
		FlushIntervalMS int    `json:"flush_interval_ms"`
	} `json:"storage"`

	Analysis struct {
		Provider         string `json:"provider"` // "remote", "google" or "local"
		BaseURL          string `json:"base_url"`
		APIKey           string `json:"api_key"`
		TimeoutSeconds   int    `json:"timeout_seconds"`
		PollIntervalMS   int    `json:"poll_interval_ms"`
		ResultsCacheSize int    `json:"results_cache_size"`
		FallbackEnabled  *bool  `json:"fallback_enabled"`
	} `json:"analysis"`

	ML struct {
		Type            string `json:"type"` // "local" or "google"
		ProjectID       string `json:"project_id"`
		Location        string `json:"location"`
		CredentialsFile string `json:"credentials_file"`
		Model           string `json:"model"`
	} `json:"ml"`

	Postcode struct {
		BaseURL        string `json:"base_url"`
		TimeoutSeconds int    `json:"timeout_seconds"`
		CacheSize      int    `json:"cache_size"`
	} `json:"postcode"`

	Session struct {
		Secret   string `json:"secret"`
		TTLHours int    `json:"ttl_hours"`
	} `json:"session"`

	Backup struct {
		Enabled   bool   `json:"enabled"`
		Bucket    string `json:"bucket"`
		Prefix    string `json:"prefix"`
		Region    string `json:"region"`
		Endpoint  string `json:"endpoint"`
		AccessKey string `json:"access_key"`
		SecretKey string `json:"secret_key"`
	} `json:"backup"`

	Log struct {
		Level  string `json:"level"`
		Format string `json:"format"`
		Output string `json:"output"`
	} `json:"log"`
}

// LoadConfig loads configuration from a JSON file, then applies .env and
// environment overrides for secrets
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw JSON
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	LoadEnv()
	config.applyEnv()

	if config.Server.Port == "" {
		return nil, fmt.Errorf("server port is not set in config file")
	}
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadEnv loads a .env file from the working directory if one exists.
// Variables already present in the environment are left untouched.
func LoadEnv() {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}
}

func (c *Config) applyEnv() {
	setFromEnv(&c.Analysis.APIKey, "UKCAL_ANALYSIS_API_KEY")
	setFromEnv(&c.Session.Secret, "UKCAL_SESSION_SECRET")
	setFromEnv(&c.ML.ProjectID, "GOOGLE_PROJECT_ID")
	setFromEnv(&c.ML.Location, "GOOGLE_LOCATION")
	setFromEnv(&c.ML.CredentialsFile, "GOOGLE_CREDENTIALS_FILE")
	setFromEnv(&c.Backup.AccessKey, "UKCAL_BACKUP_ACCESS_KEY")
	setFromEnv(&c.Backup.SecretKey, "UKCAL_BACKUP_SECRET_KEY")
}

func setFromEnv(field *string, name string) {
	if v := os.Getenv(name); v != "" {
		*field = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.StaticDir == "" {
		c.Server.StaticDir = "./static"
	}
	if c.Server.MediaDir == "" {
		c.Server.MediaDir = "./media"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Database.Path == "" {
		c.Database.Path = "ukcal.db"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "ukcal-local.db"
	}
	if c.Storage.FlushIntervalMS <= 0 {
		c.Storage.FlushIntervalMS = 2000
	}
	if c.Analysis.Provider == "" {
		c.Analysis.Provider = "remote"
	}
	if c.Analysis.TimeoutSeconds <= 0 {
		c.Analysis.TimeoutSeconds = 300
	}
	if c.Analysis.PollIntervalMS <= 0 {
		c.Analysis.PollIntervalMS = 3000
	}
	if c.Analysis.ResultsCacheSize <= 0 {
		c.Analysis.ResultsCacheSize = 128
	}
	if c.Analysis.FallbackEnabled == nil {
		enabled := true
		c.Analysis.FallbackEnabled = &enabled
	}
	if c.ML.Type == "" {
		c.ML.Type = "local"
	}
	if c.ML.Model == "" {
		c.ML.Model = "gemini-1.5-flash"
	}
	if c.Postcode.BaseURL == "" {
		c.Postcode.BaseURL = "https://api.postcodes.io"
	}
	if c.Postcode.TimeoutSeconds <= 0 {
		c.Postcode.TimeoutSeconds = 10
	}
	if c.Postcode.CacheSize <= 0 {
		c.Postcode.CacheSize = 256
	}
	if c.Session.TTLHours <= 0 {
		c.Session.TTLHours = 24 * 30
	}
	if c.Backup.Prefix == "" {
		c.Backup.Prefix = "UKcal"
	}
	if c.Backup.Region == "" {
		c.Backup.Region = "eu-west-2"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
		if c.Server.Debug {
			c.Log.Level = "debug"
		}
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}
}

// Validate checks combinations the defaults cannot fix
func (c *Config) Validate() error {
	switch c.Analysis.Provider {
	case "remote":
		if c.Analysis.BaseURL == "" {
			return fmt.Errorf("analysis.base_url is required when analysis.provider=remote")
		}
	case "google", "local":
		if c.ML.Type != c.Analysis.Provider {
			return fmt.Errorf("analysis.provider=%s requires ml.type=%s", c.Analysis.Provider, c.Analysis.Provider)
		}
	default:
		return fmt.Errorf("unsupported analysis provider: %s", c.Analysis.Provider)
	}
	if c.Session.Secret == "" {
		return fmt.Errorf("session.secret is not set (or UKCAL_SESSION_SECRET)")
	}
	if c.Backup.Enabled && c.Backup.Bucket == "" {
		return fmt.Errorf("backup.bucket is required when backup.enabled=true")
	}
	return nil
}

// AnalysisTimeout is the client-side bound on one analysis call
func (c *Config) AnalysisTimeout() time.Duration {
	return time.Duration(c.Analysis.TimeoutSeconds) * time.Second
}

// PollInterval is the delay between job status polls
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Analysis.PollIntervalMS) * time.Millisecond
}

// FlushInterval is the cadence at which progress ticks are persisted
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.Storage.FlushIntervalMS) * time.Millisecond
}

// PostcodeTimeout bounds one postcode lookup
func (c *Config) PostcodeTimeout() time.Duration {
	return time.Duration(c.Postcode.TimeoutSeconds) * time.Second
}

// SessionTTL is the lifetime of an issued session token
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTLHours) * time.Hour
}

// GetConfigPath returns the path to the configuration file
func GetConfigPath() string {
	// First try environment variable
	if path := os.Getenv("UKCAL_CONFIG"); path != "" {
		return path
	}

	// Then try config directory
	configDir := "config"
	if _, err := os.Stat(configDir); err == nil {
		return filepath.Join(configDir, "config.json")
	}

	// Finally, try current directory
	return "config.json"
}
