package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"motion/internal/constants"
)

const EnvConfigFile = "MOTION_CONFIG_FILE"

type Config struct {
	// Server
	Port      string `yaml:"port"`
	EnableTLS bool   `yaml:"enable_tls"`
	CertFile  string `yaml:"cert_file"`
	KeyFile   string `yaml:"key_file"`

	// Relay
	BackendWSURL    string        `yaml:"backend_ws_url"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	MaxFrameBytes   int64         `yaml:"max_frame_bytes"`
	MinSendInterval time.Duration `yaml:"min_send_interval"`
	InflightTimeout time.Duration `yaml:"inflight_timeout"`
	MaxConnsPerIP   int           `yaml:"max_connections_per_ip"`

	// Sessions
	SessionTTL    time.Duration `yaml:"session_ttl"`
	RedisHost     string        `yaml:"redis_host"`
	RedisPort     string        `yaml:"redis_port"`
	RedisUser     string        `yaml:"redis_username"`
	RedisPassword string        `yaml:"redis_password"`

	// Uploads
	DataDir         string `yaml:"data_dir"`
	ModelURLPrefix  string `yaml:"model_url_prefix"`
	MaxUploadBytes  int64  `yaml:"max_upload_bytes"`
	MaxExtractBytes int64  `yaml:"max_extract_bytes"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Port:            constants.DefaultPort,
		CertFile:        "certs/server.crt",
		KeyFile:         "certs/server.key",
		BackendWSURL:    constants.DefaultBackendWSURL,
		MaxFrameBytes:   constants.DefaultMaxFrameBytes,
		MinSendInterval: constants.DefaultMinSendInterval,
		InflightTimeout: constants.DefaultInflightTimeout,
		MaxConnsPerIP:   constants.DefaultMaxConnectionsPerIP,
		SessionTTL:      constants.DefaultSessionTTL,
		RedisPort:       "6379",
		DataDir:         constants.DefaultDataDir,
		ModelURLPrefix:  constants.DefaultModelURLPath,
		MaxUploadBytes:  constants.DefaultMaxUploadBytes,
		MaxExtractBytes: constants.DefaultMaxExtractBytes,
		LogLevel:        "info",
		LogFormat:       "console",
	}
}

// Load reads .env (if present), the optional YAML file named by MOTION_CONFIG_FILE,
// then environment variables. Environment variables win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()

	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	loadEnvString(&c.Port, "PORT")
	if err := loadEnvBool(&c.EnableTLS, "MOTION_ENABLE_TLS"); err != nil {
		return err
	}
	loadEnvString(&c.CertFile, "MOTION_CERT_FILE")
	loadEnvString(&c.KeyFile, "MOTION_KEY_FILE")

	loadEnvString(&c.BackendWSURL, "BACKEND_WS_URL")
	loadEnvStringSlice(&c.AllowedOrigins, "ALLOWED_ORIGINS")
	if err := loadEnvInt64(&c.MaxFrameBytes, "MAX_FRAME_BYTES"); err != nil {
		return err
	}
	if err := loadEnvDuration(&c.MinSendInterval, "MIN_SEND_INTERVAL"); err != nil {
		return err
	}
	if err := loadEnvDuration(&c.InflightTimeout, "INFLIGHT_TIMEOUT"); err != nil {
		return err
	}
	if err := loadEnvInt(&c.MaxConnsPerIP, "MAX_CONNECTIONS_PER_IP"); err != nil {
		return err
	}

	if err := loadEnvDuration(&c.SessionTTL, "SESSION_TTL"); err != nil {
		return err
	}
	loadEnvString(&c.RedisHost, "REDIS_HOST")
	loadEnvString(&c.RedisPort, "REDIS_PORT")
	loadEnvString(&c.RedisUser, "REDIS_USERNAME")
	loadEnvString(&c.RedisPassword, "REDIS_PASSWORD")

	loadEnvString(&c.DataDir, "DATA_DIR")
	loadEnvString(&c.ModelURLPrefix, "MODEL_URL_PREFIX")
	if err := loadEnvInt64(&c.MaxUploadBytes, "MAX_UPLOAD_BYTES"); err != nil {
		return err
	}
	if err := loadEnvInt64(&c.MaxExtractBytes, "MAX_EXTRACT_BYTES"); err != nil {
		return err
	}

	loadEnvString(&c.LogLevel, "LOG_LEVEL")
	loadEnvString(&c.LogFormat, "LOG_FORMAT")
	return nil
}

func loadEnvString(target *string, key string) {
	if value := os.Getenv(key); value != "" {
		*target = value
	}
}

func loadEnvInt(target *int, key string) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %w", key, err)
		}
		*target = parsed
	}
	return nil
}

func loadEnvInt64(target *int64, key string) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %w", key, err)
		}
		*target = parsed
	}
	return nil
}

func loadEnvBool(target *bool, key string) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean value for %s: %w", key, err)
		}
		*target = parsed
	}
	return nil
}

func loadEnvDuration(target *time.Duration, key string) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration value for %s: %w", key, err)
		}
		*target = parsed
	}
	return nil
}

func loadEnvStringSlice(target *[]string, key string) {
	value := os.Getenv(key)
	if value == "" {
		return
	}
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	*target = out
}

// Validate performs validation on the loaded configuration
func (c *Config) Validate() error {
	var problems []string

	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		problems = append(problems, "PORT must be between 1 and 65535")
	}

	if u, err := url.Parse(c.BackendWSURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		problems = append(problems, "BACKEND_WS_URL must be a ws:// or wss:// URL")
	}

	if c.MaxFrameBytes <= 0 {
		problems = append(problems, "MAX_FRAME_BYTES must be positive")
	}
	if c.MinSendInterval < 0 {
		problems = append(problems, "MIN_SEND_INTERVAL must not be negative")
	}
	if c.InflightTimeout <= 0 {
		problems = append(problems, "INFLIGHT_TIMEOUT must be positive")
	}
	if c.SessionTTL <= 0 {
		problems = append(problems, "SESSION_TTL must be positive")
	}
	if c.MaxUploadBytes <= 0 || c.MaxExtractBytes <= 0 {
		problems = append(problems, "MAX_UPLOAD_BYTES and MAX_EXTRACT_BYTES must be positive")
	}
	if c.MaxConnsPerIP <= 0 {
		problems = append(problems, "MAX_CONNECTIONS_PER_IP must be positive")
	}
	if c.DataDir == "" {
		problems = append(problems, "DATA_DIR must be set")
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, c.LogLevel) {
		problems = append(problems, fmt.Sprintf("LOG_LEVEL must be one of: %s", strings.Join(validLevels, ", ")))
	}
	validFormats := []string{"console", "json"}
	if !contains(validFormats, c.LogFormat) {
		problems = append(problems, fmt.Sprintf("LOG_FORMAT must be one of: %s", strings.Join(validFormats, ", ")))
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

// RedisEnabled reports whether a Redis session store was configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisHost != ""
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
