package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// Store backend selectors.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

// FileConfig represents configuration loaded from YAML with environment
// variable overrides.
type FileConfig struct {
	Port                 string   `yaml:"port"`
	LogLevel             string   `yaml:"logLevel"`
	SecretKey            string   `yaml:"secretKey"`
	GoogleAPIKey         string   `yaml:"googleApiKey"`
	GeminiModel          string   `yaml:"geminiModel"`
	StoreBackend         string   `yaml:"storeBackend"`
	SQLitePath           string   `yaml:"sqlitePath"`
	RedisAddr            string   `yaml:"redisAddr"`
	RedisPassword        string   `yaml:"redisPassword"`
	MaxUploadBytes       int64    `yaml:"maxUploadBytes"`
	ChatRateLimitPerHour int      `yaml:"chatRateLimitPerHour"`
	SecureCookies        bool     `yaml:"secureCookies"`
	TrustedProxyCIDRs    []string `yaml:"trustedProxyCidrs"`
	MinioEndpoint        string   `yaml:"minioEndpoint"`
	MinioAccessKey       string   `yaml:"minioAccessKey"`
	MinioSecretKey       string   `yaml:"minioSecretKey"`
	MinioBucket          string   `yaml:"minioBucket"`
	MinioUseSSL          bool     `yaml:"minioUseSSL"`
}

func defaults() FileConfig {
	return FileConfig{
		Port:                 "8080",
		LogLevel:             "info",
		GeminiModel:          "gemini-1.5-pro-latest",
		StoreBackend:         StoreMemory,
		SQLitePath:           "docgenius.db",
		MaxUploadBytes:       16 << 20,
		ChatRateLimitPerHour: 100,
		MinioBucket:          "docgenius-uploads",
	}
}

// Load reads config from path (defaults to config.yaml). A missing file
// is fine; the service then runs on defaults plus environment variables.
func Load(path string) (FileConfig, error) {
	cfg := defaults()
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = strings.TrimSpace(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.TrimSpace(v)
	}
	if v := os.Getenv("SECRET_KEY"); v != "" {
		cfg.SecretKey = v
	}
	if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
		cfg.GoogleAPIKey = v
	}
	if v := os.Getenv("GEMINI_MODEL"); v != "" {
		cfg.GeminiModel = strings.TrimSpace(v)
	}
	if v := os.Getenv("DOCGENIUS_STORE"); v != "" {
		cfg.StoreBackend = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("DOCGENIUS_SQLITE_PATH"); v != "" {
		cfg.SQLitePath = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("DOCGENIUS_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("DOCGENIUS_CHAT_RATE_LIMIT_PER_HOUR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ChatRateLimitPerHour = n
		}
	}
	if v := os.Getenv("DOCGENIUS_SECURE_COOKIES"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.SecureCookies = b
		}
	}
	if v := os.Getenv("DOCGENIUS_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = strings.TrimSpace(v)
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = strings.TrimSpace(v)
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	if cfg.SecretKey == "" {
		return errors.New("config: secretKey is required (set in config.yaml or SECRET_KEY)")
	}
	if cfg.GoogleAPIKey == "" {
		return errors.New("config: googleApiKey is required (set in config.yaml or GOOGLE_API_KEY)")
	}
	switch cfg.StoreBackend {
	case StoreMemory:
	case StoreSQLite:
		if cfg.SQLitePath == "" {
			return errors.New("config: sqlitePath is required for the sqlite store")
		}
	case StoreRedis:
		if cfg.RedisAddr == "" {
			return errors.New("config: redisAddr is required for the redis store")
		}
	default:
		return fmt.Errorf("config: unknown storeBackend %q (memory, redis, sqlite)", cfg.StoreBackend)
	}
	if cfg.MaxUploadBytes <= 0 {
		return errors.New("config: maxUploadBytes must be > 0")
	}
	if cfg.ChatRateLimitPerHour < 0 {
		return errors.New("config: chatRateLimitPerHour must be >= 0")
	}
	if cfg.MinioEndpoint != "" && (cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "") {
		return errors.New("config: minio credentials are required when minioEndpoint is set")
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
