package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config is the process-wide configuration, read once at startup and
// immutable afterwards. YAML provides the base, environment variables
// override.
type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	RedisAddr   string `yaml:"redis_addr"`

	SigningPrivateKeyHex string `yaml:"signing_private_key_hex"`
	SigningKeyPath       string `yaml:"signing_key_path"`

	AllowedOrigins  []string `yaml:"allowed_origins"`
	ReadAuthEnabled bool     `yaml:"read_auth_enabled"`

	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
	WebhookWorkers     int `yaml:"webhook_workers"`
	WebhookQueueSize   int `yaml:"webhook_queue_size"`

	BaseURL string `yaml:"base_url"`
}

// Load reads .env (if present), then the YAML file named by GARL_CONFIG
// (if present), then applies environment overrides and defaults.
func Load() (*Config, error) {
	logger := log.New(log.Writer(), "[CONFIG] ", log.LstdFlags)

	if err := godotenv.Load(); err == nil {
		logger.Printf("Loaded .env file")
	}

	cfg := &Config{
		Port:               "8080",
		SigningKeyPath:     "garl_signing.key",
		RateLimitPerMinute: 120,
		WebhookWorkers:     4,
		WebhookQueueSize:   1000,
		BaseURL:            "http://localhost:8080",
	}

	if path := os.Getenv("GARL_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, err
		}
		logger.Printf("Loaded config file %s", path)
	}

	overrideString(&cfg.Port, "PORT")
	overrideString(&cfg.DatabaseURL, "DATABASE_URL")
	overrideString(&cfg.RedisAddr, "REDIS_ADDR")
	overrideString(&cfg.SigningPrivateKeyHex, "SIGNING_PRIVATE_KEY_HEX")
	overrideString(&cfg.SigningKeyPath, "SIGNING_KEY_PATH")
	overrideString(&cfg.BaseURL, "BASE_URL")
	overrideBool(&cfg.ReadAuthEnabled, "READ_AUTH_ENABLED")
	overrideInt(&cfg.RateLimitPerMinute, "RATE_LIMIT_PER_MINUTE")
	overrideInt(&cfg.WebhookWorkers, "WEBHOOK_WORKERS")
	overrideInt(&cfg.WebhookQueueSize, "WEBHOOK_QUEUE_SIZE")

	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	return cfg, nil
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func overrideInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}
