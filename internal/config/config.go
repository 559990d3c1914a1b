package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where Load looks when no path is given.
const DefaultPath = "config.yaml"

// FileConfig represents configuration loaded from YAML, with environment
// overrides for deployment-specific values.
type FileConfig struct {
	Port                       string `yaml:"port"`
	LogLevel                   string `yaml:"logLevel"`
	DatabaseURL                string `yaml:"databaseURL"`
	RedisAddr                  string `yaml:"redisAddr"`
	RedisPassword              string `yaml:"redisPassword"`
	JWTSecret                  string `yaml:"jwtSecret"`
	JWTIssuer                  string `yaml:"jwtIssuer"`
	JWTAudience                string `yaml:"jwtAudience"`
	JWTLeeway                  string `yaml:"jwtLeeway"`
	CartLineTTL                string `yaml:"cartLineTTL"`
	CartRateLimitPerMinute     int    `yaml:"cartRateLimitPerMinute"`
	PurchaseRateLimitPerMinute int    `yaml:"purchaseRateLimitPerMinute"`
	RatingRateLimitPerMinute   int    `yaml:"ratingRateLimitPerMinute"`
	ReceiptStreamMaxLen        int64  `yaml:"receiptStreamMaxLen"`
	ReceiptConsumers           int    `yaml:"receiptConsumers"`
}

// Load reads config from path (defaults to config.yaml), applies environment
// overrides, and validates the result.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if v := os.Getenv("SHOP_PORT"); v != "" {
		cfg.Port = strings.TrimSpace(v)
	}
	if v := os.Getenv("SHOP_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.TrimSpace(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("SHOP_CART_LINE_TTL"); v != "" {
		cfg.CartLineTTL = strings.TrimSpace(v)
	}
	if v := os.Getenv("SHOP_CART_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CartRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("SHOP_PURCHASE_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PurchaseRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("SHOP_RATING_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RatingRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("SHOP_RECEIPT_CONSUMERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReceiptConsumers = n
		}
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or SHOP_PORT)")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for rate limiting and the receipt queue")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return errors.New("config: jwtSecret is required (set in config.yaml or JWT_SECRET)")
	}
	if cfg.CartRateLimitPerMinute < 0 || cfg.PurchaseRateLimitPerMinute < 0 || cfg.RatingRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if _, err := ParseCartLineTTL(cfg.CartLineTTL); err != nil {
		return err
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return err
	}
	return nil
}

// ParseCartLineTTL parses the optional cart-line TTL duration string.
// Zero means "use the application default".
func ParseCartLineTTL(ttlStr string) (time.Duration, error) {
	if strings.TrimSpace(ttlStr) == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(ttlStr)
	if err != nil {
		return 0, fmt.Errorf("invalid cartLineTTL duration: %w", err)
	}
	if dur <= 0 {
		return 0, errors.New("config: cartLineTTL must be positive")
	}
	return dur, nil
}

// ParseJWTLeeway parses the optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}
