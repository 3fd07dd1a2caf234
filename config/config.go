package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/code-payments/flipchat-billing/billing"
)

const (
	ProviderMemory     = "memory"
	ProviderGooglePlay = "googleplay"
)

type Config struct {
	Log     LogConfig     `yaml:"log"`
	Billing BillingConfig `yaml:"billing"`
	HTTP    HTTPConfig    `yaml:"http"`
	Redis   RedisConfig   `yaml:"redis"`
	Push    PushConfig    `yaml:"push"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type BillingConfig struct {
	// Provider is either "memory" or "googleplay".
	Provider string `yaml:"provider"`

	// PublicKey verifies purchase signatures. The memory provider generates
	// its own key when empty.
	PublicKey string `yaml:"public_key"`

	PackageName        string        `yaml:"package_name"`
	ServiceAccountFile string        `yaml:"service_account_file"`
	CatalogTTL         time.Duration `yaml:"catalog_ttl"`

	// SKUs scopes the inventory query run after setup.
	SKUs []string `yaml:"skus"`

	// ConsumeSKUs are consumed as soon as an inventory refresh shows them
	// owned.
	ConsumeSKUs []string `yaml:"consume_skus"`

	// Products lists the memory provider's catalog as SkuDetails JSON.
	Products []ProductConfig `yaml:"products"`
}

type ProductConfig struct {
	// Type is "inapp" or "subs". Empty means "inapp".
	Type string `yaml:"type"`
	JSON string `yaml:"json"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type RedisConfig struct {
	// Addr enables cross-process notifications when set.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type PushConfig struct {
	// CredentialsFile enables inventory pushes when set.
	CredentialsFile string `yaml:"credentials_file"`

	// DeviceTokens maps app install IDs to FCM registration tokens.
	DeviceTokens map[string]string `yaml:"device_tokens"`
}

func Default() Config {
	return Config{
		Log: LogConfig{Level: "info"},
		Billing: BillingConfig{
			Provider:   ProviderMemory,
			CatalogTTL: 10 * time.Minute,
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Channel: "billing:purchases",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (when it
// exists), a .env file in the working directory, and BILLING_* environment
// variables, in increasing precedence.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFromYAML(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}

	for i := range cfg.Billing.Products {
		if cfg.Billing.Products[i].Type == "" {
			cfg.Billing.Products[i].Type = string(billing.ItemTypeInApp)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Billing.Provider {
	case ProviderMemory:
	case ProviderGooglePlay:
		if c.Billing.PackageName == "" {
			return errors.New("billing.package_name is required for the googleplay provider")
		}
	default:
		return fmt.Errorf("unknown billing provider %q", c.Billing.Provider)
	}

	for i, product := range c.Billing.Products {
		switch billing.ItemType(product.Type) {
		case billing.ItemTypeInApp, billing.ItemTypeSubscription:
		default:
			return fmt.Errorf("billing.products[%d]: unknown item type %q", i, product.Type)
		}
	}

	if c.Billing.CatalogTTL <= 0 {
		return errors.New("billing.catalog_ttl must be positive")
	}
	if c.Redis.Addr != "" && c.Redis.Channel == "" {
		return errors.New("redis.channel is required when redis.addr is set")
	}

	return nil
}

func loadFromYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("unmarshal config yaml: %w", err)
	}

	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("BILLING_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	if v := os.Getenv("BILLING_PROVIDER"); v != "" {
		cfg.Billing.Provider = v
	}
	if v := os.Getenv("BILLING_PUBLIC_KEY"); v != "" {
		cfg.Billing.PublicKey = v
	}
	if v := os.Getenv("BILLING_PACKAGE_NAME"); v != "" {
		cfg.Billing.PackageName = v
	}
	if v := os.Getenv("BILLING_SERVICE_ACCOUNT_FILE"); v != "" {
		cfg.Billing.ServiceAccountFile = v
	}
	if err := overrideDuration("BILLING_CATALOG_TTL", &cfg.Billing.CatalogTTL); err != nil {
		return err
	}
	overrideList("BILLING_SKUS", &cfg.Billing.SKUs)
	overrideList("BILLING_CONSUME_SKUS", &cfg.Billing.ConsumeSKUs)

	if v := os.Getenv("BILLING_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if err := overrideDuration("BILLING_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout); err != nil {
		return err
	}
	if err := overrideDuration("BILLING_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout); err != nil {
		return err
	}

	if v := os.Getenv("BILLING_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("BILLING_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if err := overrideInt("BILLING_REDIS_DB", &cfg.Redis.DB); err != nil {
		return err
	}
	if v := os.Getenv("BILLING_REDIS_CHANNEL"); v != "" {
		cfg.Redis.Channel = v
	}

	if v := os.Getenv("BILLING_PUSH_CREDENTIALS_FILE"); v != "" {
		cfg.Push.CredentialsFile = v
	}

	return nil
}

func overrideDuration(key string, target *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("parse %s duration: %w", key, err)
	}
	*target = d
	return nil
}

func overrideInt(key string, target *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parse %s int: %w", key, err)
	}
	*target = n
	return nil
}

func overrideList(key string, target *[]string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}

	var values []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	*target = values
}
