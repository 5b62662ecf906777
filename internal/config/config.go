package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/isabell-ah/satsjar/internal/domain"
	"github.com/isabell-ah/satsjar/internal/store"
)

type Config struct {
	Env        string           `mapstructure:"environment"`
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Poller     PollerConfig     `mapstructure:"poller"`
	Notify     NotifyConfig     `mapstructure:"notify"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type ProviderConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

type ProvidersConfig struct {
	Active          string         `mapstructure:"active"`
	FallbackEnabled bool           `mapstructure:"fallback_enabled"`
	Timeout         time.Duration  `mapstructure:"timeout"`
	Network         string         `mapstructure:"network"`
	LNbits          ProviderConfig `mapstructure:"lnbits"`
	OpenNode        ProviderConfig `mapstructure:"opennode"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type SettlementConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type PollerConfig struct {
	// SweepInterval of zero disables the background sweep.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SweepWindow   time.Duration `mapstructure:"sweep_window"`
}

type NotifyConfig struct {
	URL       string `mapstructure:"url"`
	QueueSize int    `mapstructure:"queue_size"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("store.driver", store.DriverPostgres)
	v.SetDefault("store.dsn", "")
	v.SetDefault("providers.active", string(domain.ProviderLNbits))
	v.SetDefault("providers.fallback_enabled", false)
	v.SetDefault("providers.timeout", 10*time.Second)
	v.SetDefault("providers.network", "mainnet")
	v.SetDefault("providers.lnbits.base_url", "https://legend.lnbits.com")
	v.SetDefault("providers.lnbits.webhook_secret", "")
	v.SetDefault("providers.opennode.base_url", "https://api.opennode.com")
	v.SetDefault("providers.opennode.webhook_secret", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("settlement.max_attempts", 3)
	v.SetDefault("settlement.base_delay", 20*time.Millisecond)
	v.SetDefault("settlement.max_delay", 200*time.Millisecond)
	v.SetDefault("settlement.timeout", 10*time.Second)
	v.SetDefault("poller.sweep_interval", time.Duration(0))
	v.SetDefault("poller.sweep_window", 24*time.Hour)
	v.SetDefault("notify.url", "")
	v.SetDefault("notify.queue_size", 256)
}

// Load reads defaults, then the YAML file named by CONFIG_FILE, then
// SATSJAR_* environment variables. DB_SOURCE, SERVER_PORT and ENVIRONMENT
// are still honoured.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SATSJAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range map[string]string{
		"store.dsn":   "DB_SOURCE",
		"server.port": "SERVER_PORT",
		"environment": "ENVIRONMENT",
	} {
		envKey := "SATSJAR_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case store.DriverMemory:
	case store.DriverPostgres, store.DriverSQLite:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("DB_SOURCE environment variable is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	if _, err := domain.ParseProvider(c.Providers.Active); err != nil {
		errs = append(errs, fmt.Errorf("providers.active: %w", err))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.Settlement.MaxAttempts < 1 {
		errs = append(errs, errors.New("settlement.max_attempts must be at least 1"))
	}
	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func (c *Config) ActiveProvider() domain.Provider {
	return domain.Provider(c.Providers.Active)
}

// WebhookSecrets returns the configured secret per provider. Providers
// without a secret are omitted.
func (c *Config) WebhookSecrets() map[domain.Provider]string {
	secrets := make(map[domain.Provider]string)
	if s := c.Providers.LNbits.WebhookSecret; s != "" {
		secrets[domain.ProviderLNbits] = s
	}
	if s := c.Providers.OpenNode.WebhookSecret; s != "" {
		secrets[domain.ProviderOpenNode] = s
	}
	return secrets
}
