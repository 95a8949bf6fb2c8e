package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"tariffwatch/internal/logging"
)

// AuthType selects how an entry talks to the vendor API.
type AuthType string

const (
	AuthPublic AuthType = "public"
	AuthOAuth  AuthType = "oauth"
)

// knownTariffs is the vendor's published tariff catalogue.
var knownTariffs = map[string]bool{
	"400D":  true,
	"400F":  true,
	"400ST": true,
	"400WP": true,
	"400L":  true,
	"400LS": true,
	"16L":   true,
	"16LS":  true,
}

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	API      APIConfig      `mapstructure:"api"`
	OAuth    OAuthConfig    `mapstructure:"oauth"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Derive   DeriveConfig   `mapstructure:"derive"`
	Entries  []EntryConfig  `mapstructure:"entries"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// FetchConfig governs the daily refresh trigger. The vendor publishes
// next-day prices in the late afternoon, so the default fires at 18:30
// local time.
type FetchConfig struct {
	Hour            int           `mapstructure:"hour"`
	Minute          int           `mapstructure:"minute"`
	Timezone        string        `mapstructure:"timezone"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// APIConfig covers vendor API access.
type APIConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// OAuthConfig captures the vendor token endpoint and client credentials
// shared by all oauth entries.
type OAuthConfig struct {
	TokenURL     string        `mapstructure:"token_url"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// MQTTConfig defines broker connectivity for published snapshots.
type MQTTConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Broker          string `mapstructure:"broker"`
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password"`
	ClientID        string `mapstructure:"client_id"`
	TopicPrefix     string `mapstructure:"topic_prefix"`
	DiscoveryPrefix string `mapstructure:"discovery_prefix"`
	QoS             int    `mapstructure:"qos"`
}

// RetryConfig bounds fetch retries within one refresh cycle.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// AlertingConfig routes operational notifications.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig holds Telegram Bot API credentials.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// DeriveConfig selects which derived values each refresh computes.
type DeriveConfig struct {
	WindowMinutes []int     `mapstructure:"window_minutes"`
	Quantiles     []float64 `mapstructure:"quantiles"`
	IncludeVAT    bool      `mapstructure:"include_vat"`
}

// EntryConfig describes one tracked tariff entry.
type EntryConfig struct {
	ID            string   `mapstructure:"id"`
	AuthType      AuthType `mapstructure:"auth_type"`
	TariffName    string   `mapstructure:"tariff_name"`
	MeteringPoint string   `mapstructure:"metering_point"`
	EMSInstanceID string   `mapstructure:"ems_instance_id"`
	RefreshToken  string   `mapstructure:"refresh_token"`
	RedirectURI   string   `mapstructure:"redirect_uri"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TARIFFWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "tariffwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("fetch.hour", 18)
	v.SetDefault("fetch.minute", 30)
	v.SetDefault("fetch.timezone", "Europe/Zurich")
	v.SetDefault("fetch.startup_delay", "0s")
	v.SetDefault("fetch.advisory_lock_key", int64(0x74617266))

	v.SetDefault("api.base_url", "https://api.tariffs.ekz.ch/v1")
	v.SetDefault("api.request_timeout", "30s")
	v.SetDefault("api.user_agent", "tariffwatch/1.0")

	v.SetDefault("oauth.timeout", "15s")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.client_id", "tariffwatch")
	v.SetDefault("mqtt.topic_prefix", "tariffwatch")
	v.SetDefault("mqtt.discovery_prefix", "homeassistant")
	v.SetDefault("mqtt.qos", 1)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("retry.max_attempts", 4)
	v.SetDefault("retry.initial_backoff", "5s")
	v.SetDefault("retry.max_backoff", "2m")

	v.SetDefault("derive.window_minutes", []int{120, 240})
	v.SetDefault("derive.quantiles", []float64{0.25})
	v.SetDefault("derive.include_vat", false)

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Fetch.Hour < 0 || c.Fetch.Hour > 23 {
		return fmt.Errorf("fetch.hour must be between 0 and 23")
	}
	if c.Fetch.Minute < 0 || c.Fetch.Minute > 59 {
		return fmt.Errorf("fetch.minute must be between 0 and 59")
	}
	if _, err := time.LoadLocation(c.Fetch.Timezone); err != nil {
		return fmt.Errorf("fetch.timezone %q is not a valid IANA zone: %w", c.Fetch.Timezone, err)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	for _, minutes := range c.Derive.WindowMinutes {
		if minutes <= 0 || minutes > 24*60 {
			return fmt.Errorf("derive.window_minutes entries must be within (0, 1440]")
		}
	}
	for _, q := range c.Derive.Quantiles {
		if q <= 0 || q >= 1 {
			return fmt.Errorf("derive.quantiles entries must be within (0, 1)")
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required when telegram is enabled")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required when telegram is enabled")
		}
	}

	if len(c.Entries) == 0 {
		return fmt.Errorf("at least one entry must be configured")
	}
	seen := make(map[string]bool, len(c.Entries))
	oauthUsed := false
	for i, entry := range c.Entries {
		if entry.ID == "" {
			return fmt.Errorf("entries[%d].id is required", i)
		}
		if seen[entry.ID] {
			return fmt.Errorf("entries[%d].id %q is duplicated", i, entry.ID)
		}
		seen[entry.ID] = true

		switch entry.AuthType {
		case AuthPublic:
			if entry.TariffName == "" {
				return fmt.Errorf("entries[%d].tariff_name is required for public entries", i)
			}
			if !knownTariffs[entry.TariffName] {
				return fmt.Errorf("entries[%d].tariff_name %q is not a known tariff", i, entry.TariffName)
			}
		case AuthOAuth:
			oauthUsed = true
			if entry.RefreshToken == "" {
				return fmt.Errorf("entries[%d].refresh_token is required for oauth entries", i)
			}
		default:
			return fmt.Errorf("entries[%d].auth_type must be %q or %q", i, AuthPublic, AuthOAuth)
		}
	}

	if oauthUsed {
		if c.OAuth.TokenURL == "" {
			return fmt.Errorf("oauth.token_url is required when oauth entries are configured")
		}
		if c.OAuth.ClientID == "" || c.OAuth.ClientSecret == "" {
			return fmt.Errorf("oauth.client_id and oauth.client_secret are required when oauth entries are configured")
		}
	}

	return nil
}

// Location resolves the configured refresh timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Fetch.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
