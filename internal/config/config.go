// Package config loads and validates the YAML configuration, with secrets
// overridable from the environment so keys never have to live in the file.
package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	testnetRestBaseURL = "https://testnet.binancefuture.com"
	testnetWSBaseURL   = "wss://stream.binancefuture.com"
)

type Config struct {
	Symbol         string               `yaml:"symbol"`
	InstanceID     string               `yaml:"instance_id"`
	Exchange       ExchangeConfig       `yaml:"exchange"`
	RateLimits     RateLimitConfig      `yaml:"rate_limits"`
	Stream         StreamConfig         `yaml:"stream"`
	Journal        JournalConfig        `yaml:"journal"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Limits         LimitsConfig         `yaml:"limits"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

type ExchangeConfig struct {
	APIKey         string `yaml:"api_key"`
	APISecret      string `yaml:"api_secret"`
	RestBaseURL    string `yaml:"rest_base_url"`
	WSBaseURL      string `yaml:"ws_base_url"`
	RecvWindowMs   int64  `yaml:"recv_window_ms"`
	HTTPTimeoutSec int64  `yaml:"http_timeout_sec"`
	MaxAttempts    int    `yaml:"max_attempts"`
	GracePeriodSec int64  `yaml:"grace_period_sec"`
	PlaceWindowSec int64  `yaml:"place_window_sec"`
}

// RateLimitConfig holds token-bucket parameters per request class. Rates are
// tokens per second; bursts are bucket capacities.
type RateLimitConfig struct {
	OrderRate  float64 `yaml:"order_rate"`
	OrderBurst float64 `yaml:"order_burst"`
	QueryRate  float64 `yaml:"query_rate"`
	QueryBurst float64 `yaml:"query_burst"`
}

type StreamConfig struct {
	Enabled           bool  `yaml:"enabled"`
	KeepaliveSec      int64 `yaml:"keepalive_sec"`
	InitialBackoffSec int64 `yaml:"initial_backoff_sec"`
	MaxBackoffSec     int64 `yaml:"max_backoff_sec"`
}

type JournalConfig struct {
	Dir          string `yaml:"dir"`
	LockTakeover *bool  `yaml:"lock_takeover"`
}

type CircuitBreakerConfig struct {
	Enabled          bool  `yaml:"enabled"`
	FailureThreshold int   `yaml:"failure_threshold"`
	CooldownSec      int64 `yaml:"cooldown_sec"`
}

// LimitsConfig caps what a single submission may ask for. Zero disables a
// cap.
type LimitsConfig struct {
	MaxOrderQty      Decimal `yaml:"max_order_qty"`
	MaxOrderNotional Decimal `yaml:"max_order_notional"`
}

type ObservabilityConfig struct {
	LogLevel          string         `yaml:"log_level"`
	LogFile           string         `yaml:"log_file"`
	MetricsListenAddr string         `yaml:"metrics_listen_addr"`
	Telegram          TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadEnvFile reads a dotenv file into the process environment when present.
// A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

func (c *Config) normalize() {
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	c.Exchange.APIKey = strings.TrimSpace(c.Exchange.APIKey)
	c.Exchange.APISecret = strings.TrimSpace(c.Exchange.APISecret)
	c.Exchange.RestBaseURL = strings.TrimSpace(c.Exchange.RestBaseURL)
	c.Exchange.WSBaseURL = strings.TrimSpace(c.Exchange.WSBaseURL)
	c.Journal.Dir = strings.TrimSpace(c.Journal.Dir)
	c.Observability.LogLevel = strings.ToLower(strings.TrimSpace(c.Observability.LogLevel))
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
}

// applyEnv lets the environment override secrets so the YAML file can be
// committed without them.
func (c *Config) applyEnv() {
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		c.Exchange.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		c.Exchange.APISecret = strings.TrimSpace(v)
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Observability.Telegram.BotToken = strings.TrimSpace(v)
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		c.Observability.Telegram.ChatID = strings.TrimSpace(v)
	}
}

func (c *Config) applyDefaults() {
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.Exchange.RestBaseURL == "" {
		c.Exchange.RestBaseURL = testnetRestBaseURL
	}
	if c.Exchange.WSBaseURL == "" {
		c.Exchange.WSBaseURL = testnetWSBaseURL
	}
	if c.Exchange.RecvWindowMs == 0 {
		c.Exchange.RecvWindowMs = 5000
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.Exchange.MaxAttempts == 0 {
		c.Exchange.MaxAttempts = 3
	}
	if c.Exchange.GracePeriodSec == 0 {
		c.Exchange.GracePeriodSec = 30
	}
	if c.Exchange.PlaceWindowSec == 0 {
		c.Exchange.PlaceWindowSec = 15
	}
	if c.RateLimits.OrderRate == 0 {
		c.RateLimits.OrderRate = 30
	}
	if c.RateLimits.OrderBurst == 0 {
		c.RateLimits.OrderBurst = 300
	}
	if c.RateLimits.QueryRate == 0 {
		c.RateLimits.QueryRate = 40
	}
	if c.RateLimits.QueryBurst == 0 {
		c.RateLimits.QueryBurst = 1200
	}
	if c.Stream.KeepaliveSec == 0 {
		c.Stream.KeepaliveSec = 1800
	}
	if c.Stream.InitialBackoffSec == 0 {
		c.Stream.InitialBackoffSec = 1
	}
	if c.Stream.MaxBackoffSec == 0 {
		c.Stream.MaxBackoffSec = 30
	}
	if c.Journal.Dir == "" {
		c.Journal.Dir = "journal"
	}
	if c.Journal.LockTakeover == nil {
		enabled := true
		c.Journal.LockTakeover = &enabled
	}
	if c.CircuitBreaker.FailureThreshold == 0 {
		c.CircuitBreaker.FailureThreshold = 5
	}
	if c.CircuitBreaker.CooldownSec == 0 {
		c.CircuitBreaker.CooldownSec = 30
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
}

func (c Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !isValidSymbol(c.Symbol) {
		return fmt.Errorf("symbol must match [A-Z0-9], length 6..20")
	}
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
		return fmt.Errorf("exchange api_key/api_secret are required (set BINANCE_API_KEY/BINANCE_API_SECRET or the yaml fields)")
	}
	if c.Exchange.RecvWindowMs < 1 || c.Exchange.RecvWindowMs > 60000 {
		return fmt.Errorf("exchange recv_window_ms must be between 1 and 60000")
	}
	if c.Exchange.HTTPTimeoutSec < 1 || c.Exchange.HTTPTimeoutSec > 120 {
		return fmt.Errorf("exchange http_timeout_sec must be between 1 and 120")
	}
	if c.Exchange.MaxAttempts < 1 || c.Exchange.MaxAttempts > 10 {
		return fmt.Errorf("exchange max_attempts must be between 1 and 10")
	}
	if c.Exchange.GracePeriodSec < 1 || c.Exchange.GracePeriodSec > 3600 {
		return fmt.Errorf("exchange grace_period_sec must be between 1 and 3600")
	}
	if c.Exchange.PlaceWindowSec < 1 || c.Exchange.PlaceWindowSec > 120 {
		return fmt.Errorf("exchange place_window_sec must be between 1 and 120")
	}
	if err := validateURL(c.Exchange.RestBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange rest_base_url %v", err)
	}
	if err := validateURL(c.Exchange.WSBaseURL, "ws", "wss"); err != nil {
		return fmt.Errorf("exchange ws_base_url %v", err)
	}
	if c.RateLimits.OrderRate <= 0 || c.RateLimits.QueryRate <= 0 {
		return fmt.Errorf("rate_limits rates must be > 0")
	}
	if c.RateLimits.OrderBurst < 1 || c.RateLimits.QueryBurst < 1 {
		return fmt.Errorf("rate_limits bursts must be >= 1")
	}
	if c.Stream.KeepaliveSec < 60 || c.Stream.KeepaliveSec > 3300 {
		return fmt.Errorf("stream keepalive_sec must be between 60 and 3300")
	}
	if c.Stream.InitialBackoffSec < 1 || c.Stream.InitialBackoffSec > c.Stream.MaxBackoffSec {
		return fmt.Errorf("stream initial_backoff_sec must be between 1 and max_backoff_sec")
	}
	if c.Stream.MaxBackoffSec > 300 {
		return fmt.Errorf("stream max_backoff_sec must be <= 300")
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("circuit_breaker.failure_threshold must be >= 1")
		}
		if c.CircuitBreaker.CooldownSec < 1 || c.CircuitBreaker.CooldownSec > 3600 {
			return fmt.Errorf("circuit_breaker.cooldown_sec must be between 1 and 3600")
		}
	}
	if c.Limits.MaxOrderQty.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("limits.max_order_qty must be >= 0")
	}
	if c.Limits.MaxOrderNotional.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("limits.max_order_notional must be >= 0")
	}
	switch c.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("observability.log_level must be debug, info, warn, or error")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
	}
	return nil
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func isValidSymbol(v string) bool {
	if len(v) < 6 || len(v) > 20 {
		return false
	}
	for _, r := range v {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
