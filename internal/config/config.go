package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Telegram struct {
		BotToken    string `yaml:"bot_token" validate:"required"`
		APIBase     string `yaml:"api_base" validate:"required,url"`
		VIPChatID   int64  `yaml:"vip_chat_id" validate:"required"`
		FreeChatID  int64  `yaml:"free_chat_id" validate:"required"`
		DebugChatID int64  `yaml:"debug_chat_id"`
		OwnerID     int64  `yaml:"owner_id"`
	} `yaml:"telegram"`
	Quotes struct {
		Providers []Provider    `yaml:"providers" validate:"dive"`
		Timeout   time.Duration `yaml:"timeout" validate:"gt=0"`
	} `yaml:"quotes"`
	Database struct {
		URL string `yaml:"url" validate:"required"`
	} `yaml:"database"`
	Timezone  string         `yaml:"timezone" validate:"required"`
	Symbols   []SymbolConfig `yaml:"symbols" validate:"min=1,dive"`
	Intervals Intervals      `yaml:"intervals"`
	Offer     struct {
		Hour     int           `yaml:"hour" validate:"gte=0,lte=23"`
		Minute   int           `yaml:"minute" validate:"gte=0,lte=58"`
		Cooldown time.Duration `yaml:"cooldown" validate:"gt=0"`
	} `yaml:"offer"`
	Metrics struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
	Proxy string `yaml:"proxy"`
}

// Provider is one quote provider in priority order.
type Provider struct {
	Name   string `yaml:"name" validate:"required,oneof=twelvedata alphavantage finnhub fcsapi"`
	APIKey string `yaml:"api_key"`
}

// SymbolConfig describes a tradable symbol. Pip is a decimal string.
type SymbolConfig struct {
	Symbol string `yaml:"symbol" validate:"required"`
	Digits int32  `yaml:"digits" validate:"gte=0,lte=8"`
	Pip    string `yaml:"pip" validate:"required,numeric"`
}

// Intervals are the tick periods of the long-running loops. Warner may not
// exceed the width of the 3h notice window.
type Intervals struct {
	Tracker    time.Duration `yaml:"tracker" validate:"gt=0"`
	Pacing     time.Duration `yaml:"pacing" validate:"gte=0"`
	Expiry     time.Duration `yaml:"expiry" validate:"gt=0"`
	Warner     time.Duration `yaml:"warner" validate:"gt=0,lte=6m"`
	FollowUp   time.Duration `yaml:"follow_up" validate:"gt=0"`
	Activation time.Duration `yaml:"activation" validate:"gt=0"`
	Peer       time.Duration `yaml:"peer" validate:"gte=10s"`
}

// DefaultProviders is the provider priority when none are configured.
var DefaultProviders = []string{"twelvedata", "alphavantage", "finnhub", "fcsapi"}

// DefaultSymbols covers the instruments the signal channel trades.
var DefaultSymbols = []SymbolConfig{
	{Symbol: "EURUSD", Digits: 5, Pip: "0.0001"},
	{Symbol: "GBPUSD", Digits: 5, Pip: "0.0001"},
	{Symbol: "AUDUSD", Digits: 5, Pip: "0.0001"},
	{Symbol: "NZDUSD", Digits: 5, Pip: "0.0001"},
	{Symbol: "USDCAD", Digits: 5, Pip: "0.0001"},
	{Symbol: "USDCHF", Digits: 5, Pip: "0.0001"},
	{Symbol: "EURGBP", Digits: 5, Pip: "0.0001"},
	{Symbol: "USDJPY", Digits: 3, Pip: "0.01"},
	{Symbol: "GBPJPY", Digits: 3, Pip: "0.01"},
	{Symbol: "EURJPY", Digits: 3, Pip: "0.01"},
	{Symbol: "XAUUSD", Digits: 2, Pip: "0.1"},
	{Symbol: "US30", Digits: 1, Pip: "1"},
	{Symbol: "NAS100", Digits: 1, Pip: "1"},
	{Symbol: "SPX500", Digits: 1, Pip: "0.1"},
}

var providerEnv = map[string]string{
	"twelvedata":   "TWELVEDATA_API_KEY",
	"alphavantage": "ALPHAVANTAGE_API_KEY",
	"finnhub":      "FINNHUB_API_KEY",
	"fcsapi":       "FCSAPI_API_KEY",
}

// Load reads config from a YAML file, then a .env file next to the process,
// then applies environment variable overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// .env never overrides variables already set in the environment.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.BotToken = v
	}
	ids := []struct {
		env string
		dst *int64
	}{
		{"VIP_CHAT_ID", &c.Telegram.VIPChatID},
		{"FREE_CHAT_ID", &c.Telegram.FreeChatID},
		{"DEBUG_CHAT_ID", &c.Telegram.DebugChatID},
		{"OWNER_ID", &c.Telegram.OwnerID},
	}
	for _, id := range ids {
		v := os.Getenv(id.env)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", id.env, err)
		}
		*id.dst = n
	}

	if len(c.Quotes.Providers) == 0 {
		for _, name := range DefaultProviders {
			c.Quotes.Providers = append(c.Quotes.Providers, Provider{Name: name})
		}
	}
	for i := range c.Quotes.Providers {
		if v := os.Getenv(providerEnv[c.Quotes.Providers[i].Name]); v != "" {
			c.Quotes.Providers[i].APIKey = v
		}
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REFERENCE_TZ"); v != "" {
		c.Timezone = v
	}
	if v := os.Getenv("METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("HTTPS_PROXY"); v != "" {
		c.Proxy = v
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Telegram.APIBase == "" {
		c.Telegram.APIBase = "https://api.telegram.org"
	}
	if c.Quotes.Timeout == 0 {
		c.Quotes.Timeout = 10 * time.Second
	}
	if c.Database.URL == "" {
		c.Database.URL = "data/signaldesk.db"
	}
	if c.Timezone == "" {
		c.Timezone = "Europe/London"
	}
	if len(c.Symbols) == 0 {
		c.Symbols = append([]SymbolConfig(nil), DefaultSymbols...)
	}

	iv := &c.Intervals
	setDefault(&iv.Tracker, 120*time.Second)
	setDefault(&iv.Pacing, 2*time.Second)
	setDefault(&iv.Expiry, time.Minute)
	setDefault(&iv.Warner, 5*time.Minute)
	setDefault(&iv.FollowUp, time.Hour)
	setDefault(&iv.Activation, time.Minute)
	setDefault(&iv.Peer, 10*time.Second)

	if c.Offer.Hour == 0 && c.Offer.Minute == 0 {
		c.Offer.Hour = 9
	}
	setDefault(&c.Offer.Cooldown, 40*time.Hour)

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func setDefault(d *time.Duration, v time.Duration) {
	if *d == 0 {
		*d = v
	}
}

// Validate checks that all required fields are set.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	keyed := 0
	for _, p := range c.Quotes.Providers {
		if p.APIKey != "" {
			keyed++
		}
	}
	if keyed == 0 {
		return fmt.Errorf("at least one quote provider api key is required")
	}
	seen := make(map[string]bool, len(c.Symbols))
	for _, s := range c.Symbols {
		if seen[s.Symbol] {
			return fmt.Errorf("symbol %s listed twice", s.Symbol)
		}
		seen[s.Symbol] = true
	}
	return nil
}

// IsPostgres reports whether the database URL selects the PostgreSQL driver.
func (c *Config) IsPostgres() bool {
	u := c.Database.URL
	return strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://")
}
