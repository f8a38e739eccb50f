package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

// Config is the process-wide configuration. Values come from defaults,
// then an optional YAML file, then environment variables, in that order.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Arena   ArenaConfig   `yaml:"arena"`
	Gateway GatewayConfig `yaml:"gateway"`
	Market  MarketConfig  `yaml:"market"`
	Events  EventsConfig  `yaml:"events"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	Env  string `yaml:"env"`
}

type StoreConfig struct {
	SupabaseURL      string `yaml:"supabase_url"`
	SupabaseKey      string `yaml:"supabase_key"`
	DatabaseURL      string `yaml:"database_url"`
	RedisAddr        string `yaml:"redis_addr"`
	RedisPassword    string `yaml:"redis_password"`
	CredentialSecret string `yaml:"credential_secret"`
}

type ArenaConfig struct {
	MaxConcurrentCompetitions int `yaml:"max_concurrent_competitions"`
	PerTurnTimeoutMs          int `yaml:"per_turn_timeout_ms"`
	SandboxStartingBalance    int `yaml:"sandbox_starting_balance"`
}

type GatewayConfig struct {
	MaxConnPerIP   int `yaml:"max_conn_per_ip"`
	ConnRatePerMin int `yaml:"conn_rate_per_min"`
	VoteRate       int `yaml:"vote_rate"`
	VoteWindowSec  int `yaml:"vote_window_sec"`
}

type MarketConfig struct {
	StaleMarketHours        int `yaml:"stale_market_hours"`
	AutoResolverIntervalMin int `yaml:"auto_resolver_interval_min"`
	MaxBetSize              int `yaml:"max_bet_size"`
}

type EventsConfig struct {
	HistoryMax       int `yaml:"history_max"`
	HistoryMaxAgeSec int `yaml:"history_max_age_sec"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080", Env: "development"},
		Arena: ArenaConfig{
			MaxConcurrentCompetitions: 10,
			PerTurnTimeoutMs:          15000,
			SandboxStartingBalance:    10000,
		},
		Gateway: GatewayConfig{
			MaxConnPerIP:   10,
			ConnRatePerMin: 20,
			VoteRate:       5,
			VoteWindowSec:  10,
		},
		Market: MarketConfig{
			StaleMarketHours:        25,
			AutoResolverIntervalMin: 30,
			MaxBetSize:              1000,
		},
		Events: EventsConfig{
			HistoryMax:       1000,
			HistoryMaxAgeSec: 300,
		},
	}
}

// LoadConfig reads the YAML file at path over the defaults, then applies
// environment overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, err
			}
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.Addr, "HTTP_ADDR")
	setString(&c.Server.Env, "APP_ENV")

	setString(&c.Store.SupabaseURL, "SUPABASE_URL")
	setString(&c.Store.SupabaseKey, "SUPABASE_SERVICE_KEY")
	setString(&c.Store.DatabaseURL, "DATABASE_URL")
	setString(&c.Store.RedisAddr, "REDIS_ADDR")
	setString(&c.Store.RedisPassword, "REDIS_PASSWORD")
	setString(&c.Store.CredentialSecret, "CREDENTIAL_SECRET")

	setInt(&c.Arena.MaxConcurrentCompetitions, "MAX_CONCURRENT_COMPETITIONS")
	setInt(&c.Arena.PerTurnTimeoutMs, "PER_TURN_TIMEOUT_MS")
	setInt(&c.Arena.SandboxStartingBalance, "SANDBOX_STARTING_BALANCE")

	setInt(&c.Gateway.MaxConnPerIP, "WS_MAX_CONN_PER_IP")
	setInt(&c.Gateway.ConnRatePerMin, "WS_CONN_RATE_PER_MIN")
	setInt(&c.Gateway.VoteRate, "WS_VOTE_RATE")
	setInt(&c.Gateway.VoteWindowSec, "WS_VOTE_WINDOW_SEC")

	setInt(&c.Market.StaleMarketHours, "STALE_MARKET_HOURS")
	setInt(&c.Market.AutoResolverIntervalMin, "AUTO_RESOLVER_INTERVAL_MIN")
	setInt(&c.Market.MaxBetSize, "MAX_BET_SIZE")

	setInt(&c.Events.HistoryMax, "EVENT_HISTORY_MAX")
	setInt(&c.Events.HistoryMaxAgeSec, "EVENT_HISTORY_MAX_AGE_SEC")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
