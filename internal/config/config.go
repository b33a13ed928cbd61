// Package config loads the client configuration from a TOML file, with
// sensible defaults for the public network.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	PLCURL     string `toml:"plc_url"`
	DefaultPDS string `toml:"default_pds"`
	AppViewURL string `toml:"appview_url"`
	FeedURL    string `toml:"feed_url"`
	DBPath     string `toml:"db_path"`
	UserAgent  string `toml:"user_agent"`
	Collection string `toml:"collection"`

	OAuth       OAuthConfig       `toml:"oauth"`
	Aggregation AggregationConfig `toml:"aggregation"`
	Feed        FeedConfig        `toml:"feed"`
	Postgres    PostgresConfig    `toml:"postgres"`
}

type OAuthConfig struct {
	ClientID     string   `toml:"client_id"`
	RedirectURI  string   `toml:"redirect_uri"`
	Scopes       []string `toml:"scopes"`
	CallbackAddr string   `toml:"callback_addr"`
}

type AggregationConfig struct {
	CacheTTL          duration `toml:"cache_ttl"`
	SearchMinInterval duration `toml:"search_min_interval"`
	SearchTerms       []string `toml:"search_terms"`
	IdentityCacheSize int      `toml:"identity_cache_size"`
}

type FeedConfig struct {
	LookbackDays int      `toml:"lookback_days"`
	QuietPeriod  duration `toml:"quiet_period"`
}

// PostgresConfig switches the participant registry and identity cache to a
// shared PostgreSQL database, for deployments running several instances
// against one registry. Local state stays in SQLite when DSN is empty.
type PostgresConfig struct {
	DSN string `toml:"dsn"`
}

// duration lets TOML carry values like "30s" or "5m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Default returns the configuration for the public network with local state
// under the user's home directory.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		PLCURL:     "https://plc.directory",
		DefaultPDS: "https://bsky.social",
		AppViewURL: "https://public.api.bsky.app",
		FeedURL:    "wss://jetstream2.us-east.bsky.network/subscribe",
		DBPath:     filepath.Join(home, ".atmarket", "atmarket.db"),
		UserAgent:  "atmarket/1.0",
		Collection: "net.atmarket.listing",
		OAuth: OAuthConfig{
			RedirectURI:  "http://127.0.0.1:8585/callback",
			Scopes:       []string{"atproto", "transition:generic"},
			CallbackAddr: "127.0.0.1:8585",
		},
		Aggregation: AggregationConfig{
			CacheTTL:          duration{5 * time.Minute},
			SearchMinInterval: duration{30 * time.Second},
			IdentityCacheSize: 1000,
		},
		Feed: FeedConfig{
			LookbackDays: 90,
			QuietPeriod:  duration{3 * time.Second},
		},
	}
}

// Load reads path over the defaults. A missing file is not an error; the
// defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.PLCURL == "" {
		return fmt.Errorf("plc_url is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.Collection == "" {
		return fmt.Errorf("collection is required")
	}
	return nil
}
