package identity

import (
	"net/http"
	"time"
)

// Config holds configuration for the identity resolver
type Config struct {
	HTTPClient *http.Client
	PLCURL     string
	UserAgent  string
	CacheTTL   time.Duration
	CacheSize  int
	Cache      Cache // overrides the default in-memory cache when set
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		PLCURL:     "https://plc.directory",
		UserAgent:  "atmarket/1.0",
		CacheTTL:   24 * time.Hour,
		CacheSize:  10_000,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// NewResolver creates a caching identity resolver.
func NewResolver(config Config) Resolver {
	if config.PLCURL == "" {
		config.PLCURL = "https://plc.directory"
	}
	if config.UserAgent == "" {
		config.UserAgent = "atmarket/1.0"
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = 24 * time.Hour
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}

	base := newDirectoryResolver(config.PLCURL, config.UserAgent, config.HTTPClient)

	cache := config.Cache
	if cache == nil {
		cache = NewMemoryCache(config.CacheSize, config.CacheTTL)
	}

	return newCachingResolver(base, cache)
}
