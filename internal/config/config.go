// Package config layers the browser's settings: built-in defaults, then the
// toml config file, then CIVITAI_-prefixed environment variables, then
// whatever flags the command layer bound into viper.
package config

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/Fasd800/civitai-browser/internal/api"
	"github.com/Fasd800/civitai-browser/internal/helpers"
)

const (
	DefaultConfigFilePath = "config.toml"
	DefaultSavePath       = "downloads"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"

	DefaultRateLimitMinMs = 100
	DefaultRateLimitMaxMs = 600

	DefaultFetchMaxAttempts      = 4
	DefaultFetchBackoffInitialMs = 500
	DefaultFetchBackoffMaxMs     = 8000
	DefaultFetchTimeoutSec       = 30

	DefaultCatalogMaxPages       = 50
	DefaultCatalogMaxModels      = 5000
	DefaultCatalogCreatorPageSz  = 100
	DefaultCatalogBrowsePageSize = 20
)

// Config is the fully resolved configuration.
type Config struct {
	APIKey           string   `mapstructure:"apikey" toml:"apikey"`
	SavePath         string   `mapstructure:"savepath" toml:"savepath"`
	FavoriteCreators []string `mapstructure:"favoritecreators" toml:"favoritecreators"`
	HistoryPath      string   `mapstructure:"historypath" toml:"historypath"`
	HistoryIndex     string   `mapstructure:"historyindexpath" toml:"historyindexpath"`
	LogLevel         string   `mapstructure:"loglevel" toml:"loglevel"`
	LogFormat        string   `mapstructure:"logformat" toml:"logformat"`
	TraceApiTraffic  bool     `mapstructure:"traceapitraffic" toml:"traceapitraffic"`

	RateLimit RateLimitConfig `mapstructure:"ratelimit" toml:"ratelimit"`
	Fetch     FetchConfig     `mapstructure:"fetch" toml:"fetch"`
	Catalog   CatalogConfig   `mapstructure:"catalog" toml:"catalog"`
}

// RateLimitConfig is the spacing window between consecutive API requests.
type RateLimitConfig struct {
	MinDelayMs int `mapstructure:"mindelayms" toml:"mindelayms"`
	MaxDelayMs int `mapstructure:"maxdelayms" toml:"maxdelayms"`
}

// FetchConfig tunes the retry policy of the API client.
type FetchConfig struct {
	MaxAttempts      int `mapstructure:"maxattempts" toml:"maxattempts"`
	BackoffInitialMs int `mapstructure:"backoffinitialms" toml:"backoffinitialms"`
	BackoffMaxMs     int `mapstructure:"backoffmaxms" toml:"backoffmaxms"`
	TimeoutSec       int `mapstructure:"timeoutsec" toml:"timeoutsec"`
}

// CatalogConfig bounds catalog aggregation.
type CatalogConfig struct {
	MaxPages       int `mapstructure:"maxpages" toml:"maxpages"`
	MaxModels      int `mapstructure:"maxmodels" toml:"maxmodels"`
	CreatorPageSz  int `mapstructure:"creatorpagesize" toml:"creatorpagesize"`
	BrowsePageSize int `mapstructure:"browsepagesize" toml:"browsepagesize"`
}

// SetDefaults loads every default into the viper instance so file, env and
// flag layers only need to override what they change.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("apikey", "")
	v.SetDefault("savepath", DefaultSavePath)
	v.SetDefault("favoritecreators", []string{})
	v.SetDefault("historypath", "")
	v.SetDefault("historyindexpath", "")
	v.SetDefault("loglevel", DefaultLogLevel)
	v.SetDefault("logformat", DefaultLogFormat)
	v.SetDefault("traceapitraffic", false)

	v.SetDefault("ratelimit.mindelayms", DefaultRateLimitMinMs)
	v.SetDefault("ratelimit.maxdelayms", DefaultRateLimitMaxMs)

	v.SetDefault("fetch.maxattempts", DefaultFetchMaxAttempts)
	v.SetDefault("fetch.backoffinitialms", DefaultFetchBackoffInitialMs)
	v.SetDefault("fetch.backoffmaxms", DefaultFetchBackoffMaxMs)
	v.SetDefault("fetch.timeoutsec", DefaultFetchTimeoutSec)

	v.SetDefault("catalog.maxpages", DefaultCatalogMaxPages)
	v.SetDefault("catalog.maxmodels", DefaultCatalogMaxModels)
	v.SetDefault("catalog.creatorpagesize", DefaultCatalogCreatorPageSz)
	v.SetDefault("catalog.browsepagesize", DefaultCatalogBrowsePageSize)
}

// Load resolves the configuration from an already prepared viper instance
// (defaults set, flags bound) plus the config file and environment.
func Load(v *viper.Viper, configFilePath string) (Config, error) {
	v.SetEnvPrefix("CIVITAI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFilePath == "" {
		configFilePath = DefaultConfigFilePath
	}
	v.SetConfigFile(configFilePath)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); notFound || isMissingFile(err) {
			log.Debugf("Config file %s not found, using defaults", configFilePath)
		} else {
			return Config{}, fmt.Errorf("reading config file %s: %w", configFilePath, err)
		}
	} else {
		log.Debugf("Loaded config file %s", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding configuration: %w", err)
	}

	applyDerivedPaths(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func isMissingFile(err error) bool {
	return strings.Contains(err.Error(), "no such file")
}

// applyDerivedPaths fills the history locations from the save path when the
// user did not set them.
func applyDerivedPaths(cfg *Config) {
	if cfg.HistoryPath == "" {
		cfg.HistoryPath = filepath.Join(cfg.SavePath, "history.db")
	}
	if cfg.HistoryIndex == "" {
		cfg.HistoryIndex = filepath.Join(cfg.SavePath, "history.bleve")
	}
}

func validate(cfg Config) error {
	if cfg.SavePath == "" {
		return fmt.Errorf("savepath cannot be empty")
	}
	if cfg.RateLimit.MinDelayMs <= 0 || cfg.RateLimit.MaxDelayMs < cfg.RateLimit.MinDelayMs {
		return fmt.Errorf("ratelimit window %d-%dms is invalid", cfg.RateLimit.MinDelayMs, cfg.RateLimit.MaxDelayMs)
	}
	if cfg.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("fetch.maxattempts must be positive")
	}
	if cfg.Catalog.MaxPages <= 0 || cfg.Catalog.MaxModels <= 0 {
		return fmt.Errorf("catalog ceilings must be positive")
	}
	return nil
}

// BuildClient assembles the shared API client from the configuration,
// optionally wrapping the transport with the API trace writer.
func (c Config) BuildClient() (*api.Client, error) {
	var transport http.RoundTripper = http.DefaultTransport
	if c.TraceApiTraffic {
		tracePath := filepath.Join(c.SavePath, "api-trace.log")
		if helpers.CheckAndMakeDir(c.SavePath) {
			traceTransport, err := api.NewTraceTransport(transport, tracePath)
			if err != nil {
				log.WithError(err).Warn("API tracing disabled")
			} else {
				transport = traceTransport
			}
		}
	}

	httpClient := &http.Client{
		Timeout:   time.Duration(c.Fetch.TimeoutSec) * time.Second,
		Transport: transport,
	}
	limiter := api.NewLimiter(
		time.Duration(c.RateLimit.MinDelayMs)*time.Millisecond,
		time.Duration(c.RateLimit.MaxDelayMs)*time.Millisecond,
	)
	retry := api.RetryConfig{
		MaxAttempts:    c.Fetch.MaxAttempts,
		InitialBackoff: time.Duration(c.Fetch.BackoffInitialMs) * time.Millisecond,
		MaxBackoff:     time.Duration(c.Fetch.BackoffMaxMs) * time.Millisecond,
	}
	return api.NewClient(c.APIKey, httpClient, limiter, retry), nil
}
