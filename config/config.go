/*
config.go - Server configuration

PURPOSE:
  Loads settings from (lowest to highest precedence) defaults, an optional
  config file, POINTS_* environment variables and command-line flags.

ENVIRONMENT:
  POINTS_SERVER_PORT          HTTP port (default 8080)
  POINTS_DATABASE_DRIVER      sqlite | postgres (default sqlite)
  POINTS_DATABASE_URL         SQLite path or Postgres URL (default points.db)
  POINTS_LOG_LEVEL            debug | info | warn | error
  POINTS_LOG_FORMAT           text | json
  POINTS_JWT_SECRET           HS256 secret for bearer tokens
  POINTS_REFUND_WINDOW_DAYS   days after a recharge a refund may be requested
  POINTS_ALLOWED_ORIGINS      comma-separated CORS origins
  POINTS_PLAN_CACHE_SIZE      plan LRU capacity
*/
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all configuration for the server.
type Config struct {
	ServerPort       int      `mapstructure:"SERVER_PORT"`
	DatabaseDriver   string   `mapstructure:"DATABASE_DRIVER"`
	DatabaseURL      string   `mapstructure:"DATABASE_URL"`
	LogLevel         string   `mapstructure:"LOG_LEVEL"`
	LogFormat        string   `mapstructure:"LOG_FORMAT"`
	JWTSecret        string   `mapstructure:"JWT_SECRET"`
	RefundWindowDays int      `mapstructure:"REFUND_WINDOW_DAYS"`
	AllowedOrigins   []string `mapstructure:"ALLOWED_ORIGINS"`
	PlanCacheSize    int      `mapstructure:"PLAN_CACHE_SIZE"`
}

var defaults = map[string]any{
	"SERVER_PORT":        8080,
	"DATABASE_DRIVER":    DriverSQLite,
	"DATABASE_URL":       "points.db",
	"LOG_LEVEL":          "info",
	"LOG_FORMAT":         "text",
	"JWT_SECRET":         "",
	"REFUND_WINDOW_DAYS": 7,
	"ALLOWED_ORIGINS":    []string{"*"},
	"PLAN_CACHE_SIZE":    128,
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"port":      "SERVER_PORT",
	"db":        "DATABASE_URL",
	"db-driver": "DATABASE_DRIVER",
	"log-level": "LOG_LEVEL",
}

// Load reads the configuration. configFile may be empty; flags may be nil.
func Load(configFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	v.SetEnvPrefix("POINTS")
	v.AutomaticEnv()
	// Bind explicitly so Unmarshal sees env-only keys
	for key := range defaults {
		_ = v.BindEnv(key)
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, err
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.AllowedOrigins = splitOrigins(cfg.AllowedOrigins)
	cfg.DatabaseDriver = strings.ToLower(strings.TrimSpace(cfg.DatabaseDriver))
	return cfg, cfg.Validate()
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("SERVER_PORT out of range: %d", c.ServerPort))
	}
	if c.DatabaseDriver != DriverSQLite && c.DatabaseDriver != DriverPostgres {
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DatabaseDriver))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.RefundWindowDays < 0 {
		errs = append(errs, fmt.Errorf("REFUND_WINDOW_DAYS cannot be negative: %d", c.RefundWindowDays))
	}
	if c.PlanCacheSize < 0 {
		errs = append(errs, fmt.Errorf("PLAN_CACHE_SIZE cannot be negative: %d", c.PlanCacheSize))
	}
	return errors.Join(errs...)
}

// splitOrigins accepts both a list and a single comma-separated env value.
func splitOrigins(in []string) []string {
	var out []string
	for _, item := range in {
		for _, o := range strings.Split(item, ",") {
			if o = strings.TrimSpace(o); o != "" {
				out = append(out, o)
			}
		}
	}
	return out
}
