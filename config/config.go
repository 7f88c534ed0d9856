// Package config loads the budget engine configuration.
//
// Sources, later ones winning: built-in defaults, an optional TOML file,
// a .env file in the working directory, then BUDGET_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const envPrefix = "BUDGET_"

// Config holds all budget engine configuration.
type Config struct {
	HTTP     HTTPConfig     `toml:"http"`
	Database DatabaseConfig `toml:"database"`
	Engine   EngineConfig   `toml:"engine"`
	Events   EventsConfig   `toml:"events"`
	Log      LogConfig      `toml:"log"`
}

type HTTPConfig struct {
	Port           int      `toml:"port"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// DatabaseConfig selects the store. Path is used by sqlite, URL by postgres.
type DatabaseConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
	URL    string `toml:"url"`
}

// EngineConfig tunes reconciliation passes.
type EngineConfig struct {
	Timezone         string   `toml:"timezone"`
	Workers          int      `toml:"workers"`
	CheckInterval    Duration `toml:"check_interval"`
	ScopeTimeout     Duration `toml:"scope_timeout"`
	QueryTimeout     Duration `toml:"query_timeout"`
	ForgiveDeficits  bool     `toml:"forgive_deficits"`
	SchedulerEnabled bool     `toml:"scheduler_enabled"`
}

// EventsConfig enables AMQP publishing when AMQPURL is set.
type EventsConfig struct {
	AMQPURL  string `toml:"amqp_url"`
	Exchange string `toml:"exchange"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // json or console
}

// Duration reads "90s" or "1h" style strings.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Port:           8080,
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "budget.db",
		},
		Engine: EngineConfig{
			Timezone:         "UTC",
			Workers:          4,
			CheckInterval:    Duration{time.Hour},
			ScopeTimeout:     Duration{30 * time.Second},
			QueryTimeout:     Duration{5 * time.Second},
			SchedulerEnabled: true,
		},
		Events: EventsConfig{
			Exchange: "budget.events",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration. path may be empty; a named file that does
// not exist is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	// Load .env file if present
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("reading .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	dur := func(key string, dst *Duration) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
			}
		}
	}

	num("HTTP_PORT", &c.HTTP.Port)
	if v, ok := os.LookupEnv(envPrefix + "HTTP_ALLOWED_ORIGINS"); ok {
		c.HTTP.AllowedOrigins = strings.Split(v, ",")
	}
	str("DATABASE_DRIVER", &c.Database.Driver)
	str("DATABASE_PATH", &c.Database.Path)
	str("DATABASE_URL", &c.Database.URL)
	str("ENGINE_TIMEZONE", &c.Engine.Timezone)
	num("ENGINE_WORKERS", &c.Engine.Workers)
	dur("ENGINE_CHECK_INTERVAL", &c.Engine.CheckInterval)
	dur("ENGINE_SCOPE_TIMEOUT", &c.Engine.ScopeTimeout)
	dur("ENGINE_QUERY_TIMEOUT", &c.Engine.QueryTimeout)
	flag("ENGINE_FORGIVE_DEFICITS", &c.Engine.ForgiveDeficits)
	flag("ENGINE_SCHEDULER_ENABLED", &c.Engine.SchedulerEnabled)
	str("EVENTS_AMQP_URL", &c.Events.AMQPURL)
	str("EVENTS_EXCHANGE", &c.Events.Exchange)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port: %d out of range", c.HTTP.Port))
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database.path: required for sqlite"))
		}
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url: required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver: %q is not sqlite or postgres", c.Database.Driver))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("engine.timezone: %w", err))
	}
	if c.Engine.Workers < 1 {
		errs = append(errs, fmt.Errorf("engine.workers: %d, need at least 1", c.Engine.Workers))
	}
	if c.Engine.CheckInterval.Duration <= 0 {
		errs = append(errs, errors.New("engine.check_interval: must be positive"))
	}
	if c.Engine.ScopeTimeout.Duration < 0 || c.Engine.QueryTimeout.Duration < 0 {
		errs = append(errs, errors.New("engine timeouts: must not be negative"))
	}
	if c.Events.AMQPURL != "" && c.Events.Exchange == "" {
		errs = append(errs, errors.New("events.exchange: required with events.amqp_url"))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format: %q is not json or console", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Location returns the engine's calendar time zone.
func (c Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Engine.Timezone)
}
