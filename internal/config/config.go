// Package config loads service configuration from defaults, an optional YAML
// file and REGISTRY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sebastianmuntean/eori-platform-sub000/internal/registry"
)

// EnvPrefix namespaces environment overrides, e.g. REGISTRY_HTTP_ADDR.
const EnvPrefix = "REGISTRY"

type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type GRPCConfig struct {
	// Addr is empty when the health server is disabled.
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig selects the store. An empty DSN runs on the in-memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type RegistryConfig struct {
	MaxRouteDepth int `mapstructure:"max_route_depth"`
	// ArchiveWithoutResolution lists categories that may be archived straight
	// from registered.
	ArchiveWithoutResolution []string      `mapstructure:"archive_without_resolution"`
	ConfigCacheTTL           time.Duration `mapstructure:"config_cache_ttl"`
}

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		GRPC: GRPCConfig{Addr: ":9090"},
		Database: DatabaseConfig{
			MaxOpenConns:    50,
			MaxIdleConns:    25,
			ConnMaxLifetime: 15 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Log:       LogConfig{Level: "info"},
		RateLimit: RateLimitConfig{RPS: 100, Burst: 200},
		Registry: RegistryConfig{
			MaxRouteDepth:  registry.DefaultMaxRouteDepth,
			ConfigCacheTTL: 5 * time.Minute,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.idle_timeout", d.HTTP.IdleTimeout)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)
	v.SetDefault("http.max_body_bytes", d.HTTP.MaxBodyBytes)
	v.SetDefault("http.allowed_origins", []string{})
	v.SetDefault("grpc.addr", d.GRPC.Addr)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)
	v.SetDefault("database.conn_max_idle_time", d.Database.ConnMaxIdleTime)
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.pretty", false)
	v.SetDefault("ratelimit.rps", d.RateLimit.RPS)
	v.SetDefault("ratelimit.burst", d.RateLimit.Burst)
	v.SetDefault("registry.max_route_depth", d.Registry.MaxRouteDepth)
	v.SetDefault("registry.archive_without_resolution", []string{})
	v.SetDefault("registry.config_cache_ttl", d.Registry.ConfigCacheTTL)
	v.SetDefault("tracing.enabled", false)
}

// New returns a viper instance with defaults and environment binding applied.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (optional) into v and decodes the result.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	// List values may arrive as one comma separated string.
	cfg.HTTP.AllowedOrigins = splitList(cfg.HTTP.AllowedOrigins)
	cfg.Registry.ArchiveWithoutResolution = splitList(cfg.Registry.ArchiveWithoutResolution)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate rejects values the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.Registry.MaxRouteDepth <= 0 {
		errs = append(errs, fmt.Errorf("registry.max_route_depth must be positive, got %d", c.Registry.MaxRouteDepth))
	}
	for _, cat := range c.Registry.ArchiveWithoutResolution {
		if !registry.Category(cat).Valid() {
			errs = append(errs, fmt.Errorf("registry.archive_without_resolution: unknown category %q", cat))
		}
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("ratelimit values must not be negative"))
	}
	return errors.Join(errs...)
}

// Policy converts the registry section into a service policy.
func (c Config) Policy() registry.Policy {
	p := registry.DefaultPolicy()
	p.MaxRouteDepth = c.Registry.MaxRouteDepth
	p.ArchiveWithoutResolution = make(map[registry.Category]bool, len(c.Registry.ArchiveWithoutResolution))
	for _, cat := range c.Registry.ArchiveWithoutResolution {
		p.ArchiveWithoutResolution[registry.Category(cat)] = true
	}
	return p
}
