package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "VOTECAST"

	DatabaseDriverSQLite = "sqlite"
	DatabaseDriverMemory = "memory"

	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = DatabaseDriverSQLite
	defaultDatabasePath      = "votecast.db"
	defaultLogLevel          = "info"
	defaultLogEncoding       = "json"
	defaultCookieName        = "app_session"
	defaultIssuer            = "votecast"
	defaultTokenTTL          = 24 * time.Hour
	defaultCastMaxRetries    = 3
	defaultCastJitterMin     = 10 * time.Millisecond
	defaultCastJitterMax     = 50 * time.Millisecond
	defaultMaxHoldCount      = 1
	defaultWaitWindow        = time.Second
	defaultTickInterval      = time.Second
	defaultSweepInterval     = 5 * time.Second
	defaultRealtimeBuffer    = 16
	defaultHeartbeatInterval = 30 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string

	DatabaseDriver string
	DatabasePath   string

	LogLevel    string
	LogEncoding string

	AuthSigningKey string
	AuthIssuer     string
	AuthCookieName string
	AuthTokenTTL   time.Duration

	Cast      CastConfig
	Broadcast BroadcastConfig

	RealtimeBufferSize        int
	RealtimeHeartbeatInterval time.Duration

	ShutdownTimeout time.Duration
}

// CastConfig tunes the direct-cast retry loop.
type CastConfig struct {
	MaxRetries int
	JitterMin  time.Duration
	JitterMax  time.Duration
}

// BroadcastConfig tunes the per-vote debounce.
type BroadcastConfig struct {
	MaxHoldCount  int
	WaitWindow    time.Duration
	TickInterval  time.Duration
	SweepInterval time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("cast.max_retries", defaultCastMaxRetries)
	configViper.SetDefault("cast.jitter_min", defaultCastJitterMin)
	configViper.SetDefault("cast.jitter_max", defaultCastJitterMax)
	configViper.SetDefault("broadcast.max_hold_count", defaultMaxHoldCount)
	configViper.SetDefault("broadcast.wait_window", defaultWaitWindow)
	configViper.SetDefault("broadcast.tick_interval", defaultTickInterval)
	configViper.SetDefault("broadcast.sweep_interval", defaultSweepInterval)
	configViper.SetDefault("realtime.buffer_size", defaultRealtimeBuffer)
	configViper.SetDefault("realtime.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("shutdown.timeout", defaultShutdownTimeout)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		LogEncoding:    configViper.GetString("log.encoding"),
		AuthSigningKey: configViper.GetString("auth.signing_secret"),
		AuthIssuer:     configViper.GetString("auth.issuer"),
		AuthCookieName: configViper.GetString("auth.cookie_name"),
		AuthTokenTTL:   configViper.GetDuration("auth.token_ttl"),
		Cast: CastConfig{
			MaxRetries: configViper.GetInt("cast.max_retries"),
			JitterMin:  configViper.GetDuration("cast.jitter_min"),
			JitterMax:  configViper.GetDuration("cast.jitter_max"),
		},
		Broadcast: BroadcastConfig{
			MaxHoldCount:  configViper.GetInt("broadcast.max_hold_count"),
			WaitWindow:    configViper.GetDuration("broadcast.wait_window"),
			TickInterval:  configViper.GetDuration("broadcast.tick_interval"),
			SweepInterval: configViper.GetDuration("broadcast.sweep_interval"),
		},
		RealtimeBufferSize:        configViper.GetInt("realtime.buffer_size"),
		RealtimeHeartbeatInterval: configViper.GetDuration("realtime.heartbeat_interval"),
		ShutdownTimeout:           configViper.GetDuration("shutdown.timeout"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	for _, origin := range c.AllowedOrigins {
		if strings.TrimSpace(origin) == "*" {
			return fmt.Errorf("http.allowed_origins must list explicit origins, not %q", origin)
		}
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DatabaseDriverMemory:
	default:
		return fmt.Errorf("database.driver must be %q or %q", DatabaseDriverSQLite, DatabaseDriverMemory)
	}
	if c.AuthTokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.Cast.MaxRetries < 0 {
		return fmt.Errorf("cast.max_retries must not be negative")
	}
	if c.Cast.JitterMin < 0 || c.Cast.JitterMax < c.Cast.JitterMin {
		return fmt.Errorf("cast.jitter_min must be non-negative and not exceed cast.jitter_max")
	}
	if c.Broadcast.MaxHoldCount < 1 {
		return fmt.Errorf("broadcast.max_hold_count must be at least 1")
	}
	if c.Broadcast.WaitWindow <= 0 || c.Broadcast.TickInterval <= 0 || c.Broadcast.SweepInterval <= 0 {
		return fmt.Errorf("broadcast intervals must be positive")
	}
	if c.RealtimeBufferSize < 1 {
		return fmt.Errorf("realtime.buffer_size must be at least 1")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown.timeout must be positive")
	}
	return nil
}
