package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	AppEnv     string
	AppName    string
	AppPort    string
	LogLevel   string
	JWTSecret  string
	InstanceID string

	Store                    string
	DBHost                   string
	DBPort                   string
	DBUser                   string
	DBPassword               string
	DBName                   string
	DBSSLMode                string
	DBMaxOpenConns           int
	DBMaxIdleConns           int
	DBConnMaxLifetimeMinutes int

	RedisHost         string
	RedisPort         string
	RedisPassword     string
	RedisDB           int
	RedisPoolSize     int
	RedisMinIdleConns int
	RedisMaxRetries   int

	SimulationEnabled bool
	SimSeed           int64
	SimDonationMin    time.Duration
	SimDonationMax    time.Duration
	SimProgressMin    time.Duration
	SimProgressMax    time.Duration
	SimCampaignMin    time.Duration
	SimCampaignMax    time.Duration
	SimMaxRestarts    int

	WSPingInterval   time.Duration
	WSPongWait       time.Duration
	WSWriteWait      time.Duration
	WSSendBuffer     int
	WSAllowedOrigins []string

	StatsReconcileSpec string

	OTELEndpoint string
	OTELDisabled bool
}

// RedisEnabled reports whether a Redis host was configured. Without Redis the
// server runs single-instance: no cross-process relay and no snapshot cache.
func (c *Config) RedisEnabled() bool {
	return c.RedisHost != ""
}

func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:             getenv("APP_ENV", "development"),
		AppName:            getenv("APP_NAME", "fundpulse"),
		AppPort:            getenv("APP_PORT", "8080"),
		LogLevel:           getenv("LOG_LEVEL", "info"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		InstanceID:         os.Getenv("INSTANCE_ID"),
		Store:              strings.ToLower(getenv("STORE", StoreMemory)),
		DBHost:             os.Getenv("DB_HOST"),
		DBPort:             getenv("DB_PORT", "5432"),
		DBUser:             os.Getenv("DB_USER"),
		DBPassword:         os.Getenv("DB_PASSWORD"),
		DBName:             os.Getenv("DB_NAME"),
		DBSSLMode:          getenv("DB_SSL_MODE", "disable"),
		RedisHost:          os.Getenv("REDIS_HOST"),
		RedisPort:          getenv("REDIS_PORT", "6379"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		StatsReconcileSpec: getenv("STATS_RECONCILE_SPEC", "@every 1m"),
		OTELEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		WSAllowedOrigins:   splitList(getenv("WS_ALLOWED_ORIGINS", "*")),
	}

	var err error
	ints := []struct {
		env string
		dst *int
		def int
	}{
		{"DB_MAX_OPEN_CONNS", &cfg.DBMaxOpenConns, 20},
		{"DB_MAX_IDLE_CONNS", &cfg.DBMaxIdleConns, 5},
		{"DB_CONN_MAX_LIFETIME_MINUTES", &cfg.DBConnMaxLifetimeMinutes, 30},
		{"REDIS_DB", &cfg.RedisDB, 0},
		{"REDIS_POOL_SIZE", &cfg.RedisPoolSize, 10},
		{"REDIS_MIN_IDLE_CONNS", &cfg.RedisMinIdleConns, 2},
		{"REDIS_MAX_RETRIES", &cfg.RedisMaxRetries, 3},
		{"SIM_MAX_RESTARTS", &cfg.SimMaxRestarts, 5},
		{"WS_SEND_BUFFER", &cfg.WSSendBuffer, 256},
	}
	for _, v := range ints {
		if *v.dst, err = envInt(v.env, v.def); err != nil {
			return nil, err
		}
	}

	durations := []struct {
		env string
		dst *time.Duration
		def time.Duration
	}{
		{"SIM_DONATION_MIN", &cfg.SimDonationMin, 10 * time.Second},
		{"SIM_DONATION_MAX", &cfg.SimDonationMax, 30 * time.Second},
		{"SIM_PROGRESS_MIN", &cfg.SimProgressMin, 5 * time.Second},
		{"SIM_PROGRESS_MAX", &cfg.SimProgressMax, 15 * time.Second},
		{"SIM_CAMPAIGN_MIN", &cfg.SimCampaignMin, 2 * time.Minute},
		{"SIM_CAMPAIGN_MAX", &cfg.SimCampaignMax, 5 * time.Minute},
		{"WS_PING_INTERVAL", &cfg.WSPingInterval, 30 * time.Second},
		{"WS_PONG_WAIT", &cfg.WSPongWait, 60 * time.Second},
		{"WS_WRITE_WAIT", &cfg.WSWriteWait, 10 * time.Second},
	}
	for _, v := range durations {
		if *v.dst, err = envDuration(v.env, v.def); err != nil {
			return nil, err
		}
	}

	if cfg.SimulationEnabled, err = envBool("SIMULATION_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.OTELDisabled, err = envBool("OTEL_SDK_DISABLED", cfg.OTELEndpoint == ""); err != nil {
		return nil, err
	}
	if v := os.Getenv("SIM_SEED"); v != "" {
		if cfg.SimSeed, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid SIM_SEED: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		if c.AppEnv == "production" {
			return fmt.Errorf("missing required environment variable JWT_SECRET")
		}
		c.JWTSecret = "development-secret"
	}
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DBHost == "" || c.DBUser == "" || c.DBName == "" {
			return fmt.Errorf("STORE=postgres requires DB_HOST, DB_USER and DB_NAME")
		}
	default:
		return fmt.Errorf("invalid STORE %q: want %q or %q", c.Store, StoreMemory, StorePostgres)
	}
	pairs := []struct {
		name     string
		min, max time.Duration
	}{
		{"SIM_DONATION", c.SimDonationMin, c.SimDonationMax},
		{"SIM_PROGRESS", c.SimProgressMin, c.SimProgressMax},
		{"SIM_CAMPAIGN", c.SimCampaignMin, c.SimCampaignMax},
	}
	for _, p := range pairs {
		if p.min <= 0 || p.max <= p.min {
			return fmt.Errorf("invalid %s interval: need 0 < min < max, got [%s, %s)", p.name, p.min, p.max)
		}
	}
	if c.WSPongWait <= c.WSPingInterval {
		return fmt.Errorf("WS_PONG_WAIT (%s) must exceed WS_PING_INTERVAL (%s)", c.WSPongWait, c.WSPingInterval)
	}
	if c.WSSendBuffer <= 0 {
		return fmt.Errorf("invalid WS_SEND_BUFFER: %d", c.WSSendBuffer)
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
