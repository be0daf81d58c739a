package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "VECTOR_ATTR_"

// MaxRealtimeCacheTTL bounds how stale a real-time snapshot may be.
const MaxRealtimeCacheTTL = 60 * time.Second

// Config holds all configuration for the attribution service.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	ClickHouse  ClickHouseConfig
	Kafka       KafkaConfig
	Auth        AuthConfig
	RateLimit   RateLimitConfig
	Log         LogConfig
	Metrics     MetricsConfig
	Geo         GeoConfig
	Attribution AttributionConfig
	Realtime    RealtimeConfig
	Funnels     FunnelsConfig
}

type ServerConfig struct {
	Addr            string
	Env             string
	ShutdownTimeout time.Duration
	// StorageTimeout bounds every request's calls into storage.
	StorageTimeout time.Duration
	MaxBodyBytes   int64
}

type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	Migrate  bool

	// Pool sizing and connection recycling.
	MaxConns          int
	MinConns          int
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	ConnectTimeout    time.Duration
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// ClickHouseConfig configures the optional event analytics sink.
type ClickHouseConfig struct {
	Enabled     bool
	Addr        []string
	Database    string
	Username    string
	Password    string
	DialTimeout time.Duration
}

// KafkaConfig configures the optional ingress consumer.
type KafkaConfig struct {
	Enabled bool
	Brokers []string
	GroupID string
	Topic   string
}

type AuthConfig struct {
	Enabled   bool
	MasterKey string
	SkipPaths []string
}

type RateLimitConfig struct {
	Enabled     bool
	RPS         float64
	Burst       int
	IngestRPS   float64
	IngestBurst int
}

type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// GeoConfig configures GeoIP lookup.
type GeoConfig struct {
	Enabled      bool
	DatabasePath string
	CacheSize    int
}

// AttributionConfig holds the temporal parameters of tracking and attribution.
type AttributionConfig struct {
	HalfLife          time.Duration
	SessionWindow     time.Duration
	ReportingTimezone string
}

// Location resolves the reporting timezone, defaulting to UTC.
func (a AttributionConfig) Location() (*time.Location, error) {
	if a.ReportingTimezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(a.ReportingTimezone)
}

// RealtimeConfig configures the real-time snapshot.
type RealtimeConfig struct {
	CacheTTL       time.Duration
	TopPagesLimit  int
	RecentSessions int
}

// FunnelsConfig points at an optional YAML file with funnel definitions.
type FunnelsConfig struct {
	File    string
	Default string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first when present.
func Load() (*Config, error) {
	// missing .env is fine
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("HTTP_ADDR", ":8080"),
			Env:             getEnv("ENV", "development"),
			ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
			StorageTimeout:  getDurationEnv("STORAGE_TIMEOUT", 5*time.Second),
			MaxBodyBytes:    int64(getIntEnv("MAX_BODY_BYTES", 1<<20)),
		},
		Database: DatabaseConfig{
			Enabled:  getBoolEnv("DB_ENABLED", true),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getIntEnv("DB_PORT", 5432),
			User:     getEnv("DB_USER", "vectorattr"),
			Password: getEnv("DB_PASSWORD", "vectorattr_secret"),
			DBName:   getEnv("DB_NAME", "vectorattr"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			Migrate:  getBoolEnv("DB_MIGRATE", true),

			MaxConns:          getIntEnv("DB_MAX_CONNS", 25),
			MinConns:          getIntEnv("DB_MIN_CONNS", 5),
			MaxConnLifetime:   getDurationEnv("DB_MAX_CONN_LIFETIME", time.Hour),
			MaxConnIdleTime:   getDurationEnv("DB_MAX_CONN_IDLE_TIME", 30*time.Minute),
			HealthCheckPeriod: getDurationEnv("DB_HEALTH_CHECK_PERIOD", time.Minute),
			ConnectTimeout:    getDurationEnv("DB_CONNECT_TIMEOUT", 5*time.Second),
		},
		Redis: RedisConfig{
			Enabled:  getBoolEnv("REDIS_ENABLED", true),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		ClickHouse: ClickHouseConfig{
			Enabled:     getBoolEnv("CLICKHOUSE_ENABLED", false),
			Addr:        getSliceEnv("CLICKHOUSE_ADDR", []string{"localhost:9000"}),
			Database:    getEnv("CLICKHOUSE_DB", "vectorattr"),
			Username:    getEnv("CLICKHOUSE_USER", "default"),
			Password:    getEnv("CLICKHOUSE_PASSWORD", ""),
			DialTimeout: getDurationEnv("CLICKHOUSE_DIAL_TIMEOUT", 5*time.Second),
		},
		Kafka: KafkaConfig{
			Enabled: getBoolEnv("KAFKA_ENABLED", false),
			Brokers: getSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
			GroupID: getEnv("KAFKA_GROUP_ID", "vector-attribution"),
			Topic:   getEnv("KAFKA_TOPIC", "tracking-events"),
		},
		Auth: AuthConfig{
			Enabled:   getBoolEnv("AUTH_ENABLED", true),
			MasterKey: getEnv("API_KEY_MASTER", ""),
			SkipPaths: getSliceEnv("AUTH_SKIP_PATHS", []string{"/health", "/metrics", "/track"}),
		},
		RateLimit: RateLimitConfig{
			Enabled:     getBoolEnv("RATE_LIMIT_ENABLED", true),
			RPS:         getFloatEnv("RATE_LIMIT_RPS", 100),
			Burst:       getIntEnv("RATE_LIMIT_BURST", 20),
			IngestRPS:   getFloatEnv("RATE_LIMIT_INGEST_RPS", 2000),
			IngestBurst: getIntEnv("RATE_LIMIT_INGEST_BURST", 200),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled: getBoolEnv("METRICS_ENABLED", true),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
		Geo: GeoConfig{
			Enabled:      getBoolEnv("GEO_ENABLED", false),
			DatabasePath: getEnv("GEO_DB_PATH", "/app/data/GeoLite2-City.mmdb"),
			CacheSize:    getIntEnv("GEO_CACHE_SIZE", 10000),
		},
		Attribution: AttributionConfig{
			HalfLife:          getDurationEnv("ATTRIBUTION_HALF_LIFE", 7*24*time.Hour),
			SessionWindow:     getDurationEnv("SESSION_WINDOW", 30*time.Minute),
			ReportingTimezone: getEnv("REPORTING_TIMEZONE", "UTC"),
		},
		Realtime: RealtimeConfig{
			CacheTTL:       getDurationEnv("REALTIME_CACHE_TTL", 15*time.Second),
			TopPagesLimit:  getIntEnv("REALTIME_TOP_PAGES", 10),
			RecentSessions: getIntEnv("RECENT_SESSIONS_LIMIT", 50),
		},
		Funnels: FunnelsConfig{
			File:    getEnv("FUNNELS_FILE", ""),
			Default: getEnv("FUNNEL_DEFAULT", DefaultFunnelName),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c *Config) Validate() error {
	if c.Auth.Enabled && c.Auth.MasterKey == "" {
		return fmt.Errorf("%sAPI_KEY_MASTER is required when auth is enabled", envPrefix)
	}
	if c.Attribution.HalfLife <= 0 {
		return fmt.Errorf("attribution half-life must be > 0, got %s", c.Attribution.HalfLife)
	}
	if c.Attribution.SessionWindow <= 0 {
		return fmt.Errorf("session window must be > 0, got %s", c.Attribution.SessionWindow)
	}
	if _, err := c.Attribution.Location(); err != nil {
		return fmt.Errorf("invalid reporting timezone %q: %w", c.Attribution.ReportingTimezone, err)
	}
	if c.Realtime.CacheTTL < 0 || c.Realtime.CacheTTL > MaxRealtimeCacheTTL {
		return fmt.Errorf("realtime cache TTL must be between 0 and %s, got %s", MaxRealtimeCacheTTL, c.Realtime.CacheTTL)
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return fmt.Errorf("kafka brokers and topic are required when kafka is enabled")
	}
	if c.Database.Enabled && (c.Database.MaxConns <= 0 || c.Database.MinConns < 0 || c.Database.MinConns > c.Database.MaxConns) {
		return fmt.Errorf("database pool needs 0 <= min conns <= max conns and max conns > 0, got %d/%d",
			c.Database.MinConns, c.Database.MaxConns)
	}
	if c.ClickHouse.Enabled && len(c.ClickHouse.Addr) == 0 {
		return fmt.Errorf("clickhouse address is required when clickhouse is enabled")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Helper functions for reading environment variables. Keys are given
// without the service prefix.

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getFloatEnv(key string, def float64) float64 {
	if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getSliceEnv(key string, def []string) []string {
	if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return def
}
