package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the dispatcher binary, loaded via
// viper from config.yaml (if present), environment variables prefixed
// DISPATCHER_, and the defaults set in setDefaults.
type Config struct {
	Server     ServerConfig
	Redis      RedisConfig
	Dispatcher DispatcherConfig
	Metrics    MetricsConfig
	Auth       AuthConfig
	LogLevel   string
}

// ServerConfig configures the HTTP daemon (internal/daemon/httpd).
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	RateLimitRPS int
}

// RedisConfig configures the connection used by events.RedisMirror to
// publish order/task lifecycle notifications for the WebSocket hub.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DispatcherConfig configures the OrderDispatcher and its durable storage.
type DispatcherConfig struct {
	// DBDSN is the modernc.org/sqlite data source name, e.g.
	// "dispatcher.db" or ":memory:" for tests.
	DBDSN string

	// LogDir is where per-order log files are written (SPEC_FULL.md §6).
	LogDir string

	// MaxConcurrentPerQueue bounds how many tasks a single named queue may
	// have outstanding (pending or running) at once; enforced by
	// OrderDispatcher.fillQueue, independent of a WorkQueue's own
	// maxWorkers cap.
	MaxConcurrentPerQueue int

	// ReapInterval is how often ReapStaleOrders runs as periodic
	// maintenance. CloseOpenOrders runs once at startup, independent of it.
	ReapInterval time.Duration

	// ReapMaxAge is the age past which an order with no closed_at is
	// considered stale and force-closed with status error.
	ReapMaxAge time.Duration
}

type MetricsConfig struct {
	Enabled bool
	Path    string
}

type AuthConfig struct {
	Enabled   bool
	JWTSecret string
	APIKeys   []string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/dispatcherd")

	setDefaults()

	viper.SetEnvPrefix("DISPATCHER")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readtimeout", 30*time.Second)
	viper.SetDefault("server.writetimeout", 30*time.Second)
	viper.SetDefault("server.idletimeout", 120*time.Second)
	viper.SetDefault("server.ratelimitrps", 1000)

	// Redis defaults
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.poolsize", 100)
	viper.SetDefault("redis.minidleconns", 10)
	viper.SetDefault("redis.maxretries", 3)
	viper.SetDefault("redis.dialtimeout", 5*time.Second)
	viper.SetDefault("redis.readtimeout", 3*time.Second)
	viper.SetDefault("redis.writetimeout", 3*time.Second)

	// Dispatcher defaults
	viper.SetDefault("dispatcher.dbdsn", "dispatcher.db")
	viper.SetDefault("dispatcher.logdir", "./logs/orders")
	viper.SetDefault("dispatcher.maxconcurrentperqueue", 10)
	viper.SetDefault("dispatcher.reapinterval", 5*time.Minute)
	viper.SetDefault("dispatcher.reapmaxage", 24*time.Hour)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	// Auth defaults
	viper.SetDefault("auth.enabled", false)
	viper.SetDefault("auth.jwtsecret", "")
	viper.SetDefault("auth.apikeys", []string{})

	// Logging defaults
	viper.SetDefault("loglevel", "info")
}
