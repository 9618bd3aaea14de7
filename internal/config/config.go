package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates all runtime settings required by the application.
type Config struct {
	AppName     string
	Environment string
	HTTP        HTTPConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	JWT         JWTConfig
	Bus         BusConfig
	Aggregation AggregationConfig
	Queue       QueueConfig
	Worker      WorkerConfig
	Context     ContextConfig
	Logger      LoggerConfig
	Migrations  MigrationsConfig
}

type HTTPConfig struct {
	Host          string
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
	MaxConn       int
	EnablePprof   bool
	EnableMetrics bool
}

type DatabaseConfig struct {
	URL             string
	Host            string
	Port            string
	Name            string
	User            string
	Password        string
	MaxOpenConns    int
	MaxIdleConns    int
	MaxConnLifetime time.Duration
	SSLMode         string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
	Issuer string
}

type BusConfig struct {
	HistoryCapacity  int
	MaxHistoryAge    time.Duration
	ReplayCacheSize  int
	ReplayCacheTTL   time.Duration
	BatchSize        int
	BatchInterval    time.Duration
	IdleTimeout      time.Duration
	CleanupInterval  time.Duration
	ConnectionBuffer int
}

type AggregationConfig struct {
	FlushInterval    time.Duration
	FlushLag         time.Duration
	DeadLetterLimit  int
	RetryDelay       time.Duration
	MaxRetries       int
	MaxMemoryUsageMB int
}

type QueueConfig struct {
	Path            string
	MaxSize         int
	MaxItemAge      time.Duration
	PersistInterval time.Duration
	CleanupInterval time.Duration
}

type WorkerConfig struct {
	Interval  time.Duration
	BatchSize int
}

type ContextConfig struct {
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

type LoggerConfig struct {
	Level    string
	Encoding string
}

type MigrationsConfig struct {
	Enabled bool
	Path    string
}

// Load reads configuration from environment variables (optionally .env)
// and applies sane defaults so the service can boot in any environment.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		AppName:     getString("APP_NAME", "pulsedeck-backend"),
		Environment: getString("APP_ENV", "development"),
		HTTP: HTTPConfig{
			Host:          getString("SERVER_HOST", "0.0.0.0"),
			Port:          getString("SERVER_PORT", "8080"),
			ReadTimeout:   getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:  getDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:   getDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			MaxConn:       getInt("SERVER_MAX_CONN", 0),
			EnablePprof:   getBool("SERVER_ENABLE_PPROF", false),
			EnableMetrics: getBool("SERVER_ENABLE_METRICS", false),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			Host:            getString("DB_HOST", "localhost"),
			Port:            getString("DB_PORT", "5432"),
			Name:            getString("DB_NAME", "pulsedeck"),
			User:            getString("DB_USER", "pulsedeck"),
			Password:        os.Getenv("DB_PASSWORD"),
			MaxOpenConns:    getInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getInt("DB_MAX_IDLE_CONNS", 10),
			MaxConnLifetime: getDuration("DB_CONN_LIFETIME", time.Hour),
			SSLMode:         getString("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			URL:      getString("REDIS_URL", "redis://localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret: os.Getenv("JWT_SECRET"),
			Issuer: getString("JWT_ISSUER", "pulsedeck"),
		},
		Bus: BusConfig{
			HistoryCapacity:  getInt("BUS_HISTORY_CAPACITY", 1000),
			MaxHistoryAge:    getDuration("BUS_MAX_HISTORY_AGE", 24*time.Hour),
			ReplayCacheSize:  getInt("BUS_REPLAY_CACHE_SIZE", 100),
			ReplayCacheTTL:   getDuration("BUS_REPLAY_CACHE_TTL", 30*time.Second),
			BatchSize:        getInt("BUS_BATCH_SIZE", 10),
			BatchInterval:    getDuration("BUS_BATCH_INTERVAL_MS", 200*time.Millisecond),
			IdleTimeout:      getDuration("BUS_IDLE_TIMEOUT", 30*time.Minute),
			CleanupInterval:  getDuration("BUS_CLEANUP_INTERVAL", 5*time.Minute),
			ConnectionBuffer: getInt("BUS_CONNECTION_BUFFER", 256),
		},
		Aggregation: AggregationConfig{
			FlushInterval:    getDuration("AGG_FLUSH_INTERVAL", 30*time.Second),
			FlushLag:         getDuration("AGG_FLUSH_LAG", time.Minute),
			DeadLetterLimit:  getInt("AGG_DEAD_LETTER_LIMIT", 1000),
			RetryDelay:       getDuration("AGG_RETRY_DELAY", 30*time.Second),
			MaxRetries:       getInt("AGG_MAX_RETRIES", 3),
			MaxMemoryUsageMB: getInt("AGG_MAX_MEMORY_MB", 512),
		},
		Queue: QueueConfig{
			Path:            getString("BOLTDB_PATH", "./data/queue.db"),
			MaxSize:         getInt("QUEUE_MAX_SIZE", 10_000),
			MaxItemAge:      getDuration("QUEUE_MAX_ITEM_AGE", 24*time.Hour),
			PersistInterval: getDuration("QUEUE_PERSIST_INTERVAL", 5*time.Minute),
			CleanupInterval: getDuration("QUEUE_CLEANUP_INTERVAL", time.Hour),
		},
		Worker: WorkerConfig{
			Interval:  getDuration("WORKER_INTERVAL", 15*time.Second),
			BatchSize: getInt("WORKER_BATCH_SIZE", 50),
		},
		Context: ContextConfig{
			RequestTimeout:  getDuration("REQUEST_TIMEOUT_SECONDS", 5*time.Second),
			ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT_SECONDS", 15*time.Second),
		},
		Logger: LoggerConfig{
			Level:    getString("LOG_LEVEL", "info"),
			Encoding: getString("LOG_ENCODING", "json"),
		},
		Migrations: MigrationsConfig{
			Enabled: getBool("RUN_MIGRATIONS", true),
			Path:    getString("MIGRATIONS_PATH", "./assets/migrations"),
		},
	}

	if cfg.Database.URL == "" {
		cfg.Database.URL = buildPostgresURL(cfg)
	}

	return cfg, nil
}

// MustLoad panics if configuration cannot be loaded.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func buildPostgresURL(cfg *Config) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.Name,
		cfg.Database.SSLMode,
	)
}

func getString(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
		if seconds, err := strconv.Atoi(val); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return fallback
}

// Address returns the HTTP listen address for the fasthttp server.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%s", c.HTTP.Host, c.HTTP.Port)
}
