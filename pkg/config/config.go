package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env string

	Database  DatabaseConfig
	Redis     RedisConfig
	Log       LogConfig
	Worker    WorkerConfig
	Mutations MutationsConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type LogConfig struct {
	Level  string
	Format string
}

// WorkerConfig tunes the mutation worker loop.
type WorkerConfig struct {
	PollInterval time.Duration
	StopMargin   time.Duration
	WakePort     int
	MetricsPort  int
	HeartbeatKey string
	HeartbeatTTL time.Duration
}

// MutationsConfig tunes producer-side behaviour of the mutation queue.
// The dedup window and synchronous wait constants come from operational
// experience; they are weak guarantees, not correctness requirements.
type MutationsConfig struct {
	DedupWindow   time.Duration
	SyncWaitStart time.Duration
	SyncWaitMax   time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Worker = WorkerConfig{
		PollInterval: parseDuration(v.GetString("WORKER_POLL_INTERVAL"), 3*time.Second),
		StopMargin:   parseDuration(v.GetString("WORKER_STOP_MARGIN"), 15*time.Second),
		WakePort:     v.GetInt("WORKER_WAKE_PORT"),
		MetricsPort:  v.GetInt("WORKER_METRICS_PORT"),
		HeartbeatKey: v.GetString("WORKER_HEARTBEAT_KEY"),
		HeartbeatTTL: parseDuration(v.GetString("WORKER_HEARTBEAT_TTL"), 5*time.Minute),
	}

	cfg.Mutations = MutationsConfig{
		DedupWindow:   parseDuration(v.GetString("MUTATIONS_DEDUP_WINDOW"), 15*time.Second),
		SyncWaitStart: parseDuration(v.GetString("MUTATIONS_SYNC_WAIT_START"), 200*time.Millisecond),
		SyncWaitMax:   parseDuration(v.GetString("MUTATIONS_SYNC_WAIT_MAX"), 3*time.Second),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "competition_portal")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("WORKER_POLL_INTERVAL", "3s")
	v.SetDefault("WORKER_STOP_MARGIN", "15s")
	v.SetDefault("WORKER_WAKE_PORT", 3050)
	v.SetDefault("WORKER_METRICS_PORT", 0)
	v.SetDefault("WORKER_HEARTBEAT_KEY", "competition-mutations:heartbeat")
	v.SetDefault("WORKER_HEARTBEAT_TTL", "5m")

	v.SetDefault("MUTATIONS_DEDUP_WINDOW", "15s")
	v.SetDefault("MUTATIONS_SYNC_WAIT_START", "200ms")
	v.SetDefault("MUTATIONS_SYNC_WAIT_MAX", "3s")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}
