package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Snapshot sources understood by SNAPSHOT_SOURCE.
const (
	SnapshotSourcePostgres = "postgres"
	SnapshotSourceREST     = "rest"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database  DatabaseConfig
	Redis     RedisConfig
	CORS      CORSConfig
	Log       LogConfig
	Cache     CacheConfig
	Scheduler SchedulerConfig
	Grid      GridConfig
	Backend   BackendConfig
	Exports   ExportsConfig
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

// DSN renders the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// URL renders the connection string in the form golang-migrate expects.
func (d DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// CacheConfig governs the rendered timetable cache.
type CacheConfig struct {
	Enabled bool
	TTL     time.Duration
}

// SchedulerConfig tunes generation runs.
type SchedulerConfig struct {
	TimeBudget    time.Duration
	MaxBacktracks int
	Parallel      bool
	SoftWeights   map[string]float64
	LockTTL       time.Duration
	QueueWorkers  int
	QueueRetries  int
	RefreshPeriod time.Duration
}

// GridConfig describes the institutional week used to build time slots.
type GridConfig struct {
	Days          []string
	PeriodsPerDay int
	DayStart      string
	PeriodMinutes int
	// Breaks maps "after period N" to the break length in minutes.
	Breaks map[int]int
}

// BackendConfig points at the institution backend when snapshots are
// fetched over REST.
type BackendConfig struct {
	SnapshotSource string
	BaseURL        string
	Timeout        time.Duration
}

// ExportsConfig configures CSV/PDF timetable exports.
type ExportsConfig struct {
	StorageDir      string
	SignedURLSecret string
	SignedURLTTL    time.Duration
	CleanupInterval time.Duration
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
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

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
		Enabled:  v.GetBool("REDIS_ENABLED"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Cache = CacheConfig{
		Enabled: v.GetBool("ENABLE_SCHEDULE_CACHE"),
		TTL:     parseDuration(v.GetString("SCHEDULE_CACHE_TTL"), 10*time.Minute),
	}

	weights, err := parseWeights(v.GetString("SCHEDULER_SOFT_WEIGHTS"))
	if err != nil {
		return nil, err
	}
	cfg.Scheduler = SchedulerConfig{
		TimeBudget:    parseDuration(v.GetString("SCHEDULER_TIME_BUDGET"), 30*time.Second),
		MaxBacktracks: v.GetInt("SCHEDULER_MAX_BACKTRACKS"),
		Parallel:      v.GetBool("SCHEDULER_PARALLEL"),
		SoftWeights:   weights,
		LockTTL:       parseDuration(v.GetString("SCHEDULER_LOCK_TTL"), 2*time.Minute),
		QueueWorkers:  v.GetInt("SCHEDULER_QUEUE_WORKERS"),
		QueueRetries:  v.GetInt("SCHEDULER_QUEUE_RETRIES"),
		RefreshPeriod: parseDuration(v.GetString("SCHEDULE_STORE_REFRESH"), time.Minute),
	}

	breaks, err := parseBreaks(v.GetString("GRID_BREAKS"))
	if err != nil {
		return nil, err
	}
	cfg.Grid = GridConfig{
		Days:          splitAndTrim(v.GetString("GRID_DAYS")),
		PeriodsPerDay: v.GetInt("GRID_PERIODS_PER_DAY"),
		DayStart:      v.GetString("GRID_DAY_START"),
		PeriodMinutes: v.GetInt("GRID_PERIOD_MINUTES"),
		Breaks:        breaks,
	}

	cfg.Backend = BackendConfig{
		SnapshotSource: strings.ToLower(v.GetString("SNAPSHOT_SOURCE")),
		BaseURL:        strings.TrimRight(v.GetString("BACKEND_BASE_URL"), "/"),
		Timeout:        parseDuration(v.GetString("BACKEND_TIMEOUT"), 10*time.Second),
	}
	if cfg.Backend.SnapshotSource != SnapshotSourcePostgres && cfg.Backend.SnapshotSource != SnapshotSourceREST {
		return nil, fmt.Errorf("unknown SNAPSHOT_SOURCE %q", cfg.Backend.SnapshotSource)
	}

	cfg.Exports = ExportsConfig{
		StorageDir:      v.GetString("EXPORTS_STORAGE_DIR"),
		SignedURLSecret: v.GetString("EXPORTS_SIGNED_URL_SECRET"),
		SignedURLTTL:    parseDuration(v.GetString("EXPORTS_SIGNED_URL_TTL"), 24*time.Hour),
		CleanupInterval: parseDuration(v.GetString("EXPORTS_CLEANUP_INTERVAL"), time.Hour),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "campus_timetable")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_ENABLED", false)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("ENABLE_SCHEDULE_CACHE", false)
	v.SetDefault("SCHEDULE_CACHE_TTL", "10m")

	v.SetDefault("SCHEDULER_TIME_BUDGET", "30s")
	v.SetDefault("SCHEDULER_MAX_BACKTRACKS", 200000)
	v.SetDefault("SCHEDULER_PARALLEL", true)
	v.SetDefault("SCHEDULER_SOFT_WEIGHTS", "")
	v.SetDefault("SCHEDULER_LOCK_TTL", "2m")
	v.SetDefault("SCHEDULER_QUEUE_WORKERS", 1)
	v.SetDefault("SCHEDULER_QUEUE_RETRIES", 1)
	v.SetDefault("SCHEDULE_STORE_REFRESH", "1m")

	v.SetDefault("GRID_DAYS", "MON,TUE,WED,THU,FRI")
	v.SetDefault("GRID_PERIODS_PER_DAY", 6)
	v.SetDefault("GRID_DAY_START", "08:00")
	v.SetDefault("GRID_PERIOD_MINUTES", 50)
	v.SetDefault("GRID_BREAKS", "3:60")

	v.SetDefault("SNAPSHOT_SOURCE", SnapshotSourcePostgres)
	v.SetDefault("BACKEND_BASE_URL", "http://localhost:3000/api")
	v.SetDefault("BACKEND_TIMEOUT", "10s")

	v.SetDefault("EXPORTS_STORAGE_DIR", "./exports")
	v.SetDefault("EXPORTS_SIGNED_URL_SECRET", "dev_exports_secret")
	v.SetDefault("EXPORTS_SIGNED_URL_TTL", "24h")
	v.SetDefault("EXPORTS_CLEANUP_INTERVAL", "1h")
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

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

// parseWeights reads "name=weight,name=weight".
func parseWeights(raw string) (map[string]float64, error) {
	weights := make(map[string]float64)
	for _, pair := range splitAndTrim(raw) {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid SCHEDULER_SOFT_WEIGHTS entry %q", pair)
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || w < 0 {
			return nil, fmt.Errorf("invalid weight for %q", name)
		}
		weights[strings.TrimSpace(name)] = w
	}
	return weights, nil
}

// parseBreaks reads "period:minutes,period:minutes".
func parseBreaks(raw string) (map[int]int, error) {
	breaks := make(map[int]int)
	for _, pair := range splitAndTrim(raw) {
		after, minutes, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("invalid GRID_BREAKS entry %q", pair)
		}
		p, err := strconv.Atoi(strings.TrimSpace(after))
		if err != nil || p <= 0 {
			return nil, fmt.Errorf("invalid break position %q", after)
		}
		m, err := strconv.Atoi(strings.TrimSpace(minutes))
		if err != nil || m < 0 {
			return nil, fmt.Errorf("invalid break length %q", minutes)
		}
		breaks[p] = m
	}
	return breaks, nil
}
