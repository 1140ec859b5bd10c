package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ignatij/gocadence/pkg/service"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. GOCADENCE_REDIS_ADDR for redis.addr.
const EnvPrefix = "GOCADENCE"

type DatabaseConfig struct {
	URL        string
	Migrations string
}

// RedisConfig enables the distributed cadence locker when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
}

type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig

	Port      int
	LogLevel  string
	LogFormat string

	Timeline    service.TimelinePolicy
	BulkWorkers int

	DefaultPageSize int
	PreferencesPath string
}

func defaultPreferencesPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "preferences.yaml"
	}
	return filepath.Join(home, ".config", "gocadence", "preferences.yaml")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database.url", "")
	v.SetDefault("database.migrations", "file://migrations")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", 10*time.Second)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.format", "text")
	v.SetDefault("cadence.timeline", string(service.AbsoluteTimeline))
	v.SetDefault("cadence.bulk_workers", 4)
	v.SetDefault("tasks.default_page_size", service.DefaultPageSize)
	v.SetDefault("preferences.path", defaultPreferencesPath())
	return v
}

// Load reads gocadence.yaml from configFile, or from the working directory and
// $HOME/.config/gocadence when configFile is empty. A missing default file is not an error.
// Values from the environment override the file.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "loading .env")
	}

	v := newViper()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("gocadence")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "gocadence"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrapf(err, "reading config %s", v.ConfigFileUsed())
		}
	}

	cfg := &Config{
		Database: DatabaseConfig{
			URL:        v.GetString("database.url"),
			Migrations: v.GetString("database.migrations"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			LockTTL:  v.GetDuration("redis.lock_ttl"),
		},
		Port:            v.GetInt("server.port"),
		LogLevel:        v.GetString("log.level"),
		LogFormat:       v.GetString("log.format"),
		Timeline:        service.TimelinePolicy(v.GetString("cadence.timeline")),
		BulkWorkers:     v.GetInt("cadence.bulk_workers"),
		DefaultPageSize: v.GetInt("tasks.default_page_size"),
		PreferencesPath: v.GetString("preferences.path"),
	}
	if cfg.Database.URL == "" {
		cfg.Database.URL = DatabaseURLFromEnv()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DatabaseURLFromEnv builds a connection string from DB_USERNAME, DB_PASSWORD, DB_HOST,
// DB_PORT and DB_NAME. It returns "" unless all of them are set.
func DatabaseURLFromEnv() string {
	dbUsername := os.Getenv("DB_USERNAME")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	dbName := os.Getenv("DB_NAME")
	if dbUsername == "" || dbPassword == "" || dbHost == "" || dbPort == "" || dbName == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, dbHost, dbPort, dbName)
}

func (c *Config) Validate() error {
	if !c.Timeline.Valid() {
		return errors.Errorf("cadence.timeline must be %q or %q, got %q", service.AbsoluteTimeline, service.ShiftTimeline, c.Timeline)
	}
	if c.BulkWorkers < 0 {
		return errors.Errorf("cadence.bulk_workers must not be negative, got %d", c.BulkWorkers)
	}
	if c.DefaultPageSize < 1 || c.DefaultPageSize > service.MaxPageSize {
		return errors.Errorf("tasks.default_page_size must be between 1 and %d, got %d", service.MaxPageSize, c.DefaultPageSize)
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.Errorf("server.port must be a valid port, got %d", c.Port)
	}
	if c.Redis.Addr != "" && c.Redis.LockTTL <= 0 {
		return errors.Errorf("redis.lock_ttl must be positive, got %s", c.Redis.LockTTL)
	}
	return nil
}

// RequireDatabase fails when no connection string was configured.
func (c *Config) RequireDatabase() error {
	if c.Database.URL == "" {
		return errors.New("database.url, GOCADENCE_DATABASE_URL or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
	}
	return nil
}
