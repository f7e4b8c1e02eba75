package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port           string         `yaml:"port"`
	Environment    string         `yaml:"environment"`
	AllowedOrigins []string       `yaml:"allowedOrigins"`
	JWTSecret      string         `yaml:"jwtSecret"`
	Logging        LoggingConfig  `yaml:"logging"`
	Store          StoreConfig    `yaml:"store"`
	Redis          RedisConfig    `yaml:"redis"`
	Postgres       PostgresConfig `yaml:"postgres"`
	Call           CallConfig     `yaml:"call"`
	Media          MediaConfig    `yaml:"media"`
}

type LoggingConfig struct {
	Service   string `yaml:"service"`
	Version   string `yaml:"version"`
	Backend   string `yaml:"backend"` // std|zap
	Debug     bool   `yaml:"debug"`
	AddSource bool   `yaml:"addSource"`
}

// StoreConfig selects where participant rows and signals live.
type StoreConfig struct {
	Backend string `yaml:"backend"` // memory|redis|postgres
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	DSN     string `yaml:"dsn"`
	Migrate bool   `yaml:"migrate"`
}

type CallConfig struct {
	ICEServers      []string      `yaml:"iceServers"`
	MaxParticipants int           `yaml:"maxParticipants"`
	LeaveTimeout    time.Duration `yaml:"leaveTimeout"`
	RecordingsDir   string        `yaml:"recordingsDir"`
}

type MediaConfig struct {
	Mode string `yaml:"mode"` // file|silence|deny
	File string `yaml:"file"`
}

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"

	DefaultSTUNServer      = "stun:stun.l.google.com:19302"
	DefaultMaxParticipants = 6
)

// Load reads configuration from the environment (after an optional .env file)
// and overlays the YAML file named by CONFIG_PATH when it is set.
func Load() (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: splitList(originsStr),
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		Logging: LoggingConfig{
			Service: getEnv("LOG_SERVICE", ""),
			Version: getEnv("LOG_VERSION", ""),
			Backend: getEnv("LOG_BACKEND", ""),
			Debug:   getEnvBool("LOG_DEBUG", false),
		},
		Store: StoreConfig{
			Backend: getEnv("STORE_BACKEND", BackendMemory),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Postgres: PostgresConfig{
			DSN:     getEnv("POSTGRES_DSN", ""),
			Migrate: getEnvBool("POSTGRES_MIGRATE", true),
		},
		Call: CallConfig{
			ICEServers:      splitList(getEnv("ICE_SERVERS", DefaultSTUNServer)),
			MaxParticipants: getEnvInt("CALL_MAX_PARTICIPANTS", DefaultMaxParticipants),
			LeaveTimeout:    getEnvDuration("CALL_LEAVE_TIMEOUT", 5*time.Second),
			RecordingsDir:   getEnv("CALL_RECORDINGS_DIR", ""),
		},
		Media: MediaConfig{
			Mode: getEnv("MEDIA_MODE", "silence"),
			File: getEnv("MEDIA_FILE", ""),
		},
	}

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	switch c.Media.Mode {
	case "silence", "deny":
	case "file":
		if c.Media.File == "" {
			return errors.New("media.file is required when media.mode is file")
		}
	default:
		return fmt.Errorf("unknown media mode %q", c.Media.Mode)
	}

	if len(c.Call.ICEServers) == 0 {
		c.Call.ICEServers = []string{DefaultSTUNServer}
	}
	if c.Call.MaxParticipants < 2 {
		c.Call.MaxParticipants = DefaultMaxParticipants
	}
	if c.Call.LeaveTimeout <= 0 {
		c.Call.LeaveTimeout = 5 * time.Second
	}
	if c.Logging.Service == "" {
		c.Logging.Service = "voice-call"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "v0.1.0"
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultValue
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
