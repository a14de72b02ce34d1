package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcdev12/spellingbee/go/internal/dbconfig"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Backend selects the replicated log implementation.
type Backend string

const (
	BackendNone     Backend = "none"
	BackendMemory   Backend = "memory"
	BackendNATS     Backend = "nats"
	BackendPostgres Backend = "postgres"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Room      string         `yaml:"room"`
	Backend   Backend        `yaml:"backend"`
	StateFile string         `yaml:"state_file"`
	Gateway   GatewayConfig  `yaml:"gateway"`
	Sync      SyncConfig     `yaml:"sync"`
	Log       LogConfig      `yaml:"log"`
	NATS      NATSConfig     `yaml:"nats"`
	Postgres  PostgresConfig `yaml:"postgres"`
}

type GatewayConfig struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

type SyncConfig struct {
	StaleAfter    time.Duration `yaml:"stale_after"`
	DedupMax      int           `yaml:"dedup_max"`
	DedupKeep     int           `yaml:"dedup_keep"`
	TickInterval  time.Duration `yaml:"tick_interval"`
	AppendTimeout time.Duration `yaml:"append_timeout"`
	AppendQueue   int           `yaml:"append_queue"`
	Retention     time.Duration `yaml:"retention"`
	PruneInterval time.Duration `yaml:"prune_interval"`

	// Authority makes this device's server-side reconciler drive control
	// commands and end expired rounds.
	Authority bool `yaml:"authority"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
}

type NATSConfig struct {
	URL           string        `yaml:"url"`
	Stream        string        `yaml:"stream"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	Codec         string        `yaml:"codec"`
	MaxAge        time.Duration `yaml:"max_age"`
}

type PostgresConfig struct {
	// DSN wins over Database when set.
	DSN          string          `yaml:"dsn"`
	Database     dbconfig.Config `yaml:"database"`
	PollInterval time.Duration   `yaml:"poll_interval"`
}

// URL returns the connection string for the replicated log database.
func (p PostgresConfig) URL() string {
	if p.DSN != "" {
		return p.DSN
	}
	return p.Database.DSN()
}

// Default returns a local-only configuration.
func Default() Config {
	return Config{
		Room:      "default",
		Backend:   BackendNone,
		StateFile: "spellingbee.db",
		Gateway: GatewayConfig{
			Port:           "8081",
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   10 * time.Second,
			PingInterval:   30 * time.Second,
			MaxMessageSize: 64 * 1024,
			AllowedOrigins: []string{"*"},
		},
		Sync: SyncConfig{
			StaleAfter:    5 * time.Minute,
			DedupMax:      200,
			DedupKeep:     100,
			TickInterval:  250 * time.Millisecond,
			AppendTimeout: 5 * time.Second,
			AppendQueue:   256,
			Retention:     24 * time.Hour,
			PruneInterval: 10 * time.Minute,
		},
		Log: LogConfig{Level: "info", Format: "console"},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Stream:        "QUIZ_ROOMS",
			SubjectPrefix: "quiz.rooms",
			Codec:         "json",
			MaxAge:        24 * time.Hour,
		},
		Postgres: PostgresConfig{
			Database:     dbconfig.Default(),
			PollInterval: 5 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (when
// path is not empty), the given .env files and finally the environment.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := godotenv.Load(envFiles...); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Debug().Msg("no .env file")
		} else {
			log.Warn().Err(err).Msg("could not load .env file")
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Room = getEnv("QUIZ_ROOM", c.Room)
	c.Backend = Backend(strings.ToLower(getEnv("QUIZ_BACKEND", string(c.Backend))))
	c.StateFile = getEnv("QUIZ_STATE_FILE", c.StateFile)

	c.Gateway.Port = getEnv("GATEWAY_PORT", c.Gateway.Port)
	if origins := getEnv("QUIZ_ALLOWED_ORIGINS", ""); origins != "" {
		c.Gateway.AllowedOrigins = splitList(origins)
	}

	c.Sync.StaleAfter = getEnvAsDuration("QUIZ_STALE_AFTER", c.Sync.StaleAfter)
	c.Sync.Authority = getEnvAsBool("QUIZ_AUTHORITY", c.Sync.Authority)

	c.Log.Level = getEnv("QUIZ_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("QUIZ_LOG_FORMAT", c.Log.Format)

	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.Codec = getEnv("QUIZ_NATS_CODEC", c.NATS.Codec)

	c.Postgres.DSN = getEnv("QUIZ_PG_DSN", c.Postgres.DSN)
	c.Postgres.Database.ApplyEnv()
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	switch c.Backend {
	case "":
		c.Backend = BackendNone
	case BackendNone, BackendMemory, BackendNATS, BackendPostgres:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}
	if strings.TrimSpace(c.Room) == "" {
		return fmt.Errorf("%w: room is empty", ErrInvalidConfig)
	}
	if _, err := c.Log.ZerologLevel(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.Log.Format)
	}
	switch c.NATS.Codec {
	case "", "json", "msgpack":
	default:
		return fmt.Errorf("%w: unknown nats codec %q", ErrInvalidConfig, c.NATS.Codec)
	}
	if c.Sync.DedupKeep > c.Sync.DedupMax {
		return fmt.Errorf("%w: sync.dedup_keep %d exceeds sync.dedup_max %d", ErrInvalidConfig, c.Sync.DedupKeep, c.Sync.DedupMax)
	}
	return nil
}

// ZerologLevel parses Level. An empty level is info.
func (l LogConfig) ZerologLevel() (zerolog.Level, error) {
	if l.Level == "" {
		return zerolog.InfoLevel, nil
	}
	return zerolog.ParseLevel(strings.ToLower(l.Level))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
		log.Warn().Str("key", key).Str("value", value).Msg("ignoring invalid boolean")
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Warn().Str("key", key).Str("value", value).Msg("ignoring invalid duration")
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
