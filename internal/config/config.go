// Package config loads service settings from YAML with environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Log        LogConfig        `yaml:"log"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Auth       AuthConfig       `yaml:"auth"`
	Cache      CacheConfig      `yaml:"cache"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	CDC        CDCConfig        `yaml:"cdc"`
	Gateway    GatewayConfig    `yaml:"gateway"`
}

type HTTPConfig struct {
	Port              int           `yaml:"port" validate:"min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"gt=0"`
}

type LogConfig struct {
	Level    string `yaml:"level" validate:"oneof=debug info warn error"`
	Encoding string `yaml:"encoding" validate:"oneof=json console"`
}

// DatabaseConfig points at the local relational store. An empty URL selects
// the in-memory store.
type DatabaseConfig struct {
	URL     string `yaml:"url"`
	Migrate bool   `yaml:"migrate"`
}

// RedisConfig points at the distributed cache. An empty URL selects the
// in-memory key/value store.
type RedisConfig struct {
	URL string `yaml:"url"`
}

type KafkaConfig struct {
	Brokers          []string      `yaml:"brokers" validate:"required,min=1,dive,required"`
	GroupID          string        `yaml:"group_id" validate:"required"`
	PositionsTopic   string        `yaml:"positions_topic" validate:"required"`
	EnrichedTopic    string        `yaml:"enriched_topic" validate:"required"`
	VisitEventsTopic string        `yaml:"visit_events_topic" validate:"required"`
	AdminTimeout     time.Duration `yaml:"admin_timeout" validate:"gt=0"`
}

type ArchiveConfig struct {
	Driver     string           `yaml:"driver" validate:"oneof=memory timescale clickhouse"`
	Timescale  TimescaleConfig  `yaml:"timescale"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

type TimescaleConfig struct {
	URL string `yaml:"url" validate:"required_if=Enabled true"`
	// Enabled is derived from Archive.Driver; not read from YAML.
	Enabled bool `yaml:"-"`
}

type ClickHouseConfig struct {
	Addr     string `yaml:"addr" validate:"required_if=Enabled true"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Enabled  bool   `yaml:"-"`
}

type AuthConfig struct {
	Mode       string `yaml:"mode" validate:"oneof=dev hmac"`
	HMACSecret string `yaml:"hmac_secret" validate:"required_if=Mode hmac"`
}

type CacheConfig struct {
	MemoryTTL time.Duration `yaml:"memory_ttl" validate:"gt=0"`
	RedisTTL  time.Duration `yaml:"redis_ttl" validate:"gt=0"`
}

type EnrichmentConfig struct {
	PositionTTL      time.Duration `yaml:"position_ttl" validate:"gt=0"`
	PoolSize         int           `yaml:"pool_size" validate:"min=1"`
	DirectoryRefresh time.Duration `yaml:"directory_refresh" validate:"gte=0"`
}

type CDCConfig struct {
	HistoryCapacity  int           `yaml:"history_capacity" validate:"min=1"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval" validate:"gte=1s"`
}

type GatewayConfig struct {
	Backbone     string   `yaml:"backbone" validate:"oneof=memory redis"`
	Channel      string   `yaml:"channel" validate:"required"`
	RateLimit    float64  `yaml:"rate_limit" validate:"gt=0"`
	RateBurst    int      `yaml:"rate_burst" validate:"min=1"`
	SendBuffer   int      `yaml:"send_buffer" validate:"min=1"`
	AllowOrigins []string `yaml:"allow_origins"`
}

func Defaults() *Config {
	return &Config{
		HTTP: HTTPConfig{Port: 8080, ReadHeaderTimeout: 5 * time.Second},
		Log:  LogConfig{Level: "info", Encoding: "json"},
		Kafka: KafkaConfig{
			Brokers:          []string{"localhost:9092"},
			GroupID:          "fleettrack",
			PositionsTopic:   "gps.positions",
			EnrichedTopic:    "gps.positions.enriched",
			VisitEventsTopic: "visits.events",
			AdminTimeout:     3 * time.Second,
		},
		Archive: ArchiveConfig{
			Driver:     "memory",
			ClickHouse: ClickHouseConfig{Database: "default", User: "default"},
		},
		Auth:  AuthConfig{Mode: "dev"},
		Cache: CacheConfig{MemoryTTL: 60 * time.Second, RedisTTL: 5 * time.Minute},
		Enrichment: EnrichmentConfig{
			PositionTTL:      5 * time.Minute,
			PoolSize:         32,
			DirectoryRefresh: 5 * time.Minute,
		},
		CDC: CDCConfig{HistoryCapacity: 60, SnapshotInterval: 5 * time.Second},
		Gateway: GatewayConfig{
			Backbone:   "memory",
			Channel:    "fleettrack:broadcast",
			RateLimit:  20,
			RateBurst:  40,
			SendBuffer: 64,
		},
	}
}

// Load reads path (a missing file is not an error), applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, err
		}
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	c.Archive.Timescale.Enabled = c.Archive.Driver == "timescale"
	c.Archive.ClickHouse.Enabled = c.Archive.Driver == "clickhouse"
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(c *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("DATABASE_URL", &c.Database.URL)
	str("REDIS_URL", &c.Redis.URL)
	str("KAFKA_GROUP_ID", &c.Kafka.GroupID)
	str("ARCHIVE_DRIVER", &c.Archive.Driver)
	str("TIMESCALE_URL", &c.Archive.Timescale.URL)
	str("CLICKHOUSE_ADDR", &c.Archive.ClickHouse.Addr)
	str("AUTH_MODE", &c.Auth.Mode)
	str("AUTH_HMAC_SECRET", &c.Auth.HMACSecret)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_ENCODING", &c.Log.Encoding)
	str("BACKBONE", &c.Gateway.Backbone)
	c.Auth.Mode = strings.ToLower(c.Auth.Mode)

	if v, ok := lookup("KAFKA_BROKERS"); ok && strings.TrimSpace(v) != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		c.Kafka.Brokers = brokers
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.HTTP.Port = port
	}
	if v, ok := lookup("DB_MIGRATE"); ok && v != "" {
		c.Database.Migrate = v != "false"
	}
	return nil
}
