package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	TransportMemory   = "memory"
	TransportRedis    = "redis"
	TransportPostgres = "postgres"
)

// MaxPageSize keeps a page plus its look-ahead row within one store listing
// (store.MaxListLimit).
const MaxPageSize = 999

type Config struct {
	DB struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"db"`

	API struct {
		Listen string `mapstructure:"listen"`
	} `mapstructure:"api"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Redis struct {
		Addr          string `mapstructure:"addr"`
		Password      string `mapstructure:"password"`
		DB            int    `mapstructure:"db"`
		ChannelPrefix string `mapstructure:"channel_prefix"`
	} `mapstructure:"redis"`

	Watcher struct {
		Transport          string    `mapstructure:"transport"`
		Codec              string    `mapstructure:"codec"`
		Module             string    `mapstructure:"module"`
		DefinitionIDString string    `mapstructure:"definition_id"`
		DefinitionID       uuid.UUID `mapstructure:"-"`
		// Filter is an optional expr-lang expression applied on top of module and definition id.
		Filter                 string        `mapstructure:"filter"`
		StreamBuffer           int           `mapstructure:"stream_buffer"`
		TeardownTimeoutSeconds int           `mapstructure:"teardown_timeout_seconds"`
		TeardownTimeout        time.Duration `mapstructure:"-"`
	} `mapstructure:"watcher"`

	Relay struct {
		PollIntervalMS int           `mapstructure:"poll_interval_ms"`
		PollInterval   time.Duration `mapstructure:"-"`
	} `mapstructure:"relay"`

	DataSource struct {
		PageSize int `mapstructure:"page_size"`
	} `mapstructure:"datasource"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Defaults
	v.SetDefault("api.listen", "127.0.0.1:8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel_prefix", "domwatch")
	v.SetDefault("watcher.transport", TransportPostgres)
	v.SetDefault("watcher.codec", "json")
	v.SetDefault("watcher.module", "incidents")
	v.SetDefault("watcher.stream_buffer", 256)
	v.SetDefault("watcher.teardown_timeout_seconds", 10)
	v.SetDefault("relay.poll_interval_ms", 500)
	v.SetDefault("datasource.page_size", 100)

	// Env overrides
	v.SetEnvPrefix("DOMWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("db.dsn", "DOMWATCH_DB_DSN")
	_ = v.BindEnv("api.listen", "DOMWATCH_API_LISTEN")
	_ = v.BindEnv("redis.password", "DOMWATCH_REDIS_PASSWORD")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.finish(); err != nil {
		return nil, err
	}
	return &c, nil
}

// finish derives the computed fields and validates the result.
func (c *Config) finish() error {
	c.Watcher.TeardownTimeout = time.Duration(c.Watcher.TeardownTimeoutSeconds) * time.Second
	c.Relay.PollInterval = time.Duration(c.Relay.PollIntervalMS) * time.Millisecond

	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required (set DOMWATCH_DB_DSN or config file)")
	}

	switch c.Watcher.Transport {
	case TransportMemory, TransportRedis, TransportPostgres:
	default:
		return fmt.Errorf("watcher.transport %q is not one of memory|redis|postgres", c.Watcher.Transport)
	}
	switch c.Watcher.Codec {
	case "json", "cbor":
	default:
		return fmt.Errorf("watcher.codec %q is not one of json|cbor", c.Watcher.Codec)
	}
	if strings.TrimSpace(c.Watcher.Module) == "" {
		return fmt.Errorf("watcher.module is required")
	}
	if c.Watcher.DefinitionIDString != "" {
		id, err := uuid.Parse(c.Watcher.DefinitionIDString)
		if err != nil {
			return fmt.Errorf("watcher.definition_id: %w", err)
		}
		c.Watcher.DefinitionID = id
	}
	if c.Watcher.StreamBuffer <= 0 {
		c.Watcher.StreamBuffer = 256
	}
	if c.DataSource.PageSize <= 0 {
		c.DataSource.PageSize = 100
	}
	if c.DataSource.PageSize > MaxPageSize {
		return fmt.Errorf("datasource.page_size %d exceeds %d", c.DataSource.PageSize, MaxPageSize)
	}
	return nil
}
