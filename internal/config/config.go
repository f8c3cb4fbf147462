// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	collybrowser "github.com/JakeFAU/catalog-crawler/internal/browser/colly"
	"github.com/JakeFAU/catalog-crawler/internal/browser/headless"
	"github.com/JakeFAU/catalog-crawler/internal/cover"
	"github.com/JakeFAU/catalog-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/catalog-crawler/internal/queue/pubsub"
	"github.com/JakeFAU/catalog-crawler/internal/storage/gcs"
	"github.com/JakeFAU/catalog-crawler/internal/storage/local"
)

// Browser engines.
const (
	EngineStatic   = "static"
	EngineHeadless = "headless"
	EngineAuto     = "auto"
)

// Backend drivers shared by the queue, history, storage and catalog sections.
const (
	DriverMemory   = "memory"
	DriverPubSub   = "pubsub"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverLocal    = "local"
	DriverGCS      = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Auth      AuthConfig       `mapstructure:"auth"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Worker    WorkerConfig     `mapstructure:"worker"`
	Browser   BrowserConfig    `mapstructure:"browser"`
	Dispatch  DispatchConfig   `mapstructure:"dispatch"`
	Queue     QueueConfig      `mapstructure:"queue"`
	History   HistoryConfig    `mapstructure:"history"`
	DB        DBConfig         `mapstructure:"db"`
	Redis     RedisConfig      `mapstructure:"redis"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Catalog   CatalogConfig    `mapstructure:"catalog"`
	Covers    cover.Config     `mapstructure:"covers"`
	RateLimit ratelimit.Config `mapstructure:"ratelimit"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// RequestTimeout bounds every API request.
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// WorkerConfig describes this process as a task consumer.
type WorkerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Session names the worker when Name is empty.
	Session string `mapstructure:"session"`
	Name    string `mapstructure:"name"`
	// Labels is a "key:value,key:value" list matched against workflow
	// policies.
	Labels string `mapstructure:"labels"`
	Slots  int    `mapstructure:"slots"`
}

// BrowserConfig selects and tunes the page engine.
type BrowserConfig struct {
	Engine string `mapstructure:"engine"`
	// Proxy is the egress proxy for workflows whose policy asks for one.
	Proxy    string              `mapstructure:"proxy"`
	Static   collybrowser.Config `mapstructure:"static"`
	Headless headless.Config     `mapstructure:"headless"`
	// PromoteThreshold is the body size under which the auto engine
	// re-renders a page in the headless engine.
	PromoteThreshold int `mapstructure:"promote_threshold"`
}

// DispatchConfig tunes event publishing.
type DispatchConfig struct {
	Customer  string `mapstructure:"customer"`
	BatchSize int    `mapstructure:"batch_size"`
}

// QueueConfig selects the event bus.
type QueueConfig struct {
	Driver string `mapstructure:"driver"`
	// Capacity bounds the in-memory bus.
	Capacity int           `mapstructure:"capacity"`
	PubSub   pubsub.Config `mapstructure:"pubsub"`
}

// HistoryConfig selects the run history backend.
type HistoryConfig struct {
	Driver    string        `mapstructure:"driver"`
	Retention time.Duration `mapstructure:"retention"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// Migrate applies pending schema migrations at startup.
	Migrate bool `mapstructure:"migrate"`
}

// RedisConfig addresses the Redis run history.
type RedisConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

// StorageConfig selects the blob store for covers and snapshots.
type StorageConfig struct {
	Driver          string       `mapstructure:"driver"`
	Local           local.Config `mapstructure:"local"`
	GCS             gcs.Config   `mapstructure:"gcs"`
	SnapshotsPrefix string       `mapstructure:"snapshots_prefix"`
}

// CatalogConfig selects the entity store backend.
type CatalogConfig struct {
	Driver string `mapstructure:"driver"`
	// DryRun logs writes instead of performing them.
	DryRun bool `mapstructure:"dry_run"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("worker.enabled", true)
	v.SetDefault("worker.session", "")
	v.SetDefault("worker.name", "")
	v.SetDefault("worker.labels", "")
	v.SetDefault("worker.slots", 4)
	v.SetDefault("browser.engine", EngineStatic)
	v.SetDefault("browser.proxy", "")
	v.SetDefault("browser.static.user_agent", "catalog-crawler/0.1")
	v.SetDefault("browser.static.timeout", "30s")
	v.SetDefault("browser.static.respect_robots", false)
	v.SetDefault("browser.headless.max_parallel", 2)
	v.SetDefault("browser.headless.navigation_timeout", "45s")
	v.SetDefault("browser.headless.settle", "0s")
	v.SetDefault("browser.promote_threshold", 2048)
	v.SetDefault("dispatch.customer", "default")
	v.SetDefault("dispatch.batch_size", 100)
	v.SetDefault("queue.driver", DriverMemory)
	v.SetDefault("queue.capacity", 1024)
	v.SetDefault("queue.pubsub.project_id", "")
	v.SetDefault("queue.pubsub.topic", "crawl-tasks")
	v.SetDefault("queue.pubsub.subscription", "crawl-tasks-worker")
	v.SetDefault("queue.pubsub.max_outstanding", 0)
	v.SetDefault("history.driver", DriverMemory)
	v.SetDefault("history.retention", "168h")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.migrate", false)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.prefix", "crawler")
	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.local.base_dir", "data")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.prefix", "")
	v.SetDefault("storage.snapshots_prefix", "snapshots")
	v.SetDefault("catalog.driver", DriverMemory)
	v.SetDefault("catalog.dry_run", false)
	v.SetDefault("covers.prefix", "covers")
	v.SetDefault("covers.timeout", "10s")
	v.SetDefault("ratelimit.rps", 0)
	v.SetDefault("ratelimit.burst", 1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Worker.Slots <= 0 {
		return fmt.Errorf("worker.slots must be > 0")
	}
	if !slices.Contains([]string{EngineStatic, EngineHeadless, EngineAuto}, c.Browser.Engine) {
		return fmt.Errorf("browser.engine must be one of static, headless, auto; got %q", c.Browser.Engine)
	}
	if c.Browser.Engine != EngineStatic && c.Browser.Headless.MaxParallel < 0 {
		return fmt.Errorf("browser.headless.max_parallel must be >= 0")
	}
	if c.Dispatch.Customer == "" {
		return fmt.Errorf("dispatch.customer is required")
	}
	if err := oneOf("queue.driver", c.Queue.Driver, DriverMemory, DriverPubSub); err != nil {
		return err
	}
	if c.Queue.Driver == DriverMemory && c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be > 0")
	}
	if c.Queue.Driver == DriverPubSub {
		if c.Queue.PubSub.ProjectID == "" || c.Queue.PubSub.Topic == "" {
			return fmt.Errorf("queue.pubsub.project_id and queue.pubsub.topic are required")
		}
		if c.Worker.Enabled && c.Queue.PubSub.Subscription == "" {
			return fmt.Errorf("queue.pubsub.subscription is required when the worker is enabled")
		}
	}
	if err := oneOf("history.driver", c.History.Driver, DriverMemory, DriverPostgres, DriverRedis); err != nil {
		return err
	}
	if c.History.Driver == DriverRedis && c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required for the redis history")
	}
	if err := oneOf("catalog.driver", c.Catalog.Driver, DriverMemory, DriverPostgres); err != nil {
		return err
	}
	if c.usesPostgres() && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required for postgres backends")
	}
	if err := oneOf("storage.driver", c.Storage.Driver, DriverMemory, DriverLocal, DriverGCS); err != nil {
		return err
	}
	if c.Storage.Driver == DriverGCS && c.Storage.GCS.Bucket == "" {
		return fmt.Errorf("storage.gcs.bucket is required for gcs storage")
	}
	if c.Storage.Driver == DriverLocal && c.Storage.Local.BaseDir == "" {
		return fmt.Errorf("storage.local.base_dir is required for local storage")
	}
	return nil
}

func (c Config) usesPostgres() bool {
	return c.History.Driver == DriverPostgres || c.Catalog.Driver == DriverPostgres || c.DB.Migrate
}

func oneOf(key, got string, allowed ...string) error {
	if slices.Contains(allowed, got) {
		return nil
	}
	return fmt.Errorf("%s must be one of %s; got %q", key, strings.Join(allowed, ", "), got)
}
