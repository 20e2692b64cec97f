// Package config loads and validates ingestion worker configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// maxBindParams is the Postgres limit on bind parameters per statement.
const maxBindParams = 65535

// chunkInsertParams is the number of bind parameters per chunk row.
const chunkInsertParams = 3

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Edgar    EdgarConfig    `mapstructure:"edgar"`
	Download DownloadConfig `mapstructure:"download"`
	Chunking ChunkingConfig `mapstructure:"chunking"`
	DB       DBConfig       `mapstructure:"db"`
	Queue    QueueConfig    `mapstructure:"queue"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Server   ServerConfig   `mapstructure:"server"`
	Shutdown ShutdownConfig `mapstructure:"shutdown"`
}

// LogConfig toggles zap development features and the minimum level.
type LogConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// EdgarConfig governs how the worker talks to SEC EDGAR.
type EdgarConfig struct {
	UserAgent        string        `mapstructure:"user_agent"`
	MinInterval      time.Duration `mapstructure:"min_interval"`
	BlockDuration    time.Duration `mapstructure:"block_duration"`
	BlockEscalation  float64       `mapstructure:"block_escalation"`
	MaxBlockDuration time.Duration `mapstructure:"max_block_duration"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	MaxBodyBytes     int           `mapstructure:"max_body_bytes"`
}

// DownloadConfig configures retry behavior for transient failures.
type DownloadConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
}

// ChunkingConfig sets the chunk window.
type ChunkingConfig struct {
	Size int `mapstructure:"size"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	ChunkBatchSize  int           `mapstructure:"chunk_batch_size"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// QueueConfig selects the job source. The redelivery backoff spaces out
// requeued messages so a rate-limit block does not turn into a redelivery
// loop; zero values fall back to DefaultRedeliveryMinBackoff and
// DefaultRedeliveryMaxBackoff.
type QueueConfig struct {
	Driver               string        `mapstructure:"driver"`
	RedeliveryMinBackoff time.Duration `mapstructure:"redelivery_min_backoff"`
	RedeliveryMaxBackoff time.Duration `mapstructure:"redelivery_max_backoff"`
}

// Redelivery backoff defaults. Pub/Sub caps a subscription's maximum backoff
// at ten minutes.
const (
	DefaultRedeliveryMinBackoff = 10 * time.Second
	DefaultRedeliveryMaxBackoff = 10 * time.Minute
)

// RedeliveryBackoff returns the configured backoff bounds with defaults
// applied.
func (q QueueConfig) RedeliveryBackoff() (time.Duration, time.Duration) {
	minBackoff, maxBackoff := q.RedeliveryMinBackoff, q.RedeliveryMaxBackoff
	if minBackoff <= 0 {
		minBackoff = DefaultRedeliveryMinBackoff
	}
	if maxBackoff <= 0 {
		maxBackoff = DefaultRedeliveryMaxBackoff
	}
	return minBackoff, maxBackoff
}

// PubSubConfig holds Pub/Sub resource names.
type PubSubConfig struct {
	ProjectID        string `mapstructure:"project_id"`
	Subscription     string `mapstructure:"subscription"`
	JobsTopic        string `mapstructure:"jobs_topic"`
	DeadLetterTopic  string `mapstructure:"dead_letter_topic"`
	CompletionsTopic string `mapstructure:"completions_topic"`
}

// ArchiveConfig selects where raw documents are archived.
type ArchiveConfig struct {
	Driver  string `mapstructure:"driver"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// RedisConfig enables sharing rate-limit blocks between worker processes.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// ServerConfig controls the operational HTTP server. Port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// ShutdownConfig bounds the drain phase.
type ShutdownConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ORION")
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
	v.SetDefault("log.development", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("edgar.user_agent", "")
	v.SetDefault("edgar.min_interval", 100*time.Millisecond)
	v.SetDefault("edgar.block_duration", 10*time.Minute)
	v.SetDefault("edgar.block_escalation", 2.0)
	v.SetDefault("edgar.max_block_duration", time.Hour)
	v.SetDefault("edgar.request_timeout", 30*time.Second)
	v.SetDefault("edgar.max_body_bytes", 50<<20)
	v.SetDefault("download.max_attempts", 3)
	v.SetDefault("download.backoff_base", time.Second)
	v.SetDefault("download.backoff_max", 30*time.Second)
	v.SetDefault("chunking.size", 1000)
	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("db.chunk_batch_size", 5000)
	v.SetDefault("db.ensure_schema", false)
	v.SetDefault("queue.driver", "pubsub")
	v.SetDefault("queue.redelivery_min_backoff", DefaultRedeliveryMinBackoff)
	v.SetDefault("queue.redelivery_max_backoff", DefaultRedeliveryMaxBackoff)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.subscription", "filings-6k-worker")
	v.SetDefault("pubsub.jobs_topic", "filings-6k")
	v.SetDefault("pubsub.dead_letter_topic", "filings-6k-dead")
	v.SetDefault("pubsub.completions_topic", "")
	v.SetDefault("archive.driver", "none")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.base_dir", "")
	v.SetDefault("archive.prefix", "raw/6k")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key", "orion:edgar:blocked_until")
	v.SetDefault("server.port", 8080)
	v.SetDefault("shutdown.grace_period", 5*time.Second)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if !strings.Contains(c.Edgar.UserAgent, "@") {
		return fmt.Errorf("edgar.user_agent must include a contact e-mail address")
	}
	if c.Edgar.MinInterval <= 0 {
		return fmt.Errorf("edgar.min_interval must be > 0")
	}
	if c.Edgar.BlockDuration <= 0 {
		return fmt.Errorf("edgar.block_duration must be > 0")
	}
	if c.Edgar.BlockEscalation < 1 {
		return fmt.Errorf("edgar.block_escalation must be >= 1")
	}
	if c.Edgar.MaxBlockDuration < c.Edgar.BlockDuration {
		return fmt.Errorf("edgar.max_block_duration must be >= edgar.block_duration")
	}
	if c.Edgar.RequestTimeout <= 0 {
		return fmt.Errorf("edgar.request_timeout must be > 0")
	}
	if c.Download.MaxAttempts < 1 {
		return fmt.Errorf("download.max_attempts must be >= 1")
	}
	if c.Download.BackoffBase <= 0 {
		return fmt.Errorf("download.backoff_base must be > 0")
	}
	if c.Chunking.Size <= 0 {
		return fmt.Errorf("chunking.size must be > 0")
	}
	if c.DB.ChunkBatchSize <= 0 || c.DB.ChunkBatchSize*chunkInsertParams > maxBindParams {
		return fmt.Errorf("db.chunk_batch_size must be between 1 and %d", maxBindParams/chunkInsertParams)
	}
	switch c.DB.Driver {
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required when db.driver is postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown db.driver %q", c.DB.Driver)
	}
	if c.Queue.RedeliveryMinBackoff < 0 || c.Queue.RedeliveryMaxBackoff < 0 {
		return fmt.Errorf("queue.redelivery_min_backoff and queue.redelivery_max_backoff must be >= 0")
	}
	if minBackoff, maxBackoff := c.Queue.RedeliveryBackoff(); maxBackoff < minBackoff || maxBackoff > DefaultRedeliveryMaxBackoff {
		return fmt.Errorf("queue.redelivery_max_backoff must be between queue.redelivery_min_backoff and %s", DefaultRedeliveryMaxBackoff)
	}
	switch c.Queue.Driver {
	case "pubsub":
		if c.PubSub.ProjectID == "" || c.PubSub.Subscription == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.subscription are required when queue.driver is pubsub")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown queue.driver %q", c.Queue.Driver)
	}
	switch c.Archive.Driver {
	case "none", "memory":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir is required when archive.driver is local")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required when archive.driver is gcs")
		}
	default:
		return fmt.Errorf("unknown archive.driver %q", c.Archive.Driver)
	}
	if c.Server.Port < 0 {
		return fmt.Errorf("server.port must be >= 0")
	}
	if c.Shutdown.GracePeriod <= 0 {
		return fmt.Errorf("shutdown.grace_period must be > 0")
	}
	return nil
}
