// Package config loads the orchestrator configuration from a YAML file with
// environment overrides. Every knob has a default that yields a fully
// in-process deployment (memory queue, memory state, memory locks), so an
// empty file is a valid configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted by the enum-valued fields.
const (
	BackendMemory     = "memory"
	BackendBroker     = "broker"
	BackendLog        = "log"
	BackendFile       = "file"
	BackendRelational = "relational"
	BackendShared     = "shared"

	ArchiveNone  = "none"
	ArchiveMongo = "mongo"

	StreamNone  = "none"
	StreamPulse = "pulse"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ORCH_"

type (
	// Config is the complete orchestrator configuration.
	Config struct {
		Queue     QueueConfig     `yaml:"queue"`
		PlanState PlanStateConfig `yaml:"plan_state"`
		Retention RetentionConfig `yaml:"retention"`
		Policy    PolicyConfig    `yaml:"policy"`
		Dedupe    DedupeConfig    `yaml:"dedupe"`
		Lock      LockConfig      `yaml:"lock"`
		Redis     RedisConfig     `yaml:"redis"`
		Cost      CostConfig      `yaml:"cost"`
		Events    EventsConfig    `yaml:"events"`
		Limits    LimitsConfig    `yaml:"limits"`
		ToolAgent ToolAgentConfig `yaml:"tool_agent"`

		// WorkspaceDir enables session file locking over the directory.
		// Empty disables the file lock manager.
		WorkspaceDir string `yaml:"workspace_dir"`
	}

	// QueueConfig selects and tunes the work queue transport.
	QueueConfig struct {
		Backend            string       `yaml:"backend"`
		StepsQueue         string       `yaml:"steps_queue"`
		CompletionsQueue   string       `yaml:"completions_queue"`
		RetryMaxAttempts   int          `yaml:"retry_max_attempts"`
		RetryBaseBackoffMs int          `yaml:"retry_base_backoff_ms"`
		RetryMaxBackoffMs  int          `yaml:"retry_max_backoff_ms"`
		Prefetch           int          `yaml:"prefetch"`
		Broker             BrokerConfig `yaml:"broker"`
		Log                LogConfig    `yaml:"log"`
	}

	// BrokerConfig configures the AMQP backend.
	BrokerConfig struct {
		URL            string        `yaml:"url"`
		Exchange       string        `yaml:"exchange"`
		PublishTimeout time.Duration `yaml:"publish_timeout"`
	}

	// LogConfig configures the partitioned-log backend.
	LogConfig struct {
		Brokers           []string `yaml:"brokers"`
		Group             string   `yaml:"group"`
		Partitions        int      `yaml:"partitions"`
		ReplicationFactor int      `yaml:"replication_factor"`
		AutoCreateTopics  bool     `yaml:"auto_create_topics"`
		CompactedSuffixes []string `yaml:"compacted_suffixes"`
	}

	// PlanStateConfig selects the durable plan state backend.
	PlanStateConfig struct {
		Backend       string           `yaml:"backend"`
		File          FileStateConfig  `yaml:"file"`
		Relational    RelationalConfig `yaml:"relational"`
		RetentionDays int              `yaml:"retention_days"`
	}

	// FileStateConfig configures the single-document file backend.
	FileStateConfig struct {
		Path string `yaml:"path"`
	}

	// RelationalConfig configures the relational backend.
	RelationalConfig struct {
		DSN      string `yaml:"dsn"`
		MaxConns int    `yaml:"max_conns"`
	}

	// RetentionConfig tunes content capture and the terminal-entry sweep.
	RetentionConfig struct {
		ContentCaptureEnabled bool          `yaml:"content_capture_enabled"`
		SweepInterval         time.Duration `yaml:"sweep_interval"`
	}

	// PolicyConfig tunes the policy decision cache.
	PolicyConfig struct {
		Cache PolicyCacheConfig `yaml:"cache"`
	}

	// PolicyCacheConfig configures the decision cache.
	PolicyCacheConfig struct {
		Enabled    bool   `yaml:"enabled"`
		TTLSeconds int    `yaml:"ttl_seconds"`
		MaxEntries int    `yaml:"max_entries"`
		Backend    string `yaml:"backend"`
	}

	// DedupeConfig selects the idempotency-claim backend.
	DedupeConfig struct {
		Backend string `yaml:"backend"`
		TTLMs   int    `yaml:"ttl_ms"`
	}

	// LockConfig selects the distributed lock backend.
	LockConfig struct {
		Backend string `yaml:"backend"`
		TTLMs   int    `yaml:"ttl_ms"`
	}

	// RedisConfig is shared by every redis-backed component.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// CostConfig tunes cost tracking and its archive.
	CostConfig struct {
		Enabled bool             `yaml:"enabled"`
		Archive string           `yaml:"archive"`
		Mongo   MongoStoreConfig `yaml:"mongo"`
	}

	// MongoStoreConfig configures the Mongo cost archive.
	MongoStoreConfig struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// EventsConfig selects the outbound event stream.
	EventsConfig struct {
		Stream string      `yaml:"stream"`
		Pulse  PulseConfig `yaml:"pulse"`
	}

	// PulseConfig configures the redis stream sink.
	PulseConfig struct {
		StreamName string `yaml:"stream_name"`
		MaxLen     int    `yaml:"max_len"`
	}

	// LimitsConfig bounds inbound work.
	LimitsConfig struct {
		// SubmissionsPerMinute is the per-tenant submission rate; 0 disables.
		SubmissionsPerMinute int `yaml:"submissions_per_minute"`
	}

	// ToolAgentConfig points at the remote tool agent.
	ToolAgentConfig struct {
		URL     string        `yaml:"url"`
		Breaker BreakerConfig `yaml:"breaker"`
	}

	// BreakerConfig tunes the tool agent circuit breaker.
	BreakerConfig struct {
		MaxFailures int           `yaml:"max_failures"`
		OpenTimeout time.Duration `yaml:"open_timeout"`
	}
)

// Default returns the configuration of a fully in-process deployment.
func Default() *Config {
	return &Config{
		Queue: QueueConfig{
			Backend:            BackendMemory,
			StepsQueue:         "plan.steps",
			CompletionsQueue:   "plan.completions",
			RetryMaxAttempts:   3,
			RetryBaseBackoffMs: 1000,
			RetryMaxBackoffMs:  30000,
			Prefetch:           8,
			Broker: BrokerConfig{
				Exchange:       "orchestrator",
				PublishTimeout: 5 * time.Second,
			},
			Log: LogConfig{
				Group:             "orchestrator",
				Partitions:        8,
				ReplicationFactor: 1,
			},
		},
		PlanState: PlanStateConfig{
			Backend: BackendMemory,
			Relational: RelationalConfig{
				MaxConns: 8,
			},
		},
		Retention: RetentionConfig{
			ContentCaptureEnabled: true,
			SweepInterval:         time.Hour,
		},
		Policy: PolicyConfig{
			Cache: PolicyCacheConfig{
				TTLSeconds: 300,
				MaxEntries: 1024,
				Backend:    BackendMemory,
			},
		},
		Dedupe: DedupeConfig{Backend: BackendMemory, TTLMs: 600000},
		Lock:   LockConfig{Backend: BackendMemory, TTLMs: 30000},
		Redis:  RedisConfig{Addr: "127.0.0.1:6379"},
		Cost: CostConfig{
			Enabled: true,
			Archive: ArchiveNone,
			Mongo:   MongoStoreConfig{Database: "orchestrator"},
		},
		Events: EventsConfig{
			Stream: StreamNone,
			Pulse:  PulseConfig{MaxLen: 1000},
		},
		Limits: LimitsConfig{SubmissionsPerMinute: 60},
		ToolAgent: ToolAgentConfig{
			URL: "http://127.0.0.1:4001",
			Breaker: BreakerConfig{
				MaxFailures: 5,
				OpenTimeout: 30 * time.Second,
			},
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path loads defaults plus
// environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides the fields deployments most often set per environment.
func (c *Config) applyEnv() {
	envString(&c.Queue.Backend, "QUEUE_BACKEND")
	envString(&c.Queue.Broker.URL, "BROKER_URL")
	envString(&c.PlanState.Backend, "PLAN_STATE_BACKEND")
	envString(&c.PlanState.File.Path, "PLAN_STATE_FILE_PATH")
	envString(&c.PlanState.Relational.DSN, "PLAN_STATE_DSN")
	envString(&c.Dedupe.Backend, "DEDUPE_BACKEND")
	envString(&c.Lock.Backend, "LOCK_BACKEND")
	envString(&c.Redis.Addr, "REDIS_ADDR")
	envString(&c.Redis.Password, "REDIS_PASSWORD")
	envInt(&c.Redis.DB, "REDIS_DB")
	envString(&c.Cost.Mongo.URI, "MONGO_URI")
	envString(&c.ToolAgent.URL, "TOOL_AGENT_URL")
	envString(&c.WorkspaceDir, "WORKSPACE_DIR")
	envInt(&c.Limits.SubmissionsPerMinute, "SUBMISSIONS_PER_MINUTE")
}

// Validate checks enum fields and cross-field requirements.
func (c *Config) Validate() error {
	if err := oneOf("queue.backend", c.Queue.Backend, BackendMemory, BackendBroker, BackendLog); err != nil {
		return err
	}
	if c.Queue.Backend == BackendBroker && c.Queue.Broker.URL == "" {
		return fmt.Errorf("queue.broker.url is required for the broker backend")
	}
	if c.Queue.Backend == BackendLog && len(c.Queue.Log.Brokers) == 0 {
		return fmt.Errorf("queue.log.brokers is required for the log backend")
	}
	if c.Queue.RetryMaxAttempts < 1 {
		return fmt.Errorf("queue.retry_max_attempts must be at least 1")
	}
	if err := oneOf("plan_state.backend", c.PlanState.Backend, BackendMemory, BackendFile, BackendRelational); err != nil {
		return err
	}
	if c.PlanState.Backend == BackendFile && c.PlanState.File.Path == "" {
		return fmt.Errorf("plan_state.file.path is required for the file backend")
	}
	if c.PlanState.Backend == BackendRelational && c.PlanState.Relational.DSN == "" {
		return fmt.Errorf("plan_state.relational.dsn is required for the relational backend")
	}
	if c.PlanState.RetentionDays < 0 {
		return fmt.Errorf("plan_state.retention_days must not be negative")
	}
	if err := oneOf("policy.cache.backend", c.Policy.Cache.Backend, BackendMemory, BackendShared); err != nil {
		return err
	}
	if err := oneOf("dedupe.backend", c.Dedupe.Backend, BackendMemory, BackendShared); err != nil {
		return err
	}
	if err := oneOf("lock.backend", c.Lock.Backend, BackendMemory, BackendShared); err != nil {
		return err
	}
	if err := oneOf("cost.archive", c.Cost.Archive, ArchiveNone, ArchiveMongo); err != nil {
		return err
	}
	if c.Cost.Archive == ArchiveMongo && c.Cost.Mongo.URI == "" {
		return fmt.Errorf("cost.mongo.uri is required for the mongo archive")
	}
	if err := oneOf("events.stream", c.Events.Stream, StreamNone, StreamPulse); err != nil {
		return err
	}
	if c.ToolAgent.URL == "" {
		return fmt.Errorf("tool_agent.url is required")
	}
	if c.Limits.SubmissionsPerMinute < 0 {
		return fmt.Errorf("limits.submissions_per_minute must not be negative")
	}
	return nil
}

// NeedsRedis reports whether any configured backend requires the shared
// redis connection.
func (c *Config) NeedsRedis() bool {
	return c.Dedupe.Backend == BackendShared ||
		c.Lock.Backend == BackendShared ||
		c.Policy.Cache.Backend == BackendShared ||
		c.Events.Stream == StreamPulse
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s: unknown value %q", field, value)
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
