// Package config loads the coordination core's runtime configuration
// from YAML with environment-variable overrides and in-code defaults,
// matching the teacher's ClientConfig.setDefaults() convention
// (client.go) but externalized to a file since this process has many
// more tunables than a single embeddable client.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration tree for the coordination core.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	LLM      LLMConfig      `yaml:"llm"`
	Bus      BusConfig      `yaml:"bus"`
	Stream   StreamConfig   `yaml:"stream"`
	Outbox   OutboxConfig   `yaml:"outbox"`
	Approval ApprovalConfig `yaml:"approval"`
	Cache    CacheConfig    `yaml:"cache"`
	Tenant   TenantConfig   `yaml:"tenant"`
	Tool     ToolConfig     `yaml:"tool"`
	Leader   LeaderConfig   `yaml:"leader"`
	Maint    MaintConfig    `yaml:"maintenance"`
	LogLevel string         `yaml:"log_level"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type PostgresConfig struct {
	DSN          string `yaml:"dsn"`
	MaxConns     int32  `yaml:"max_conns"`
	InstanceID   string `yaml:"instance_id"`
	InstanceName string `yaml:"instance_name"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LLMConfig struct {
	APIKey             string        `yaml:"api_key"`
	Model              string        `yaml:"model"`
	CircuitMaxFailures uint32        `yaml:"circuit_max_failures"`
	CircuitOpenTimeout time.Duration `yaml:"circuit_open_timeout"`
}

// BusConfig mirrors spec §bus.* config keys.
type BusConfig struct {
	DefaultQueueCapacity int           `yaml:"default_queue_capacity"`
	MaxConcurrencyPerAgent int         `yaml:"max_concurrency_per_agent"`
	DirectTimeout        time.Duration `yaml:"direct_timeout"`
	HardTimeout          time.Duration `yaml:"hard_timeout"`
	RetryMaxAttempts     int           `yaml:"retry_max_attempts"`
	RetryBase            time.Duration `yaml:"retry_base"`
	RetryCap             time.Duration `yaml:"retry_cap"`
}

// StreamConfig mirrors spec §stream.* config keys.
type StreamConfig struct {
	BufferSize      int           `yaml:"buffer_size"`
	BufferTTL       time.Duration `yaml:"buffer_ttl"`
	ReaderQueueSize int           `yaml:"reader_queue_size"`
	Heartbeat       time.Duration `yaml:"heartbeat"`
}

// OutboxConfig mirrors spec §outbox.* config keys.
type OutboxConfig struct {
	BatchSize          int           `yaml:"batch_size"`
	Tick               time.Duration `yaml:"tick"`
	MaxRetries         int           `yaml:"max_retries"`
	BackoffScheduleMS  []int         `yaml:"backoff_schedule_ms"`
}

// ApprovalConfig mirrors spec §approval.* config keys.
type ApprovalConfig struct {
	TimeoutLowSeconds    int `yaml:"timeout_low_s"`
	TimeoutMediumSeconds int `yaml:"timeout_medium_s"`
	TimeoutHighSeconds   int `yaml:"timeout_high_s"`
	TimeoutPlanSeconds   int `yaml:"timeout_plan_s"`
	WarningSeconds       int `yaml:"warning_s"`
	MaxRetriesPerSession int `yaml:"max_retries_per_session"`
	RetryCooldownSeconds int `yaml:"retry_cooldown_s"`
}

type CacheConfig struct {
	AgentTTL        time.Duration `yaml:"agent_ttl"`
	AgentMaxEntries int           `yaml:"agent_max_entries"`
}

type TenantConfig struct {
	JWTSigningKey string `yaml:"jwt_signing_key"`
}

// ToolConfig mirrors spec §4.7/§6's tool.limits.* config keys.
type ToolConfig struct {
	ReadBytes         int64         `yaml:"read_bytes"`
	OutputBytes       int64         `yaml:"output_bytes"`
	CommandTimeout    time.Duration `yaml:"command_timeout"`
	WorkspaceRoot     string        `yaml:"workspace_root"`
}

// LeaderConfig mirrors the teacher's leadership.Config knobs.
type LeaderConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	ElectionPeriod  time.Duration `yaml:"election_period"`
	ReelectionDelay time.Duration `yaml:"reelection_delay"`
}

// MaintConfig mirrors the teacher's maintenance.{Cleanup,Heartbeat}Config knobs.
type MaintConfig struct {
	CleanupInterval      time.Duration `yaml:"cleanup_interval"`
	StuckExecutionTimeout time.Duration `yaml:"stuck_execution_timeout"`
	StaleInstanceTimeout time.Duration `yaml:"stale_instance_timeout"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
}

// Default returns a Config populated with the constants named in
// SPEC_FULL.md Section A and spec.md's per-module config lists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: PostgresConfig{
			DSN:      "postgres://localhost:5432/agentcore?sslmode=disable",
			MaxConns: 20,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		LLM: LLMConfig{
			Model:              "claude-sonnet-4-5-20250929",
			CircuitMaxFailures: 5,
			CircuitOpenTimeout: 30 * time.Second,
		},
		Bus: BusConfig{
			DefaultQueueCapacity:   100,
			MaxConcurrencyPerAgent: 10,
			DirectTimeout:          30 * time.Second,
			HardTimeout:            600 * time.Second,
			RetryMaxAttempts:       3,
			RetryBase:              250 * time.Millisecond,
			RetryCap:               4 * time.Second,
		},
		Stream: StreamConfig{
			BufferSize:      100,
			BufferTTL:       5 * time.Minute,
			ReaderQueueSize: 64,
			Heartbeat:       30 * time.Second,
		},
		Outbox: OutboxConfig{
			BatchSize:         100,
			Tick:              100 * time.Millisecond,
			MaxRetries:        10,
			BackoffScheduleMS: []int{1000, 2000, 5000, 10000, 30000, 60000, 120000},
		},
		Approval: ApprovalConfig{
			TimeoutLowSeconds:    0,
			TimeoutMediumSeconds: 300,
			TimeoutHighSeconds:   600,
			TimeoutPlanSeconds:   300,
			WarningSeconds:       60,
			MaxRetriesPerSession: 3,
			RetryCooldownSeconds: 10,
		},
		Cache: CacheConfig{
			AgentTTL:        5 * time.Minute,
			AgentMaxEntries: 10000,
		},
		Tool: ToolConfig{
			ReadBytes:      100 * 1024 * 1024,
			OutputBytes:    1 * 1024 * 1024,
			CommandTimeout: 300 * time.Second,
			WorkspaceRoot:  "/workspace",
		},
		Leader: LeaderConfig{
			TTL:             30 * time.Second,
			ElectionPeriod:  10 * time.Second,
			ReelectionDelay: 5 * time.Second,
		},
		Maint: MaintConfig{
			CleanupInterval:       time.Minute,
			StuckExecutionTimeout: 10 * time.Minute,
			StaleInstanceTimeout:  2 * time.Minute,
			HeartbeatInterval:     30 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load reads a YAML file at path (if non-empty and present) over the
// defaults, then applies environment overrides, matching the teacher's
// "explicit field wins, otherwise fall back" layering in
// ClientConfig.setDefaults().
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.Postgres.InstanceID == "" {
		cfg.Postgres.InstanceID = instanceID()
	}
	if cfg.Postgres.InstanceName == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = "agentcore"
		}
		cfg.Postgres.InstanceName = hostname
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return cfg, nil
}

// applyEnvOverrides lets a small set of operational secrets and
// connection strings be supplied via the environment without editing
// the YAML file, the way the teacher falls back to ANTHROPIC_API_KEY.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTCORE_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("AGENTCORE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("AGENTCORE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("AGENTCORE_JWT_SIGNING_KEY"); v != "" {
		cfg.Tenant.JWTSigningKey = v
	}
	if v := os.Getenv("AGENTCORE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AGENTCORE_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = v
	}
}

func instanceID() string {
	if v := os.Getenv("AGENTCORE_INSTANCE_ID"); v != "" {
		return v
	}
	hostname, _ := os.Hostname()
	pid := strconv.Itoa(os.Getpid())
	if hostname == "" {
		return "agentcore-" + pid
	}
	return strings.ToLower(hostname) + "-" + pid
}
