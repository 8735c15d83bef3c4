// Package config provides configuration loading for swarmd.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for yaml round-tripping of values like "30s".
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML emits the duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all swarmd configuration.
type Config struct {
	// Listen address for the HTTP surface (default ":8420")
	ListenAddr string `yaml:"listen_addr"`
	// Data directory for SQLite databases (default "/var/lib/swarmd")
	DataDir string `yaml:"data_dir"`
	// Log level (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`
	// OTLP gRPC endpoint for traces; empty disables tracing
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`

	Driver     DriverConfig     `yaml:"driver,omitempty"`
	Observer   ObserverConfig   `yaml:"observer,omitempty"`
	Planner    PlannerConfig    `yaml:"planner,omitempty"`
	Router     RouterConfig     `yaml:"router,omitempty"`
	Policy     PolicyConfig     `yaml:"policy,omitempty"`
	Approval   ApprovalConfig   `yaml:"approval,omitempty"`
	Autonomy   AutonomyConfig   `yaml:"autonomy,omitempty"`
	Experience ExperienceConfig `yaml:"experience,omitempty"`
	Session    SessionConfig    `yaml:"session,omitempty"`
	Schedules  []ScheduleConfig `yaml:"schedules,omitempty"`
}

// DriverConfig selects and tunes the game transport.
type DriverConfig struct {
	// Mode is "sim" or "websocket".
	Mode string `yaml:"mode"`
	// GatewayURL is the websocket gateway, e.g. ws://localhost:3000/agents.
	GatewayURL string `yaml:"gateway_url,omitempty"`
	AuthToken  string `yaml:"auth_token,omitempty"`
}

// ObserverConfig tunes world observation.
type ObserverConfig struct {
	ScanRadius      int      `yaml:"scan_radius"`
	BlockScanRadius int      `yaml:"block_scan_radius"`
	UpdateInterval  Duration `yaml:"update_interval"`
	EventHistory    int      `yaml:"event_history"`
}

// PlannerConfig tunes plan generation.
type PlannerConfig struct {
	MaxPlanLength int      `yaml:"max_plan_length"`
	CacheTTL      Duration `yaml:"cache_ttl"`
}

// RouterConfig tunes action dispatch.
type RouterConfig struct {
	TaskTimeout                 Duration `yaml:"task_timeout"`
	RequireApprovalForDangerous bool     `yaml:"require_approval_for_dangerous"`
}

// PolicyConfig tunes admission limits.
type PolicyConfig struct {
	RequestsPerMinute    int      `yaml:"requests_per_minute"`
	MaxTasksPerAgent     int      `yaml:"max_tasks_per_agent"`
	ExtraDangerousBlocks []string `yaml:"extra_dangerous_blocks,omitempty"`
}

// ApprovalConfig tunes the dangerous-action queue.
type ApprovalConfig struct {
	TicketTTL Duration `yaml:"ticket_ttl"`
	MaxSize   int      `yaml:"max_size"`
}

// AutonomyConfig tunes the per-agent loops.
type AutonomyConfig struct {
	LoopInterval   Duration `yaml:"loop_interval"`
	StaleThreshold Duration `yaml:"stale_threshold"`
	HistorySize    int      `yaml:"history_size"`
	GoalQueueSize  int      `yaml:"goal_queue_size"`
}

// ExperienceConfig tunes the outcome buffer.
type ExperienceConfig struct {
	Capacity int `yaml:"capacity"`
}

// SessionConfig tunes encrypted credential storage.
type SessionConfig struct {
	// Key is the hex-encoded 32-byte sealing key. Empty disables the store.
	Key string `yaml:"key,omitempty"`
}

// ScheduleConfig is one recurring swarm goal.
type ScheduleConfig struct {
	// Cron is a standard 5-field cron expression.
	Cron string `yaml:"cron"`
	Goal string `yaml:"goal"`
	// Context is passed through to the goal templates.
	Context map[string]any `yaml:"context,omitempty"`
}

// Default returns configuration with production defaults.
func Default() Config {
	return Config{
		ListenAddr: ":8420",
		DataDir:    "/var/lib/swarmd",
		LogLevel:   "info",
		Driver:     DriverConfig{Mode: "sim"},
		Observer: ObserverConfig{
			ScanRadius:      32,
			BlockScanRadius: 16,
			UpdateInterval:  Duration(2 * time.Second),
			EventHistory:    100,
		},
		Planner: PlannerConfig{
			MaxPlanLength: 20,
			CacheTTL:      Duration(30 * time.Second),
		},
		Router: RouterConfig{
			TaskTimeout:                 Duration(30 * time.Second),
			RequireApprovalForDangerous: true,
		},
		Policy: PolicyConfig{
			RequestsPerMinute: 600,
			MaxTasksPerAgent:  8,
		},
		Approval: ApprovalConfig{
			TicketTTL: Duration(10 * time.Minute),
			MaxSize:   256,
		},
		Autonomy: AutonomyConfig{
			LoopInterval:   Duration(time.Second),
			StaleThreshold: Duration(10 * time.Second),
			HistorySize:    1000,
			GoalQueueSize:  64,
		},
		Experience: ExperienceConfig{Capacity: 5000},
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("SWARMD_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SWARMD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SWARMD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SWARMD_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("SWARMD_DRIVER_MODE"); v != "" {
		cfg.Driver.Mode = v
	}
	if v := os.Getenv("SWARMD_GATEWAY_URL"); v != "" {
		cfg.Driver.GatewayURL = v
	}
	if v := os.Getenv("SWARMD_GATEWAY_TOKEN"); v != "" {
		cfg.Driver.AuthToken = v
	}
	if v := os.Getenv("SWARMD_SESSION_KEY"); v != "" {
		cfg.Session.Key = v
	}
	if v := os.Getenv("SWARMD_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Policy.RequestsPerMinute = n
		}
	}
	if v := os.Getenv("SWARMD_MAX_TASKS_PER_AGENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Policy.MaxTasksPerAgent = n
		}
	}

	return cfg, cfg.Validate()
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	switch c.Driver.Mode {
	case "sim":
	case "websocket":
		if c.Driver.GatewayURL == "" {
			return fmt.Errorf("driver mode websocket requires gateway_url")
		}
	default:
		return fmt.Errorf("unknown driver mode %q", c.Driver.Mode)
	}
	if c.Session.Key != "" {
		key, err := hex.DecodeString(c.Session.Key)
		if err != nil {
			return fmt.Errorf("session key is not hex: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("session key must be 32 bytes, got %d", len(key))
		}
	}
	for i, s := range c.Schedules {
		if s.Cron == "" || s.Goal == "" {
			return fmt.Errorf("schedule %d needs both cron and goal", i)
		}
	}
	return nil
}

// SessionKey returns the decoded sealing key, or nil when unset.
func (c Config) SessionKey() []byte {
	if c.Session.Key == "" {
		return nil
	}
	key, err := hex.DecodeString(c.Session.Key)
	if err != nil {
		return nil
	}
	return key
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}
