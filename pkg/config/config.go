// Package config loads orchestrator configuration from a YAML file with
// environment-variable overrides. Hard safety floors are enforced at load
// time and can never be configured lower.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/log"
)

// Hardcoded safety floors. Validate raises configured values to these and
// logs; it never lowers them.
const (
	MinCoverageFloor      = 70
	MinSecurityScoreFloor = 60
	MaxCriticalVulnsCeil  = 0
)

// Config holds every tunable of the orchestrator
type Config struct {
	DataDir string `yaml:"data_dir"`
	TaskDir string `yaml:"task_dir"`
	LogDir  string `yaml:"log_dir"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	ShardCount        int `yaml:"shard_count"`
	PoolSize          int `yaml:"pool_size"`
	PoolCheckInterval int `yaml:"pool_check_interval_seconds"`

	MaxConcurrentTasksPerWorker int `yaml:"max_concurrent_tasks_per_worker"`
	MaxRunningTasksPerUser      int `yaml:"max_running_tasks_per_user"`
	MaxTasksPerUser             int `yaml:"max_tasks_per_user"`

	AntiStarvationEnabled    bool `yaml:"anti_starvation_enabled"`
	AntiStarvationBackoffSec int  `yaml:"anti_starvation_backoff_seconds"`
	PerUserLimitsEnabled     bool `yaml:"per_user_limits_enabled"`

	HeartbeatIntervalSec int `yaml:"heartbeat_interval_seconds"`

	CBFailureThreshold  int `yaml:"cb_failure_threshold"`
	CBCooldownSeconds   int `yaml:"cb_cooldown_seconds"`
	CBHalfOpenMaxCalls  int `yaml:"cb_half_open_max_calls"`
	LockTimeoutSeconds  int `yaml:"lock_timeout_seconds"`
	PoolShutdownTimeout int `yaml:"pool_shutdown_timeout_seconds"`

	RecoveryInterval            int     `yaml:"recovery_interval_seconds"`
	RecoveryTimeout             int     `yaml:"recovery_timeout_seconds"`
	WorkerStaleHeartbeatMinutes int     `yaml:"worker_stale_heartbeat_minutes"`
	WorkerStaleGraceMultiplier  float64 `yaml:"worker_stale_grace_multiplier"`
	ZombieTimeoutMinutes        int     `yaml:"zombie_timeout_minutes"`

	EHMaxRetries        int      `yaml:"eh_max_retries"`
	EHBackoffBase       int      `yaml:"eh_backoff_base_seconds"`
	EHBackoffMax        int      `yaml:"eh_backoff_max_seconds"`
	EHBackoffMultiplier float64  `yaml:"eh_backoff_multiplier"`
	EHJitter            bool     `yaml:"eh_jitter"`
	EHRetryBudget       int      `yaml:"eh_retry_budget"`
	EHFallbackOrder     []string `yaml:"eh_fallback_order"`

	CoverageThreshold int  `yaml:"coverage_threshold"`
	MinSecurityScore  int  `yaml:"min_security_score"`
	MaxCriticalVulns  int  `yaml:"max_critical_vulns"`
	StrictMode        bool `yaml:"strict_mode"`
	MaxRetries        int  `yaml:"max_retries"`

	RebalanceThreshold  int `yaml:"rebalance_threshold"`
	HealthTimeoutSec    int `yaml:"health_timeout_seconds"`
	MaxWorkerCrashes    int `yaml:"max_worker_crashes"`
	RespawnCooldownSec  int `yaml:"respawn_cooldown_seconds"`
	RebalanceEveryCycle int `yaml:"rebalance_every_n_cycles"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	cfg := &Config{
		DataDir: "state",
		TaskDir: "tasks",
		LogDir:  "logs",

		ShardCount:        3,
		PoolSize:          3,
		PoolCheckInterval: 30,

		MaxConcurrentTasksPerWorker: 3,
		MaxRunningTasksPerUser:      10,
		MaxTasksPerUser:             25,

		AntiStarvationEnabled:    true,
		AntiStarvationBackoffSec: 5,
		PerUserLimitsEnabled:     true,

		HeartbeatIntervalSec: 30,

		CBFailureThreshold:  3,
		CBCooldownSeconds:   60,
		CBHalfOpenMaxCalls:  1,
		LockTimeoutSeconds:  10,
		PoolShutdownTimeout: 30,

		RecoveryInterval:            60,
		RecoveryTimeout:             900,
		WorkerStaleHeartbeatMinutes: 5,
		WorkerStaleGraceMultiplier:  1.5,
		ZombieTimeoutMinutes:        30,

		EHMaxRetries:        3,
		EHBackoffBase:       5,
		EHBackoffMax:        300,
		EHBackoffMultiplier: 2,
		EHJitter:            true,
		EHRetryBudget:       5,
		EHFallbackOrder:     []string{"claude", "gemini", "codex"},

		CoverageThreshold: 80,
		MinSecurityScore:  60,
		MaxCriticalVulns:  0,
		StrictMode:        true,
		MaxRetries:        3,

		RebalanceThreshold:  5,
		HealthTimeoutSec:    90,
		MaxWorkerCrashes:    5,
		RespawnCooldownSec:  15,
		RebalanceEveryCycle: 5,
	}
	cfg.Log.Level = "info"
	return cfg
}

// Load reads path (if non-empty), applies environment overrides, then
// validates. A missing file is not an error when path is empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config fields from the documented environment variables.
func (c *Config) applyEnv() {
	envInt("SHARD_COUNT", &c.ShardCount)
	envInt("POOL_SIZE", &c.PoolSize)
	envInt("POOL_CHECK_INTERVAL", &c.PoolCheckInterval)
	envInt("MAX_CONCURRENT_TASKS_PER_WORKER", &c.MaxConcurrentTasksPerWorker)
	envInt("MAX_RUNNING_TASKS_PER_USER", &c.MaxRunningTasksPerUser)
	envInt("MAX_TASKS_PER_USER", &c.MaxTasksPerUser)
	envBool("ANTI_STARVATION_ENABLED", &c.AntiStarvationEnabled)
	envInt("ANTI_STARVATION_BACKOFF_SEC", &c.AntiStarvationBackoffSec)
	envBool("PER_USER_LIMITS_ENABLED", &c.PerUserLimitsEnabled)
	envInt("CB_FAILURE_THRESHOLD", &c.CBFailureThreshold)
	envInt("CB_COOLDOWN_SECONDS", &c.CBCooldownSeconds)
	envInt("CB_HALF_OPEN_MAX_CALLS", &c.CBHalfOpenMaxCalls)
	envInt("POOL_SHUTDOWN_TIMEOUT", &c.PoolShutdownTimeout)
	envInt("RECOVERY_INTERVAL", &c.RecoveryInterval)
	envInt("RECOVERY_TIMEOUT", &c.RecoveryTimeout)
	envInt("WORKER_STALE_HEARTBEAT_MINUTES", &c.WorkerStaleHeartbeatMinutes)
	envFloat("WORKER_STALE_GRACE_MULTIPLIER", &c.WorkerStaleGraceMultiplier)
	envInt("EH_MAX_RETRIES", &c.EHMaxRetries)
	envInt("EH_BACKOFF_BASE", &c.EHBackoffBase)
	envInt("EH_BACKOFF_MAX", &c.EHBackoffMax)
	envFloat("EH_BACKOFF_MULTIPLIER", &c.EHBackoffMultiplier)
	envBool("EH_JITTER", &c.EHJitter)
	envInt("EH_RETRY_BUDGET", &c.EHRetryBudget)
	envInt("COVERAGE_THRESHOLD", &c.CoverageThreshold)
	envBool("STRICT_MODE", &c.StrictMode)
	envInt("MAX_RETRIES", &c.MaxRetries)
	envInt("MAX_WORKER_CRASHES", &c.MaxWorkerCrashes)
	envInt("REBALANCE_THRESHOLD", &c.RebalanceThreshold)

	if v := os.Getenv("EH_FALLBACK_ORDER"); v != "" {
		parts := strings.Split(v, ",")
		order := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				order = append(order, p)
			}
		}
		if len(order) > 0 {
			c.EHFallbackOrder = order
		}
	}
}

// Validate checks ranges and enforces the hardcoded floors. Threshold values
// below the floor are raised, not rejected, and the adjustment is logged.
func (c *Config) Validate() error {
	if c.ShardCount < 1 {
		return fmt.Errorf("shard_count must be >= 1, got %d", c.ShardCount)
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("pool_size must be >= 1, got %d", c.PoolSize)
	}
	if len(c.EHFallbackOrder) == 0 {
		return fmt.Errorf("eh_fallback_order must not be empty")
	}

	if c.CoverageThreshold < MinCoverageFloor {
		log.Logger.Warn().
			Int("configured", c.CoverageThreshold).
			Int("floor", MinCoverageFloor).
			Msg("coverage threshold below hard floor, raising")
		c.CoverageThreshold = MinCoverageFloor
	}
	if c.CoverageThreshold > 100 {
		return fmt.Errorf("coverage_threshold must be <= 100, got %d", c.CoverageThreshold)
	}
	if c.MinSecurityScore < MinSecurityScoreFloor {
		log.Logger.Warn().
			Int("configured", c.MinSecurityScore).
			Int("floor", MinSecurityScoreFloor).
			Msg("security score threshold below hard floor, raising")
		c.MinSecurityScore = MinSecurityScoreFloor
	}
	if c.MaxCriticalVulns > MaxCriticalVulnsCeil {
		log.Logger.Warn().
			Int("configured", c.MaxCriticalVulns).
			Msg("max critical vulns above hard ceiling, lowering to 0")
		c.MaxCriticalVulns = MaxCriticalVulnsCeil
	}
	if c.WorkerStaleGraceMultiplier < 1 {
		c.WorkerStaleGraceMultiplier = 1.5
	}
	return nil
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
