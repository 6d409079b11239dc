package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/coordplane/internal/obs"
)

// Mode selects whether remote sync adapters are exercised at all.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeHybrid Mode = "hybrid"
	ModeEdge   Mode = "edge"
)

type CloudflareConfig struct {
	WorkerURL string `yaml:"worker_url"`
	APIToken  string `yaml:"api_token"`
}

type RuntimeLimits struct {
	MaxCycles              int      `yaml:"max_cycles"`
	MaxRuntimeMs           Duration `yaml:"max_runtime_ms"`
	IdleTimeoutMs          Duration `yaml:"idle_timeout_ms"`
	MaxConsecutiveFailures int      `yaml:"max_consecutive_failures"`
	CheckIntervalMs        Duration `yaml:"check_interval_ms"`
}

type SyncConfig struct {
	PollingIntervalMs Duration `yaml:"polling_interval_ms"`
	TimeoutMs         Duration `yaml:"timeout_ms"`
	MaxRetries        int      `yaml:"max_retries"`
	BatchSize         int      `yaml:"batch_size"`
	AutoSync          bool     `yaml:"auto_sync"`
}

type QueueConfig struct {
	BaseDelayMs           Duration `yaml:"base_delay_ms"`
	MaxDelayMs            Duration `yaml:"max_delay_ms"`
	MaxAttempts           int      `yaml:"max_attempts"`
	HealthCheckIntervalMs Duration `yaml:"health_check_interval_ms"`
}

// SchedulerConfig resolves Open Question #1: the partial-credit multiplier
// for related-but-not-exact skill matches, and the minimum score at which a
// task counts as eligible (rather than merely preferred) for a given agent.
type SchedulerConfig struct {
	PartialCreditWeight float64 `yaml:"partial_credit_weight"`
	MinEligibleScore    float64 `yaml:"min_eligible_score"`
	MaxClaimRetries     int     `yaml:"max_claim_retries"`
}

type LeaseConfig struct {
	DefaultDurationMs Duration `yaml:"default_duration_ms"`
	SweepIntervalMs   Duration `yaml:"sweep_interval_ms"`
}

type MessageBusConfig struct {
	DefaultExpiryMs Duration `yaml:"default_expiry_ms"`
	SweepIntervalMs Duration `yaml:"sweep_interval_ms"`
	DedupMaxEntries int      `yaml:"dedup_max_entries"`
}

type QualityConfig struct {
	CoverageDropWarningPoints float64 `yaml:"coverage_drop_warning_points"`
}

type ScheduledTaskConfig struct {
	ID       string `yaml:"id"`
	Cron     string `yaml:"cron"`
	Title    string `yaml:"title"`
	Type     string `yaml:"type"`
	Priority string `yaml:"priority"`
}

type Config struct {
	Root string `yaml:"root"`

	Mode       Mode             `yaml:"mode"`
	Cloudflare CloudflareConfig `yaml:"cloudflare"`

	Runtime   RuntimeLimits         `yaml:"runtime"`
	Sync      SyncConfig            `yaml:"sync"`
	Queue     QueueConfig           `yaml:"queue"`
	Scheduler SchedulerConfig       `yaml:"scheduler"`
	Leases    LeaseConfig           `yaml:"leases"`
	Messages  MessageBusConfig      `yaml:"messages"`
	Quality   QualityConfig         `yaml:"quality"`
	Schedules []ScheduledTaskConfig `yaml:"schedules"`
	Telemetry obs.Config            `yaml:"telemetry"`

	LogLevel  string `yaml:"log_level"`
	ClientID  string `yaml:"client_id"`
	HealthAddr string `yaml:"health_addr"`

	NeedsGenesis bool `yaml:"-"`
}

func defaultConfig() Config {
	return Config{
		Root: "./coordplane-data",
		Mode: ModeLocal,
		Runtime: RuntimeLimits{
			MaxCycles:              0,
			MaxRuntimeMs:           0,
			IdleTimeoutMs:          Duration(0),
			MaxConsecutiveFailures: 5,
			CheckIntervalMs:        mustParse("5000ms"),
		},
		Sync: SyncConfig{
			PollingIntervalMs: mustParse("30s"),
			TimeoutMs:         mustParse("30s"),
			MaxRetries:        3,
			BatchSize:         50,
			AutoSync:          false,
		},
		Queue: QueueConfig{
			BaseDelayMs:           mustParse("1s"),
			MaxDelayMs:            mustParse("60s"),
			MaxAttempts:           5,
			HealthCheckIntervalMs: mustParse("30s"),
		},
		Scheduler: SchedulerConfig{
			PartialCreditWeight: 0.3,
			MinEligibleScore:    1.0,
			MaxClaimRetries:     3,
		},
		Leases: LeaseConfig{
			DefaultDurationMs: mustParse("60s"),
			SweepIntervalMs:   mustParse("15s"),
		},
		Messages: MessageBusConfig{
			DefaultExpiryMs: mustParse("24h"),
			SweepIntervalMs: mustParse("60s"),
			DedupMaxEntries: 10000,
		},
		Quality: QualityConfig{
			CoverageDropWarningPoints: 5,
		},
		Telemetry: obs.Config{
			Enabled:     false,
			Exporter:    "stdout",
			ServiceName: "coordplane",
			SampleRate:  1.0,
		},
		LogLevel:   "info",
		ClientID:   "local",
		HealthAddr: "127.0.0.1:8085",
	}
}

func mustParse(s string) Duration {
	d, err := ParseDuration(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Load reads YAML config from path (if it exists), applies defaults for
// anything unset, then layers environment overrides on top.
func Load(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
			cfg.NeedsGenesis = true
		} else {
			merged := defaultConfig()
			if err := yaml.Unmarshal(data, &merged); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
			cfg = merged
		}
	}
	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("COORDPLANE_ROOT"); v != "" {
		cfg.Root = v
	}
	if v := os.Getenv("COORDPLANE_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("COORDPLANE_CLOUDFLARE_WORKER_URL"); v != "" {
		cfg.Cloudflare.WorkerURL = v
	}
	if v := os.Getenv("COORDPLANE_CLOUDFLARE_API_TOKEN"); v != "" {
		cfg.Cloudflare.APIToken = v
	}
	if v := os.Getenv("COORDPLANE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("COORDPLANE_CLIENT_ID"); v != "" {
		cfg.ClientID = v
	}
	if v := os.Getenv("COORDPLANE_MAX_CYCLES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Runtime.MaxCycles = n
		}
	}
	if v := os.Getenv("COORDPLANE_HEALTH_ADDR"); v != "" {
		cfg.HealthAddr = v
	}
}

func normalize(cfg *Config) {
	cfg.Root = strings.TrimSuffix(cfg.Root, "/")
	if cfg.Mode == "" {
		cfg.Mode = ModeLocal
	}
	if cfg.Runtime.MaxConsecutiveFailures <= 0 {
		cfg.Runtime.MaxConsecutiveFailures = 5
	}
	if cfg.Sync.BatchSize <= 0 {
		cfg.Sync.BatchSize = 50
	}
	if cfg.Queue.MaxAttempts <= 0 {
		cfg.Queue.MaxAttempts = 5
	}
	if cfg.Scheduler.MaxClaimRetries <= 0 {
		cfg.Scheduler.MaxClaimRetries = 3
	}
	if cfg.Scheduler.MinEligibleScore <= 0 {
		cfg.Scheduler.MinEligibleScore = 1.0
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "local"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = "127.0.0.1:8085"
	}
}

func (c Config) RemoteRequired() bool {
	return c.Mode == ModeHybrid || c.Mode == ModeEdge
}

func (c Config) StoreDBPath() string        { return filepath.Join(c.Root, "tasks.db") }
func (c Config) ChangeLogDBPath() string    { return filepath.Join(c.Root, "sync", "changelog.db") }
func (c Config) OfflineQueueDBPath() string { return filepath.Join(c.Root, "sync", "offline-queue.db") }
func (c Config) SyncStatePath() string      { return filepath.Join(c.Root, "sync", "sync-state.json") }
func (c Config) MailDir() string            { return filepath.Join(c.Root, "mail") }
func (c Config) SkillTaxonomyPath() string  { return filepath.Join(c.Root, "skills", "taxonomy.yaml") }
func (c Config) LogDir() string             { return filepath.Join(c.Root, "logs") }
