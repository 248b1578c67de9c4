package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Repo is the "owner/name" slug of the managed repository.
	Repo       string `yaml:"repo"`
	RemoteURL  string `yaml:"remote_url"`
	BaseBranch string `yaml:"base_branch"`
	GHToken    string `yaml:"gh_token"`

	Workdir       string `yaml:"workdir"`
	StateFile     string `yaml:"state_file"`
	LogFile       string `yaml:"log_file"`
	TranscriptDir string `yaml:"transcript_dir"`
	EventsFile    string `yaml:"events_file"`
	DigestFile    string `yaml:"digest_file"`

	Log    LogConfig   `yaml:"log"`
	Agent  AgentConfig `yaml:"agent"`
	Labels Labels      `yaml:"labels"`
	TUI    TUIConfig   `yaml:"tui"`

	MaxWorkers     int `yaml:"max_workers"`
	MaxPlanners    int `yaml:"max_planners"`
	MaxReviewers   int `yaml:"max_reviewers"`
	MaxTriagers    int `yaml:"max_triagers"`
	MaxHITLWorkers int `yaml:"max_hitl_workers"`

	MaxRetries        int           `yaml:"max_retries"`
	RetryBaseDelay    time.Duration `yaml:"-"`
	RawRetryBaseDelay string        `yaml:"retry_base_delay"`
	RetryMaxDelay     time.Duration `yaml:"-"`
	RawRetryMaxDelay  string        `yaml:"retry_max_delay"`

	CommandTimeout         time.Duration `yaml:"-"`
	RawCommandTimeout      string        `yaml:"command_timeout"`
	CreditPauseFallback    time.Duration `yaml:"-"`
	RawCreditPauseFallback string        `yaml:"credit_pause_fallback"`

	PollInterval           time.Duration `yaml:"-"`
	RawPollInterval        string        `yaml:"poll_interval"`
	WorkerInterval         time.Duration `yaml:"-"`
	RawWorkerInterval      string        `yaml:"worker_interval"`
	MemorySyncInterval     time.Duration `yaml:"-"`
	RawMemorySyncInterval  string        `yaml:"memory_sync_interval"`
	MetricsSyncInterval    time.Duration `yaml:"-"`
	RawMetricsSyncInterval string        `yaml:"metrics_sync_interval"`
	UnstickInterval        time.Duration `yaml:"-"`
	RawUnstickInterval     string        `yaml:"unstick_interval"`
	EventRotateInterval    time.Duration `yaml:"-"`
	RawEventRotateInterval string        `yaml:"event_rotate_interval"`

	QualityFixRateThreshold float64 `yaml:"quality_fix_rate_threshold"`
	ApprovalRateThreshold   float64 `yaml:"approval_rate_threshold"`
	HITLRateThreshold       float64 `yaml:"hitl_rate_threshold"`
	MetricsMinSample        int     `yaml:"metrics_min_sample"`

	UnstickBatchSize            int      `yaml:"unstick_batch_size"`
	MaxMergeConflictFixAttempts int      `yaml:"max_merge_conflict_fix_attempts"`
	MaxIssueAttempts            int      `yaml:"max_issue_attempts"`
	VerifyCommand               []string `yaml:"verify_command"`

	EventHistory       int   `yaml:"event_history"`
	EventLogMaxBytes   int64 `yaml:"event_log_max_bytes"`
	EventLogMaxAgeDays int   `yaml:"event_log_max_age_days"`

	MaxMemoryEntries int `yaml:"max_memory_entries"`
	MaxMemoryChars   int `yaml:"max_memory_chars"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type AgentConfig struct {
	Command    string        `yaml:"command"`
	Model      string        `yaml:"model"`
	Timeout    time.Duration `yaml:"-"`
	RawTimeout string        `yaml:"timeout"`
}

type TUIConfig struct {
	RefreshInterval time.Duration `yaml:"-"`
	RawInterval     string        `yaml:"refresh_interval"`
}

// Labels holds the aliases of every logical label. The first alias is the
// one Hydra applies; any alias is recognised when reading.
type Labels struct {
	Find       []string `yaml:"find"`
	Plan       []string `yaml:"plan"`
	Ready      []string `yaml:"ready"`
	Review     []string `yaml:"review"`
	HITL       []string `yaml:"hitl"`
	HITLActive []string `yaml:"hitl_active"`
	Fixed      []string `yaml:"fixed"`
	Improve    []string `yaml:"improve"`
	Memory     []string `yaml:"memory"`
	Metrics    []string `yaml:"metrics"`
	Dup        []string `yaml:"dup"`
}

// Pipeline returns every stage label alias including HITL and HITL-active.
func (l Labels) Pipeline() []string {
	var out []string
	for _, set := range [][]string{l.Find, l.Plan, l.Ready, l.Review, l.HITL, l.HITLActive} {
		out = append(out, set...)
	}
	return out
}

// Named maps the logical label names to their aliases.
func (l Labels) Named() map[string][]string {
	return map[string][]string{
		"find":        l.Find,
		"plan":        l.Plan,
		"ready":       l.Ready,
		"review":      l.Review,
		"hitl":        l.HITL,
		"hitl_active": l.HITLActive,
		"fixed":       l.Fixed,
		"improve":     l.Improve,
		"memory":      l.Memory,
		"metrics":     l.Metrics,
		"dup":         l.Dup,
	}
}

func (l *Labels) fields() []labelField {
	return []labelField{
		{"FIND", &l.Find, "hydra-find"},
		{"PLAN", &l.Plan, "hydra-plan"},
		{"READY", &l.Ready, "hydra-ready"},
		{"REVIEW", &l.Review, "hydra-review"},
		{"HITL", &l.HITL, "hydra-hitl"},
		{"HITL_ACTIVE", &l.HITLActive, "hydra-hitl-active"},
		{"FIXED", &l.Fixed, "hydra-fixed"},
		{"IMPROVE", &l.Improve, "hydra-improve"},
		{"MEMORY", &l.Memory, "hydra-memory"},
		{"METRICS", &l.Metrics, "hydra-metrics"},
		{"DUP", &l.Dup, "hydra-dup"},
	}
}

type labelField struct {
	env  string
	dst  *[]string
	dflt string
}

// Load reads the YAML file at path. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	return finish(&cfg, os.LookupEnv)
}

func finish(cfg *Config, lookup LookupFunc) (*Config, error) {
	cfg.setDefaults()
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.derivePaths()
	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	d := defaults()

	setString(&c.BaseBranch, d.BaseBranch)
	setString(&c.Workdir, d.Workdir)
	setString(&c.Log.Level, d.Log.Level)
	setString(&c.Agent.Command, d.Agent.Command)
	setString(&c.Agent.RawTimeout, d.Agent.RawTimeout)
	setString(&c.TUI.RawInterval, d.TUI.RawInterval)

	for _, f := range c.Labels.fields() {
		if len(*f.dst) == 0 {
			*f.dst = []string{f.dflt}
		}
	}

	setInt(&c.MaxWorkers, d.MaxWorkers)
	setInt(&c.MaxPlanners, d.MaxPlanners)
	setInt(&c.MaxReviewers, d.MaxReviewers)
	setInt(&c.MaxTriagers, d.MaxTriagers)
	setInt(&c.MaxHITLWorkers, d.MaxHITLWorkers)
	setInt(&c.MaxRetries, d.MaxRetries)

	setString(&c.RawRetryBaseDelay, d.RawRetryBaseDelay)
	setString(&c.RawRetryMaxDelay, d.RawRetryMaxDelay)
	setString(&c.RawCommandTimeout, d.RawCommandTimeout)
	setString(&c.RawCreditPauseFallback, d.RawCreditPauseFallback)
	setString(&c.RawPollInterval, d.RawPollInterval)
	setString(&c.RawWorkerInterval, d.RawWorkerInterval)
	setString(&c.RawMemorySyncInterval, d.RawMemorySyncInterval)
	setString(&c.RawMetricsSyncInterval, d.RawMetricsSyncInterval)
	setString(&c.RawUnstickInterval, d.RawUnstickInterval)
	setString(&c.RawEventRotateInterval, d.RawEventRotateInterval)

	setFloat(&c.QualityFixRateThreshold, d.QualityFixRateThreshold)
	setFloat(&c.ApprovalRateThreshold, d.ApprovalRateThreshold)
	setFloat(&c.HITLRateThreshold, d.HITLRateThreshold)
	setInt(&c.MetricsMinSample, d.MetricsMinSample)

	setInt(&c.UnstickBatchSize, d.UnstickBatchSize)
	setInt(&c.MaxMergeConflictFixAttempts, d.MaxMergeConflictFixAttempts)
	setInt(&c.MaxIssueAttempts, d.MaxIssueAttempts)

	setInt(&c.EventHistory, d.EventHistory)
	if c.EventLogMaxBytes == 0 {
		c.EventLogMaxBytes = d.EventLogMaxBytes
	}
	setInt(&c.EventLogMaxAgeDays, d.EventLogMaxAgeDays)

	setInt(&c.MaxMemoryEntries, d.MaxMemoryEntries)
	setInt(&c.MaxMemoryChars, d.MaxMemoryChars)
}

// defaults returns the compiled-in values. Paths derived from the workdir
// are filled by derivePaths.
func defaults() Config {
	return Config{
		BaseBranch: "main",
		Workdir:    "/tmp/hydra",
		Log:        LogConfig{Level: "info"},
		Agent:      AgentConfig{Command: "claude", RawTimeout: "1h"},
		TUI:        TUIConfig{RawInterval: "3s"},

		MaxWorkers:     2,
		MaxPlanners:    1,
		MaxReviewers:   1,
		MaxTriagers:    1,
		MaxHITLWorkers: 1,

		MaxRetries:        3,
		RawRetryBaseDelay: "1s",
		RawRetryMaxDelay:  "30s",

		RawCommandTimeout:      "2m",
		RawCreditPauseFallback: "1h",

		RawPollInterval:        "30s",
		RawWorkerInterval:      "5s",
		RawMemorySyncInterval:  "1h",
		RawMetricsSyncInterval: "2h",
		RawUnstickInterval:     "10m",
		RawEventRotateInterval: "1h",

		QualityFixRateThreshold: 0.5,
		ApprovalRateThreshold:   0.5,
		HITLRateThreshold:       0.2,
		MetricsMinSample:        5,

		UnstickBatchSize:            10,
		MaxMergeConflictFixAttempts: 3,
		MaxIssueAttempts:            3,

		EventHistory:       5000,
		EventLogMaxBytes:   10 * 1024 * 1024,
		EventLogMaxAgeDays: 7,

		MaxMemoryEntries: 50,
		MaxMemoryChars:   4000,
	}
}

func (c *Config) derivePaths() {
	setString(&c.StateFile, filepath.Join(c.Workdir, "state.json"))
	setString(&c.LogFile, filepath.Join(c.Workdir, "logs", "hydra.log"))
	setString(&c.TranscriptDir, filepath.Join(c.Workdir, "transcripts"))
	setString(&c.EventsFile, filepath.Join(c.Workdir, "events.jsonl"))
	setString(&c.DigestFile, filepath.Join(c.Workdir, "memory", "digest.md"))
}

func (c *Config) parseDurations() error {
	for _, d := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"retry_base_delay", c.RawRetryBaseDelay, &c.RetryBaseDelay},
		{"retry_max_delay", c.RawRetryMaxDelay, &c.RetryMaxDelay},
		{"command_timeout", c.RawCommandTimeout, &c.CommandTimeout},
		{"credit_pause_fallback", c.RawCreditPauseFallback, &c.CreditPauseFallback},
		{"poll_interval", c.RawPollInterval, &c.PollInterval},
		{"worker_interval", c.RawWorkerInterval, &c.WorkerInterval},
		{"memory_sync_interval", c.RawMemorySyncInterval, &c.MemorySyncInterval},
		{"metrics_sync_interval", c.RawMetricsSyncInterval, &c.MetricsSyncInterval},
		{"unstick_interval", c.RawUnstickInterval, &c.UnstickInterval},
		{"event_rotate_interval", c.RawEventRotateInterval, &c.EventRotateInterval},
		{"agent.timeout", c.Agent.RawTimeout, &c.Agent.Timeout},
		{"tui.refresh_interval", c.TUI.RawInterval, &c.TUI.RefreshInterval},
	} {
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse %s %q: %w", d.key, d.raw, err)
		}
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.key, d.raw)
		}
		*d.dst = v
	}
	return nil
}

func (c *Config) validate() error {
	owner, name, ok := strings.Cut(c.Repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("repo must be owner/name, got %q", c.Repo)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q (debug|info|warn|error)", c.Log.Level)
	}

	for _, n := range []struct {
		key string
		v   int
	}{
		{"max_workers", c.MaxWorkers},
		{"max_planners", c.MaxPlanners},
		{"max_reviewers", c.MaxReviewers},
		{"max_triagers", c.MaxTriagers},
		{"max_hitl_workers", c.MaxHITLWorkers},
		{"unstick_batch_size", c.UnstickBatchSize},
		{"max_merge_conflict_fix_attempts", c.MaxMergeConflictFixAttempts},
		{"max_issue_attempts", c.MaxIssueAttempts},
		{"event_history", c.EventHistory},
		{"event_log_max_age_days", c.EventLogMaxAgeDays},
		{"max_memory_entries", c.MaxMemoryEntries},
		{"max_memory_chars", c.MaxMemoryChars},
		{"metrics_min_sample", c.MetricsMinSample},
	} {
		if n.v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", n.key, n.v)
		}
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.EventLogMaxBytes <= 0 {
		return fmt.Errorf("event_log_max_bytes must be positive, got %d", c.EventLogMaxBytes)
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("retry_max_delay %s is below retry_base_delay %s", c.RetryMaxDelay, c.RetryBaseDelay)
	}

	for key, v := range map[string]float64{
		"quality_fix_rate_threshold": c.QualityFixRateThreshold,
		"approval_rate_threshold":    c.ApprovalRateThreshold,
		"hitl_rate_threshold":        c.HITLRateThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0, 1], got %v", key, v)
		}
	}

	for name, aliases := range c.Labels.Named() {
		if len(aliases) == 0 {
			return fmt.Errorf("labels.%s: at least one alias required", name)
		}
		for _, a := range aliases {
			if strings.TrimSpace(a) == "" {
				return fmt.Errorf("labels.%s: empty alias", name)
			}
		}
	}
	return nil
}

func setString(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if *dst == 0 {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if *dst == 0 {
		*dst = v
	}
}
