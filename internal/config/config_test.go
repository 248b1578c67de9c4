package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hydra.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func mapEnv(m map[string]string) LookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func load(t *testing.T, body string, env map[string]string) (*Config, error) {
	t.Helper()
	var cfg Config
	require.NoError(t, yamlUnmarshal(body, &cfg))
	return finish(&cfg, mapEnv(env))
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "repo: acme/widgets\n"))
	require.NoError(t, err)

	assert.Equal(t, "main", cfg.BaseBranch)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, time.Hour, cfg.MemorySyncInterval)
	assert.Equal(t, 2*time.Hour, cfg.MetricsSyncInterval)
	assert.Equal(t, 10*time.Minute, cfg.UnstickInterval)
	assert.Equal(t, time.Second, cfg.RetryBaseDelay)
	assert.Equal(t, 30*time.Second, cfg.RetryMaxDelay)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 3, cfg.MaxMergeConflictFixAttempts)
	assert.Equal(t, 3, cfg.MaxIssueAttempts)
	assert.Equal(t, 10, cfg.UnstickBatchSize)
	assert.Equal(t, 5000, cfg.EventHistory)
	assert.Equal(t, int64(10*1024*1024), cfg.EventLogMaxBytes)
	assert.Equal(t, 0.2, cfg.HITLRateThreshold)
	assert.Equal(t, "claude", cfg.Agent.Command)
	assert.Equal(t, time.Hour, cfg.Agent.Timeout)
	assert.Equal(t, 3*time.Second, cfg.TUI.RefreshInterval)

	assert.Equal(t, []string{"hydra-ready"}, cfg.Labels.Ready)
	assert.Equal(t, []string{"hydra-hitl-active"}, cfg.Labels.HITLActive)
	assert.Equal(t, filepath.Join("/tmp/hydra", "state.json"), cfg.StateFile)
	assert.Equal(t, filepath.Join("/tmp/hydra", "events.jsonl"), cfg.EventsFile)
}

func TestLoad_FileValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
repo: acme/widgets
workdir: /var/lib/hydra
poll_interval: 5s
max_workers: 4
labels:
  ready: [hydra-ready, ready-for-agent]
verify_command: [make, test]
agent:
  model: opus
  timeout: 30m
`))
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 4, cfg.MaxWorkers)
	assert.Equal(t, []string{"hydra-ready", "ready-for-agent"}, cfg.Labels.Ready)
	assert.Equal(t, []string{"make", "test"}, cfg.VerifyCommand)
	assert.Equal(t, "opus", cfg.Agent.Model)
	assert.Equal(t, 30*time.Minute, cfg.Agent.Timeout)
	assert.Equal(t, "/var/lib/hydra/transcripts", cfg.TranscriptDir)
}

func TestEnv_AppliesOnlyToDefaults(t *testing.T) {
	env := map[string]string{
		"HYDRA_REPO":                "env/repo",
		"HYDRA_MAX_WORKERS":         "8",
		"HYDRA_MAX_PLANNERS":        "3",
		"HYDRA_POLL_INTERVAL":       "1m",
		"HYDRA_LABEL_HITL":          "needs-human, hydra-hitl",
		"HYDRA_VERIFY_COMMAND":      "go test ./...",
		"HYDRA_WORKDIR":             "/srv/hydra",
		"HYDRA_HITL_RATE_THRESHOLD": "0.3",
	}
	cfg, err := load(t, "repo: acme/widgets\nmax_workers: 4\n", env)
	require.NoError(t, err)

	// Explicit file values win.
	assert.Equal(t, "acme/widgets", cfg.Repo)
	assert.Equal(t, 4, cfg.MaxWorkers)

	assert.Equal(t, 3, cfg.MaxPlanners)
	assert.Equal(t, time.Minute, cfg.PollInterval)
	assert.Equal(t, []string{"needs-human", "hydra-hitl"}, cfg.Labels.HITL)
	assert.Equal(t, []string{"go", "test", "./..."}, cfg.VerifyCommand)
	assert.Equal(t, 0.3, cfg.HITLRateThreshold)
	assert.Equal(t, "/srv/hydra/state.json", cfg.StateFile)
}

func TestEnv_RepoFromEnvironment(t *testing.T) {
	cfg, err := load(t, "", map[string]string{"HYDRA_REPO": "env/repo"})
	require.NoError(t, err)
	assert.Equal(t, "env/repo", cfg.Repo)
}

func TestEnv_InvalidNumber(t *testing.T) {
	_, err := load(t, "repo: a/b\n", map[string]string{"HYDRA_MAX_WORKERS": "many"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HYDRA_MAX_WORKERS")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing repo", "max_workers: 1\n", "repo must be owner/name"},
		{"bad repo", "repo: justname\n", "repo must be owner/name"},
		{"bad level", "repo: a/b\nlog:\n  level: loud\n", "invalid log.level"},
		{"bad duration", "repo: a/b\npoll_interval: soon\n", "parse poll_interval"},
		{"negative duration", "repo: a/b\nunstick_interval: -1m\n", "unstick_interval must be positive"},
		{"threshold range", "repo: a/b\napproval_rate_threshold: 1.5\n", "approval_rate_threshold"},
		{"negative workers", "repo: a/b\nmax_reviewers: -1\n", "max_reviewers must be positive"},
		{"negative issue attempts", "repo: a/b\nmax_issue_attempts: -2\n", "max_issue_attempts must be positive"},
		{"delay order", "repo: a/b\nretry_base_delay: 1m\nretry_max_delay: 1s\n", "retry_max_delay"},
		{"empty alias", "repo: a/b\nlabels:\n  plan: [\"\"]\n", "labels.plan"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(t, tt.body, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestLabels_Pipeline(t *testing.T) {
	cfg, err := load(t, "repo: a/b\n", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"hydra-find", "hydra-plan", "hydra-ready", "hydra-review", "hydra-hitl", "hydra-hitl-active",
	}, cfg.Labels.Pipeline())
}

func yamlUnmarshal(body string, cfg *Config) error {
	return yaml.Unmarshal([]byte(body), cfg)
}
