package config

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

const envPrefix = "HYDRA_"

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// applyEnv overrides fields that still hold their compiled-in default with
// HYDRA_* environment variables. Values set in the config file win.
func (c *Config) applyEnv(lookup LookupFunc) error {
	d := defaults()
	e := &envApplier{lookup: lookup}

	e.str("REPO", &c.Repo, d.Repo)
	e.str("REMOTE_URL", &c.RemoteURL, d.RemoteURL)
	e.str("BASE_BRANCH", &c.BaseBranch, d.BaseBranch)
	e.str("GH_TOKEN", &c.GHToken, d.GHToken)

	e.str("WORKDIR", &c.Workdir, d.Workdir)
	e.str("STATE_FILE", &c.StateFile, d.StateFile)
	e.str("LOG_FILE", &c.LogFile, d.LogFile)
	e.str("TRANSCRIPT_DIR", &c.TranscriptDir, d.TranscriptDir)
	e.str("EVENTS_FILE", &c.EventsFile, d.EventsFile)
	e.str("DIGEST_FILE", &c.DigestFile, d.DigestFile)

	e.str("LOG_LEVEL", &c.Log.Level, d.Log.Level)
	e.str("AGENT_COMMAND", &c.Agent.Command, d.Agent.Command)
	e.str("AGENT_MODEL", &c.Agent.Model, d.Agent.Model)
	e.str("AGENT_TIMEOUT", &c.Agent.RawTimeout, d.Agent.RawTimeout)
	e.str("TUI_REFRESH_INTERVAL", &c.TUI.RawInterval, d.TUI.RawInterval)

	for _, f := range c.Labels.fields() {
		e.list("LABEL_"+f.env, f.dst, []string{f.dflt}, splitComma)
	}

	e.integer("MAX_WORKERS", &c.MaxWorkers, d.MaxWorkers)
	e.integer("MAX_PLANNERS", &c.MaxPlanners, d.MaxPlanners)
	e.integer("MAX_REVIEWERS", &c.MaxReviewers, d.MaxReviewers)
	e.integer("MAX_TRIAGERS", &c.MaxTriagers, d.MaxTriagers)
	e.integer("MAX_HITL_WORKERS", &c.MaxHITLWorkers, d.MaxHITLWorkers)

	e.integer("MAX_RETRIES", &c.MaxRetries, d.MaxRetries)
	e.str("RETRY_BASE_DELAY", &c.RawRetryBaseDelay, d.RawRetryBaseDelay)
	e.str("RETRY_MAX_DELAY", &c.RawRetryMaxDelay, d.RawRetryMaxDelay)
	e.str("COMMAND_TIMEOUT", &c.RawCommandTimeout, d.RawCommandTimeout)
	e.str("CREDIT_PAUSE_FALLBACK", &c.RawCreditPauseFallback, d.RawCreditPauseFallback)

	e.str("POLL_INTERVAL", &c.RawPollInterval, d.RawPollInterval)
	e.str("WORKER_INTERVAL", &c.RawWorkerInterval, d.RawWorkerInterval)
	e.str("MEMORY_SYNC_INTERVAL", &c.RawMemorySyncInterval, d.RawMemorySyncInterval)
	e.str("METRICS_SYNC_INTERVAL", &c.RawMetricsSyncInterval, d.RawMetricsSyncInterval)
	e.str("UNSTICK_INTERVAL", &c.RawUnstickInterval, d.RawUnstickInterval)
	e.str("EVENT_ROTATE_INTERVAL", &c.RawEventRotateInterval, d.RawEventRotateInterval)

	e.float("QUALITY_FIX_RATE_THRESHOLD", &c.QualityFixRateThreshold, d.QualityFixRateThreshold)
	e.float("APPROVAL_RATE_THRESHOLD", &c.ApprovalRateThreshold, d.ApprovalRateThreshold)
	e.float("HITL_RATE_THRESHOLD", &c.HITLRateThreshold, d.HITLRateThreshold)
	e.integer("METRICS_MIN_SAMPLE", &c.MetricsMinSample, d.MetricsMinSample)

	e.integer("UNSTICK_BATCH_SIZE", &c.UnstickBatchSize, d.UnstickBatchSize)
	e.integer("MAX_MERGE_CONFLICT_FIX_ATTEMPTS", &c.MaxMergeConflictFixAttempts, d.MaxMergeConflictFixAttempts)
	e.integer("MAX_ISSUE_ATTEMPTS", &c.MaxIssueAttempts, d.MaxIssueAttempts)
	e.list("VERIFY_COMMAND", &c.VerifyCommand, d.VerifyCommand, strings.Fields)

	e.integer("EVENT_HISTORY", &c.EventHistory, d.EventHistory)
	e.integer64("EVENT_LOG_MAX_BYTES", &c.EventLogMaxBytes, d.EventLogMaxBytes)
	e.integer("EVENT_LOG_MAX_AGE_DAYS", &c.EventLogMaxAgeDays, d.EventLogMaxAgeDays)

	e.integer("MAX_MEMORY_ENTRIES", &c.MaxMemoryEntries, d.MaxMemoryEntries)
	e.integer("MAX_MEMORY_CHARS", &c.MaxMemoryChars, d.MaxMemoryChars)

	if err := errors.Join(e.errs...); err != nil {
		return fmt.Errorf("apply environment: %w", err)
	}
	return nil
}

type envApplier struct {
	lookup LookupFunc
	errs   []error
}

func (e *envApplier) get(key string) (string, string, bool) {
	name := envPrefix + key
	v, ok := e.lookup(name)
	if !ok || strings.TrimSpace(v) == "" {
		return name, "", false
	}
	return name, strings.TrimSpace(v), true
}

func (e *envApplier) str(key string, dst *string, dflt string) {
	if *dst != dflt {
		return
	}
	if _, v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envApplier) integer(key string, dst *int, dflt int) {
	if *dst != dflt {
		return
	}
	name, v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = n
}

func (e *envApplier) integer64(key string, dst *int64, dflt int64) {
	if *dst != dflt {
		return
	}
	name, v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = n
}

func (e *envApplier) float(key string, dst *float64, dflt float64) {
	if *dst != dflt {
		return
	}
	name, v, ok := e.get(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = f
}

func (e *envApplier) list(key string, dst *[]string, dflt []string, split func(string) []string) {
	if !slices.Equal(*dst, dflt) {
		return
	}
	if _, v, ok := e.get(key); ok {
		*dst = split(v)
	}
}

func splitComma(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
