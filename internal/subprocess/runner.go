package subprocess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// strippedEnv lists variables a parent agent sets to mark a nested session.
// Children must never inherit them.
var strippedEnv = []string{"CLAUDECODE", "CLAUDE_CODE_ENTRYPOINT"}

const (
	DefaultTimeout   = 2 * time.Minute
	DefaultRetries   = 3
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 30 * time.Second
)

// Cmd describes one external command invocation.
type Cmd struct {
	Name    string
	Args    []string
	Dir     string
	Env     map[string]string
	Timeout time.Duration
}

func (c Cmd) argv() []string {
	return append([]string{c.Name}, c.Args...)
}

// Options configures a Runner. Zero values select the package defaults.
type Options struct {
	Token      string
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Runner executes external commands with a sanitized environment, a hard
// timeout and stderr classification.
type Runner struct {
	logger     *slog.Logger
	token      string
	timeout    time.Duration
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(d time.Duration) time.Duration
}

func NewRunner(opts Options, logger *slog.Logger) *Runner {
	r := &Runner{
		logger:     logger,
		token:      opts.Token,
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
		now:        time.Now,
		sleep:      sleepContext,
		jitter:     halfJitter,
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	if r.maxRetries < 0 {
		r.maxRetries = 0
	}
	if r.baseDelay <= 0 {
		r.baseDelay = DefaultBaseDelay
	}
	if r.maxDelay <= 0 {
		r.maxDelay = DefaultMaxDelay
	}
	return r
}

// Run executes c and returns its stdout. Failures are *Error, except when
// ctx itself is done: then the result wraps ctx.Err() and is not an *Error.
func (r *Runner) Run(ctx context.Context, c Cmd) (string, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.logger.Debug("exec", "cmd", strings.Join(c.argv(), " "), "dir", c.Dir)

	cmd := exec.CommandContext(runCtx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = r.environ(c.Env)
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.String(), nil
	}

	if ctx.Err() != nil {
		return stdout.String(), fmt.Errorf("%s: %w", c.Name, ctx.Err())
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return stdout.String(), &Error{
			Kind:     KindTimeout,
			Command:  c.argv(),
			ExitCode: -1,
			Stderr:   stderr.String(),
			Timeout:  timeout,
		}
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		// The command never started (missing binary, bad cwd).
		return "", &Error{
			Kind:     KindPermanent,
			Command:  c.argv(),
			ExitCode: -1,
			Stderr:   err.Error(),
		}
	}

	se := &Error{
		Kind:     Classify(stderr.String()),
		Command:  c.argv(),
		ExitCode: exitErr.ExitCode(),
		Stderr:   stderr.String(),
	}
	if se.Kind == KindCreditExhausted {
		se.ResumeAt = ParseResetTime(se.Stderr, r.now())
	}
	return stdout.String(), se
}

// environ builds the child environment: inherited variables minus the
// recursion markers, the credential token, then per-call overrides.
func (r *Runner) environ(overrides map[string]string) []string {
	drop := make(map[string]bool, len(strippedEnv)+len(overrides)+1)
	for _, k := range strippedEnv {
		drop[k] = true
	}
	if r.token != "" {
		drop["GH_TOKEN"] = true
	}
	for k := range overrides {
		drop[k] = true
	}

	var env []string
	for _, kv := range os.Environ() {
		k, _, _ := strings.Cut(kv, "=")
		if !drop[k] {
			env = append(env, kv)
		}
	}
	if r.token != "" {
		env = append(env, "GH_TOKEN="+r.token)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if isStripped(k) {
			continue
		}
		env = append(env, k+"="+overrides[k])
	}
	return env
}

func isStripped(key string) bool {
	for _, k := range strippedEnv {
		if k == key {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// halfJitter adds a uniform random 0–50% of d.
func halfJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int64N(int64(d)/2+1))
}
