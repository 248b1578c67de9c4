package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/marcin-skalski/hydra/internal/subprocess"
)

const (
	DefaultCommand = "claude"
	DefaultTimeout = time.Hour
)

// CmdRunner runs the agent process once; agent runs are not retried.
type CmdRunner interface {
	Run(ctx context.Context, c subprocess.Cmd) (string, error)
}

type Options struct {
	Command string
	Model   string
	Timeout time.Duration
}

// Client invokes the coding agent non-interactively.
type Client struct {
	runner CmdRunner
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

func NewClient(runner CmdRunner, opts Options, logger *slog.Logger) *Client {
	if opts.Command == "" {
		opts.Command = DefaultCommand
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Client{runner: runner, opts: opts, logger: logger, now: time.Now}
}

type Result struct {
	// Transcript is the agent's final output.
	Transcript   string
	DurationMs   int
	TotalCostUSD float64
	SessionID    string
	NumTurns     int
}

type jsonResponse struct {
	Result       string  `json:"result"`
	IsError      bool    `json:"is_error"`
	DurationMs   int     `json:"duration_ms"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	SessionID    string  `json:"session_id"`
	NumTurns     int     `json:"num_turns"`
}

// Run executes the agent with prompt in workdir and returns its transcript.
// An agent-reported quota or auth failure is returned as the matching
// subprocess error kind.
func (c *Client) Run(ctx context.Context, workdir, prompt string) (*Result, error) {
	args := []string{
		"-p", prompt,
		"--output-format", "json",
		"--no-session-persistence",
		"--dangerously-skip-permissions",
	}
	if c.opts.Model != "" {
		args = append(args, "--model", c.opts.Model)
	}

	c.logger.Info("spawning agent", "workdir", workdir, "prompt_len", len(prompt))
	c.logger.Debug("agent prompt", "prompt", prompt)

	cmd := subprocess.Cmd{Name: c.opts.Command, Args: args, Dir: workdir, Timeout: c.opts.Timeout}
	out, err := c.runner.Run(ctx, cmd)
	if err != nil {
		return &Result{Transcript: out}, fmt.Errorf("agent: %w", err)
	}

	var resp jsonResponse
	if jsonErr := json.Unmarshal([]byte(out), &resp); jsonErr != nil {
		// Plain-text output: the whole stdout is the transcript.
		return &Result{Transcript: out}, nil
	}

	res := &Result{
		Transcript:   resp.Result,
		DurationMs:   resp.DurationMs,
		TotalCostUSD: resp.TotalCostUSD,
		SessionID:    resp.SessionID,
		NumTurns:     resp.NumTurns,
	}
	c.logger.Info("agent finished", "workdir", workdir, "turns", resp.NumTurns, "cost_usd", resp.TotalCostUSD, "error", resp.IsError)

	if resp.IsError {
		kind := subprocess.Classify(resp.Result)
		se := &subprocess.Error{
			Kind:    kind,
			Command: []string{c.opts.Command},
			Stderr:  strings.TrimSpace(resp.Result),
		}
		if kind == subprocess.KindCreditExhausted {
			se.ResumeAt = subprocess.ParseResetTime(resp.Result, c.now())
		}
		return res, fmt.Errorf("agent reported error: %w", se)
	}
	return res, nil
}
