package github

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/marcin-skalski/hydra/internal/subprocess"
)

// CmdRunner executes a command with retry on transient failures.
type CmdRunner interface {
	RunWithRetry(ctx context.Context, c subprocess.Cmd) (string, error)
}

// Client wraps the gh CLI for one repository.
type Client struct {
	runner CmdRunner
	repo   string
	logger *slog.Logger
}

// NewClient creates a client for repo ("owner/name"). An empty repo lets gh
// resolve the repository from the working directory.
func NewClient(runner CmdRunner, repo string, logger *slog.Logger) *Client {
	return &Client{runner: runner, repo: repo, logger: logger}
}

func (c *Client) Repo() string {
	return c.repo
}

func (c *Client) gh(ctx context.Context, args ...string) (string, error) {
	if c.repo != "" && args[0] != "api" {
		args = append(slices.Clip(args), "--repo", c.repo)
	}
	c.logger.Debug("gh", "args", strings.Join(args, " "))
	return c.runner.RunWithRetry(ctx, subprocess.Cmd{Name: "gh", Args: args})
}

func (c *Client) ghJSON(ctx context.Context, v any, args ...string) error {
	out, err := c.gh(ctx, args...)
	if err != nil {
		return err
	}
	if strings.TrimSpace(out) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(out), v); err != nil {
		return fmt.Errorf("parse gh %s output: %w", strings.Join(args[:2], " "), err)
	}
	return nil
}
