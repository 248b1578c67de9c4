package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_FileAndConsole(t *testing.T) {
	file := filepath.Join(t.TempDir(), "logs", "hydra.log")
	var console bytes.Buffer

	logger, closer, err := Setup(Options{File: file, Level: "debug", Stderr: &console})
	require.NoError(t, err)
	logger.With("component", "store").Debug("refreshed", "issues", 3)
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "refreshed")
	assert.Contains(t, string(data), "component=store")
	assert.Contains(t, console.String(), "issues=3")
}

func TestSetup_QuietSkipsConsole(t *testing.T) {
	file := filepath.Join(t.TempDir(), "hydra.log")
	var console bytes.Buffer

	logger, closer, err := Setup(Options{File: file, Quiet: true, Stderr: &console})
	require.NoError(t, err)
	defer closer.Close()

	logger.Info("hello")
	logger.Debug("hidden")
	assert.Empty(t, console.String())

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.NotContains(t, string(data), "hidden")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestMultiHandler_RespectsLevels(t *testing.T) {
	var infoBuf, errBuf bytes.Buffer
	h := NewMultiHandler(
		slog.NewTextHandler(&infoBuf, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewTextHandler(&errBuf, &slog.HandlerOptions{Level: slog.LevelError}),
	)
	logger := slog.New(h).WithGroup("g").With("k", "v")

	logger.Info("one")
	logger.Error("two")

	assert.Equal(t, 2, strings.Count(infoBuf.String(), "\n"))
	assert.Equal(t, 1, strings.Count(errBuf.String(), "\n"))
	assert.Contains(t, errBuf.String(), "g.k=v")
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))
	assert.False(t, h.Enabled(context.Background(), slog.LevelDebug))
}
