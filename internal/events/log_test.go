package events

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func at(ts time.Time, id int64, typ EventType) Event {
	return Event{ID: id, Type: typ, Timestamp: formatTime(ts), Data: map[string]any{"issue": "42"}}
}

func TestLog_AppendLoadRoundTrip(t *testing.T) {
	l := NewLog(filepath.Join(t.TempDir(), "nested", "events.jsonl"), discardLogger())
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	in := []Event{at(now, 1, EventBatchStart), at(now.Add(time.Second), 2, EventPRCreated)}
	for _, ev := range in {
		require.NoError(t, l.Append(ev))
	}

	out, err := l.Load(time.Time{}, 0)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestLog_LoadMissingFile(t *testing.T) {
	l := NewLog(filepath.Join(t.TempDir(), "none.jsonl"), discardLogger())
	out, err := l.Load(time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestLog_LoadSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l := NewLog(path, discardLogger())
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, l.Append(at(now, 1, EventBatchStart)))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, l.Append(at(now, 2, EventBatchComplete)))

	out, err := l.Load(time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, int64(1), out[0].ID)
	assert.Equal(t, int64(2), out[1].ID)
}

func TestLog_LoadSinceAndMax(t *testing.T) {
	l := NewLog(filepath.Join(t.TempDir(), "events.jsonl"), discardLogger())
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	var batch []Event
	for i := 0; i < 10; i++ {
		batch = append(batch, at(base.Add(time.Duration(i)*time.Hour), int64(i+1), EventWorkerUpdate))
	}
	require.NoError(t, l.AppendBatch(batch))

	out, err := l.Load(base.Add(5*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, out, 5)
	assert.Equal(t, int64(6), out[0].ID)

	out, err = l.Load(time.Time{}, 3)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, []int64{8, 9, 10}, []int64{out[0].ID, out[1].ID, out[2].ID})
}

func TestLog_RotateKeepsRecent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	l := NewLog(path, discardLogger())
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	require.NoError(t, l.AppendBatch([]Event{
		at(now.Add(-10*24*time.Hour), 1, EventBatchStart),
		at(now.Add(-8*24*time.Hour), 2, EventBatchStart),
		at(now.Add(-2*24*time.Hour), 3, EventBatchStart),
		at(now.Add(-time.Hour), 4, EventBatchStart),
	}))

	require.NoError(t, l.Rotate(1, 7))

	out, err := l.Load(time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, int64(3), out[0].ID)
	assert.Equal(t, int64(4), out[1].ID)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".tmp-"), "leftover temp file %s", e.Name())
	}
}

func TestLog_RotateBelowThresholdIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l := NewLog(path, discardLogger())
	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, l.Append(at(old, 1, EventBatchStart)))

	require.NoError(t, l.Rotate(DefaultMaxLogSize, 7))

	out, err := l.Load(time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestLog_RotateMissingFile(t *testing.T) {
	l := NewLog(filepath.Join(t.TempDir(), "none.jsonl"), discardLogger())
	assert.NoError(t, l.Rotate(1, 7))
}
