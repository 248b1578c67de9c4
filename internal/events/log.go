package events

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/marcin-skalski/hydra/internal/fileutil"
)

const (
	DefaultMaxLogSize    = 10 * 1024 * 1024
	DefaultMaxLogAgeDays = 7
)

// maxLineSize bounds one event line. Larger lines are treated as corrupt.
const maxLineSize = 4 * 1024 * 1024

// Log is an append-only JSONL event file.
type Log struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

func NewLog(path string, logger *slog.Logger) *Log {
	return &Log{path: path, logger: logger, now: time.Now}
}

func (l *Log) Path() string {
	return l.path
}

// Append writes one event as a JSON line.
func (l *Log) Append(ev Event) error {
	return l.AppendBatch([]Event{ev})
}

// AppendBatch writes events in order with a single open/close.
func (l *Log) AppendBatch(evs []Event) error {
	if len(evs) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, ev := range evs {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event %d: %w", ev.ID, err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create event log dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("write event log: %w", err)
	}
	return f.Close()
}

// Load reads events from the log. Corrupt lines are skipped. A non-zero since
// keeps only events at or after it; maxEvents > 0 keeps only the most recent
// maxEvents. A missing file yields no events.
func (l *Log) Load(since time.Time, maxEvents int) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Event
	err := l.scan(func(line []byte, ev Event, ts time.Time) {
		if !since.IsZero() && ts.Before(since) {
			return
		}
		out = append(out, ev)
		if maxEvents > 0 && len(out) > 2*maxEvents {
			out = append(out[:0:0], out[len(out)-maxEvents:]...)
		}
	})
	if err != nil {
		return nil, err
	}
	if maxEvents > 0 && len(out) > maxEvents {
		out = out[len(out)-maxEvents:]
	}
	return out, nil
}

// scan calls fn for every parseable line. Must be called with l.mu held.
func (l *Log) scan(fn func(line []byte, ev Event, ts time.Time)) error {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			l.logger.Warn("skipping corrupt event line", "path", l.path, "line", lineNo, "err", err)
			continue
		}
		ts, err := ev.Time()
		if err != nil {
			l.logger.Warn("skipping event with bad timestamp", "path", l.path, "line", lineNo, "timestamp", ev.Timestamp)
			continue
		}
		fn(line, ev, ts)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event log: %w", err)
	}
	return nil
}

// Size returns the log file size, 0 if it does not exist.
func (l *Log) Size() (int64, error) {
	info, err := os.Stat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return info.Size(), nil
}

// Rotate rewrites the log keeping only events newer than maxAgeDays, once the
// file has reached maxBytes. The rewrite is atomic: readers see either the old
// or the new file.
func (l *Log) Rotate(maxBytes int64, maxAgeDays int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, err := os.Stat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat event log: %w", err)
	}
	if info.Size() < maxBytes {
		return nil
	}

	cutoff := l.now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)
	var kept bytes.Buffer
	total, retained := 0, 0
	err = l.scan(func(line []byte, ev Event, ts time.Time) {
		total++
		if ts.After(cutoff) {
			retained++
			kept.Write(line)
			kept.WriteByte('\n')
		}
	})
	if err != nil {
		return err
	}

	if err := fileutil.WriteAtomic(l.path, kept.Bytes(), 0o644); err != nil {
		return fmt.Errorf("rewrite event log: %w", err)
	}
	l.logger.Info("rotated event log", "path", l.path, "events", total, "kept", retained, "size_before", info.Size())
	return nil
}
