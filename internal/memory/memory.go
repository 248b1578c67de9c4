package memory

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/marcin-skalski/hydra/internal/events"
	"github.com/marcin-skalski/hydra/internal/fileutil"
	"github.com/marcin-skalski/hydra/internal/github"
)

const (
	DefaultMaxEntries = 50
	DefaultMaxChars   = 4000

	// rawBodyLimit bounds the fallback excerpt of an unstructured issue body.
	rawBodyLimit = 500

	StatusUnchanged = "unchanged"
	StatusUpdated   = "updated"
)

// IssueClient is the subset of the GitHub client memory needs.
type IssueClient interface {
	FetchIssuesByLabels(ctx context.Context, labels []string, state string, limit int) ([]github.Issue, error)
	CreateIssue(ctx context.Context, title, body string, labels []string) (int, error)
}

// HashStore persists the hash of the last compiled issue set.
type HashStore interface {
	MemoryHash() string
	SetMemoryHash(h string) error
}

type Publisher interface {
	Publish(typ events.EventType, data map[string]any) events.Event
}

type Options struct {
	DigestPath string
	// MemoryLabels are the aliases of accepted memory issues.
	MemoryLabels []string
	// SuggestionLabels are applied to newly filed suggestions.
	SuggestionLabels []string
	MaxEntries       int
	MaxChars         int
}

type Manager struct {
	gh     IssueClient
	hashes HashStore
	bus    Publisher
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

func NewManager(gh IssueClient, hashes HashStore, bus Publisher, opts Options, logger *slog.Logger) *Manager {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultMaxChars
	}
	return &Manager{gh: gh, hashes: hashes, bus: bus, opts: opts, logger: logger, now: time.Now}
}

// FileSuggestion files the transcript's suggestion, if any, as a new issue
// awaiting human acceptance. It returns the new issue number, or 0 when the
// transcript carries no valid suggestion.
func (m *Manager) FileSuggestion(ctx context.Context, transcript, source string) (int, error) {
	s, ok := ParseSuggestion(transcript)
	if !ok {
		return 0, nil
	}
	s.Source = source

	n, err := m.gh.CreateIssue(ctx, s.IssueTitle(), s.IssueBody(), m.opts.SuggestionLabels)
	if err != nil {
		return 0, fmt.Errorf("file memory suggestion: %w", err)
	}
	m.logger.Info("filed memory suggestion", "issue", n, "title", s.Title, "source", source)
	m.bus.Publish(events.EventIssueCreated, map[string]any{
		"number": n,
		"title":  s.IssueTitle(),
		"kind":   "memory_suggestion",
		"source": source,
	})
	return n, nil
}

type SyncResult struct {
	Status string
	Count  int
	Hash   string
}

// Sync recompiles the digest when the set of memory issues has changed since
// the last sync. An unchanged set writes nothing.
func (m *Manager) Sync(ctx context.Context) (SyncResult, error) {
	issues, err := m.gh.FetchIssuesByLabels(ctx, m.opts.MemoryLabels, "open", 0)
	if err != nil {
		return SyncResult{}, fmt.Errorf("fetch memory issues: %w", err)
	}

	hash := IssueSetHash(issues)
	if hash == m.hashes.MemoryHash() {
		m.logger.Debug("memory digest unchanged", "issues", len(issues))
		return SyncResult{Status: StatusUnchanged, Count: len(issues), Hash: hash}, nil
	}

	digest, entries := CompileDigest(issues, m.now(), m.opts.MaxEntries, m.opts.MaxChars)
	if err := fileutil.WriteAtomic(m.opts.DigestPath, []byte(digest), 0o644); err != nil {
		return SyncResult{}, fmt.Errorf("write memory digest: %w", err)
	}
	if err := m.hashes.SetMemoryHash(hash); err != nil {
		return SyncResult{}, err
	}

	m.logger.Info("memory digest updated", "issues", len(issues), "entries", entries, "path", m.opts.DigestPath)
	m.bus.Publish(events.EventMemorySync, map[string]any{
		"issues":  len(issues),
		"entries": entries,
		"hash":    hash,
		"path":    m.opts.DigestPath,
	})
	return SyncResult{Status: StatusUpdated, Count: len(issues), Hash: hash}, nil
}

// LoadDigest returns the compiled digest, empty if none has been written.
func (m *Manager) LoadDigest() (string, error) {
	data, err := os.ReadFile(m.opts.DigestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read memory digest: %w", err)
	}
	return string(data), nil
}

// IssueSetHash hashes the sorted issue numbers.
func IssueSetHash(issues []github.Issue) string {
	nums := make([]int, 0, len(issues))
	for _, iss := range issues {
		nums = append(nums, iss.Number)
	}
	slices.Sort(nums)
	parts := make([]string, len(nums))
	for i, n := range nums {
		parts[i] = strconv.Itoa(n)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, ",")))
	return hex.EncodeToString(sum[:])
}

// CompileDigest renders accepted memories newest first, at most maxEntries of
// them, stopping before the document would exceed maxChars. It returns the
// digest and the number of entries included.
func CompileDigest(issues []github.Issue, now time.Time, maxEntries, maxChars int) (string, int) {
	sorted := slices.Clone(issues)
	slices.SortStableFunc(sorted, func(a, b github.Issue) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.Number, a.Number)
	})
	if maxEntries > 0 && len(sorted) > maxEntries {
		sorted = sorted[:maxEntries]
	}

	sections := make([]string, 0, len(sorted))
	used := 0
	for _, iss := range sorted {
		sec := renderEntry(iss)
		if maxChars > 0 && used+len(sec) > maxChars {
			break
		}
		sections = append(sections, sec)
		used += len(sec)
	}

	var b strings.Builder
	b.WriteString("# Accumulated Learnings\n\n")
	fmt.Fprintf(&b, "_Last synced: %s | %d entries_\n\n", now.UTC().Format(time.RFC3339), len(sections))
	for _, sec := range sections {
		b.WriteString(sec)
	}
	return b.String(), len(sections)
}

func renderEntry(iss github.Issue) string {
	title := strings.TrimPrefix(iss.Title, TitlePrefix)
	fields := extractFields(iss.Body)

	var b strings.Builder
	fmt.Fprintf(&b, "## %s (#%d)\n\n", title, iss.Number)
	if len(fields) == 0 {
		b.WriteString(truncateRunes(strings.TrimSpace(iss.Body), rawBodyLimit))
		b.WriteString("\n\n")
		return b.String()
	}
	for _, key := range []string{"Learning", "Context", "Source"} {
		if v, ok := fields[key]; ok {
			fmt.Fprintf(&b, "- **%s:** %s\n", key, v)
		}
	}
	b.WriteString("\n")
	return b.String()
}

// extractFields reads "**Learning:** value" style fields. A value runs until
// a blank line or the next field.
func extractFields(body string) map[string]string {
	fields := make(map[string]string)
	var current string
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if key, val, ok := fieldLine(trimmed); ok {
			current = key
			fields[key] = val
			continue
		}
		if trimmed == "" {
			current = ""
			continue
		}
		if current != "" {
			fields[current] += " " + trimmed
		}
	}
	return fields
}

func fieldLine(line string) (key, val string, ok bool) {
	for _, k := range []string{"Learning", "Context", "Source"} {
		if v, found := strings.CutPrefix(line, "**"+k+":**"); found {
			return k, strings.TrimSpace(v), true
		}
	}
	return "", "", false
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
