package unsticker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/marcin-skalski/hydra/internal/agent"
	"github.com/marcin-skalski/hydra/internal/events"
	"github.com/marcin-skalski/hydra/internal/fileutil"
	"github.com/marcin-skalski/hydra/internal/github"
	"github.com/marcin-skalski/hydra/internal/subprocess"
)

const (
	DefaultBatchSize   = 10
	DefaultMaxAttempts = 3
)

// ConflictKeywords select HITL causes the unsticker handles.
var ConflictKeywords = []string{"merge conflict", "conflict", "rebase"}

type GitHub interface {
	SwapLabels(ctx context.Context, number int, remove, add []string) error
	PostComment(ctx context.Context, number int, body string) error
	GetIssue(ctx context.Context, number int) (github.Issue, error)
	FindOpenPR(ctx context.Context, issue int) (*github.PRInfo, error)
	PRChangedFiles(ctx context.Context, pr int) ([]string, error)
}

type Worktrees interface {
	EnsureWorktree(ctx context.Context, issue int, branch string) (string, error)
	AbortMerge(ctx context.Context, dir string) error
	StartMerge(ctx context.Context, dir string) (clean bool, err error)
	ConflictedFiles(ctx context.Context, dir string) ([]string, error)
	MergeInProgress(ctx context.Context, dir string) (bool, error)
	CommitMerge(ctx context.Context, dir string) error
	CommitLogSince(ctx context.Context, dir string) (string, error)
	Push(ctx context.Context, dir, branch string) error
}

type Agent interface {
	Run(ctx context.Context, workdir, prompt string) (*agent.Result, error)
}

type Memory interface {
	FileSuggestion(ctx context.Context, transcript, source string) (int, error)
	LoadDigest() (string, error)
}

type State interface {
	HITLOrigin(issue int) (string, bool)
	HITLCause(issue int) string
	SetHITLCause(issue int, cause string) error
	ClearHITL(issue int) error
	ResetAttempts(issue int) error
}

// CmdRunner runs the optional verify command.
type CmdRunner interface {
	Run(ctx context.Context, c subprocess.Cmd) (string, error)
}

type Publisher interface {
	Publish(typ events.EventType, data map[string]any) events.Event
}

type Options struct {
	BatchSize     int
	MaxAttempts   int
	MaxWorkers    int
	TranscriptDir string
	// VerifyCommand runs in the worktree after the agent; empty skips it.
	VerifyCommand []string

	// PipelineLabels are removed when an item is claimed.
	PipelineLabels []string
	// ActiveLabels are the HITL-active aliases; ActiveLabels[0] is applied.
	ActiveLabels []string
	HITLLabel    string
	// DefaultOrigin is restored when no origin label was recorded.
	DefaultOrigin string
}

type Deps struct {
	GitHub    GitHub
	Worktrees Worktrees
	Agent     Agent
	Memory    Memory
	State     State
	Runner    CmdRunner
	Bus       Publisher
}

// Item is a HITL issue eligible for automatic conflict resolution.
type Item struct {
	Issue int
	Title string
	URL   string
	Cause string
}

type Result struct {
	Processed int
	Resolved  int
	Failed    int
	Skipped   int
}

type Unsticker struct {
	Deps
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

func New(deps Deps, opts Options, logger *slog.Logger) *Unsticker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 1
	}
	return &Unsticker{Deps: deps, opts: opts, logger: logger, now: time.Now}
}

// HITLSource lists the current HITL issues.
type HITLSource interface {
	HITLIssues() []github.Issue
}

// Comments the unsticker posts. The last two mark the end of a run.
const (
	startNotice    = "Hydra is attempting to resolve the merge conflicts on this issue automatically."
	resolvedNotice = "Merge conflicts resolved automatically."
	releaseNotice  = "Could not resolve merge conflicts automatically:"
)

// ItemsFrom builds items from the HITL set, skipping issues already being
// worked. The cause comes from local state, else from the issue comments.
func (u *Unsticker) ItemsFrom(src HITLSource) []Item {
	var items []Item
	for _, iss := range src.HITLIssues() {
		if iss.HasAnyLabel(u.opts.ActiveLabels) {
			continue
		}
		cause := u.State.HITLCause(iss.Number)
		if cause == "" {
			cause = ConflictComment(iss.Comments)
		}
		items = append(items, Item{
			Issue: iss.Number,
			Title: iss.Title,
			URL:   iss.URL,
			Cause: cause,
		})
	}
	return items
}

// ConflictComment returns the newest comment that describes a merge
// conflict. Scanning stops at the unsticker's own outcome notices, so an
// issue it already gave up on waits for a newer human comment.
func ConflictComment(comments []string) string {
	for i := len(comments) - 1; i >= 0; i-- {
		c := strings.TrimSpace(comments[i])
		if strings.HasPrefix(c, resolvedNotice) || strings.HasPrefix(c, releaseNotice) {
			return ""
		}
		if c == startNotice {
			continue
		}
		if IsConflict(c) {
			return c
		}
	}
	return ""
}

// IsConflict reports whether a HITL cause describes a merge conflict.
func IsConflict(cause string) bool {
	lc := strings.ToLower(cause)
	for _, kw := range ConflictKeywords {
		if strings.Contains(lc, kw) {
			return true
		}
	}
	return false
}

// Unstick attempts to resolve merge-conflict items. Items without a conflict
// cause, or beyond the batch size, are skipped. A fatal subprocess error
// stops the batch and is returned after the failing item is released.
func (u *Unsticker) Unstick(ctx context.Context, items []Item) (Result, error) {
	var res Result
	var batch []Item
	for _, it := range items {
		if !IsConflict(it.Cause) || len(batch) >= u.opts.BatchSize {
			res.Skipped++
			continue
		}
		batch = append(batch, it)
	}
	if len(batch) == 0 {
		return res, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.opts.MaxWorkers)
	for _, it := range batch {
		g.Go(func() error {
			resolved, err := u.process(gctx, it)
			mu.Lock()
			res.Processed++
			if resolved {
				res.Resolved++
			} else {
				res.Failed++
			}
			mu.Unlock()
			if subprocess.IsFatal(err) {
				return err
			}
			return nil
		})
	}
	err := g.Wait()

	u.logger.Info("unstick batch finished", "processed", res.Processed, "resolved", res.Resolved, "failed", res.Failed, "skipped", res.Skipped)
	return res, err
}

func (u *Unsticker) process(ctx context.Context, it Item) (bool, error) {
	log := u.logger.With("issue", it.Issue)

	if err := u.GitHub.SwapLabels(ctx, it.Issue, u.claimRemovals(), u.activeLabel()); err != nil {
		log.Warn("claim failed", "err", err)
		return false, err
	}
	u.Bus.Publish(events.EventHITLUpdate, map[string]any{"issue": it.Issue, "action": "unstick_started"})
	u.comment(ctx, it.Issue, startNotice)

	err := u.resolve(ctx, log, it)
	if err != nil {
		log.Warn("conflict resolution failed", "err", err)
		u.release(context.WithoutCancel(ctx), it, err.Error())
		return false, err
	}

	if err := u.restore(ctx, it); err != nil {
		log.Warn("restore after resolution failed", "err", err)
		u.release(context.WithoutCancel(ctx), it, err.Error())
		return false, err
	}
	log.Info("merge conflicts resolved")
	return true, nil
}

// claimRemovals is every pipeline label except the active aliases, so the
// claim edit never removes the label it adds.
func (u *Unsticker) claimRemovals() []string {
	out := make([]string, 0, len(u.opts.PipelineLabels))
	for _, l := range u.opts.PipelineLabels {
		if !slices.Contains(u.opts.ActiveLabels, l) {
			out = append(out, l)
		}
	}
	return out
}

func (u *Unsticker) activeLabel() []string {
	if len(u.opts.ActiveLabels) == 0 {
		return nil
	}
	return u.opts.ActiveLabels[:1]
}

// resolve runs the bounded merge/agent/verify loop and pushes on success.
func (u *Unsticker) resolve(ctx context.Context, log *slog.Logger, it Item) error {
	issue, err := u.GitHub.GetIssue(ctx, it.Issue)
	if err != nil {
		return err
	}
	branch := github.BranchForIssue(it.Issue)
	dir, err := u.Worktrees.EnsureWorktree(ctx, it.Issue, branch)
	if err != nil {
		return fmt.Errorf("prepare worktree: %w", err)
	}

	changed := u.changedFiles(ctx, log, it.Issue)
	var lastErr error
	for attempt := 1; attempt <= u.opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		log.Info("merge attempt", "attempt", attempt, "max", u.opts.MaxAttempts)

		if err := u.Worktrees.AbortMerge(ctx, dir); err != nil {
			return fmt.Errorf("abort previous merge: %w", err)
		}
		clean, err := u.Worktrees.StartMerge(ctx, dir)
		if err != nil {
			return err
		}
		if clean {
			return u.Worktrees.Push(ctx, dir, branch)
		}

		err = u.attempt(ctx, log, issue, dir, changed, lastErr)
		if err == nil {
			return u.Worktrees.Push(ctx, dir, branch)
		}
		var vErr *verifyError
		if subprocess.IsFatal(err) || !errors.As(err, &vErr) {
			if abortErr := u.Worktrees.AbortMerge(context.WithoutCancel(ctx), dir); abortErr != nil {
				log.Warn("abort merge after failure failed", "err", abortErr)
			}
			return err
		}
		lastErr = err
		log.Warn("verification failed", "attempt", attempt, "err", err)
	}

	if err := u.Worktrees.AbortMerge(context.WithoutCancel(ctx), dir); err != nil {
		log.Warn("abort merge after exhaustion failed", "err", err)
	}
	return fmt.Errorf("could not resolve merge conflicts after %d attempts: %w", u.opts.MaxAttempts, lastErr)
}

// attempt asks the agent to resolve the conflicts left by StartMerge and
// verifies the result.
func (u *Unsticker) attempt(ctx context.Context, log *slog.Logger, issue github.Issue, dir string, changed []string, prev error) error {
	conflicts, err := u.Worktrees.ConflictedFiles(ctx, dir)
	if err != nil {
		return err
	}
	commits, err := u.Worktrees.CommitLogSince(ctx, dir)
	if err != nil {
		log.Warn("commit log unavailable", "err", err)
	}
	digest, err := u.Memory.LoadDigest()
	if err != nil {
		log.Warn("memory digest unavailable", "err", err)
	}

	prompt := buildPrompt(promptInput{
		Issue:     issue,
		Branch:    github.BranchForIssue(issue.Number),
		Conflicts: conflicts,
		Changed:   changed,
		Commits:   commits,
		Previous:  prev,
		Digest:    digest,
	})
	res, runErr := u.Agent.Run(ctx, dir, prompt)
	if res != nil && res.Transcript != "" {
		u.saveTranscript(log, issue.Number, res.Transcript)
		if _, err := u.Memory.FileSuggestion(ctx, res.Transcript, fmt.Sprintf("unsticker:#%d", issue.Number)); err != nil {
			log.Warn("filing memory suggestion failed", "err", err)
		}
	}
	if runErr != nil {
		return runErr
	}
	return u.verify(ctx, dir)
}

func (u *Unsticker) changedFiles(ctx context.Context, log *slog.Logger, issue int) []string {
	pr, err := u.GitHub.FindOpenPR(ctx, issue)
	if err != nil || pr == nil {
		if err != nil {
			log.Warn("PR lookup failed", "err", err)
		}
		return nil
	}
	files, err := u.GitHub.PRChangedFiles(ctx, pr.Number)
	if err != nil {
		log.Warn("PR file list unavailable", "pr", pr.Number, "err", err)
	}
	return files
}

// verifyError is a failed check of the agent's work. Only these lead to
// another attempt; any other error ends resolution.
type verifyError struct {
	err error
}

func (e *verifyError) Error() string { return e.err.Error() }
func (e *verifyError) Unwrap() error { return e.err }

func failedCheck(format string, args ...any) error {
	return &verifyError{err: fmt.Errorf(format, args...)}
}

// verify checks that no conflicts remain, concludes the merge, and runs the
// verify command.
func (u *Unsticker) verify(ctx context.Context, dir string) error {
	conflicts, err := u.Worktrees.ConflictedFiles(ctx, dir)
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		return failedCheck("unresolved conflicts remain in %s", strings.Join(conflicts, ", "))
	}

	inProgress, err := u.Worktrees.MergeInProgress(ctx, dir)
	if err != nil {
		return err
	}
	if inProgress {
		if err := u.Worktrees.CommitMerge(ctx, dir); err != nil {
			return failedCheck("commit merge: %w", err)
		}
		if inProgress, err = u.Worktrees.MergeInProgress(ctx, dir); err != nil {
			return err
		}
		if inProgress {
			return failedCheck("merge still in progress after commit")
		}
	}

	if len(u.opts.VerifyCommand) > 0 {
		v := u.opts.VerifyCommand
		if _, err := u.Runner.Run(ctx, subprocess.Cmd{Name: v[0], Args: v[1:], Dir: dir}); err != nil {
			if subprocess.IsFatal(err) {
				return err
			}
			return failedCheck("verify command failed: %w", err)
		}
	}
	return nil
}

func (u *Unsticker) saveTranscript(log *slog.Logger, issue int, transcript string) {
	if u.opts.TranscriptDir == "" {
		return
	}
	name := fmt.Sprintf("unstick-%s-%s.log", u.now().UTC().Format("20060102T150405Z"), uuid.NewString())
	path := filepath.Join(u.opts.TranscriptDir, fmt.Sprintf("issue-%d", issue), name)
	if err := fileutil.WriteAtomic(path, []byte(transcript), 0o644); err != nil {
		log.Warn("saving transcript failed", "path", path, "err", err)
		return
	}
	log.Debug("saved transcript", "path", path)
}

// restore returns the issue to the stage it held before escalation and
// clears its HITL bookkeeping.
func (u *Unsticker) restore(ctx context.Context, it Item) error {
	origin, ok := u.State.HITLOrigin(it.Issue)
	if !ok || origin == "" {
		origin = u.opts.DefaultOrigin
	}
	if err := u.GitHub.SwapLabels(ctx, it.Issue, u.opts.ActiveLabels, []string{origin}); err != nil {
		return err
	}
	if err := u.State.ClearHITL(it.Issue); err != nil {
		u.logger.Warn("clearing HITL state failed", "issue", it.Issue, "err", err)
	}
	if err := u.State.ResetAttempts(it.Issue); err != nil {
		u.logger.Warn("resetting attempts failed", "issue", it.Issue, "err", err)
	}
	u.comment(ctx, it.Issue, fmt.Sprintf("%s Returning to `%s`.", resolvedNotice, origin))
	u.Bus.Publish(events.EventHITLUpdate, map[string]any{"issue": it.Issue, "action": "resolved", "label": origin})
	return nil
}

// release hands the item back to humans. The recorded cause is dropped so
// the issue is not retried until someone reports the conflict again.
func (u *Unsticker) release(ctx context.Context, it Item, reason string) {
	if err := u.GitHub.SwapLabels(ctx, it.Issue, u.opts.ActiveLabels, []string{u.opts.HITLLabel}); err != nil {
		u.logger.Warn("releasing to HITL failed", "issue", it.Issue, "err", err)
	}
	if err := u.State.SetHITLCause(it.Issue, ""); err != nil {
		u.logger.Warn("clearing HITL cause failed", "issue", it.Issue, "err", err)
	}
	u.comment(ctx, it.Issue, fmt.Sprintf("%s %s\n\nReturning to `%s` for human attention.", releaseNotice, reason, u.opts.HITLLabel))
	u.Bus.Publish(events.EventHITLUpdate, map[string]any{"issue": it.Issue, "action": "released", "reason": reason})
}

func (u *Unsticker) comment(ctx context.Context, issue int, body string) {
	if err := u.GitHub.PostComment(ctx, issue, body); err != nil {
		u.logger.Warn("posting comment failed", "issue", issue, "err", err)
	}
}
