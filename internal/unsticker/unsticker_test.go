package unsticker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcin-skalski/hydra/internal/agent"
	"github.com/marcin-skalski/hydra/internal/config"
	"github.com/marcin-skalski/hydra/internal/events"
	"github.com/marcin-skalski/hydra/internal/github"
	"github.com/marcin-skalski/hydra/internal/subprocess"
)

type swap struct {
	issue  int
	remove []string
	add    []string
}

type fakeGitHub struct {
	mu       sync.Mutex
	swaps    []swap
	comments map[int][]string
	pr       *github.PRInfo
}

func (f *fakeGitHub) SwapLabels(_ context.Context, n int, remove, add []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.swaps = append(f.swaps, swap{n, remove, add})
	return nil
}

func (f *fakeGitHub) PostComment(_ context.Context, n int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.comments == nil {
		f.comments = map[int][]string{}
	}
	f.comments[n] = append(f.comments[n], body)
	return nil
}

func (f *fakeGitHub) GetIssue(_ context.Context, n int) (github.Issue, error) {
	return github.Issue{Number: n, Title: "fix thing", Body: "details"}, nil
}

func (f *fakeGitHub) FindOpenPR(context.Context, int) (*github.PRInfo, error) {
	return f.pr, nil
}

func (f *fakeGitHub) PRChangedFiles(context.Context, int) ([]string, error) {
	return []string{"main.go"}, nil
}

func (f *fakeGitHub) lastSwap(n int) swap {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.swaps) - 1; i >= 0; i-- {
		if f.swaps[i].issue == n {
			return f.swaps[i]
		}
	}
	return swap{}
}

// fakeTree models one worktree's merge state.
type fakeTree struct {
	mu         sync.Mutex
	clean      bool
	inMerge    bool
	conflicted []string
	listErr    error
	aborts     int
	commits    int
	pushes     []string
}

func (f *fakeTree) EnsureWorktree(_ context.Context, issue int, _ string) (string, error) {
	return "/wt/issue", nil
}

func (f *fakeTree) AbortMerge(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
	f.inMerge = false
	f.conflicted = nil
	return nil
}

func (f *fakeTree) StartMerge(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clean {
		return true, nil
	}
	f.inMerge = true
	f.conflicted = []string{"main.go"}
	return false, nil
}

func (f *fakeTree) ConflictedFiles(context.Context, string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]string(nil), f.conflicted...), nil
}

func (f *fakeTree) MergeInProgress(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inMerge, nil
}

func (f *fakeTree) CommitMerge(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	f.inMerge = false
	return nil
}

func (f *fakeTree) CommitLogSince(context.Context, string) (string, error) {
	return "abc123 add feature", nil
}

func (f *fakeTree) Push(_ context.Context, _, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, branch)
	return nil
}

func (f *fakeTree) resolve() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conflicted = nil
}

type fakeAgent struct {
	mu      sync.Mutex
	prompts []string
	run     func() (*agent.Result, error)
}

func (f *fakeAgent) Run(_ context.Context, _, prompt string) (*agent.Result, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	return f.run()
}

func (f *fakeAgent) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type fakeMemory struct {
	mu    sync.Mutex
	filed []string
}

func (f *fakeMemory) FileSuggestion(_ context.Context, transcript, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filed = append(f.filed, transcript)
	return 0, nil
}

func (f *fakeMemory) LoadDigest() (string, error) {
	return "# Accumulated Learnings\n\nprefer small commits", nil
}

type fakeState struct {
	mu      sync.Mutex
	origins map[int]string
	causes  map[int]string
	cleared []int
	reset   []int
}

func (f *fakeState) HITLOrigin(n int) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.origins[n]
	return l, ok
}

func (f *fakeState) HITLCause(n int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.causes[n]
}

func (f *fakeState) SetHITLCause(n int, cause string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cause == "" {
		delete(f.causes, n)
		return nil
	}
	f.causes[n] = cause
	return nil
}

func (f *fakeState) ClearHITL(n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, n)
	return nil
}

func (f *fakeState) ResetAttempts(n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reset = append(f.reset, n)
	return nil
}

type fakeRunner struct {
	err   error
	calls []subprocess.Cmd
}

func (f *fakeRunner) Run(_ context.Context, c subprocess.Cmd) (string, error) {
	f.calls = append(f.calls, c)
	return "", f.err
}

type fixture struct {
	gh     *fakeGitHub
	tree   *fakeTree
	agent  *fakeAgent
	mem    *fakeMemory
	state  *fakeState
	runner *fakeRunner
	bus    *events.Bus
	opts   Options
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		gh:     &fakeGitHub{},
		tree:   &fakeTree{},
		agent:  &fakeAgent{run: func() (*agent.Result, error) { return &agent.Result{Transcript: "done"}, nil }},
		mem:    &fakeMemory{},
		state:  &fakeState{origins: map[int]string{}, causes: map[int]string{}},
		runner: &fakeRunner{},
		bus:    events.NewBus(100, nil, logger),
		opts: Options{
			MaxAttempts:    3,
			MaxWorkers:     2,
			TranscriptDir:  t.TempDir(),
			PipelineLabels: []string{"hydra-ready", "hydra-review", "hydra-hitl"},
			ActiveLabels:   []string{"hydra-hitl-active"},
			HITLLabel:      "hydra-hitl",
			DefaultOrigin:  "hydra-review",
		},
	}
	t.Cleanup(f.bus.Close)
	return f
}

func (f *fixture) unsticker() *Unsticker {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Deps{
		GitHub:    f.gh,
		Worktrees: f.tree,
		Agent:     f.agent,
		Memory:    f.mem,
		State:     f.state,
		Runner:    f.runner,
		Bus:       f.bus,
	}, f.opts, logger)
}

func conflictItem(n int) Item {
	return Item{Issue: n, Title: "t", Cause: "Merge conflict with main"}
}

func TestUnstick_CleanMergeNeedsNoAgent(t *testing.T) {
	f := newFixture(t)
	f.tree.clean = true
	f.state.origins[7] = "hydra-ready"

	res, err := f.unsticker().Unstick(context.Background(), []Item{conflictItem(7)})
	require.NoError(t, err)

	assert.Equal(t, Result{Processed: 1, Resolved: 1}, res)
	assert.Zero(t, f.agent.calls())
	assert.Equal(t, []string{"agent/issue-7"}, f.tree.pushes)
	assert.Equal(t, swap{7, []string{"hydra-hitl-active"}, []string{"hydra-ready"}}, f.gh.lastSwap(7))
	assert.Equal(t, []int{7}, f.state.cleared)
	assert.Equal(t, []int{7}, f.state.reset)

	claim := f.gh.swaps[0]
	assert.Equal(t, f.opts.PipelineLabels, claim.remove)
	assert.Equal(t, []string{"hydra-hitl-active"}, claim.add)
}

func TestUnstick_ClaimKeepsActiveLabel(t *testing.T) {
	labels := config.Labels{
		Find:       []string{"hydra-find"},
		Plan:       []string{"hydra-plan"},
		Ready:      []string{"hydra-ready"},
		Review:     []string{"hydra-review"},
		HITL:       []string{"hydra-hitl"},
		HITLActive: []string{"hydra-hitl-active"},
	}
	f := newFixture(t)
	f.tree.clean = true
	f.opts.PipelineLabels = labels.Pipeline()
	f.opts.ActiveLabels = labels.HITLActive

	res, err := f.unsticker().Unstick(context.Background(), []Item{conflictItem(12)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved)

	claim := f.gh.swaps[0]
	assert.NotContains(t, claim.remove, "hydra-hitl-active")
	assert.Equal(t, []string{"hydra-find", "hydra-plan", "hydra-ready", "hydra-review", "hydra-hitl"}, claim.remove)
	assert.Equal(t, []string{"hydra-hitl-active"}, claim.add)
}

func TestUnstick_AgentResolvesAndMergeIsCommitted(t *testing.T) {
	f := newFixture(t)
	f.opts.VerifyCommand = []string{"make", "test"}
	f.agent.run = func() (*agent.Result, error) {
		f.tree.resolve()
		return &agent.Result{Transcript: "resolved it"}, nil
	}

	res, err := f.unsticker().Unstick(context.Background(), []Item{conflictItem(3)})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Resolved)
	assert.Equal(t, 1, f.agent.calls())
	assert.Equal(t, 1, f.tree.commits)
	assert.Equal(t, []string{"agent/issue-3"}, f.tree.pushes)
	// No recorded origin falls back to the default.
	assert.Equal(t, []string{"hydra-review"}, f.gh.lastSwap(3).add)

	require.Len(t, f.runner.calls, 1)
	assert.Equal(t, "make", f.runner.calls[0].Name)
	assert.Equal(t, []string{"test"}, f.runner.calls[0].Args)
	assert.Equal(t, "/wt/issue", f.runner.calls[0].Dir)

	assert.Equal(t, []string{"resolved it"}, f.mem.filed)
	files, err := filepath.Glob(filepath.Join(f.opts.TranscriptDir, "issue-3", "unstick-*.log"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, "resolved it", string(data))

	prompt := f.agent.prompts[0]
	assert.Contains(t, prompt, "issue #3: fix thing")
	assert.Contains(t, prompt, "- main.go")
	assert.Contains(t, prompt, "abc123 add feature")
	assert.Contains(t, prompt, "prefer small commits")
}

func TestUnstick_ExhaustionReleasesToHITL(t *testing.T) {
	f := newFixture(t)

	res, err := f.unsticker().Unstick(context.Background(), []Item{conflictItem(9)})
	require.NoError(t, err)

	assert.Equal(t, Result{Processed: 1, Failed: 1}, res)
	assert.Equal(t, 3, f.agent.calls())
	// One abort before each attempt plus the final cleanup.
	assert.Equal(t, 4, f.tree.aborts)
	assert.False(t, f.tree.inMerge)
	assert.Empty(t, f.tree.pushes)
	assert.Equal(t, swap{9, []string{"hydra-hitl-active"}, []string{"hydra-hitl"}}, f.gh.lastSwap(9))
	assert.Empty(t, f.state.cleared)

	comments := f.gh.comments[9]
	require.NotEmpty(t, comments)
	assert.Contains(t, comments[len(comments)-1], "after 3 attempts")

	// Later attempts see the previous failure.
	assert.Contains(t, f.agent.prompts[1], "Previous attempt failed")
	assert.NotContains(t, f.agent.prompts[0], "Previous attempt failed")
}

func TestUnstick_VerifyCommandFailureRetries(t *testing.T) {
	f := newFixture(t)
	f.opts.MaxAttempts = 2
	f.opts.VerifyCommand = []string{"make", "test"}
	f.runner.err = errors.New("tests failed")
	f.agent.run = func() (*agent.Result, error) {
		f.tree.resolve()
		return &agent.Result{}, nil
	}

	res, err := f.unsticker().Unstick(context.Background(), []Item{conflictItem(4)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, f.agent.calls())
	assert.Len(t, f.runner.calls, 2)
	assert.Contains(t, f.agent.prompts[1], "verify command failed")
}

func TestUnstick_AgentErrorReleasesWithoutRetry(t *testing.T) {
	f := newFixture(t)
	f.state.causes[6] = "Merge conflict with main"
	f.agent.run = func() (*agent.Result, error) {
		return nil, &subprocess.Error{Kind: subprocess.KindTimeout, Command: []string{"claude"}}
	}

	res, err := f.unsticker().Unstick(context.Background(), []Item{conflictItem(6)})
	require.NoError(t, err)

	assert.Equal(t, Result{Processed: 1, Failed: 1}, res)
	assert.Equal(t, 1, f.agent.calls())
	assert.False(t, f.tree.inMerge)
	assert.Equal(t, swap{6, []string{"hydra-hitl-active"}, []string{"hydra-hitl"}}, f.gh.lastSwap(6))
	assert.NotContains(t, f.state.causes, 6, "release drops the recorded cause")

	comments := f.gh.comments[6]
	require.NotEmpty(t, comments)
	assert.NotContains(t, comments[len(comments)-1], "attempts")
}

func TestUnstick_ConflictListErrorReleasesWithoutAgent(t *testing.T) {
	f := newFixture(t)
	f.tree.listErr = errors.New("git diff failed")

	res, err := f.unsticker().Unstick(context.Background(), []Item{conflictItem(2)})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, f.agent.calls())
	assert.Equal(t, []string{"hydra-hitl"}, f.gh.lastSwap(2).add)
	comments := f.gh.comments[2]
	require.NotEmpty(t, comments)
	assert.Contains(t, comments[len(comments)-1], "git diff failed")
}

func TestUnstick_FiltersAndCapsBatch(t *testing.T) {
	f := newFixture(t)
	f.tree.clean = true
	f.opts.BatchSize = 2

	items := []Item{
		{Issue: 1, Cause: "CI failed twice"},
		{Issue: 2, Cause: "needs rebase onto main"},
		{Issue: 3, Cause: ""},
		{Issue: 4, Cause: "Conflict in go.sum"},
		{Issue: 5, Cause: "merge conflict"},
	}
	res, err := f.unsticker().Unstick(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, Result{Processed: 2, Resolved: 2, Skipped: 3}, res)
	assert.ElementsMatch(t, []int{2, 4}, f.state.cleared)
	for _, s := range f.gh.swaps {
		assert.NotContains(t, []int{1, 3, 5}, s.issue)
	}
}

func TestUnstick_FatalErrorStopsBatch(t *testing.T) {
	f := newFixture(t)
	f.opts.MaxWorkers = 1
	authErr := &subprocess.Error{Kind: subprocess.KindAuth, Command: []string{"claude"}, Stderr: "invalid api key"}
	f.agent.run = func() (*agent.Result, error) { return nil, authErr }

	_, err := f.unsticker().Unstick(context.Background(), []Item{conflictItem(1)})
	require.Error(t, err)
	assert.True(t, subprocess.IsAuth(err))

	assert.Equal(t, 1, f.agent.calls())
	assert.Equal(t, []string{"hydra-hitl"}, f.gh.lastSwap(1).add)
	assert.False(t, f.tree.inMerge)
}

func TestUnstick_EmptyInput(t *testing.T) {
	f := newFixture(t)
	res, err := f.unsticker().Unstick(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Empty(t, f.gh.swaps)
}

type hitlList []github.Issue

func (h hitlList) HITLIssues() []github.Issue { return h }

func TestItemsFrom(t *testing.T) {
	f := newFixture(t)
	f.state.causes[1] = "merge conflict"
	src := hitlList{
		{Number: 1, Title: "a", Labels: []string{"hydra-hitl"}},
		{Number: 2, Title: "b", Labels: []string{"hydra-hitl-active"}},
	}

	items := f.unsticker().ItemsFrom(src)
	require.Len(t, items, 1)
	assert.Equal(t, Item{Issue: 1, Title: "a", Cause: "merge conflict"}, items[0])
}

func TestIsConflict(t *testing.T) {
	for cause, want := range map[string]bool{
		"Merge Conflict on main": true,
		"REBASE required":        true,
		"conflicting edits":      true,
		"review rejected":        false,
		"":                       false,
	} {
		assert.Equal(t, want, IsConflict(cause), cause)
	}
}

func TestItemsFrom_FallsBackToComments(t *testing.T) {
	f := newFixture(t)
	f.tree.clean = true
	f.state.origins[21] = "hydra-ready"
	src := hitlList{
		{Number: 21, Title: "stuck", Labels: []string{"hydra-hitl"}, Comments: []string{
			"looks good",
			"Blocked: merge conflict in go.sum after main moved",
		}},
		{Number: 22, Title: "plain", Labels: []string{"hydra-hitl"}, Comments: []string{"needs product input"}},
	}

	u := f.unsticker()
	items := u.ItemsFrom(src)
	require.Len(t, items, 2)
	assert.Equal(t, "Blocked: merge conflict in go.sum after main moved", items[0].Cause)
	assert.Empty(t, items[1].Cause)

	res, err := u.Unstick(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, Resolved: 1, Skipped: 1}, res)
	assert.Equal(t, []string{"hydra-ready"}, f.gh.lastSwap(21).add)
	assert.Equal(t, []int{21}, f.state.cleared)
}

func TestConflictComment(t *testing.T) {
	tests := []struct {
		name     string
		comments []string
		want     string
	}{
		{"none", nil, ""},
		{"newest conflict wins", []string{"merge conflict in a.go", "unrelated", "rebase needed on main"}, "rebase needed on main"},
		{"stops at release", []string{"merge conflict in a.go", releaseNotice + " boom\n\nReturning to `hydra-hitl` for human attention."}, ""},
		{"stops at resolved", []string{"merge conflict in a.go", resolvedNotice + " Returning to `hydra-review`."}, ""},
		{"newer report after release", []string{releaseNotice + " boom", "conflict again in b.go"}, "conflict again in b.go"},
		{"skips start notice", []string{"merge conflict in a.go", startNotice}, "merge conflict in a.go"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ConflictComment(tt.comments))
		})
	}
}
