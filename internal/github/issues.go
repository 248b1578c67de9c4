package github

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
)

// DefaultFetchLimit caps issue list queries.
const DefaultFetchLimit = 200

// FetchPipelineIssues returns every open issue carrying any of labels in a
// single gh call.
func (c *Client) FetchPipelineIssues(ctx context.Context, labels []string, limit int) ([]Issue, error) {
	if len(labels) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultFetchLimit
	}
	out, err := c.gh(ctx, "issue", "list",
		"--state", "open",
		"--search", searchLabels(labels),
		"--json", issueFields,
		"--limit", strconv.Itoa(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch pipeline issues: %w", err)
	}
	issues, err := parseIssues(out)
	if err != nil {
		return nil, fmt.Errorf("parse pipeline issues: %w", err)
	}
	if len(issues) >= limit {
		c.logger.Warn("pipeline issue list may be truncated", "limit", limit, "issues", len(issues))
	}
	return issues, nil
}

// FetchIssuesByLabels queries each label separately and merges the results,
// first occurrence wins. state is "open", "closed" or "all".
func (c *Client) FetchIssuesByLabels(ctx context.Context, labels []string, state string, limit int) ([]Issue, error) {
	if limit <= 0 {
		limit = DefaultFetchLimit
	}
	if state == "" {
		state = "open"
	}
	seen := make(map[int]bool)
	var all []Issue
	for _, label := range labels {
		out, err := c.gh(ctx, "issue", "list",
			"--state", state,
			"--label", label,
			"--json", issueFields,
			"--limit", strconv.Itoa(limit),
		)
		if err != nil {
			return nil, fmt.Errorf("fetch issues labelled %s: %w", label, err)
		}
		issues, err := parseIssues(out)
		if err != nil {
			return nil, fmt.Errorf("parse issues labelled %s: %w", label, err)
		}
		for _, iss := range issues {
			if seen[iss.Number] {
				continue
			}
			seen[iss.Number] = true
			all = append(all, iss)
		}
	}
	return all, nil
}

func (c *Client) GetIssue(ctx context.Context, number int) (Issue, error) {
	var raw rawIssue
	if err := c.ghJSON(ctx, &raw, "issue", "view", strconv.Itoa(number), "--json", issueFields); err != nil {
		return Issue{}, fmt.Errorf("get issue #%d: %w", number, err)
	}
	return raw.issue(), nil
}

// IssueComments returns comment bodies oldest first.
func (c *Client) IssueComments(ctx context.Context, number int) ([]string, error) {
	var raw struct {
		Comments []flexString `json:"comments"`
	}
	if err := c.ghJSON(ctx, &raw, "issue", "view", strconv.Itoa(number), "--json", "comments"); err != nil {
		return nil, fmt.Errorf("get comments #%d: %w", number, err)
	}
	comments := make([]string, 0, len(raw.Comments))
	for _, cm := range raw.Comments {
		comments = append(comments, cm.value)
	}
	return comments, nil
}

// CreateIssue opens an issue and returns its number.
func (c *Client) CreateIssue(ctx context.Context, title, body string, labels []string) (int, error) {
	args := []string{"issue", "create", "--title", title, "--body", body}
	for _, l := range labels {
		args = append(args, "--label", l)
	}
	out, err := c.gh(ctx, args...)
	if err != nil {
		return 0, fmt.Errorf("create issue %q: %w", title, err)
	}
	n, err := numberFromURL(out)
	if err != nil {
		return 0, fmt.Errorf("create issue %q: %w", title, err)
	}
	return n, nil
}

func (c *Client) PostComment(ctx context.Context, number int, body string) error {
	if _, err := c.gh(ctx, "issue", "comment", strconv.Itoa(number), "--body", body); err != nil {
		return fmt.Errorf("comment on #%d: %w", number, err)
	}
	return nil
}

// SwapLabels removes and adds labels in one edit.
func (c *Client) SwapLabels(ctx context.Context, number int, remove, add []string) error {
	args := []string{"issue", "edit", strconv.Itoa(number)}
	if len(remove) > 0 {
		args = append(args, "--remove-label", strings.Join(remove, ","))
	}
	if len(add) > 0 {
		args = append(args, "--add-label", strings.Join(add, ","))
	}
	if len(args) == 3 {
		return nil
	}
	if _, err := c.gh(ctx, args...); err != nil {
		return fmt.Errorf("edit labels on #%d: %w", number, err)
	}
	return nil
}

// LabelCounts is a point-in-time count of repository issues.
type LabelCounts struct {
	OpenByLabel map[string]int
	TotalClosed int
	TotalMerged int
}

// CountLabels counts open issues per logical label (OR over its aliases),
// closed issues carrying any of closedLabels, and merged pull requests.
func (c *Client) CountLabels(ctx context.Context, open map[string][]string, closedLabels []string) (LabelCounts, error) {
	counts := LabelCounts{OpenByLabel: make(map[string]int, len(open))}
	for name, aliases := range open {
		n, err := c.searchCount(ctx, "is:issue is:open "+searchLabels(aliases))
		if err != nil {
			return LabelCounts{}, fmt.Errorf("count %s: %w", name, err)
		}
		counts.OpenByLabel[name] = n
	}
	if len(closedLabels) > 0 {
		n, err := c.searchCount(ctx, "is:issue is:closed "+searchLabels(closedLabels))
		if err != nil {
			return LabelCounts{}, fmt.Errorf("count closed: %w", err)
		}
		counts.TotalClosed = n
	}
	n, err := c.searchCount(ctx, "is:pr is:merged")
	if err != nil {
		return LabelCounts{}, fmt.Errorf("count merged: %w", err)
	}
	counts.TotalMerged = n
	return counts, nil
}

func (c *Client) searchCount(ctx context.Context, query string) (int, error) {
	if c.repo != "" {
		query = "repo:" + c.repo + " " + query
	}
	out, err := c.gh(ctx, "api", "-X", "GET", "search/issues", "-f", "q="+query, "--jq", ".total_count")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parse search count %q: %w", strings.TrimSpace(out), err)
	}
	return n, nil
}

// searchLabels renders an OR query over labels.
func searchLabels(labels []string) string {
	quoted := make([]string, len(labels))
	for i, l := range labels {
		quoted[i] = strconv.Quote(l)
	}
	return "label:" + strings.Join(quoted, ",")
}

// numberFromURL extracts N from the trailing ".../issues/N" gh prints.
func numberFromURL(out string) (int, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	u, err := url.Parse(last)
	if err != nil {
		return 0, fmt.Errorf("parse issue url %q: %w", last, err)
	}
	n, err := strconv.Atoi(path.Base(u.Path))
	if err != nil {
		return 0, fmt.Errorf("no issue number in %q", last)
	}
	return n, nil
}
