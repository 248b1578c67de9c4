package github

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

const branchPrefix = "agent/issue-"

// Issue is one fetched snapshot of a GitHub issue.
type Issue struct {
	Number    int
	Title     string
	Body      string
	Labels    []string
	Comments  []string
	URL       string
	CreatedAt time.Time
}

func (i Issue) HasLabel(label string) bool {
	return slices.Contains(i.Labels, label)
}

// HasAnyLabel reports whether the issue carries at least one of labels.
func (i Issue) HasAnyLabel(labels []string) bool {
	for _, l := range labels {
		if i.HasLabel(l) {
			return true
		}
	}
	return false
}

// PRInfo is the open pull request linked to an issue by branch name.
type PRInfo struct {
	Number      int
	IssueNumber int
	Branch      string
	URL         string
	Draft       bool
}

// BranchForIssue returns the agent branch for an issue.
func BranchForIssue(issue int) string {
	return branchPrefix + strconv.Itoa(issue)
}

// IssueFromBranch parses the issue number out of an agent branch name.
func IssueFromBranch(branch string) (int, bool) {
	rest, ok := strings.CutPrefix(branch, branchPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// issueFields is the --json field list for issue queries.
const issueFields = "number,title,body,labels,comments,url,createdAt"

// rawIssue mirrors gh JSON output. Labels and comments arrive either as
// objects or as bare strings.
type rawIssue struct {
	Number    int          `json:"number"`
	Title     string       `json:"title"`
	Body      string       `json:"body"`
	Labels    []flexString `json:"labels"`
	Comments  []flexString `json:"comments"`
	URL       string       `json:"url"`
	CreatedAt string       `json:"createdAt"`
}

func (r rawIssue) issue() Issue {
	iss := Issue{
		Number: r.Number,
		Title:  r.Title,
		Body:   r.Body,
		URL:    r.URL,
	}
	for _, l := range r.Labels {
		iss.Labels = append(iss.Labels, l.value)
	}
	for _, c := range r.Comments {
		iss.Comments = append(iss.Comments, c.value)
	}
	if r.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, r.CreatedAt); err == nil {
			iss.CreatedAt = t
		}
	}
	return iss
}

// flexString accepts "x", {"name":"x"} or {"body":"x"}.
type flexString struct {
	value string
}

func (f *flexString) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &f.value)
	}
	if string(data) == "null" {
		return nil
	}
	var obj struct {
		Name string `json:"name"`
		Body string `json:"body"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("label or comment: %w", err)
	}
	f.value = obj.Name
	if f.value == "" {
		f.value = obj.Body
	}
	return nil
}

func parseIssues(data string) ([]Issue, error) {
	var raw []rawIssue
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return nil, err
	}
	issues := make([]Issue, 0, len(raw))
	for _, r := range raw {
		issues = append(issues, r.issue())
	}
	return issues, nil
}
