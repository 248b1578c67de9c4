package github

import (
	"context"
	"fmt"
	"strconv"
)

type prListEntry struct {
	Number  int    `json:"number"`
	URL     string `json:"url"`
	IsDraft bool   `json:"isDraft"`
}

// FindOpenPR returns the open PR for the issue's agent branch, or nil.
func (c *Client) FindOpenPR(ctx context.Context, issue int) (*PRInfo, error) {
	branch := BranchForIssue(issue)
	var prs []prListEntry
	err := c.ghJSON(ctx, &prs, "pr", "list",
		"--head", branch,
		"--state", "open",
		"--json", "number,url,isDraft",
		"--limit", "1",
	)
	if err != nil {
		return nil, fmt.Errorf("find PR for #%d: %w", issue, err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &PRInfo{
		Number:      prs[0].Number,
		IssueNumber: issue,
		Branch:      branch,
		URL:         prs[0].URL,
		Draft:       prs[0].IsDraft,
	}, nil
}

// PRChangedFiles lists paths touched by the PR.
func (c *Client) PRChangedFiles(ctx context.Context, pr int) ([]string, error) {
	var resp struct {
		Files []struct {
			Path string `json:"path"`
		} `json:"files"`
	}
	if err := c.ghJSON(ctx, &resp, "pr", "view", strconv.Itoa(pr), "--json", "files"); err != nil {
		return nil, fmt.Errorf("list files for PR #%d: %w", pr, err)
	}
	files := make([]string, 0, len(resp.Files))
	for _, f := range resp.Files {
		files = append(files, f.Path)
	}
	return files, nil
}
