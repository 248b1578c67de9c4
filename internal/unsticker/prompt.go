package unsticker

import (
	"fmt"
	"strings"

	"github.com/marcin-skalski/hydra/internal/github"
	"github.com/marcin-skalski/hydra/internal/memory"
)

type promptInput struct {
	Issue     github.Issue
	Branch    string
	Conflicts []string
	Changed   []string
	Commits   string
	Previous  error
	Digest    string
}

func buildPrompt(in promptInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are resolving merge conflicts for issue #%d: %s\n\n", in.Issue.Number, in.Issue.Title)
	if body := strings.TrimSpace(in.Issue.Body); body != "" {
		b.WriteString("## Issue\n\n")
		b.WriteString(body)
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "The branch `%s` was merged with the base branch and the merge stopped on conflicts.\n\n", in.Branch)
	writeList(&b, "## Conflicted files", in.Conflicts)
	writeList(&b, "## Files changed by the pull request", in.Changed)
	if c := strings.TrimSpace(in.Commits); c != "" {
		b.WriteString("## Branch commits\n\n```\n")
		b.WriteString(c)
		b.WriteString("\n```\n\n")
	}
	if in.Previous != nil {
		fmt.Fprintf(&b, "## Previous attempt failed\n\n%s\n\n", in.Previous)
	}

	b.WriteString("## Instructions\n\n")
	b.WriteString("- Resolve every conflict keeping the intent of both sides.\n")
	b.WriteString("- Remove all conflict markers and stage the result with `git add`.\n")
	b.WriteString("- Do not push and do not abort the merge.\n\n")

	if d := strings.TrimSpace(in.Digest); d != "" {
		b.WriteString(d)
		b.WriteString("\n\n")
	}

	b.WriteString("If you learned something that would help future runs, end with:\n\n")
	b.WriteString(memory.BlockStart + "\nTitle: <short title>\nLearning: <what to remember>\nContext: <when it applies>\n" + memory.BlockEnd + "\n")
	return b.String()
}

func writeList(b *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString(heading)
	b.WriteString("\n\n")
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
	b.WriteString("\n")
}
