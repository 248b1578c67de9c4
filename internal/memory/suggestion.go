package memory

import (
	"fmt"
	"strings"
)

const (
	// BlockStart and BlockEnd delimit a suggestion in an agent transcript.
	BlockStart = "MEMORY_SUGGESTION_START"
	BlockEnd   = "MEMORY_SUGGESTION_END"

	// TitlePrefix marks memory issues filed from transcripts.
	TitlePrefix = "[Memory] "
)

// Suggestion is a learning proposed by an agent in its transcript.
type Suggestion struct {
	Title    string
	Learning string
	Context  string
	Source   string
}

// ParseSuggestion extracts the first suggestion block from transcript. Only
// the first block is considered. ok is false when the block is missing,
// unterminated, or lacks a title or learning.
func ParseSuggestion(transcript string) (s Suggestion, ok bool) {
	_, rest, found := strings.Cut(transcript, BlockStart)
	if !found {
		return Suggestion{}, false
	}
	block, _, found := strings.Cut(rest, BlockEnd)
	if !found {
		return Suggestion{}, false
	}

	var current *string
	for _, line := range strings.Split(block, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case cutField(trimmed, "Title:", &s.Title):
			current = &s.Title
		case cutField(trimmed, "Learning:", &s.Learning):
			current = &s.Learning
		case cutField(trimmed, "Context:", &s.Context):
			current = &s.Context
		case trimmed != "" && current != nil && current != &s.Title:
			*current += "\n" + trimmed
		}
	}

	s.Learning = strings.TrimSpace(s.Learning)
	s.Context = strings.TrimSpace(s.Context)
	if s.Title == "" || s.Learning == "" {
		return Suggestion{}, false
	}
	return s, true
}

func cutField(line, key string, dst *string) bool {
	v, ok := strings.CutPrefix(line, key)
	if !ok {
		return false
	}
	*dst = strings.TrimSpace(v)
	return true
}

// IssueTitle is the title of the tracking issue for s.
func (s Suggestion) IssueTitle() string {
	return TitlePrefix + s.Title
}

// IssueBody renders s in the structured form CompileDigest reads back.
func (s Suggestion) IssueBody() string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Learning:** %s\n\n", s.Learning)
	if s.Context != "" {
		fmt.Fprintf(&b, "**Context:** %s\n\n", s.Context)
	}
	if s.Source != "" {
		fmt.Fprintf(&b, "**Source:** %s\n\n", s.Source)
	}
	b.WriteString("_Filed automatically from an agent transcript. Add the memory label to accept it into the digest._\n")
	return b.String()
}
