package subprocess

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind classifies a failed command. The set is closed; retry decisions are
// made from the Kind alone.
type Kind int

const (
	KindPermanent Kind = iota
	KindRetryable
	KindTimeout
	KindAuth
	KindCreditExhausted
)

func (k Kind) String() string {
	switch k {
	case KindPermanent:
		return "permanent"
	case KindRetryable:
		return "retryable"
	case KindTimeout:
		return "timeout"
	case KindAuth:
		return "auth"
	case KindCreditExhausted:
		return "credit_exhausted"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this kind may succeed on a later attempt.
func (k Kind) Retryable() bool {
	return k == KindRetryable || k == KindTimeout
}

// Fatal reports whether a failure of this kind must stop the calling loop.
func (k Kind) Fatal() bool {
	return k == KindAuth || k == KindCreditExhausted
}

// Error is returned for every failed command run through a Runner.
type Error struct {
	Kind     Kind
	Command  []string
	ExitCode int
	Stderr   string
	Timeout  time.Duration
	// ResumeAt is set for KindCreditExhausted when the reset time could be parsed.
	ResumeAt time.Time
}

func (e *Error) Error() string {
	cmd := strings.Join(e.Command, " ")
	switch e.Kind {
	case KindTimeout:
		return fmt.Sprintf("%s: timed out after %s", cmd, e.Timeout)
	case KindAuth:
		return fmt.Sprintf("%s: authentication failed: %s", cmd, strings.TrimSpace(e.Stderr))
	case KindCreditExhausted:
		if !e.ResumeAt.IsZero() {
			return fmt.Sprintf("%s: credits exhausted (resume at %s)", cmd, e.ResumeAt.Format(time.RFC3339))
		}
		return fmt.Sprintf("%s: credits exhausted", cmd)
	default:
		return fmt.Sprintf("%s: exit %d: %s", cmd, e.ExitCode, strings.TrimSpace(e.Stderr))
	}
}

// KindOf returns the Kind of err, or KindPermanent if err is not a subprocess error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindPermanent
}

// IsFatal reports whether err is an authentication or credit-exhaustion failure.
func IsFatal(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind.Fatal()
}

func IsAuth(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindAuth
}

// CreditResumeAt returns the parsed resume time when err is a credit
// exhaustion failure. The time is zero if the reset could not be parsed.
func CreditResumeAt(err error) (time.Time, bool) {
	var se *Error
	if errors.As(err, &se) && se.Kind == KindCreditExhausted {
		return se.ResumeAt, true
	}
	return time.Time{}, false
}

var (
	authPatterns = []string{
		"401",
		"not logged in",
		"authentication required",
		"auth token",
	}
	creditPatterns = []string{
		"usage limit",
		"credit balance is too low",
		"hit your limit",
		"quota exceeded",
		"out of credits",
	}
	transientPatterns = []string{
		"rate limit",
		"timeout",
		"timed out",
		"connection",
		"502",
		"503",
		"504",
	}
)

// Classify maps stderr text to a Kind. It is the only place stderr text is
// pattern matched.
func Classify(stderr string) Kind {
	s := strings.ToLower(stderr)
	if containsAny(s, authPatterns) {
		return KindAuth
	}
	if containsAny(s, creditPatterns) {
		return KindCreditExhausted
	}
	if strings.Contains(s, "403") {
		if strings.Contains(s, "rate limit") {
			return KindRetryable
		}
		return KindPermanent
	}
	if strings.Contains(s, "404") {
		return KindPermanent
	}
	if containsAny(s, transientPatterns) {
		return KindRetryable
	}
	return KindPermanent
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

var resetRe = regexp.MustCompile(`(?i)resets?\s+(?:at\s+)?(\d{1,2})(?::(\d{2}))?\s*(am|pm)\s*\(([^)]+)\)`)

// ParseResetTime extracts a "reset at 3pm (America/New_York)" clock time from
// text and returns the next occurrence of it after now, in UTC. An unknown zone
// is treated as UTC. Zero is returned when text holds no reset time.
func ParseResetTime(text string, now time.Time) time.Time {
	m := resetRe.FindStringSubmatch(text)
	if m == nil {
		return time.Time{}
	}

	hour, _ := strconv.Atoi(m[1])
	minute := 0
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	if hour < 1 || hour > 12 || minute > 59 {
		return time.Time{}
	}
	switch strings.ToLower(m[3]) {
	case "am":
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour != 12 {
			hour += 12
		}
	}

	loc, err := time.LoadLocation(strings.TrimSpace(m[4]))
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	reset := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !reset.After(now) {
		reset = time.Date(local.Year(), local.Month(), local.Day()+1, hour, minute, 0, 0, loc)
	}
	return reset.UTC()
}
