package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcin-skalski/hydra/internal/events"
	"github.com/marcin-skalski/hydra/internal/github"
	"github.com/marcin-skalski/hydra/internal/state"
	"github.com/marcin-skalski/hydra/internal/store"
)

// DefaultMaxAttempts is how many failed runs escalate an issue to HITL when
// no limit is configured.
const DefaultMaxAttempts = 3

// Recorder is told how every finished handler run ended.
type Recorder interface {
	Succeeded(ctx context.Context, stage store.Stage, issue github.Issue, elapsed time.Duration)
	Failed(ctx context.Context, stage store.Stage, issue github.Issue, err error)
}

// EscalationError asks the pool to hand an issue to a human right away.
type EscalationError struct {
	Cause string
}

func (e *EscalationError) Error() string {
	return "needs human attention: " + e.Cause
}

// Escalate returns an error that sends the issue straight to HITL with cause.
func Escalate(cause string) error {
	return &EscalationError{Cause: cause}
}

type Ledger interface {
	UpdateLifetime(fn func(s *state.LifetimeStats)) error
	IncrementAttempts(issue int) (int, error)
	ResetAttempts(issue int) error
	SetHITLOrigin(issue int, label string) error
	SetHITLCause(issue int, cause string) error
	RecordHITLEscalation() error
}

type Labeler interface {
	SwapLabels(ctx context.Context, number int, remove, add []string) error
	PostComment(ctx context.Context, number int, body string) error
}

type OutcomeOptions struct {
	// StageLabels maps each stage to its aliases; the first one is applied.
	StageLabels map[store.Stage][]string
	HITLLabel   string
	MaxAttempts int
}

// Outcomes keeps lifetime stats and attempt counters in the state file and
// escalates issues that keep failing.
type Outcomes struct {
	state  Ledger
	github Labeler
	bus    Publisher
	opts   OutcomeOptions
	logger *slog.Logger
}

func NewOutcomes(st Ledger, gh Labeler, bus Publisher, opts OutcomeOptions, logger *slog.Logger) *Outcomes {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &Outcomes{state: st, github: gh, bus: bus, opts: opts, logger: logger}
}

// Succeeded clears the attempt counter and adds the run to lifetime stats.
// A finished review counts as a completed issue.
func (o *Outcomes) Succeeded(_ context.Context, stage store.Stage, issue github.Issue, elapsed time.Duration) {
	log := o.logger.With("issue", issue.Number, "stage", stage.String())
	if err := o.state.ResetAttempts(issue.Number); err != nil {
		log.Warn("reset attempts failed", "err", err)
	}
	secs := elapsed.Seconds()
	err := o.state.UpdateLifetime(func(s *state.LifetimeStats) {
		switch stage {
		case store.StageReady:
			s.TotalImplementationSeconds += secs
		case store.StageReview:
			s.TotalReviewSeconds += secs
			s.IssuesCompleted++
		}
	})
	if err != nil {
		log.Warn("update lifetime stats failed", "err", err)
	}
}

// Failed counts the failure and escalates once the issue asked for it or
// ran out of attempts.
func (o *Outcomes) Failed(ctx context.Context, stage store.Stage, issue github.Issue, err error) {
	log := o.logger.With("issue", issue.Number, "stage", stage.String())

	var esc *EscalationError
	if errors.As(err, &esc) {
		o.escalate(ctx, log, stage, issue, esc.Cause)
		return
	}

	n, incErr := o.state.IncrementAttempts(issue.Number)
	if incErr != nil {
		log.Warn("increment attempts failed", "err", incErr)
		return
	}
	if n < o.opts.MaxAttempts {
		log.Info("run failed, will retry", "attempt", n, "max_attempts", o.opts.MaxAttempts)
		return
	}
	o.escalate(ctx, log, stage, issue, fmt.Sprintf("%s failed %d times: %v", stage, n, err))
}

func (o *Outcomes) escalate(ctx context.Context, log *slog.Logger, stage store.Stage, issue github.Issue, cause string) {
	// Bookkeeping must land even when the run was cut short.
	ctx = context.WithoutCancel(ctx)

	labels := o.opts.StageLabels[stage]
	if err := o.github.SwapLabels(ctx, issue.Number, labels, []string{o.opts.HITLLabel}); err != nil {
		log.Error("escalate to hitl failed", "err", err)
		return
	}
	if len(labels) > 0 {
		if err := o.state.SetHITLOrigin(issue.Number, labels[0]); err != nil {
			log.Warn("record hitl origin failed", "err", err)
		}
	}
	if err := o.state.SetHITLCause(issue.Number, cause); err != nil {
		log.Warn("record hitl cause failed", "err", err)
	}
	if err := o.state.ResetAttempts(issue.Number); err != nil {
		log.Warn("reset attempts failed", "err", err)
	}
	if err := o.state.RecordHITLEscalation(); err != nil {
		log.Warn("record hitl escalation failed", "err", err)
	}

	body := fmt.Sprintf("Escalating to `%s` for human attention.\n\n%s", o.opts.HITLLabel, cause)
	if err := o.github.PostComment(ctx, issue.Number, body); err != nil {
		log.Warn("post escalation comment failed", "err", err)
	}
	if o.bus != nil {
		o.bus.Publish(events.EventHITLEscalation, map[string]any{
			"issue": issue.Number,
			"stage": stage.String(),
			"cause": cause,
		})
	}
	log.Warn("escalated to hitl", "cause", cause)
}
