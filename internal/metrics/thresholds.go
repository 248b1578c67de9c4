package metrics

import "fmt"

const DefaultMinSample = 5

// Thresholds configure alerting on snapshot rates. Checks only apply once
// MinSample issues have completed.
type Thresholds struct {
	QualityFixRate float64
	ApprovalRate   float64
	HITLRate       float64
	MinSample      int
}

type Alert struct {
	Metric    string
	Value     float64
	Threshold float64
	Message   string
}

func (a Alert) fields() map[string]any {
	return map[string]any{
		"metric":    a.Metric,
		"value":     a.Value,
		"threshold": a.Threshold,
		"message":   a.Message,
	}
}

// Check returns every breached threshold. A zero threshold is disabled.
func (t Thresholds) Check(s Snapshot) []Alert {
	minSample := t.MinSample
	if minSample <= 0 {
		minSample = DefaultMinSample
	}
	if s.IssuesCompleted < minSample {
		return nil
	}

	var alerts []Alert
	if t.QualityFixRate > 0 && s.QualityFixRate > t.QualityFixRate {
		alerts = append(alerts, Alert{
			Metric: "quality_fix_rate", Value: s.QualityFixRate, Threshold: t.QualityFixRate,
			Message: fmt.Sprintf("quality fix rate %.0f%% above %.0f%%", s.QualityFixRate*100, t.QualityFixRate*100),
		})
	}
	reviews := s.ReviewApprovals + s.ReviewRequestChanges
	if t.ApprovalRate > 0 && reviews >= minSample && s.FirstPassApprovalRate < t.ApprovalRate {
		alerts = append(alerts, Alert{
			Metric: "first_pass_approval_rate", Value: s.FirstPassApprovalRate, Threshold: t.ApprovalRate,
			Message: fmt.Sprintf("first-pass approval rate %.0f%% below %.0f%%", s.FirstPassApprovalRate*100, t.ApprovalRate*100),
		})
	}
	if t.HITLRate > 0 && s.HITLEscalationRate > t.HITLRate {
		alerts = append(alerts, Alert{
			Metric: "hitl_escalation_rate", Value: s.HITLEscalationRate, Threshold: t.HITLRate,
			Message: fmt.Sprintf("HITL escalation rate %.0f%% above %.0f%%", s.HITLEscalationRate*100, t.HITLRate*100),
		})
	}
	return alerts
}
