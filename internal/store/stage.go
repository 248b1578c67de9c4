package store

// Stage is a pipeline phase. The order defines routing precedence: an issue
// carrying several stage labels goes to the most downstream one.
type Stage int

const (
	StageFind Stage = iota
	StagePlan
	StageReady
	StageReview
	StageHITL
)

// WorkStages are the stages that have a work queue.
var WorkStages = []Stage{StageFind, StagePlan, StageReady, StageReview}

func (s Stage) String() string {
	switch s {
	case StageFind:
		return "find"
	case StagePlan:
		return "plan"
	case StageReady:
		return "ready"
	case StageReview:
		return "review"
	case StageHITL:
		return "hitl"
	default:
		return "unknown"
	}
}

// ParseStage is the inverse of String.
func ParseStage(s string) (Stage, bool) {
	for _, st := range []Stage{StageFind, StagePlan, StageReady, StageReview, StageHITL} {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

// Status of an issue in a pipeline snapshot.
const (
	StatusQueued = "queued"
	StatusActive = "active"
	StatusHITL   = "hitl"
)
