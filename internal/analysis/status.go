package analysis

// Status represents the lifecycle state of an analysis job.
type Status string

// Job status values persisted in the job store.
const (
	StatusPending    Status = "pending"
	StatusScanning   Status = "scanning"
	StatusExtracting Status = "extracting"
	StatusGenerating Status = "generating"
	StatusPublishing Status = "publishing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Stage names one executor step of the pipeline.
type Stage string

// Pipeline stages in execution order.
const (
	StageScan     Stage = "scan"
	StageExtract  Stage = "extract"
	StageGenerate Stage = "generate"
	StagePublish  Stage = "publish"
)

// Stages lists the pipeline stages in the order they run.
var Stages = []Stage{StageScan, StageExtract, StageGenerate, StagePublish}

// order ranks the non-failed statuses along the fixed pipeline order.
var order = map[Status]int{
	StatusPending:    0,
	StatusScanning:   1,
	StatusExtracting: 2,
	StatusGenerating: 3,
	StatusPublishing: 4,
	StatusCompleted:  5,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	if s == StatusFailed {
		return true
	}
	_, ok := order[s]
	return ok
}

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Active is the negation of Terminal for known statuses.
func (s Status) Active() bool {
	return s.Valid() && !s.Terminal()
}

// ActiveStatuses returns every non-terminal status.
func ActiveStatuses() []Status {
	return []Status{StatusPending, StatusScanning, StatusExtracting, StatusGenerating, StatusPublishing}
}

// CanTransition reports whether from -> to is a legal single step. Stages
// advance one at a time; failed is reachable from any non-terminal status.
func CanTransition(from, to Status) bool {
	if from.Terminal() || !from.Valid() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	fromRank, ok := order[from]
	if !ok {
		return false
	}
	toRank, ok := order[to]
	if !ok {
		return false
	}
	return toRank == fromRank+1
}

// Status returns the job status a job holds while the stage executes.
func (s Stage) Status() Status {
	switch s {
	case StageScan:
		return StatusScanning
	case StageExtract:
		return StatusExtracting
	case StageGenerate:
		return StatusGenerating
	case StagePublish:
		return StatusPublishing
	default:
		return ""
	}
}

// Progress maps a status to the percentage shown by progress indicators.
// It is purely derived from status; failed reports 0 and callers keep the
// last percentage they displayed.
func Progress(s Status) int {
	switch s {
	case StatusScanning:
		return 25
	case StatusExtracting:
		return 50
	case StatusGenerating:
		return 75
	case StatusPublishing:
		return 90
	case StatusCompleted:
		return 100
	default:
		return 0
	}
}
