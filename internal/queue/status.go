package queue

import "github.com/cockroachdb/errors"

// Status is a job state.
type Status string

const (
	StatusPending          Status = "pending"
	StatusFetchingMetadata Status = "fetching_metadata"
	StatusFetchingCaptions Status = "fetching_captions"
	StatusAnalyzing        Status = "analyzing"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
)

// AllStatuses lists states in pipeline order.
var AllStatuses = []Status{
	StatusPending,
	StatusFetchingMetadata,
	StatusFetchingCaptions,
	StatusAnalyzing,
	StatusCompleted,
	StatusFailed,
}

// Forward edges only. Crash recovery is the one backward move and does
// not go through Transition.
var allowedTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusFetchingMetadata: true,
		StatusFailed:           true,
	},
	StatusFetchingMetadata: {
		StatusFetchingCaptions: true,
		StatusFailed:           true,
	},
	StatusFetchingCaptions: {
		StatusAnalyzing: true,
		StatusFailed:    true,
	},
	StatusAnalyzing: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusCompleted: {},
	StatusFailed:    {},
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Known() {
		return "", errors.Newf("unknown status %q", s)
	}
	return st, nil
}

func (s Status) Known() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// IsTerminal is true for completed and failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsStage is true for the states in which a worker is doing work.
func (s Status) IsStage() bool {
	switch s {
	case StatusFetchingMetadata, StatusFetchingCaptions, StatusAnalyzing:
		return true
	}
	return false
}

// Next returns the successor on the success path, or "" for terminal states.
func (s Status) Next() Status {
	switch s {
	case StatusPending:
		return StatusFetchingMetadata
	case StatusFetchingMetadata:
		return StatusFetchingCaptions
	case StatusFetchingCaptions:
		return StatusAnalyzing
	case StatusAnalyzing:
		return StatusCompleted
	}
	return ""
}

func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// ValidSequence reports whether statuses, as observed in order, only
// follow allowed edges. Repeated observations of the same state are fine.
func ValidSequence(seq []Status) bool {
	for i := 1; i < len(seq); i++ {
		if seq[i] == seq[i-1] {
			continue
		}
		if !CanTransition(seq[i-1], seq[i]) {
			return false
		}
	}
	return true
}
