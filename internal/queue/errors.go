package queue

import "github.com/cockroachdb/errors"

var (
	// ErrNotFound means no job has the given id.
	ErrNotFound = errors.New("job not found")

	// ErrConflict means the job is no longer in the expected status or is
	// held under a different claim: another worker won the race, or the
	// job was recovered after going stale.
	ErrConflict = errors.New("job state conflict")

	// ErrIllegalTransition means the requested edge is not in the state graph.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrInvalidSegments means an append batch breaks ordering or range rules.
	ErrInvalidSegments = errors.New("invalid caption segments")
)

// IsLogical reports whether err is a state outcome rather than a storage failure.
func IsLogical(err error) bool {
	return errors.IsAny(err, ErrNotFound, ErrConflict, ErrIllegalTransition, ErrInvalidSegments)
}
