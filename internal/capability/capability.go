// Package capability defines the boundary to the systems the pipeline
// orchestrates but does not implement: a content fetcher for video
// metadata, captions and media, and a sentiment scorer.
package capability

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
)

// Label is a sentiment class.
type Label string

const (
	LabelPositive Label = "positive"
	LabelNegative Label = "negative"
	LabelNeutral  Label = "neutral"
)

// ParseLabel accepts any casing ("POSITIVE", "Positive").
func ParseLabel(s string) (Label, error) {
	l := Label(strings.ToLower(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", errors.Newf("unknown sentiment label %q", s)
	}
	return l, nil
}

func (l Label) Valid() bool {
	switch l {
	case LabelPositive, LabelNegative, LabelNeutral:
		return true
	}
	return false
}

// Score is a scorer verdict for one text span.
type Score struct {
	Label      Label   `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Validate enforces the label enum and the [0,1] confidence range.
func (s Score) Validate() error {
	if !s.Label.Valid() {
		return errors.Newf("invalid label %q", s.Label)
	}
	if s.Confidence < 0 || s.Confidence > 1 || s.Confidence != s.Confidence {
		return errors.Newf("confidence %v outside [0,1]", s.Confidence)
	}
	return nil
}

// Metadata describes a video.
type Metadata struct {
	Title           string  `json:"title"`
	Channel         string  `json:"channel"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Caption is one timed text span of a caption track. Times are seconds
// from the start of the video.
type Caption struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// MediaHandle points at a downloaded media payload.
type MediaHandle struct {
	Path string `json:"path"`
}

// ContentFetcher retrieves everything the pipeline needs about a video.
//
// FetchMetadata fails with NotFound or Transient errors. FetchCaptions
// additionally fails with NoContent when the video has no caption track.
type ContentFetcher interface {
	FetchMetadata(ctx context.Context, reference string) (Metadata, error)
	FetchCaptions(ctx context.Context, reference string) ([]Caption, error)
	FetchMedia(ctx context.Context, reference string) (MediaHandle, error)
}

// Scorer labels a text span. It fails with Transient or Fatal errors.
type Scorer interface {
	Score(ctx context.Context, text string) (Score, error)
}

// Throttled is implemented by scorers with a client-side rate limit.
// WaitReady blocks until a Score call would not be throttled, so callers
// can wait without spending the call's own deadline.
type Throttled interface {
	WaitReady(ctx context.Context) error
}
