// Package projection is the read side used by the API and the CLI. It
// never writes, and it is safe to call while jobs are being processed:
// segments already stored are returned as they are.
package projection

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/fusionn-mood/internal/capability"
	"github.com/fusionn-mood/internal/queue"
)

// DefaultSections is how many timeline sections Detail reports.
const DefaultSections = 4

// Store is the read side of the job store.
type Store interface {
	Get(ctx context.Context, id string) (*queue.Job, error)
	Overviews(ctx context.Context, f queue.ListFilter) ([]queue.Overview, error)
	Metadata(ctx context.Context, jobID string) (*queue.VideoMetadata, error)
	Segments(ctx context.Context, jobID string) ([]queue.CaptionSegment, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// View answers viewer queries.
type View struct {
	store    Store
	sections int
}

func New(store Store) *View {
	return &View{store: store, sections: DefaultSections}
}

// JobSummary is one row of the job list.
type JobSummary struct {
	*queue.Job
	Title        string `json:"title,omitempty"`
	SegmentCount int    `json:"segment_count"`
}

// Summary aggregates a job's scored segments. Average covers segments
// the scorer actually scored; fallbacks are counted separately.
type Summary struct {
	Segments int     `json:"segments"`
	Average  float64 `json:"average_score"`
	Positive int     `json:"positive"`
	Neutral  int     `json:"neutral"`
	Negative int     `json:"negative"`
	Fallback int     `json:"fallback"`
}

// Section summarises one slice of the video's timeline.
type Section struct {
	Start    float64          `json:"start"`
	End      float64          `json:"end"`
	Dominant capability.Label `json:"dominant,omitempty"`
	Summary
}

// JobDetail is everything known about one job. Metadata is nil until the
// metadata stage completes; Segments grows while the job is analyzing.
type JobDetail struct {
	Job      *queue.Job             `json:"job"`
	Metadata *queue.VideoMetadata   `json:"metadata,omitempty"`
	Segments []queue.CaptionSegment `json:"segments"`
	Summary  Summary                `json:"summary"`
	Sections []Section              `json:"sections"`
}

// ListJobs returns jobs newest first, optionally by status.
func (v *View) ListJobs(ctx context.Context, status queue.Status, limit int) ([]JobSummary, error) {
	if status != "" && !status.Known() {
		return nil, &capability.ValidationError{Problems: []string{"unknown status " + string(status)}}
	}
	overviews, err := v.store.Overviews(ctx, queue.ListFilter{Status: status, Limit: limit})
	if err != nil {
		return nil, err
	}

	out := make([]JobSummary, 0, len(overviews))
	for _, o := range overviews {
		out = append(out, JobSummary{Job: o.Job, Title: o.Title, SegmentCount: o.SegmentCount})
	}
	return out, nil
}

// Detail returns a job with its metadata, ordered segments and summary.
func (v *View) Detail(ctx context.Context, id string) (*JobDetail, error) {
	job, err := v.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	meta, err := v.store.Metadata(ctx, id)
	if err != nil && !errors.Is(err, queue.ErrNotFound) {
		return nil, err
	}

	segs, err := v.store.Segments(ctx, id)
	if err != nil {
		return nil, err
	}

	return &JobDetail{
		Job:      job,
		Metadata: meta,
		Segments: segs,
		Summary:  Summarize(segs),
		Sections: Sections(segs, v.sections),
	}, nil
}

// Segments returns a job's stored segments, checking the job exists.
func (v *View) Segments(ctx context.Context, id string) ([]queue.CaptionSegment, error) {
	if _, err := v.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return v.store.Segments(ctx, id)
}

// Stats counts jobs per status.
func (v *View) Stats(ctx context.Context) (queue.Stats, error) {
	return v.store.Stats(ctx)
}

// Summarize counts labels and averages the scored confidences.
func Summarize(segs []queue.CaptionSegment) Summary {
	var (
		s     Summary
		total float64
	)
	for _, seg := range segs {
		s.Segments++
		if seg.ScoreFallback {
			s.Fallback++
			continue
		}
		total += seg.SentimentScore
		switch seg.SentimentLabel {
		case capability.LabelPositive:
			s.Positive++
		case capability.LabelNegative:
			s.Negative++
		case capability.LabelNeutral:
			s.Neutral++
		}
	}
	if scored := s.Segments - s.Fallback; scored > 0 {
		s.Average = total / float64(scored)
	}
	return s
}

// Sections splits the timeline covered by segs into n equal spans and
// summarises each. A segment belongs to the span its start falls in.
func Sections(segs []queue.CaptionSegment, n int) []Section {
	if len(segs) == 0 || n < 1 {
		return []Section{}
	}

	start := segs[0].StartTime
	end := segs[len(segs)-1].EndTime
	width := (end - start) / float64(n)

	buckets := make([][]queue.CaptionSegment, n)
	for _, seg := range segs {
		i := 0
		if width > 0 {
			i = int((seg.StartTime - start) / width)
		}
		if i >= n {
			i = n - 1
		}
		buckets[i] = append(buckets[i], seg)
	}

	out := make([]Section, n)
	for i, b := range buckets {
		sum := Summarize(b)
		out[i] = Section{
			Start:    start + width*float64(i),
			End:      start + width*float64(i+1),
			Dominant: dominant(sum),
			Summary:  sum,
		}
	}
	out[n-1].End = end
	return out
}

// dominant is the most frequent scored label; ties favour neutral.
func dominant(s Summary) capability.Label {
	if s.Segments == s.Fallback {
		return ""
	}
	switch {
	case s.Positive > s.Negative && s.Positive > s.Neutral:
		return capability.LabelPositive
	case s.Negative > s.Positive && s.Negative > s.Neutral:
		return capability.LabelNegative
	}
	return capability.LabelNeutral
}
