package projection

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fusionn-mood/internal/capability"
	"github.com/fusionn-mood/internal/queue"
	"github.com/fusionn-mood/internal/testutil"
)

func segment(i int, start float64, label capability.Label, score float64, fallback bool) queue.CaptionSegment {
	return queue.CaptionSegment{
		SequenceIndex:  i,
		StartTime:      start,
		EndTime:        start + 1,
		Text:           "text",
		SentimentLabel: label,
		SentimentScore: score,
		ScoreFallback:  fallback,
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize([]queue.CaptionSegment{
		segment(0, 0, capability.LabelPositive, 0.9, false),
		segment(1, 1, capability.LabelNeutral, 0.5, false),
		segment(2, 2, capability.LabelNegative, 0.7, false),
		segment(3, 3, capability.LabelNeutral, 0, true),
	})
	assert.Equal(t, 4, s.Segments)
	assert.Equal(t, 1, s.Positive)
	assert.Equal(t, 1, s.Neutral)
	assert.Equal(t, 1, s.Negative)
	assert.Equal(t, 1, s.Fallback)
	assert.InDelta(t, 0.7, s.Average, 1e-9)

	assert.Equal(t, Summary{}, Summarize(nil))
}

func TestSections(t *testing.T) {
	segs := []queue.CaptionSegment{
		segment(0, 0, capability.LabelPositive, 0.9, false),
		segment(1, 1, capability.LabelPositive, 0.8, false),
		segment(2, 4, capability.LabelNegative, 0.6, false),
		segment(3, 6, capability.LabelNeutral, 0, true),
		segment(4, 7, capability.LabelNegative, 0.7, false),
	}
	got := Sections(segs, 2)
	require.Len(t, got, 2)

	assert.Equal(t, 0.0, got[0].Start)
	assert.Equal(t, 4.0, got[0].End)
	assert.Equal(t, 2, got[0].Segments)
	assert.Equal(t, capability.LabelPositive, got[0].Dominant)

	assert.Equal(t, 8.0, got[1].End)
	assert.Equal(t, 3, got[1].Segments)
	assert.Equal(t, 1, got[1].Fallback)
	assert.Equal(t, capability.LabelNegative, got[1].Dominant)

	assert.Empty(t, Sections(nil, 4))
}

func TestSectionsSingleInstant(t *testing.T) {
	segs := []queue.CaptionSegment{{SequenceIndex: 0, SentimentLabel: capability.LabelNeutral, SentimentScore: 0.3}}
	got := Sections(segs, 3)
	require.Len(t, got, 3)
	assert.Equal(t, 1, got[0].Segments)
	assert.Equal(t, capability.LabelNeutral, got[0].Dominant)
	assert.Empty(t, got[2].Dominant)
}

func TestDetailWhileAnalyzing(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	view := New(store)

	id, err := store.Enqueue(ctx, "abc123", true)
	require.NoError(t, err)

	// before any stage ran there is no metadata and no segments
	detail, err := view.Detail(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, detail.Metadata)
	assert.Empty(t, detail.Segments)
	assert.NotNil(t, detail.Segments)

	job, err := store.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, store.Transition(ctx, queue.Transition{
		JobID: id, ClaimToken: job.ClaimToken,
		From: queue.StatusFetchingMetadata, To: queue.StatusFetchingCaptions,
		Metadata: &queue.VideoMetadata{Title: "Test"},
	}))
	require.NoError(t, store.Transition(ctx, queue.Transition{
		JobID: id, ClaimToken: job.ClaimToken,
		From: queue.StatusFetchingCaptions, To: queue.StatusAnalyzing,
	}))
	require.NoError(t, store.AppendSegments(ctx, id, job.ClaimToken, []queue.CaptionSegment{
		segment(0, 0, capability.LabelPositive, 0.9, false),
		segment(1, 1, capability.LabelNeutral, 0.5, false),
	}))

	detail, err = view.Detail(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusAnalyzing, detail.Job.Status)
	assert.Equal(t, "Test", detail.Metadata.Title)
	require.Len(t, detail.Segments, 2)
	assert.Equal(t, 2, detail.Summary.Segments)
	assert.Len(t, detail.Sections, DefaultSections)

	list, err := view.ListJobs(ctx, queue.StatusAnalyzing, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Test", list[0].Title)
	assert.Equal(t, 2, list[0].SegmentCount)
}

func TestDetailUnknownJob(t *testing.T) {
	_, err := New(testutil.NewStore(t)).Detail(context.Background(), "nope")
	assert.True(t, errors.Is(err, queue.ErrNotFound))

	_, err = New(testutil.NewStore(t)).Segments(context.Background(), "nope")
	assert.True(t, errors.Is(err, queue.ErrNotFound))
}

func TestListJobsRejectsUnknownStatus(t *testing.T) {
	_, err := New(testutil.NewStore(t)).ListJobs(context.Background(), "sleeping", 0)
	assert.Equal(t, capability.KindValidation, capability.Classify(err))
}
