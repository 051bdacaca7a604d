package processor

import (
	"context"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fusionn-mood/internal/capability"
	"github.com/fusionn-mood/internal/capability/capabilitytest"
	"github.com/fusionn-mood/internal/client/apprise"
	"github.com/fusionn-mood/internal/config"
	"github.com/fusionn-mood/internal/queue"
	"github.com/fusionn-mood/internal/testutil"
	"github.com/fusionn-mood/pkg/logger"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Retry.InitialBackoff = time.Millisecond
	cfg.Retry.MaxBackoff = 5 * time.Millisecond
	cfg.Worker.BatchSize = 2
	return cfg
}

var threeCaptions = []capability.Caption{
	{Start: 0, End: 2, Text: "I love it"},
	{Start: 2, End: 4, Text: "it is a video"},
	{Start: 4, End: 6, Text: "sad ending"},
}

func scriptedScorer() *capabilitytest.Scorer {
	return &capabilitytest.Scorer{ByText: map[string]capability.Score{
		"I love it":     {Label: capability.LabelPositive, Confidence: 0.9},
		"it is a video": {Label: capability.LabelNeutral, Confidence: 0.5},
		"sad ending":    {Label: capability.LabelNegative, Confidence: 0.8},
	}}
}

type recordingNotifier struct {
	successes []apprise.JobEvent
	failures  []apprise.JobEvent
}

func (n *recordingNotifier) NotifyJob(ev apprise.JobEvent) error {
	if ev.Status == queue.StatusCompleted {
		n.successes = append(n.successes, ev)
	} else {
		n.failures = append(n.failures, ev)
	}
	return nil
}

func claim(t *testing.T, store *queue.Store, ref string, skip bool) *queue.Job {
	t.Helper()
	ctx := context.Background()
	_, err := store.Enqueue(ctx, ref, skip)
	require.NoError(t, err)
	job, err := store.ClaimNext(ctx, "test-worker")
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func reload(t *testing.T, store *queue.Store, id string) *queue.Job {
	t.Helper()
	job, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestRunCompletesJob(t *testing.T) {
	logger.SetForTest(t, zaptest.NewLogger(t))
	ctx := context.Background()
	store := testutil.NewStore(t)
	fetcher := &capabilitytest.Fetcher{
		Metadata: capability.Metadata{Title: "Test", Channel: "chan", DurationSeconds: 6},
		Captions: threeCaptions,
	}
	notifier := &recordingNotifier{}
	svc := New(testConfig(), store, fetcher, scriptedScorer(), notifier)

	job := claim(t, store, "abc123", true)
	require.NoError(t, svc.Run(ctx, job))

	got := reload(t, store, job.ID)
	assert.Equal(t, queue.StatusCompleted, got.Status)
	assert.Empty(t, got.ErrorMessage)
	assert.Empty(t, got.MediaPath)
	assert.False(t, got.Claimed())

	meta, err := store.Metadata(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "Test", meta.Title)

	segs, err := store.Segments(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, segs, 3)
	want := []struct {
		label capability.Label
		score float64
	}{
		{capability.LabelPositive, 0.9},
		{capability.LabelNeutral, 0.5},
		{capability.LabelNegative, 0.8},
	}
	for i, seg := range segs {
		assert.Equal(t, i, seg.SequenceIndex)
		assert.Equal(t, threeCaptions[i].Text, seg.Text)
		assert.Equal(t, want[i].label, seg.SentimentLabel)
		assert.InDelta(t, want[i].score, seg.SentimentScore, 1e-9)
		assert.False(t, seg.ScoreFallback)
	}

	_, _, media := fetcher.Calls()
	assert.Zero(t, media, "media must not be requested when skipped")
	require.Len(t, notifier.successes, 1)
	assert.Equal(t, "Test", notifier.successes[0].Title)
	assert.Equal(t, job.ID, notifier.successes[0].JobID)
	assert.Contains(t, notifier.successes[0].Detail, "Segments: 3")
}

func TestRunFailsWithoutCaptions(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	fetcher := &capabilitytest.Fetcher{
		Metadata:    capability.Metadata{Title: "Silent"},
		CaptionErrs: []error{capability.NoCaptions("fetch captions")},
	}
	notifier := &recordingNotifier{}
	svc := New(testConfig(), store, fetcher, scriptedScorer(), notifier)

	job := claim(t, store, "silent1", true)
	require.NoError(t, svc.Run(ctx, job))

	got := reload(t, store, job.ID)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "no captions available")

	segs, err := store.Segments(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, segs)

	_, captions, _ := fetcher.Calls()
	assert.Equal(t, 1, captions, "no-content is not retried")
	require.Len(t, notifier.failures, 1)
	assert.Equal(t, queue.StatusFailed, notifier.failures[0].Status)
	assert.Contains(t, notifier.failures[0].Detail, "Failed at: captions")
}

func TestRunEmptyTrackCountsAsNoCaptions(t *testing.T) {
	store := testutil.NewStore(t)
	svc := New(testConfig(), store, &capabilitytest.Fetcher{}, scriptedScorer(), nil)

	job := claim(t, store, "empty1", true)
	require.NoError(t, svc.Run(context.Background(), job))
	assert.Contains(t, reload(t, store, job.ID).ErrorMessage, "no captions available")
}

func TestRunMetadataNotFoundIsTerminal(t *testing.T) {
	store := testutil.NewStore(t)
	fetcher := &capabilitytest.Fetcher{
		MetadataErrs: []error{capability.NotFound("fetch metadata", errors.New("video unavailable"))},
	}
	svc := New(testConfig(), store, fetcher, scriptedScorer(), nil)

	job := claim(t, store, "gone12", true)
	require.NoError(t, svc.Run(context.Background(), job))

	got := reload(t, store, job.ID)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "not found")

	meta, _, _ := fetcher.Calls()
	assert.Equal(t, 1, meta)
}

func TestRunRetriesTransientMetadataFailures(t *testing.T) {
	store := testutil.NewStore(t)
	fetcher := &capabilitytest.Fetcher{
		Metadata: capability.Metadata{Title: "Flaky"},
		Captions: threeCaptions,
		MetadataErrs: []error{
			capability.Transient("fetch metadata", errors.New("connection reset")),
			capability.Transient("fetch metadata", errors.New("connection reset")),
		},
	}
	svc := New(testConfig(), store, fetcher, scriptedScorer(), nil)

	job := claim(t, store, "flaky1", true)
	require.NoError(t, svc.Run(context.Background(), job))

	assert.Equal(t, queue.StatusCompleted, reload(t, store, job.ID).Status)
	meta, _, _ := fetcher.Calls()
	assert.Equal(t, 3, meta)
}

func TestRunGivesUpAfterRetryBudget(t *testing.T) {
	store := testutil.NewStore(t)
	transient := capability.Transient("fetch metadata", errors.New("timed out"))
	fetcher := &capabilitytest.Fetcher{
		MetadataErrs: []error{transient, transient, transient, transient},
	}
	svc := New(testConfig(), store, fetcher, scriptedScorer(), nil)

	job := claim(t, store, "down12", true)
	require.NoError(t, svc.Run(context.Background(), job))

	got := reload(t, store, job.ID)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "network error")
	meta, _, _ := fetcher.Calls()
	assert.Equal(t, 3, meta)
}

func TestRunToleratesMediaFailure(t *testing.T) {
	store := testutil.NewStore(t)
	fetcher := &capabilitytest.Fetcher{
		Metadata: capability.Metadata{Title: "Test"},
		Captions: threeCaptions,
		MediaErr: errors.New("disk full"),
	}
	svc := New(testConfig(), store, fetcher, scriptedScorer(), nil)

	job := claim(t, store, "media1", false)
	require.NoError(t, svc.Run(context.Background(), job))

	got := reload(t, store, job.ID)
	assert.Equal(t, queue.StatusCompleted, got.Status)
	assert.Empty(t, got.MediaPath)
	_, _, media := fetcher.Calls()
	assert.Equal(t, 1, media)
}

func TestRunRecordsMediaPath(t *testing.T) {
	store := testutil.NewStore(t)
	fetcher := &capabilitytest.Fetcher{
		Metadata: capability.Metadata{Title: "Test"},
		Captions: threeCaptions,
		Media:    capability.MediaHandle{Path: "/media/abc123.m4a"},
	}
	svc := New(testConfig(), store, fetcher, scriptedScorer(), nil)

	job := claim(t, store, "media2", false)
	require.NoError(t, svc.Run(context.Background(), job))
	assert.Equal(t, "/media/abc123.m4a", reload(t, store, job.ID).MediaPath)
}

func TestRunFallsBackOnSegmentFailure(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	scorer := scriptedScorer()
	scorer.ErrText = map[string]error{"it is a video": errors.New("unparseable response")}
	fetcher := &capabilitytest.Fetcher{Metadata: capability.Metadata{Title: "Test"}, Captions: threeCaptions}
	svc := New(testConfig(), store, fetcher, scorer, nil)

	job := claim(t, store, "fallback1", true)
	require.NoError(t, svc.Run(ctx, job))

	assert.Equal(t, queue.StatusCompleted, reload(t, store, job.ID).Status)
	segs, err := store.Segments(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, segs, 3)
	assert.True(t, segs[1].ScoreFallback)
	assert.Equal(t, capability.LabelNeutral, segs[1].SentimentLabel)
	assert.Zero(t, segs[1].SentimentScore)
	assert.False(t, segs[0].ScoreFallback)
	assert.False(t, segs[2].ScoreFallback)
}

func TestRunKeepsPartialResultsOnFatalScorer(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	captions := []capability.Caption{
		{Start: 0, End: 1, Text: "one"},
		{Start: 1, End: 2, Text: "two"},
		{Start: 2, End: 3, Text: "three"},
		{Start: 3, End: 4, Text: "four"},
		{Start: 4, End: 5, Text: "five"},
	}
	scorer := &capabilitytest.Scorer{ErrText: map[string]error{
		"four": capability.Fatal("score", errors.New("quota revoked")),
	}}
	fetcher := &capabilitytest.Fetcher{Metadata: capability.Metadata{Title: "Long"}, Captions: captions}
	svc := New(testConfig(), store, fetcher, scorer, nil)

	job := claim(t, store, "fatal1", true)
	require.NoError(t, svc.Run(ctx, job))

	got := reload(t, store, job.ID)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "scorer fatal")

	segs, err := store.Segments(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, segs, 3, "segments scored before the fatal error stay visible")
	for i, seg := range segs {
		assert.Equal(t, i, seg.SequenceIndex)
		assert.True(t, seg.SentimentLabel.Valid())
	}
	assert.NotContains(t, scorer.ScoredTexts(), "five")
}

func TestRunResumesAnalysisWithoutRescoring(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	store := testutil.NewStore(t, queue.WithClock(clock.Now))
	fetcher := &capabilitytest.Fetcher{Metadata: capability.Metadata{Title: "Test"}, Captions: threeCaptions}

	// first worker dies after persisting segment 0
	job := claim(t, store, "resume1", true)
	first := New(testConfig(), store, fetcher, scriptedScorer(), nil)
	r := &run{job: job, durations: map[string]time.Duration{}}
	require.NoError(t, first.fetchMetadata(ctx, r))
	require.NoError(t, first.fetchCaptions(ctx, r))
	require.NoError(t, store.AppendSegments(ctx, job.ID, job.ClaimToken, []queue.CaptionSegment{{
		SequenceIndex: 0, StartTime: 0, EndTime: 2, Text: "I love it",
		SentimentLabel: capability.LabelPositive, SentimentScore: 0.9,
	}}))

	clock.Advance(time.Hour)
	recovered, err := store.RecoverStale(ctx, 10*time.Minute, queue.RecoverStage)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, queue.StatusAnalyzing, recovered[0].To)

	resumed, err := store.ClaimNext(ctx, "second-worker")
	require.NoError(t, err)
	require.NotNil(t, resumed)
	assert.Equal(t, queue.StatusAnalyzing, resumed.Status)

	scorer := scriptedScorer()
	second := New(testConfig(), store, fetcher, scorer, nil)
	require.NoError(t, second.Run(ctx, resumed))

	assert.Equal(t, queue.StatusCompleted, reload(t, store, job.ID).Status)
	assert.Equal(t, []string{"it is a video", "sad ending"}, scorer.ScoredTexts())

	segs, err := store.Segments(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, segs, 3)

	// the stale claim can no longer write
	err = store.AppendSegments(ctx, job.ID, job.ClaimToken, []queue.CaptionSegment{{
		SequenceIndex: 1, StartTime: 2, EndTime: 4, Text: "x", SentimentLabel: capability.LabelNeutral,
	}})
	assert.True(t, errors.Is(err, queue.ErrConflict))
}

func TestRunStopsQuietlyOnCancellation(t *testing.T) {
	store := testutil.NewStore(t)
	block := make(chan struct{})
	defer close(block)
	fetcher := &capabilitytest.Fetcher{Metadata: capability.Metadata{Title: "Slow"}, Captions: threeCaptions, Block: block}
	svc := New(testConfig(), store, fetcher, scriptedScorer(), nil)

	job := claim(t, store, "slow12", true)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			if _, captions, _ := fetcher.Calls(); captions > 0 {
				cancel()
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	err := svc.Run(ctx, job)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	got := reload(t, store, job.ID)
	assert.Equal(t, queue.StatusFetchingCaptions, got.Status, "job stays at its stage boundary")
	assert.Empty(t, got.ErrorMessage)
}

func TestRunReportsLostClaim(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	fetcher := &capabilitytest.Fetcher{Metadata: capability.Metadata{Title: "Test"}, Captions: threeCaptions}
	svc := New(testConfig(), store, fetcher, scriptedScorer(), nil)

	job := claim(t, store, "stolen1", true)
	require.NoError(t, store.Release(ctx, job.ID, job.ClaimToken))

	err := svc.Run(ctx, job)
	require.Error(t, err)
	assert.True(t, errors.Is(err, queue.ErrConflict))
}

func TestRunRejectsBackwardsCaption(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	fetcher := &capabilitytest.Fetcher{
		Metadata: capability.Metadata{Title: "Broken"},
		Captions: []capability.Caption{{Start: 5, End: 3, Text: "time runs backwards"}},
	}
	scorer := scriptedScorer()
	svc := New(testConfig(), store, fetcher, scorer, nil)

	job := claim(t, store, "backwards1", true)
	require.NoError(t, svc.Run(ctx, job))

	got := reload(t, store, job.ID)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "captions: invalid caption track")
	assert.False(t, got.Claimed())
	assert.Empty(t, scorer.ScoredTexts())
}

func TestRunFailsWhenStoredSegmentsDisagree(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	fetcher := &capabilitytest.Fetcher{Metadata: capability.Metadata{Title: "Test"}, Captions: threeCaptions}
	svc := New(testConfig(), store, fetcher, scriptedScorer(), nil)

	job := claim(t, store, "mismatch1", true)
	r := &run{job: job, durations: map[string]time.Duration{}}
	require.NoError(t, svc.fetchMetadata(ctx, r))
	require.NoError(t, svc.fetchCaptions(ctx, r))

	// a row left behind by an earlier track that placed segment 2 at the start
	require.NoError(t, store.AppendSegments(ctx, job.ID, job.ClaimToken, []queue.CaptionSegment{{
		SequenceIndex: 2, StartTime: 0, EndTime: 1, Text: "old",
		SentimentLabel: capability.LabelNeutral, SentimentScore: 0.5,
	}}))

	require.NoError(t, svc.Run(ctx, job))

	got := reload(t, store, job.ID)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "analysis:")
	assert.Contains(t, got.ErrorMessage, "invalid caption segments")
}

func TestRunKeepsMediaWhenCaptionsAreMissing(t *testing.T) {
	store := testutil.NewStore(t)
	fetcher := &capabilitytest.Fetcher{
		Metadata:    capability.Metadata{Title: "Podcast"},
		CaptionErrs: []error{capability.NoCaptions("fetch captions")},
		Media:       capability.MediaHandle{Path: "/media/pod123.m4a"},
	}
	svc := New(testConfig(), store, fetcher, scriptedScorer(), nil)

	job := claim(t, store, "pod123", false)
	require.NoError(t, svc.Run(context.Background(), job))

	got := reload(t, store, job.ID)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "no captions available")
	assert.Equal(t, "/media/pod123.m4a", got.MediaPath)

	skipped := &capabilitytest.Fetcher{CaptionErrs: []error{capability.NoCaptions("fetch captions")}}
	svc = New(testConfig(), store, skipped, scriptedScorer(), nil)
	job = claim(t, store, "pod456", true)
	require.NoError(t, svc.Run(context.Background(), job))
	assert.Empty(t, reload(t, store, job.ID).MediaPath)
	_, _, media := skipped.Calls()
	assert.Zero(t, media)
}

// slowLimitScorer makes every call wait longer than the scoring timeout
// before it may go ahead.
type slowLimitScorer struct {
	*capabilitytest.Scorer
	wait  time.Duration
	waits atomic.Int32
}

func (s *slowLimitScorer) WaitReady(ctx context.Context) error {
	s.waits.Add(1)
	select {
	case <-time.After(s.wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestRunWaitsForRateLimitOutsideCallTimeout(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	cfg := testConfig()
	cfg.Timeouts.Scoring = 20 * time.Millisecond
	scorer := &slowLimitScorer{Scorer: scriptedScorer(), wait: 60 * time.Millisecond}
	fetcher := &capabilitytest.Fetcher{Metadata: capability.Metadata{Title: "Test"}, Captions: threeCaptions}
	svc := New(cfg, store, fetcher, scorer, nil)

	job := claim(t, store, "limited1", true)
	require.NoError(t, svc.Run(ctx, job))

	assert.Equal(t, queue.StatusCompleted, reload(t, store, job.ID).Status)
	assert.Equal(t, int32(3), scorer.waits.Load())

	segs, err := store.Segments(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, segs, 3)
	for _, seg := range segs {
		assert.False(t, seg.ScoreFallback, "throttling must not turn into fallback scores")
	}
}

func TestValidateTrack(t *testing.T) {
	assert.NoError(t, validateTrack(threeCaptions))
	assert.NoError(t, validateTrack([]capability.Caption{{Start: 1, End: 1, Text: "instant"}}))

	assert.Error(t, validateTrack([]capability.Caption{{Start: 5, End: 3}}))
	assert.Error(t, validateTrack([]capability.Caption{{Start: -1, End: 3}}))
	assert.Error(t, validateTrack([]capability.Caption{{Start: 0, End: math.NaN()}}))
	assert.Error(t, validateTrack([]capability.Caption{{Start: 0, End: math.Inf(1)}}))
}

func TestOrderTrack(t *testing.T) {
	in := []capability.Caption{
		{Start: 5, End: 6, Text: "c"},
		{Start: 0, End: 10, Text: "a"},
		{Start: 1, End: 3, Text: "b"},
	}
	got := orderTrack(in)
	assert.Equal(t, []capability.Caption{
		{Start: 0, End: 10, Text: "a"},
		{Start: 1, End: 10, Text: "b"},
		{Start: 5, End: 10, Text: "c"},
	}, got)
	assert.Equal(t, "c", in[0].Text, "input is not modified")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "250ms", formatDuration(250*time.Millisecond))
	assert.Equal(t, "1.5s", formatDuration(1500*time.Millisecond))
	assert.Equal(t, "2m5s", formatDuration(125*time.Second))
	assert.Equal(t, "1h1m", formatDuration(61*time.Minute))
}
