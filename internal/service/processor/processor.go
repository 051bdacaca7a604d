package processor

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/fusionn-mood/internal/capability"
	"github.com/fusionn-mood/internal/client/apprise"
	"github.com/fusionn-mood/internal/config"
	"github.com/fusionn-mood/internal/queue"
	"github.com/fusionn-mood/internal/retry"
	"github.com/fusionn-mood/pkg/logger"
)

// Store is the slice of the job store the pipeline writes through.
type Store interface {
	Transition(ctx context.Context, t queue.Transition) error
	AppendSegments(ctx context.Context, jobID, token string, segs []queue.CaptionSegment) error
	CaptionTrack(ctx context.Context, jobID string) ([]capability.Caption, error)
	Segments(ctx context.Context, jobID string) ([]queue.CaptionSegment, error)
}

// Notifier receives an event when a job finishes. The Apprise client
// satisfies it.
type Notifier interface {
	NotifyJob(ev apprise.JobEvent) error
}

// Service advances one claimed job through metadata, captions and
// analysis.
type Service struct {
	store    Store
	fetcher  capability.ContentFetcher
	scorer   capability.Scorer
	notifier Notifier

	timeouts  config.TimeoutConfig
	policy    retry.Policy
	batchSize int
}

// New creates a new processor service. notifier may be nil.
func New(cfg *config.Config, store Store, fetcher capability.ContentFetcher, scorer capability.Scorer, notifier Notifier) *Service {
	batch := cfg.Worker.BatchSize
	if batch < 1 {
		batch = 1
	}
	return &Service{
		store:     store,
		fetcher:   fetcher,
		scorer:    scorer,
		notifier:  notifier,
		timeouts:  cfg.Timeouts,
		policy:    retry.FromConfig(cfg.Retry),
		batchSize: batch,
	}
}

// stepTimer tracks timing for a processing step.
type stepTimer struct {
	name  string
	start time.Time
}

func startStep(name string) *stepTimer {
	return &stepTimer{name: name, start: time.Now()}
}

func (s *stepTimer) done() time.Duration {
	elapsed := time.Since(s.start)
	logger.Infof("   ⏱️  %s: %v", s.name, formatDuration(elapsed))
	return elapsed
}

// formatDuration formats duration in human-readable form.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}

// run carries per-job state between stages.
type run struct {
	job       *queue.Job
	title     string
	track     []capability.Caption
	mediaPath string // set on the failed job when captions are missing
	scored    int
	fallbacks int
	durations map[string]time.Duration
}

// Run drives job from its current stage to a terminal status. A stage
// failure is recorded on the job and Run returns nil; the returned error
// is reserved for outcomes the worker must act on: a lost claim
// (queue.ErrConflict), cancellation, and storage failures. On
// cancellation the job is left at its last completed stage boundary.
func (s *Service) Run(ctx context.Context, job *queue.Job) error {
	totalStart := time.Now()

	logger.Infof("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	logger.Infof("🎬 Starting job %s: %s (%s, attempt %d)", job.ID, job.SourceReference, job.Status, job.Attempts)
	logger.Infof("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	r := &run{job: job, durations: make(map[string]time.Duration)}

	for !job.Status.IsTerminal() {
		var err error
		switch job.Status {
		case queue.StatusFetchingMetadata:
			err = s.fetchMetadata(ctx, r)
		case queue.StatusFetchingCaptions:
			err = s.fetchCaptions(ctx, r)
		case queue.StatusAnalyzing:
			err = s.analyze(ctx, r)
		default:
			return errors.Newf("job %s is %s and cannot be processed", job.ID, job.Status)
		}
		if err != nil {
			return err
		}
	}

	if job.Status == queue.StatusCompleted {
		total := time.Since(totalStart)
		logger.Infof("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		logger.Infof("✅ Job completed: %s", job.SourceReference)
		logger.Infof("⏱️  Total time: %s", formatDuration(total))
		logger.Infof("   Segments: %d scored, %d fallback", r.scored, r.fallbacks)
		logger.Infof("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		s.notifySuccess(r)
	}
	return nil
}

// advance records the move to the next stage and updates job in place.
func (s *Service) advance(ctx context.Context, r *run, t queue.Transition) error {
	t.JobID = r.job.ID
	t.ClaimToken = r.job.ClaimToken
	t.From = r.job.Status
	if err := s.store.Transition(ctx, t); err != nil {
		return errors.Wrapf(err, "advance job %s to %s", r.job.ID, t.To)
	}
	r.job.Status = t.To
	if t.MediaPath != "" {
		r.job.MediaPath = t.MediaPath
	}
	return nil
}

// fail records a terminal failure on the job.
func (s *Service) fail(ctx context.Context, r *run, step string, cause error) error {
	msg := fmt.Sprintf("%s: %v", step, cause)
	logger.Errorf("❌ Job %s failed at %s: %v", r.job.ID, step, cause)

	if err := s.advance(ctx, r, queue.Transition{To: queue.StatusFailed, ErrorMessage: msg, MediaPath: r.mediaPath}); err != nil {
		return err
	}
	r.job.ErrorMessage = msg
	s.notifyError(r, step, cause)
	return nil
}

// call runs one external operation under the per-call timeout and the
// retry policy. Deadline overruns count as transient failures.
func (s *Service) call(ctx context.Context, what string, timeout time.Duration, op func(ctx context.Context) error) error {
	return s.throttledCall(ctx, what, nil, timeout, op)
}

// throttledCall is call with a wait that runs before each attempt, outside
// the per-call timeout.
func (s *Service) throttledCall(ctx context.Context, what string, wait func(ctx context.Context) error,
	timeout time.Duration, op func(ctx context.Context) error) error {
	onRetry := func(attempt int, wait time.Duration, err error) {
		logger.Warnf("🔁 %s failed (attempt %d/%d), retrying in %s: %v",
			what, attempt, s.policy.MaxAttempts, formatDuration(wait), err)
	}
	return retry.Do(ctx, s.policy, onRetry, func(ctx context.Context) error {
		if wait != nil {
			if err := wait(ctx); err != nil {
				return err
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return op(callCtx)
	})
}

func (s *Service) fetchMetadata(ctx context.Context, r *run) error {
	logger.Infof("📋 Step 1: Fetching metadata...")
	t := startStep("Metadata")

	var meta capability.Metadata
	err := s.call(ctx, "fetch metadata", s.timeouts.Metadata, func(ctx context.Context) error {
		var err error
		meta, err = s.fetcher.FetchMetadata(ctx, r.job.SourceReference)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), "metadata stage interrupted")
		}
		return s.fail(ctx, r, "metadata", err)
	}

	r.title = meta.Title
	logger.Infof("   🎞️  %q by %s (%s)", meta.Title, meta.Channel,
		formatDuration(time.Duration(meta.DurationSeconds*float64(time.Second))))

	if err := s.advance(ctx, r, queue.Transition{
		To: queue.StatusFetchingCaptions,
		Metadata: &queue.VideoMetadata{
			Title:           meta.Title,
			Channel:         meta.Channel,
			DurationSeconds: meta.DurationSeconds,
		},
	}); err != nil {
		return err
	}
	r.durations["metadata"] = t.done()
	return nil
}

func (s *Service) fetchCaptions(ctx context.Context, r *run) error {
	logger.Infof("📝 Step 2: Fetching captions...")
	t := startStep("Captions")

	var track []capability.Caption
	err := s.call(ctx, "fetch captions", s.timeouts.Captions, func(ctx context.Context) error {
		var err error
		track, err = s.fetcher.FetchCaptions(ctx, r.job.SourceReference)
		return err
	})
	if err == nil && len(track) == 0 {
		err = capability.NoCaptions("fetch captions")
	}
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), "caption stage interrupted")
		}
		if capability.Classify(err) == capability.KindNoContent && !r.job.SkipMediaDownload {
			// the audio is still worth keeping for a later transcription
			r.mediaPath = s.fetchMedia(ctx, r)
			if ctx.Err() != nil {
				return errors.Wrap(ctx.Err(), "caption stage interrupted")
			}
		}
		return s.fail(ctx, r, "captions", err)
	}
	if err := validateTrack(track); err != nil {
		return s.fail(ctx, r, "captions", errors.Wrap(err, "invalid caption track"))
	}
	track = orderTrack(track)
	logger.Infof("   %d caption segments", len(track))

	var mediaPath string
	if !r.job.SkipMediaDownload {
		mediaPath = s.fetchMedia(ctx, r)
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), "caption stage interrupted")
		}
	}

	if err := s.advance(ctx, r, queue.Transition{
		To:           queue.StatusAnalyzing,
		CaptionTrack: track,
		MediaPath:    mediaPath,
	}); err != nil {
		return err
	}
	r.track = track
	r.durations["captions"] = t.done()
	return nil
}

// fetchMedia downloads the media payload. Failure is logged and the job
// carries on without media.
func (s *Service) fetchMedia(ctx context.Context, r *run) string {
	logger.Infof("📥 Downloading media...")
	t := startStep("Media")

	var handle capability.MediaHandle
	err := s.call(ctx, "fetch media", s.timeouts.Media, func(ctx context.Context) error {
		var err error
		handle, err = s.fetcher.FetchMedia(ctx, r.job.SourceReference)
		return err
	})
	if err != nil {
		logger.Warnf("⚠️ Media download failed for %s, continuing without media: %v", r.job.ID, err)
		return ""
	}
	r.durations["media"] = t.done()
	return handle.Path
}

func (s *Service) analyze(ctx context.Context, r *run) error {
	logger.Infof("🧠 Step 3: Scoring sentiment...")
	t := startStep("Analysis")

	track := r.track
	if track == nil {
		// resumed after a restart: the track was persisted with the stage change
		var err error
		if track, err = s.store.CaptionTrack(ctx, r.job.ID); err != nil {
			return errors.Wrapf(err, "load caption track for %s", r.job.ID)
		}
		if track == nil {
			return s.fail(ctx, r, "analysis", errors.New("caption track missing"))
		}
	}

	stored, err := s.store.Segments(ctx, r.job.ID)
	if err != nil {
		return errors.Wrapf(err, "load stored segments for %s", r.job.ID)
	}
	done := make(map[int]bool, len(stored))
	for _, seg := range stored {
		done[seg.SequenceIndex] = true
	}
	if len(done) > 0 {
		logger.Infof("   ♻️  Resuming: %d of %d segments already scored", len(done), len(track))
	}

	batch := make([]queue.CaptionSegment, 0, s.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := s.store.AppendSegments(ctx, r.job.ID, r.job.ClaimToken, batch)
		if errors.Is(err, queue.ErrInvalidSegments) {
			// the stored rows and this track disagree; retrying cannot help
			return s.fail(ctx, r, "analysis", err)
		}
		if err != nil {
			return errors.Wrapf(err, "persist segments for %s", r.job.ID)
		}
		logger.Debugf("   💾 Persisted segments %d-%d", batch[0].SequenceIndex, batch[len(batch)-1].SequenceIndex)
		batch = batch[:0]
		return nil
	}

	for i, c := range track {
		if done[i] {
			continue
		}

		score, fallback, err := s.score(ctx, c.Text)
		if err != nil {
			// keep what was scored so far visible
			if flushErr := flush(); flushErr != nil || r.job.Status.IsTerminal() {
				return flushErr
			}
			if ctx.Err() != nil {
				return errors.Wrap(ctx.Err(), "analysis stage interrupted")
			}
			return s.fail(ctx, r, "analysis", errors.Wrapf(err, "scorer fatal at segment %d", i))
		}
		if fallback {
			r.fallbacks++
		}
		r.scored++

		batch = append(batch, queue.CaptionSegment{
			JobID:          r.job.ID,
			SequenceIndex:  i,
			StartTime:      c.Start,
			EndTime:        c.End,
			Text:           c.Text,
			SentimentLabel: score.Label,
			SentimentScore: score.Confidence,
			ScoreFallback:  fallback,
		})
		if len(batch) >= s.batchSize {
			if err := flush(); err != nil || r.job.Status.IsTerminal() {
				return err
			}
		}
	}
	if err := flush(); err != nil || r.job.Status.IsTerminal() {
		return err
	}

	if err := s.advance(ctx, r, queue.Transition{To: queue.StatusCompleted}); err != nil {
		return err
	}
	r.durations["analysis"] = t.done()
	return nil
}

// score asks the scorer about one span. A failure other than a fatal
// scorer condition or cancellation yields a neutral fallback.
func (s *Service) score(ctx context.Context, text string) (capability.Score, bool, error) {
	var wait func(ctx context.Context) error
	if t, ok := s.scorer.(capability.Throttled); ok {
		wait = t.WaitReady
	}

	var score capability.Score
	err := s.throttledCall(ctx, "score segment", wait, s.timeouts.Scoring, func(ctx context.Context) error {
		var err error
		if score, err = s.scorer.Score(ctx, text); err != nil {
			return err
		}
		return score.Validate()
	})
	switch {
	case err == nil:
		return score, false, nil
	case ctx.Err() != nil:
		return capability.Score{}, false, ctx.Err()
	case capability.Classify(err) == capability.KindFatal:
		return capability.Score{}, false, err
	}
	logger.Warnf("⚠️ Scoring failed, recording neutral fallback: %v", err)
	return capability.Score{Label: capability.LabelNeutral, Confidence: 0}, true, nil
}

// validateTrack rejects captions no ordering can repair.
func validateTrack(track []capability.Caption) error {
	for i, c := range track {
		switch {
		case math.IsNaN(c.Start) || math.IsInf(c.Start, 0) || math.IsNaN(c.End) || math.IsInf(c.End, 0):
			return errors.Newf("caption %d has a non-finite time", i)
		case c.Start < 0:
			return errors.Newf("caption %d starts at %v", i, c.Start)
		case c.End < c.Start:
			return errors.Newf("caption %d ends at %v before it starts at %v", i, c.End, c.Start)
		}
	}
	return nil
}

// orderTrack sorts captions by start time and raises each end time to at
// least the previous one, so stored segments are monotonic in both.
func orderTrack(track []capability.Caption) []capability.Caption {
	out := append([]capability.Caption(nil), track...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	for i := 1; i < len(out); i++ {
		if out[i].End < out[i-1].End {
			out[i].End = out[i-1].End
		}
	}
	return out
}

func (s *Service) notifySuccess(r *run) {
	if s.notifier == nil {
		return
	}

	ev := apprise.JobEvent{
		JobID:     r.job.ID,
		Reference: r.job.SourceReference,
		Title:     r.title,
		Status:    r.job.Status,
		Detail: fmt.Sprintf("Segments: %d (%d fallback)\nCaptions: %s\nAnalysis: %s",
			r.scored,
			r.fallbacks,
			formatDuration(r.durations["captions"]),
			formatDuration(r.durations["analysis"]),
		),
	}
	if err := s.notifier.NotifyJob(ev); err != nil {
		logger.Warnf("⚠️ Failed to send notification: %v", err)
	}
}

func (s *Service) notifyError(r *run, step string, err error) {
	if s.notifier == nil {
		return
	}

	ev := apprise.JobEvent{
		JobID:     r.job.ID,
		Reference: r.job.SourceReference,
		Title:     r.title,
		Status:    r.job.Status,
		Detail:    fmt.Sprintf("Failed at: %s\nError: %v", step, err),
	}
	if notifyErr := s.notifier.NotifyJob(ev); notifyErr != nil {
		logger.Warnf("⚠️ Failed to send error notification: %v", notifyErr)
	}
}
