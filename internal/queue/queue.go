// Package queue is the durable job store. Every state change is a
// conditional UPDATE keyed on the job's current status and claim token,
// so any number of worker processes can share one database safely.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/fusionn-mood/internal/capability"
)

// Store persists jobs, metadata and caption segments.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

type Option func(*Store)

// WithClock overrides time.Now, for staleness tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore wraps a migrated database.
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) timestamp() string {
	return formatTime(s.now())
}

// Enqueue inserts a pending job and returns its id.
func (s *Store) Enqueue(ctx context.Context, reference string, skipMediaDownload bool) (string, error) {
	id := uuid.NewString()
	ts := s.timestamp()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, source_reference, skip_media_download, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		id, reference, skipMediaDownload, StatusPending, ts, ts)
	if err != nil {
		return "", errors.Wrap(err, "insert job")
	}
	return id, nil
}

// EnqueueBatch inserts all requests in one transaction. A request whose
// reference already has an unfinished job reuses that job.
func (s *Store) EnqueueBatch(ctx context.Context, reqs []NewJob) ([]EnqueueResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin enqueue")
	}
	defer tx.Rollback()

	ts := s.timestamp()
	results := make([]EnqueueResult, 0, len(reqs))
	for _, req := range reqs {
		var existing string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM jobs
			WHERE source_reference = ? AND status NOT IN (?, ?)
			ORDER BY created_at, rowid
			LIMIT 1`,
			req.SourceReference, StatusCompleted, StatusFailed).Scan(&existing)
		switch {
		case err == nil:
			results = append(results, EnqueueResult{ID: existing, Existing: true})
			continue
		case !errors.Is(err, sql.ErrNoRows):
			return nil, errors.Wrap(err, "look up active job")
		}

		id := uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, source_reference, skip_media_download, status, attempts, created_at, updated_at)
			VALUES (?, ?, ?, ?, 0, ?, ?)`,
			id, req.SourceReference, req.SkipMediaDownload, StatusPending, ts, ts); err != nil {
			return nil, errors.Wrapf(err, "insert job for %s", req.SourceReference)
		}
		results = append(results, EnqueueResult{ID: id})
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit enqueue")
	}
	return results, nil
}

// ClaimNext takes the oldest unclaimed, unfinished job. A pending job
// moves to fetching_metadata as part of the claim; a job recovered
// mid-pipeline keeps its stage. Returns nil when nothing is claimable.
//
// The select and the update are one statement, so SQLite's write lock
// makes the claim atomic across connections and processes.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*Job, error) {
	token := uuid.NewString()
	ts := s.timestamp()

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = CASE WHEN status = ? THEN ? ELSE status END,
		    claim_token = ?,
		    claimed_by = ?,
		    claimed_at = ?,
		    attempts = attempts + 1,
		    updated_at = ?
		WHERE id = (
		    SELECT id FROM jobs
		    WHERE claim_token IS NULL AND status NOT IN (?, ?)
		    ORDER BY created_at, rowid
		    LIMIT 1
		)
		AND claim_token IS NULL
		AND status NOT IN (?, ?)`,
		StatusPending, StatusFetchingMetadata,
		token, workerID, ts, ts,
		StatusCompleted, StatusFailed,
		StatusCompleted, StatusFailed)
	if err != nil {
		return nil, errors.Wrap(err, "claim job")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "claim job rows affected")
	}
	if n == 0 {
		return nil, nil
	}

	job, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE claim_token = ?`, token))
	if errors.Is(err, sql.ErrNoRows) {
		// recovered out from under us between the two statements
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load claimed job")
	}
	return job, nil
}

// Transition is a conditional status change. Optional fields are written
// in the same transaction as the status.
type Transition struct {
	JobID      string
	ClaimToken string
	From       Status
	To         Status

	ErrorMessage string               // required when To is failed
	Metadata     *VideoMetadata       // inserted once; later writes are ignored
	CaptionTrack []capability.Caption // fetched captions, kept for resuming analysis
	MediaPath    string
}

// Transition applies t if the job is still in t.From under t.ClaimToken.
// It returns ErrConflict when that no longer holds and ErrIllegalTransition
// for edges outside the state graph. Terminal states release the claim.
func (s *Store) Transition(ctx context.Context, t Transition) error {
	if !CanTransition(t.From, t.To) {
		return errors.Wrapf(ErrIllegalTransition, "%s -> %s", t.From, t.To)
	}

	var errMsg sql.NullString
	if t.To == StatusFailed {
		errMsg = sql.NullString{String: t.ErrorMessage, Valid: true}
		if errMsg.String == "" {
			errMsg.String = "unknown error"
		}
	}

	var track sql.NullString
	if t.CaptionTrack != nil {
		b, err := json.Marshal(t.CaptionTrack)
		if err != nil {
			return errors.Wrap(err, "encode caption track")
		}
		track = sql.NullString{String: string(b), Valid: true}
	}

	media := sql.NullString{String: t.MediaPath, Valid: t.MediaPath != ""}
	release := t.To.IsTerminal()
	ts := s.timestamp()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transition")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?,
		    error_message = ?,
		    updated_at = ?,
		    media_path = COALESCE(?, media_path),
		    caption_track = COALESCE(?, caption_track),
		    claim_token = CASE WHEN ? THEN NULL ELSE claim_token END,
		    claimed_at = CASE WHEN ? THEN NULL ELSE claimed_at END
		WHERE id = ? AND status = ? AND claim_token = ?`,
		t.To, errMsg, ts, media, track, release, release,
		t.JobID, t.From, t.ClaimToken)
	if err != nil {
		return errors.Wrapf(err, "transition job %s", t.JobID)
	}
	if n, err := res.RowsAffected(); err != nil {
		return errors.Wrap(err, "transition rows affected")
	} else if n == 0 {
		return conflictOrMissing(ctx, tx, t.JobID, t.From)
	}

	if t.Metadata != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO video_metadata (job_id, title, channel, duration_seconds, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (job_id) DO NOTHING`,
			t.JobID, t.Metadata.Title, t.Metadata.Channel, t.Metadata.DurationSeconds, ts); err != nil {
			return errors.Wrapf(err, "insert metadata for %s", t.JobID)
		}
	}

	return errors.Wrap(tx.Commit(), "commit transition")
}

// AppendSegments upserts a batch of scored segments keyed on
// (job_id, sequence_index). Re-sending a segment overwrites it in place,
// so replaying a batch after a crash never duplicates rows. The job must be
// analyzing under token; the write also counts as a heartbeat.
func (s *Store) AppendSegments(ctx context.Context, jobID, token string, segs []CaptionSegment) error {
	if len(segs) == 0 {
		return nil
	}
	if err := validateSegments(segs); err != nil {
		return err
	}

	ts := s.timestamp()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin append")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET updated_at = ?
		WHERE id = ? AND status = ? AND claim_token = ?`,
		ts, jobID, StatusAnalyzing, token)
	if err != nil {
		return errors.Wrapf(err, "touch job %s", jobID)
	}
	if n, err := res.RowsAffected(); err != nil {
		return errors.Wrap(err, "append rows affected")
	} else if n == 0 {
		return conflictOrMissing(ctx, tx, jobID, StatusAnalyzing)
	}

	if err := checkNeighbours(ctx, tx, jobID, segs); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO caption_segments (`+segmentColumns+`, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id, sequence_index) DO UPDATE SET
		    start_time = excluded.start_time,
		    end_time = excluded.end_time,
		    text = excluded.text,
		    sentiment_label = excluded.sentiment_label,
		    sentiment_score = excluded.sentiment_score,
		    score_fallback = excluded.score_fallback`)
	if err != nil {
		return errors.Wrap(err, "prepare segment upsert")
	}
	defer stmt.Close()

	for _, seg := range segs {
		if _, err := stmt.ExecContext(ctx,
			jobID, seg.SequenceIndex, seg.StartTime, seg.EndTime, seg.Text,
			seg.SentimentLabel, seg.SentimentScore, seg.ScoreFallback, ts); err != nil {
			return errors.Wrapf(err, "upsert segment %d", seg.SequenceIndex)
		}
	}

	return errors.Wrap(tx.Commit(), "commit append")
}

func validateSegments(segs []CaptionSegment) error {
	for i, seg := range segs {
		switch {
		case seg.SequenceIndex < 0:
			return errors.Wrapf(ErrInvalidSegments, "negative sequence index %d", seg.SequenceIndex)
		case seg.EndTime < seg.StartTime:
			return errors.Wrapf(ErrInvalidSegments, "segment %d ends before it starts", seg.SequenceIndex)
		case !seg.SentimentLabel.Valid():
			return errors.Wrapf(ErrInvalidSegments, "segment %d has label %q", seg.SequenceIndex, seg.SentimentLabel)
		case seg.SentimentScore < 0 || seg.SentimentScore > 1:
			return errors.Wrapf(ErrInvalidSegments, "segment %d score %v outside [0,1]", seg.SequenceIndex, seg.SentimentScore)
		}
		if i == 0 {
			continue
		}
		prev := segs[i-1]
		if seg.SequenceIndex <= prev.SequenceIndex {
			return errors.Wrapf(ErrInvalidSegments, "sequence index %d after %d", seg.SequenceIndex, prev.SequenceIndex)
		}
		if seg.StartTime < prev.StartTime || seg.EndTime < prev.EndTime {
			return errors.Wrapf(ErrInvalidSegments, "segment %d goes back in time", seg.SequenceIndex)
		}
	}
	return nil
}

// checkNeighbours keeps times non-decreasing against rows already stored
// on either side of the batch.
func checkNeighbours(ctx context.Context, tx *sql.Tx, jobID string, segs []CaptionSegment) error {
	first, last := segs[0], segs[len(segs)-1]

	var start, end float64
	err := tx.QueryRowContext(ctx, `
		SELECT start_time, end_time FROM caption_segments
		WHERE job_id = ? AND sequence_index < ?
		ORDER BY sequence_index DESC LIMIT 1`,
		jobID, first.SequenceIndex).Scan(&start, &end)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return errors.Wrap(err, "load preceding segment")
	case first.StartTime < start || first.EndTime < end:
		return errors.Wrapf(ErrInvalidSegments, "segment %d starts before stored predecessor", first.SequenceIndex)
	}

	err = tx.QueryRowContext(ctx, `
		SELECT start_time, end_time FROM caption_segments
		WHERE job_id = ? AND sequence_index > ?
		ORDER BY sequence_index ASC LIMIT 1`,
		jobID, last.SequenceIndex).Scan(&start, &end)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return errors.Wrap(err, "load following segment")
	case last.StartTime > start || last.EndTime > end:
		return errors.Wrapf(ErrInvalidSegments, "segment %d starts after stored successor", last.SequenceIndex)
	}
	return nil
}

// Heartbeat refreshes updated_at so a long stage is not mistaken for an
// orphan. ErrConflict means the claim was lost.
func (s *Store) Heartbeat(ctx context.Context, jobID, token string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET updated_at = ?
		WHERE id = ? AND claim_token = ? AND status NOT IN (?, ?)`,
		s.timestamp(), jobID, token, StatusCompleted, StatusFailed)
	if err != nil {
		return errors.Wrapf(err, "heartbeat job %s", jobID)
	}
	return s.expectOne(ctx, res, jobID)
}

// Release gives up a claim without changing status, checkpointing the job
// at its current stage boundary for the next claimant.
func (s *Store) Release(ctx context.Context, jobID, token string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET claim_token = NULL, claimed_at = NULL, updated_at = ?
		WHERE id = ? AND claim_token = ?`,
		s.timestamp(), jobID, token)
	if err != nil {
		return errors.Wrapf(err, "release job %s", jobID)
	}
	return s.expectOne(ctx, res, jobID)
}

func (s *Store) expectOne(ctx context.Context, res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id = ?)`, jobID).Scan(&exists); err != nil {
		return errors.Wrap(err, "check job exists")
	}
	if !exists {
		return errors.Wrapf(ErrNotFound, "job %s", jobID)
	}
	return errors.Wrapf(ErrConflict, "job %s is no longer held by this claim", jobID)
}

func conflictOrMissing(ctx context.Context, tx *sql.Tx, jobID string, expected Status) error {
	var current Status
	err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(ErrNotFound, "job %s", jobID)
	}
	if err != nil {
		return errors.Wrap(err, "load job status")
	}
	return errors.Wrapf(ErrConflict, "job %s: expected %s under this claim, found %s", jobID, expected, current)
}

// RecoveryMode decides where an orphaned job resumes.
type RecoveryMode string

const (
	// RecoverStage keeps the job at the stage it was in; work already
	// persisted is not redone.
	RecoverStage RecoveryMode = "stage"
	// RecoverPending sends the job back to the start of the pipeline.
	RecoverPending RecoveryMode = "pending"
)

// Recovered describes one orphaned job put back into circulation.
type Recovered struct {
	JobID     string
	Reference string
	From      Status
	To        Status
	ClaimedBy string
	StaleFor  time.Duration
}

// RecoverStale releases every mid-pipeline job whose updated_at is older
// than threshold, whether or not it is still marked as claimed.
func (s *Store) RecoverStale(ctx context.Context, threshold time.Duration, mode RecoveryMode) ([]Recovered, error) {
	now := s.now()
	cutoff := formatTime(now.Add(-threshold))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin recovery")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status IN (?, ?, ?) AND updated_at < ?
		ORDER BY updated_at`,
		StatusFetchingMetadata, StatusFetchingCaptions, StatusAnalyzing, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "find stale jobs")
	}
	stale, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}

	ts := formatTime(now)
	recovered := make([]Recovered, 0, len(stale))
	for _, job := range stale {
		to := job.Status
		if mode == RecoverPending {
			to = StatusPending
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, claim_token = NULL, claimed_at = NULL, updated_at = ?
			WHERE id = ?`,
			to, ts, job.ID); err != nil {
			return nil, errors.Wrapf(err, "recover job %s", job.ID)
		}
		recovered = append(recovered, Recovered{
			JobID:     job.ID,
			Reference: job.SourceReference,
			From:      job.Status,
			To:        to,
			ClaimedBy: job.ClaimedBy,
			StaleFor:  now.Sub(job.UpdatedAt),
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit recovery")
	}
	return recovered, nil
}
