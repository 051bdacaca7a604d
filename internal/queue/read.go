package queue

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/cockroachdb/errors"

	"github.com/fusionn-mood/internal/capability"
)

// Get returns a job by id.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get job %s", id)
	}
	return job, nil
}

// ListFilter narrows List. Zero values mean no filter and no limit.
type ListFilter struct {
	Status Status
	Limit  int
}

// List returns jobs newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if f.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	return scanJobs(rows)
}

// Overview is a job with its title, once known, and how many segments
// have been stored so far.
type Overview struct {
	Job          *Job
	Title        string
	SegmentCount int
}

// Overviews is List plus title and segment count, in one query.
func (s *Store) Overviews(ctx context.Context, f ListFilter) ([]Overview, error) {
	query := `SELECT ` + prefixed("j", jobColumns) + `,
		COALESCE(m.title, ''),
		(SELECT COUNT(*) FROM caption_segments c WHERE c.job_id = j.id)
		FROM jobs j LEFT JOIN video_metadata m ON m.job_id = j.id`
	var args []any
	if f.Status != "" {
		query += ` WHERE j.status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY j.created_at DESC, j.rowid DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list job overviews")
	}
	defer rows.Close()

	var out []Overview
	for rows.Next() {
		var o Overview
		job, err := scanJob(extraColumns{rows, []any{&o.Title, &o.SegmentCount}})
		if err != nil {
			return nil, errors.Wrap(err, "scan job overview")
		}
		o.Job = job
		out = append(out, o)
	}
	return out, errors.Wrap(rows.Err(), "iterate job overviews")
}

// Metadata returns a job's video metadata, or ErrNotFound before the
// metadata stage has completed.
func (s *Store) Metadata(ctx context.Context, jobID string) (*VideoMetadata, error) {
	var m VideoMetadata
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, title, channel, duration_seconds, created_at
		FROM video_metadata WHERE job_id = ?`, jobID).
		Scan(&m.JobID, &m.Title, &m.Channel, &m.DurationSeconds, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "metadata for job %s", jobID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get metadata for %s", jobID)
	}
	return &m, nil
}

// Segments returns a job's stored segments in sequence order. It is safe
// to call while the job is still being analyzed.
func (s *Store) Segments(ctx context.Context, jobID string) ([]CaptionSegment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+segmentColumns+`
		FROM caption_segments WHERE job_id = ?
		ORDER BY sequence_index`, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "list segments for %s", jobID)
	}
	defer rows.Close()

	segs := []CaptionSegment{}
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan segment")
		}
		segs = append(segs, seg)
	}
	return segs, errors.Wrap(rows.Err(), "iterate segments")
}

// CaptionTrack returns the captions recorded when the job entered
// analysis, or nil if none were recorded.
func (s *Store) CaptionTrack(ctx context.Context, jobID string) ([]capability.Caption, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT caption_track FROM jobs WHERE id = ?`, jobID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "job %s", jobID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get caption track for %s", jobID)
	}
	if !raw.Valid {
		return nil, nil
	}

	var track []capability.Caption
	if err := json.Unmarshal([]byte(raw.String), &track); err != nil {
		return nil, errors.Wrapf(err, "decode caption track for %s", jobID)
	}
	return track, nil
}

// Stats counts jobs per status; every status is present in the result.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "count jobs")
	}
	defer rows.Close()

	stats := make(Stats, len(AllStatuses))
	for _, st := range AllStatuses {
		stats[st] = 0
	}
	for rows.Next() {
		var (
			st Status
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "scan count")
		}
		stats[st] = n
	}
	return stats, errors.Wrap(rows.Err(), "iterate counts")
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return errors.Wrap(s.db.PingContext(ctx), "ping database")
}
