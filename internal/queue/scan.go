package queue

import (
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Fixed width so that timestamps compare correctly as TEXT in SQL.
const timeLayout = "2006-01-02 15:04:05.000000000"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

const jobColumns = `id, source_reference, skip_media_download, status, error_message,
	claimed_by, claim_token, attempts, media_path, created_at, updated_at`

const segmentColumns = `job_id, sequence_index, start_time, end_time, text,
	sentiment_label, sentiment_score, score_fallback`

type scanner interface {
	Scan(dest ...any) error
}

// extraColumns appends destinations for columns selected after jobColumns.
type extraColumns struct {
	row   scanner
	extra []any
}

func (e extraColumns) Scan(dest ...any) error {
	return e.row.Scan(append(dest, e.extra...)...)
}

// prefixed qualifies each column in a column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func scanJob(row scanner) (*Job, error) {
	var (
		job       Job
		errMsg    sql.NullString
		claimedBy sql.NullString
		token     sql.NullString
		media     sql.NullString
	)

	err := row.Scan(
		&job.ID,
		&job.SourceReference,
		&job.SkipMediaDownload,
		&job.Status,
		&errMsg,
		&claimedBy,
		&token,
		&job.Attempts,
		&media,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.ErrorMessage = errMsg.String
	job.ClaimedBy = claimedBy.String
	job.ClaimToken = token.String
	job.MediaPath = media.String
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		jobs = append(jobs, job)
	}
	return jobs, errors.Wrap(rows.Err(), "iterate jobs")
}

func scanSegment(row scanner) (CaptionSegment, error) {
	var seg CaptionSegment
	err := row.Scan(
		&seg.JobID,
		&seg.SequenceIndex,
		&seg.StartTime,
		&seg.EndTime,
		&seg.Text,
		&seg.SentimentLabel,
		&seg.SentimentScore,
		&seg.ScoreFallback,
	)
	return seg, err
}
