package queue

import (
	"time"

	"github.com/fusionn-mood/internal/capability"
)

// Job is one submitted video reference and its progress through the pipeline.
type Job struct {
	ID                string    `json:"id"`
	SourceReference   string    `json:"source_reference"`
	SkipMediaDownload bool      `json:"skip_media_download"`
	Status            Status    `json:"status"`
	ErrorMessage      string    `json:"error_message,omitempty"` // only set when failed
	ClaimedBy         string    `json:"claimed_by,omitempty"`
	ClaimToken        string    `json:"-"`
	Attempts          int       `json:"attempts"` // times the job has been claimed
	MediaPath         string    `json:"media_path,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Claimed reports whether a worker currently holds the job.
func (j *Job) Claimed() bool {
	return j.ClaimToken != ""
}

// NewJob is an enqueue request.
type NewJob struct {
	SourceReference   string
	SkipMediaDownload bool
}

// EnqueueResult reports the job serving one enqueue request. Existing is
// true when an unfinished job for the same reference was reused.
type EnqueueResult struct {
	ID       string `json:"id"`
	Existing bool   `json:"existing"`
}

// VideoMetadata is written once, when the metadata stage completes.
type VideoMetadata struct {
	JobID           string    `json:"job_id"`
	Title           string    `json:"title"`
	Channel         string    `json:"channel"`
	DurationSeconds float64   `json:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
}

// CaptionSegment is one scored caption interval.
type CaptionSegment struct {
	JobID          string           `json:"job_id"`
	SequenceIndex  int              `json:"sequence_index"`
	StartTime      float64          `json:"start_time"` // seconds
	EndTime        float64          `json:"end_time"`
	Text           string           `json:"text"`
	SentimentLabel capability.Label `json:"sentiment_label"`
	SentimentScore float64          `json:"sentiment_score"`
	ScoreFallback  bool             `json:"score_fallback"` // scorer failed, neutral default recorded
}

// Stats counts jobs per status.
type Stats map[Status]int

// Total sums every status.
func (s Stats) Total() int {
	n := 0
	for _, c := range s {
		n += c
	}
	return n
}
