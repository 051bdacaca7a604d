package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fusionn-mood/internal/capability"
	"github.com/fusionn-mood/internal/projection"
	"github.com/fusionn-mood/internal/queue"
	"github.com/fusionn-mood/internal/service/intake"
	"github.com/fusionn-mood/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setup(t *testing.T) (*gin.Engine, *queue.Store) {
	t.Helper()
	store := testutil.NewStore(t)
	h := New(intake.New(store, nil), projection.New(store), store)
	r := gin.New()
	h.RegisterRoutes(r)
	return r, store
}

func do(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

// failJob claims the oldest job and fails it.
func failJob(t *testing.T, store *queue.Store) *queue.Job {
	t.Helper()
	ctx := context.Background()
	job, err := store.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, store.Transition(ctx, queue.Transition{
		JobID: job.ID, ClaimToken: job.ClaimToken,
		From: job.Status, To: queue.StatusFailed, ErrorMessage: "captions: no captions available",
	}))
	return job
}

func TestHealthAndVersion(t *testing.T) {
	r, _ := setup(t)

	w := do(r, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = do(r, http.MethodGet, "/api/v1/version", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "version")
}

type downStore struct{}

func (downStore) Ping(context.Context) error { return errors.New("database is locked") }

func TestHealthReportsUnavailableStore(t *testing.T) {
	store := testutil.NewStore(t)
	r := gin.New()
	New(intake.New(store, nil), projection.New(store), downStore{}).RegisterRoutes(r)

	w := do(r, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSubmitJobs(t *testing.T) {
	r, store := setup(t)

	w := do(r, http.MethodPost, "/api/v1/jobs", SubmitRequest{
		References:        []string{"abc123", "https://www.youtube.com/watch?v=xyz789"},
		SkipMediaDownload: true,
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp struct {
		Jobs  []queue.EnqueueResult `json:"jobs"`
		Count int                   `json:"count"`
	}
	decode(t, w, &resp)
	require.Equal(t, 2, resp.Count)

	job, err := store.Get(context.Background(), resp.Jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, job.Status)
	assert.True(t, job.SkipMediaDownload)
}

func TestSubmitJobsRejectsMalformedReferences(t *testing.T) {
	r, store := setup(t)

	w := do(r, http.MethodPost, "/api/v1/jobs", SubmitRequest{References: []string{"abc123", "no spaces allowed"}})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp struct {
		Problems []string `json:"problems"`
	}
	decode(t, w, &resp)
	assert.Len(t, resp.Problems, 1)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Total())

	w = do(r, http.MethodPost, "/api/v1/jobs", map[string]any{"skip_media_download": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListAndGetJobs(t *testing.T) {
	r, store := setup(t)
	ctx := context.Background()
	first, err := store.Enqueue(ctx, "abc123", true)
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, "def456", true)
	require.NoError(t, err)
	failJob(t, store)

	w := do(r, http.MethodGet, "/api/v1/jobs?status=failed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Jobs  []projection.JobSummary `json:"jobs"`
		Count int                     `json:"count"`
	}
	decode(t, w, &list)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, first, list.Jobs[0].ID)
	assert.Equal(t, "captions: no captions available", list.Jobs[0].ErrorMessage)

	w = do(r, http.MethodGet, "/api/v1/jobs?limit=1", nil)
	decode(t, w, &list)
	assert.Equal(t, 1, list.Count)

	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/api/v1/jobs?status=bogus", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/api/v1/jobs?limit=x", nil).Code)

	w = do(r, http.MethodGet, "/api/v1/jobs/"+first, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var detail projection.JobDetail
	decode(t, w, &detail)
	assert.Equal(t, queue.StatusFailed, detail.Job.Status)
	assert.Nil(t, detail.Metadata)
	assert.Empty(t, detail.Segments)

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/v1/jobs/missing", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/v1/jobs/missing/segments", nil).Code)
}

func TestGetSegmentsMidAnalysis(t *testing.T) {
	r, store := setup(t)
	ctx := context.Background()
	id, err := store.Enqueue(ctx, "abc123", true)
	require.NoError(t, err)
	job, err := store.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	for _, step := range [][2]queue.Status{
		{queue.StatusFetchingMetadata, queue.StatusFetchingCaptions},
		{queue.StatusFetchingCaptions, queue.StatusAnalyzing},
	} {
		require.NoError(t, store.Transition(ctx, queue.Transition{
			JobID: id, ClaimToken: job.ClaimToken, From: step[0], To: step[1],
		}))
	}
	require.NoError(t, store.AppendSegments(ctx, id, job.ClaimToken, []queue.CaptionSegment{
		{SequenceIndex: 0, StartTime: 0, EndTime: 1, Text: "love", SentimentLabel: capability.LabelPositive, SentimentScore: 0.9},
	}))

	w := do(r, http.MethodGet, "/api/v1/jobs/"+id+"/segments", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Segments []queue.CaptionSegment `json:"segments"`
	}
	decode(t, w, &resp)
	require.Len(t, resp.Segments, 1)
	assert.Equal(t, capability.LabelPositive, resp.Segments[0].SentimentLabel)
}

func TestQueueStats(t *testing.T) {
	r, store := setup(t)
	_, err := store.Enqueue(context.Background(), "abc123", true)
	require.NoError(t, err)

	w := do(r, http.MethodGet, "/api/v1/queue/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Stats map[string]int `json:"stats"`
		Total int            `json:"total"`
	}
	decode(t, w, &resp)
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, 1, resp.Stats["pending"])
	assert.Contains(t, resp.Stats, "analyzing")
}

func TestRetryJob(t *testing.T) {
	r, store := setup(t)
	ctx := context.Background()
	_, err := store.Enqueue(ctx, "abc123", false)
	require.NoError(t, err)
	failed := failJob(t, store)

	w := do(r, http.MethodPost, "/api/v1/jobs/"+failed.ID+"/retry", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp struct {
		Job queue.EnqueueResult `json:"job"`
	}
	decode(t, w, &resp)
	assert.NotEqual(t, failed.ID, resp.Job.ID)

	fresh, err := store.Get(ctx, resp.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, "abc123", fresh.SourceReference)
	assert.Equal(t, queue.StatusPending, fresh.Status)
	assert.False(t, fresh.SkipMediaDownload)

	// a pending job cannot be retried
	assert.Equal(t, http.StatusConflict, do(r, http.MethodPost, "/api/v1/jobs/"+fresh.ID+"/retry", nil).Code)
}

func TestRetryFailed(t *testing.T) {
	r, store := setup(t)
	ctx := context.Background()

	w := do(r, http.MethodPost, "/api/v1/retry/failed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "no failed jobs")

	for _, ref := range []string{"abc123", "def456"} {
		_, err := store.Enqueue(ctx, ref, true)
		require.NoError(t, err)
		failJob(t, store)
	}

	w = do(r, http.MethodPost, "/api/v1/retry/failed", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp struct {
		Count int `json:"count"`
	}
	decode(t, w, &resp)
	assert.Equal(t, 2, resp.Count)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats[queue.StatusPending])
	assert.Equal(t, 2, stats[queue.StatusFailed])
}
