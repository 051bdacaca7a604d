package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"github.com/fusionn-mood/internal/capability"
	"github.com/fusionn-mood/internal/projection"
	"github.com/fusionn-mood/internal/queue"
	"github.com/fusionn-mood/internal/version"
	"github.com/fusionn-mood/pkg/logger"
)

const defaultListLimit = 100

// Submitter enqueues references.
type Submitter interface {
	Submit(ctx context.Context, refs []string, skipMediaDownload bool) ([]queue.EnqueueResult, error)
}

// Reader is the read-only query surface.
type Reader interface {
	ListJobs(ctx context.Context, status queue.Status, limit int) ([]projection.JobSummary, error)
	Detail(ctx context.Context, id string) (*projection.JobDetail, error)
	Segments(ctx context.Context, id string) ([]queue.CaptionSegment, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// Pinger reports whether the job store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler handles HTTP requests.
type Handler struct {
	intake Submitter
	view   Reader
	db     Pinger
}

// New creates a new Handler.
func New(intake Submitter, view Reader, db Pinger) *Handler {
	return &Handler{intake: intake, view: view, db: db}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		api.GET("/health", h.Health)
		api.GET("/version", h.Version)

		// Jobs
		api.POST("/jobs", h.SubmitJobs)
		api.GET("/jobs", h.ListJobs)
		api.GET("/jobs/:id", h.GetJob)
		api.GET("/jobs/:id/segments", h.GetSegments)
		api.POST("/jobs/:id/retry", h.RetryJob)

		// Queue management
		api.GET("/queue/stats", h.GetQueueStats)
		api.POST("/retry/failed", h.RetryFailed) // Resubmit every failed job
	}
}

// Health returns service health status.
func (h *Handler) Health(c *gin.Context) {
	if err := h.db.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Version returns service version.
func (h *Handler) Version(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": version.Version})
}

// SubmitRequest is the body of POST /jobs.
type SubmitRequest struct {
	References        []string `json:"references" binding:"required"`
	SkipMediaDownload bool     `json:"skip_media_download"`
}

// SubmitJobs validates and enqueues references. Nothing is enqueued if
// any reference is malformed.
func (h *Handler) SubmitJobs(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results, err := h.intake.Submit(c.Request.Context(), req.References, req.SkipMediaDownload)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message": "jobs queued",
		"jobs":    results,
		"count":   len(results),
	})
}

// ListJobs returns jobs newest first. Query: status, limit.
func (h *Handler) ListJobs(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	jobs, err := h.view.ListJobs(c.Request.Context(), queue.Status(c.Query("status")), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

// GetJob returns a job with metadata, segments and summary.
func (h *Handler) GetJob(c *gin.Context) {
	detail, err := h.view.Detail(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// GetSegments returns a job's scored segments in order.
func (h *Handler) GetSegments(c *gin.Context) {
	segs, err := h.view.Segments(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"segments": segs, "count": len(segs)})
}

// GetQueueStats returns job counts per status.
func (h *Handler) GetQueueStats(c *gin.Context) {
	stats, err := h.view.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats, "total": stats.Total()})
}

// RetryJob resubmits a failed job's reference as a new job. The failed
// job stays as it is.
func (h *Handler) RetryJob(c *gin.Context) {
	ctx := c.Request.Context()
	detail, err := h.view.Detail(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if detail.Job.Status != queue.StatusFailed {
		c.JSON(http.StatusConflict, gin.H{"error": "only failed jobs can be retried", "status": detail.Job.Status})
		return
	}

	results, err := h.intake.Submit(ctx, []string{detail.Job.SourceReference}, detail.Job.SkipMediaDownload)
	if err != nil {
		h.fail(c, err)
		return
	}

	logger.Infof("📥 Re-queued failed job %s as %s", detail.Job.ID, results[0].ID)
	c.JSON(http.StatusAccepted, gin.H{
		"message": "job re-queued",
		"job":     results[0],
	})
}

// RetryFailed resubmits every failed job.
func (h *Handler) RetryFailed(c *gin.Context) {
	ctx := c.Request.Context()
	failed, err := h.view.ListJobs(ctx, queue.StatusFailed, 0)
	if err != nil {
		h.fail(c, err)
		return
	}

	if len(failed) == 0 {
		c.JSON(http.StatusOK, gin.H{
			"message": "no failed jobs",
			"count":   0,
		})
		return
	}

	// grouped by flag since a submission carries one flag for all references
	byFlag := map[bool][]string{}
	for _, j := range failed {
		byFlag[j.SkipMediaDownload] = append(byFlag[j.SkipMediaDownload], j.SourceReference)
	}

	var jobs []queue.EnqueueResult
	for skip, refs := range byFlag {
		results, err := h.intake.Submit(ctx, refs, skip)
		if err != nil {
			h.fail(c, err)
			return
		}
		jobs = append(jobs, results...)
	}

	logger.Infof("📥 Re-queued %d failed job(s)", len(jobs))
	c.JSON(http.StatusAccepted, gin.H{
		"message": "failed jobs re-queued",
		"jobs":    jobs,
		"count":   len(jobs),
	})
}

// fail maps an error onto a status code.
func (h *Handler) fail(c *gin.Context, err error) {
	var verr *capability.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "problems": verr.Problems})
	case errors.Is(err, queue.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	default:
		logger.Errorf("❌ %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
