package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/hv-orchestrator/internal/api/dto"
	"github.com/cuongbtq/hv-orchestrator/internal/domain"
	"github.com/cuongbtq/hv-orchestrator/internal/registry"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateJob handles POST /api/v1/jobs
// Records a job and returns immediately; execution is asynchronous
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body: " + err.Error()})
		return
	}

	id, err := h.jobs.Submit(registry.SubmitRequest{
		Type:         domain.JobType(req.Type),
		TargetHost:   req.TargetHost,
		ResourceSpec: req.ResourceSpec,
		GuestConfig:  req.GuestConfig,
	})
	if err != nil {
		var ve *domain.ValidationError
		switch {
		case errors.As(err, &ve):
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error(), Field: ve.Field})
		case errors.Is(err, domain.ErrRegistryClosed):
			c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{Error: err.Error()})
		default:
			h.logger.Error("Failed to submit job", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to submit job"})
		}
		return
	}

	resp := dto.CreateJobResponse{JobID: id, Status: domain.JobStatusQueued}
	if snap, err := h.jobs.GetStatus(id); err == nil {
		resp.Status = snap.Status
		resp.CorrelationID = snap.CorrelationID
	}

	c.Header("Location", "/api/v1/jobs/"+id)
	c.JSON(http.StatusAccepted, resp)
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns the job's current snapshot without waiting on in-flight work
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "job_id must be a valid UUID", Field: "job_id"})
		return
	}

	snap, err := h.jobs.GetStatus(jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "job not found"})
			return
		}
		h.logger.Error("Failed to get job", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to get job"})
		return
	}

	c.JSON(http.StatusOK, snap)
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with optional filtering and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid query parameters"})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	if req.Type != "" && !domain.JobType(req.Type).IsKnown() {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "unknown job type", Field: "type"})
		return
	}

	if req.Status != "" && !domain.JobStatus(req.Status).IsValid() {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "unknown job status", Field: "status"})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid cursor", Field: "cursor"})
		return
	}

	all := h.jobs.List(registry.Filter{
		Type:       domain.JobType(req.Type),
		Status:     domain.JobStatus(req.Status),
		TargetHost: req.TargetHost,
		ParentID:   req.ParentID,
	})

	jobs := make([]domain.Snapshot, 0, req.PageSize+1)
	for _, s := range all {
		if !cursor.After(s) {
			continue
		}
		jobs = append(jobs, s)
		if len(jobs) > req.PageSize {
			break
		}
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	var nextCursor string
	if hasMore {
		last := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&JobCursor{CreatedAt: last.CreatedAt, JobID: last.ID})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobs,
		NextCursor: nextCursor,
	})
}
