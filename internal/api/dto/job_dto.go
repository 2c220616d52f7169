package dto

import (
	"github.com/cuongbtq/hv-orchestrator/internal/domain"
	"github.com/cuongbtq/hv-orchestrator/internal/envelope"
	"github.com/cuongbtq/hv-orchestrator/internal/events"
)

type CreateJobRequest struct {
	Type         string         `json:"type" binding:"required"`
	TargetHost   string         `json:"target_host" binding:"required"`
	ResourceSpec map[string]any `json:"resource_spec"`
	GuestConfig  map[string]any `json:"guest_config"`
}

type CreateJobResponse struct {
	JobID         string           `json:"job_id"`
	Status        domain.JobStatus `json:"status"`
	CorrelationID string           `json:"correlation_id"`
}

type ListJobsRequest struct {
	Type       string `form:"type"`
	Status     string `form:"status"`
	TargetHost string `form:"target_host"`
	ParentID   string `form:"parent_id"`
	PageSize   int    `form:"page_size"`
	Cursor     string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []domain.Snapshot `json:"jobs"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

type ProbeRequest struct {
	TimeoutSeconds int `json:"timeout_seconds"`
}

type ProbeResponse struct {
	Host      string          `json:"host"`
	Reachable bool            `json:"reachable"`
	LatencyMS int64           `json:"latency_ms"`
	Result    envelope.Result `json:"result"`
}

type InventoryResponse struct {
	Host      string                `json:"host"`
	Resources []events.InventoryRow `json:"resources"`
}
