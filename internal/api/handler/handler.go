package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/hv-orchestrator/internal/domain"
	"github.com/cuongbtq/hv-orchestrator/internal/envelope"
	"github.com/cuongbtq/hv-orchestrator/internal/events"
	"github.com/cuongbtq/hv-orchestrator/internal/pool"
	"github.com/cuongbtq/hv-orchestrator/internal/registry"
)

// JobService is the part of the registry the API uses
type JobService interface {
	Submit(req registry.SubmitRequest) (string, error)
	GetStatus(id string) (domain.Snapshot, error)
	List(f registry.Filter) []domain.Snapshot
}

// PoolService is the part of the task pool the API uses
type PoolService interface {
	Stats() pool.Stats
	Execute(ctx context.Context, class pool.Class, host string, req envelope.Request, deadline time.Time) envelope.Result
}

// InventoryReader lists mirrored host resources
type InventoryReader interface {
	List(ctx context.Context, host string) ([]events.InventoryRow, error)
}

// HealthCheck reports whether a dependency is usable
type HealthCheck func(ctx context.Context) error

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Jobs      JobService
	Pool      PoolService
	Inventory InventoryReader // nil when the inventory mirror is disabled
	Checks    map[string]HealthCheck
	Metrics   http.Handler // served on /metrics when set
	Service   string
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	jobs   JobService
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		jobs:   deps.Jobs,
	}
}

// HostHandler handles pool and host HTTP requests
type HostHandler struct {
	logger    *slog.Logger
	pool      PoolService
	inventory InventoryReader
}

// NewHostHandler creates a new HostHandler instance
func NewHostHandler(deps *Dependencies) *HostHandler {
	return &HostHandler{
		logger:    deps.Logger,
		pool:      deps.Pool,
		inventory: deps.Inventory,
	}
}
