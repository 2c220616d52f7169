package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/hv-orchestrator/internal/api/dto"
	"github.com/cuongbtq/hv-orchestrator/internal/envelope"
	"github.com/cuongbtq/hv-orchestrator/internal/pool"
	"github.com/gin-gonic/gin"
)

const (
	defaultProbeTimeout = 10 * time.Second
	maxProbeTimeout     = 2 * time.Minute
)

// GetPool handles GET /api/v1/pool
func (h *HostHandler) GetPool(c *gin.Context) {
	c.JSON(http.StatusOK, h.pool.Stats())
}

// ProbeHost handles POST /api/v1/hosts/:host/probe
// Runs noop-test on the host as an ad-hoc call; no job is recorded
func (h *HostHandler) ProbeHost(c *gin.Context) {
	host := strings.TrimSpace(c.Param("host"))

	var req dto.ProbeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body: " + err.Error()})
			return
		}
	}

	timeout := defaultProbeTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	if timeout > maxProbeTimeout {
		timeout = maxProbeTimeout
	}

	start := time.Now()
	res := h.pool.Execute(c.Request.Context(), pool.ClassAdhoc, host, envelope.Request{
		Operation:    envelope.OpNoopTest,
		ResourceSpec: map[string]any{"test_field": "probe"},
		Metadata:     map[string]any{"probe": true},
	}, start.Add(timeout))
	latency := time.Since(start)

	h.logger.Info("Host probed",
		slog.String("target_host", host),
		slog.String("status", res.Status),
		slog.String("code", res.Code),
		slog.Duration("latency", latency),
	)

	c.JSON(http.StatusOK, dto.ProbeResponse{
		Host:      host,
		Reachable: res.IsSuccess(),
		LatencyMS: latency.Milliseconds(),
		Result:    res,
	})
}

// GetInventory handles GET /api/v1/hosts/:host/inventory
func (h *HostHandler) GetInventory(c *gin.Context) {
	if h.inventory == nil {
		c.JSON(http.StatusNotImplemented, dto.ErrorResponse{Error: "inventory mirror is disabled"})
		return
	}

	host := c.Param("host")
	rows, err := h.inventory.List(c.Request.Context(), host)
	if err != nil {
		h.logger.Error("Failed to read inventory", slog.String("target_host", host), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to read inventory"})
		return
	}

	c.JSON(http.StatusOK, dto.InventoryResponse{Host: host, Resources: rows})
}
