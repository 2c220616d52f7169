package events

import (
	"context"
	"fmt"
	"time"

	"github.com/cuongbtq/hv-orchestrator/internal/domain"
)

// Store executes statements against the inventory database.
// postgresql.Client satisfies it.
type Store interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) error
	NamedExecContext(ctx context.Context, query string, arg interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

const createInventoryTable = `
CREATE TABLE IF NOT EXISTS inventory_resources (
	host          TEXT        NOT NULL,
	kind          TEXT        NOT NULL,
	resource_id   TEXT        NOT NULL,
	last_job_id   TEXT        NOT NULL,
	last_job_type TEXT        NOT NULL,
	deleted       BOOLEAN     NOT NULL DEFAULT FALSE,
	updated_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (host, kind, resource_id)
)`

const upsertInventoryResource = `
INSERT INTO inventory_resources (host, kind, resource_id, last_job_id, last_job_type, deleted, updated_at)
VALUES (:host, :kind, :resource_id, :last_job_id, :last_job_type, :deleted, :updated_at)
ON CONFLICT (host, kind, resource_id) DO UPDATE SET
	last_job_id   = EXCLUDED.last_job_id,
	last_job_type = EXCLUDED.last_job_type,
	deleted       = EXCLUDED.deleted,
	updated_at    = EXCLUDED.updated_at`

const selectHostInventory = `
SELECT host, kind, resource_id, last_job_id, last_job_type, deleted, updated_at
FROM inventory_resources
WHERE host = $1 AND deleted = FALSE
ORDER BY kind, resource_id`

// InventoryRow is one mirrored host resource
type InventoryRow struct {
	Host        string    `db:"host" json:"host"`
	Kind        string    `db:"kind" json:"kind"`
	ResourceID  string    `db:"resource_id" json:"resource_id"`
	LastJobID   string    `db:"last_job_id" json:"last_job_id"`
	LastJobType string    `db:"last_job_type" json:"last_job_type"`
	Deleted     bool      `db:"deleted" json:"deleted"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// InventorySink mirrors resources touched by successful jobs into the
// inventory cache tables. Failed jobs leave the mirror untouched; the
// inventory reconciler re-reads host state for those.
type InventorySink struct {
	store Store
}

// NewInventorySink creates an InventorySink
func NewInventorySink(store Store) *InventorySink {
	return &InventorySink{store: store}
}

// EnsureSchema creates the inventory table when missing
func (s *InventorySink) EnsureSchema(ctx context.Context) error {
	if err := s.store.ExecContext(ctx, createInventoryTable); err != nil {
		return fmt.Errorf("failed to create inventory table: %w", err)
	}
	return nil
}

// Name implements Sink
func (s *InventorySink) Name() string { return "inventory" }

// Handle implements Sink
func (s *InventorySink) Handle(ctx context.Context, ev Event) error {
	for _, row := range InventoryRows(ev) {
		if err := s.store.NamedExecContext(ctx, upsertInventoryResource, row); err != nil {
			return fmt.Errorf("failed to mirror %s %s: %w", row.Kind, row.ResourceID, err)
		}
	}
	return nil
}

// List returns the live resources mirrored for host
func (s *InventorySink) List(ctx context.Context, host string) ([]InventoryRow, error) {
	var rows []InventoryRow
	if err := s.store.SelectContext(ctx, &rows, selectHostInventory, host); err != nil {
		return nil, fmt.Errorf("failed to read inventory of %s: %w", host, err)
	}
	if rows == nil {
		rows = []InventoryRow{}
	}
	return rows, nil
}

// InventoryRows returns the rows an event writes to the mirror
func InventoryRows(ev Event) []InventoryRow {
	if ev.Status != domain.JobStatusSucceeded && ev.Status != domain.JobStatusPartial {
		return nil
	}

	rows := make([]InventoryRow, 0, len(ev.Resources))
	for _, ref := range ev.Resources {
		if ref.Kind == domain.KindResource {
			continue
		}
		rows = append(rows, InventoryRow{
			Host:        ev.TargetHost,
			Kind:        ref.Kind,
			ResourceID:  ref.ID,
			LastJobID:   ev.JobID,
			LastJobType: string(ev.Type),
			Deleted:     ev.Type.IsDelete() && ev.Type.ResourceKind() == ref.Kind,
			UpdatedAt:   ev.OccurredAt,
		})
	}
	return rows
}
