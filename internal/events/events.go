// Package events fans job completion events out to external consumers.
// Publishing never blocks the registry: events are buffered and handed to
// sinks by a single delivery goroutine.
package events

import (
	"context"
	"time"

	"github.com/cuongbtq/hv-orchestrator/internal/domain"
)

// Event is emitted on every terminal job transition
type Event struct {
	JobID               string               `json:"job_id"`
	Type                domain.JobType       `json:"type"`
	Status              domain.JobStatus     `json:"status"`
	TargetHost          string               `json:"target_host"`
	ParentID            string               `json:"parent_id,omitempty"`
	CorrelationID       string               `json:"correlation_id"`
	AffectedResourceIDs []string             `json:"affected_resource_ids"`
	Resources           []domain.ResourceRef `json:"resources,omitempty"`
	Code                string               `json:"code,omitempty"`
	Message             string               `json:"message,omitempty"`
	OccurredAt          time.Time            `json:"occurred_at"`
}

// Sink consumes completion events
type Sink interface {
	Name() string
	Handle(ctx context.Context, ev Event) error
}

// FromSnapshot builds the completion event of a terminal job
func FromSnapshot(s domain.Snapshot, at time.Time) Event {
	ev := Event{
		JobID:         s.ID,
		Type:          s.Type,
		Status:        s.Status,
		TargetHost:    s.TargetHost,
		ParentID:      s.ParentID,
		CorrelationID: s.CorrelationID,
		Resources:     AffectedResources(s),
		OccurredAt:    at,
	}
	if s.Result != nil {
		ev.Code = s.Result.Code
		ev.Message = s.Result.Message
	}
	ev.AffectedResourceIDs = make([]string, 0, len(ev.Resources))
	for _, r := range ev.Resources {
		ev.AffectedResourceIDs = append(ev.AffectedResourceIDs, r.ID)
	}
	return ev
}

// AffectedResources lists the resources a job touched. Composite jobs
// report the resources created by their steps; single-step jobs report the
// identifiers found in their result data and resource spec.
func AffectedResources(s domain.Snapshot) []domain.ResourceRef {
	var refs []domain.ResourceRef
	seen := make(map[domain.ResourceRef]bool)
	add := func(ref domain.ResourceRef) {
		if ref.ID == "" || seen[ref] {
			return
		}
		seen[ref] = true
		refs = append(refs, ref)
	}

	if s.Type.IsComposite() {
		for _, st := range s.Steps {
			if st.ResourceID != "" {
				add(domain.ResourceRef{Kind: st.JobType.ResourceKind(), ID: st.ResourceID})
			}
		}
		return refs
	}

	if s.Result != nil {
		fromMap(s.Result.Data, add)
	}
	fromMap(s.ResourceSpec, add)
	return refs
}

func fromMap(m map[string]any, add func(domain.ResourceRef)) {
	if m == nil {
		return
	}
	add(domain.ResourceRef{Kind: domain.KindVM, ID: domain.StringField(m, domain.FieldVMID)})
	add(domain.ResourceRef{Kind: domain.KindDisk, ID: domain.StringField(m, domain.FieldDiskID)})
	add(domain.ResourceRef{Kind: domain.KindNIC, ID: domain.StringField(m, domain.FieldNICID)})
	add(domain.ResourceRef{Kind: domain.KindResource, ID: domain.StringField(m, domain.FieldResourceID)})
}
