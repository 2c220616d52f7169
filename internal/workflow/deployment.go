package workflow

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/cuongbtq/hv-orchestrator/internal/domain"
	"github.com/cuongbtq/hv-orchestrator/internal/envelope"
	"github.com/cuongbtq/hv-orchestrator/internal/registry"
)

// Workflow phases reported on the composite job
const (
	PhasePartitioningFields = "PartitioningFields"
	PhaseCreatingVM         = "CreatingVM"
	PhaseCreatingDisk       = "CreatingDisk"
	PhaseCreatingNIC        = "CreatingNIC"
	PhaseInitializingGuest  = "InitializingGuest"
	PhaseCompleted          = "Completed"
	PhaseAborted            = "Aborted"
)

// ManagedDeployment sequences create_vm, create_disk (0..n),
// create_nic (1..n) and initialize_vm. A failed step aborts the workflow
// without compensating earlier steps.
type ManagedDeployment struct {
	schema Schema
	logger *slog.Logger
}

// NewManagedDeployment creates the workflow. A nil schema selects
// DefaultSchema.
func NewManagedDeployment(schema Schema, logger *slog.Logger) *ManagedDeployment {
	if schema == nil {
		schema = DefaultSchema
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ManagedDeployment{schema: schema, logger: logger}
}

// Validate implements registry.Validator
func (m *ManagedDeployment) Validate(spec, guest map[string]any) error {
	_, err := Partition(spec, guest, m.schema)
	return err
}

// stepPlan is one planned sub-job
type stepPlan struct {
	phase string
	name  string
	typ   domain.JobType
	spec  map[string]any
	guest map[string]any
}

// deployment holds one run's progress
type deployment struct {
	h      registry.Handle
	logger *slog.Logger
	steps  []domain.Step
	vmID   string
}

// Run implements registry.Composite
func (m *ManagedDeployment) Run(ctx context.Context, h registry.Handle) envelope.Result {
	d := &deployment{
		h:      h,
		logger: m.logger.With(slog.String("job_id", h.JobID())),
	}

	h.SetPhase(PhasePartitioningFields)
	plan, err := Partition(h.ResourceSpec(), h.GuestConfig(), m.schema)
	if err != nil {
		h.SetPhase(PhaseAborted)
		return envelope.Failure(h.CorrelationID(), envelope.CodePartialFailure,
			fmt.Sprintf("managed deployment aborted before any step: %v", err))
	}

	// create_vm first; every later step needs the vm_id it returns
	steps := []stepPlan{{phase: PhaseCreatingVM, name: "create_vm", typ: domain.JobTypeCreateVM, spec: plan.VM}}
	for i, disk := range plan.Disks {
		steps = append(steps, stepPlan{phase: PhaseCreatingDisk, name: fmt.Sprintf("create_disk[%d]", i), typ: domain.JobTypeCreateDisk, spec: disk})
	}
	for i, nic := range plan.NICs {
		steps = append(steps, stepPlan{phase: PhaseCreatingNIC, name: fmt.Sprintf("create_nic[%d]", i), typ: domain.JobTypeCreateNIC, spec: nic})
	}
	steps = append(steps, stepPlan{phase: PhaseInitializingGuest, name: "initialize_vm", typ: domain.JobTypeInitializeVM, spec: map[string]any{}, guest: plan.Guest})

	d.steps = make([]domain.Step, len(steps))
	for i, sp := range steps {
		d.steps[i] = domain.Step{Name: sp.name, JobType: sp.typ, State: domain.StepNotAttempted}
	}
	h.SetSteps(d.steps)

	for i, sp := range steps {
		if i > 0 {
			sp.spec[domain.FieldVMID] = d.vmID
		}
		if ok := d.runStep(ctx, i, sp); !ok {
			h.SetPhase(PhaseAborted)
			return d.aborted(i)
		}
	}

	h.SetPhase(PhaseCompleted)
	d.logger.Info("Managed deployment completed", slog.String("vm_id", d.vmID))
	return envelope.Success(h.CorrelationID(), d.summary())
}

// runStep submits step i and waits for it. It reports whether the step
// succeeded.
func (d *deployment) runStep(ctx context.Context, i int, sp stepPlan) bool {
	d.h.SetPhase(sp.phase)
	st := &d.steps[i]
	st.State = domain.StepRunning

	id, err := d.h.Submit(sp.typ, sp.spec, sp.guest)
	if err != nil {
		return d.fail(i, envelope.CodeOperationError, fmt.Sprintf("failed to submit %s: %v", sp.name, err))
	}
	st.JobID = id
	d.h.SetSteps(d.steps)

	d.logger.Info("Managed deployment step started",
		slog.String("step", sp.name),
		slog.String("step_job_id", id),
	)

	snap, err := d.h.Wait(ctx, id)
	if err != nil {
		return d.fail(i, envelope.CodeCanceled, fmt.Sprintf("stopped waiting for %s: %v", sp.name, err))
	}

	st.CorrelationID = snap.CorrelationID
	st.Result = snap.Result
	if snap.Status != domain.JobStatusSucceeded {
		code, msg := envelope.CodeOperationError, fmt.Sprintf("%s ended in status %s", sp.name, snap.Status)
		if snap.Result != nil {
			code, msg = snap.Result.Code, snap.Result.Message
		}
		return d.fail(i, code, msg)
	}

	var data map[string]any
	if snap.Result != nil {
		data = snap.Result.Data
	}
	st.ResourceID = createdResourceID(sp.typ, data, sp.spec)

	if sp.typ == domain.JobTypeCreateVM {
		d.vmID = st.ResourceID
		if d.vmID == "" {
			return d.fail(i, envelope.CodeProtocolError, "create_vm succeeded without returning a vm_id")
		}
	}

	st.State = domain.StepSucceeded
	d.h.SetSteps(d.steps)

	d.logger.Info("Managed deployment step succeeded",
		slog.String("step", sp.name),
		slog.String("resource_id", st.ResourceID),
	)
	return true
}

func (d *deployment) fail(i int, code, message string) bool {
	st := &d.steps[i]
	st.State = domain.StepFailed
	st.Code = code
	st.Message = message
	d.h.SetSteps(d.steps)

	d.logger.Warn("Managed deployment step failed",
		slog.String("step", st.Name),
		slog.String("code", code),
		slog.String("message", message),
	)
	return false
}

// aborted builds the aggregate result of a workflow stopped at step i.
// The job is partial when any earlier step created something.
func (d *deployment) aborted(i int) envelope.Result {
	failed := d.steps[i]
	res := envelope.Result{
		Status:        envelope.StatusError,
		Code:          envelope.CodePartialFailure,
		Message:       fmt.Sprintf("managed deployment aborted at %s: %s", failed.Name, failed.Message),
		Data:          d.summary(),
		CorrelationID: d.h.CorrelationID(),
	}
	res.Data["failed_step"] = failed.Name
	res.Data["failed_code"] = failed.Code

	for _, st := range d.steps[:i] {
		if st.State == domain.StepSucceeded {
			res.Status = envelope.StatusPartial
			break
		}
	}
	return res
}

// summary reports every step's state and created resource
func (d *deployment) summary() map[string]any {
	steps := make([]any, 0, len(d.steps))
	succeeded := []any{}
	for _, st := range d.steps {
		item := map[string]any{
			"name":  st.Name,
			"type":  string(st.JobType),
			"state": string(st.State),
		}
		if st.JobID != "" {
			item["job_id"] = st.JobID
		}
		if st.ResourceID != "" {
			item["resource_id"] = st.ResourceID
		}
		if st.State == domain.StepFailed {
			item["code"] = st.Code
			item["message"] = st.Message
		}
		if st.State == domain.StepSucceeded {
			succeeded = append(succeeded, st.Name)
		}
		steps = append(steps, item)
	}

	data := map[string]any{
		"steps":           steps,
		"succeeded_steps": succeeded,
	}
	if d.vmID != "" {
		data[domain.FieldVMID] = d.vmID
	}
	return data
}

// createdResourceID picks the identifier a successful step reports for the
// resource it created
func createdResourceID(t domain.JobType, data, spec map[string]any) string {
	var keys []string
	switch t {
	case domain.JobTypeCreateVM:
		keys = []string{domain.FieldVMID}
	case domain.JobTypeCreateDisk:
		keys = []string{domain.FieldDiskID, "disk_path"}
	case domain.JobTypeCreateNIC:
		keys = []string{domain.FieldNICID, "adapter_id"}
	case domain.JobTypeInitializeVM:
		keys = []string{domain.FieldVMID}
	}
	keys = append(keys, domain.FieldResourceID)

	for _, k := range keys {
		if id := domain.StringField(data, k); id != "" {
			return id
		}
	}
	if t == domain.JobTypeInitializeVM {
		return domain.StringField(spec, domain.FieldVMID)
	}
	return ""
}
