package domain

import (
	"time"

	"github.com/cuongbtq/hv-orchestrator/internal/envelope"
)

// JobType identifies what a job does on the target host
type JobType string

const (
	JobTypeCreateVM          JobType = "create_vm"
	JobTypeCreateDisk        JobType = "create_disk"
	JobTypeCreateNIC         JobType = "create_nic"
	JobTypeUpdateVM          JobType = "update_vm"
	JobTypeUpdateDisk        JobType = "update_disk"
	JobTypeUpdateNIC         JobType = "update_nic"
	JobTypeDeleteVM          JobType = "delete_vm"
	JobTypeDeleteDisk        JobType = "delete_disk"
	JobTypeDeleteNIC         JobType = "delete_nic"
	JobTypeInitializeVM      JobType = "initialize_vm"
	JobTypeManagedDeployment JobType = "managed_deployment"
	JobTypeNoopTest          JobType = "noop_test"
)

// TimeoutClass bounds how long the registry waits for a job's result
type TimeoutClass string

const (
	TimeoutShort TimeoutClass = "short"
	TimeoutLong  TimeoutClass = "long"
)

// Resource kinds a job type operates on
const (
	KindVM   = "vm"
	KindDisk = "disk"
	KindNIC  = "nic"
)

type jobTypeInfo struct {
	operation string
	timeout   TimeoutClass
	kind      string
	composite bool
}

var jobTypes = map[JobType]jobTypeInfo{
	JobTypeCreateVM:          {operation: envelope.OpVMCreate, timeout: TimeoutLong, kind: KindVM},
	JobTypeCreateDisk:        {operation: envelope.OpDiskCreate, timeout: TimeoutLong, kind: KindDisk},
	JobTypeCreateNIC:         {operation: envelope.OpNICCreate, timeout: TimeoutShort, kind: KindNIC},
	JobTypeUpdateVM:          {operation: envelope.OpVMUpdate, timeout: TimeoutShort, kind: KindVM},
	JobTypeUpdateDisk:        {operation: envelope.OpDiskUpdate, timeout: TimeoutLong, kind: KindDisk},
	JobTypeUpdateNIC:         {operation: envelope.OpNICUpdate, timeout: TimeoutShort, kind: KindNIC},
	JobTypeDeleteVM:          {operation: envelope.OpVMDelete, timeout: TimeoutLong, kind: KindVM},
	JobTypeDeleteDisk:        {operation: envelope.OpDiskDelete, timeout: TimeoutShort, kind: KindDisk},
	JobTypeDeleteNIC:         {operation: envelope.OpNICDelete, timeout: TimeoutShort, kind: KindNIC},
	JobTypeInitializeVM:      {operation: envelope.OpVMInitialize, timeout: TimeoutLong, kind: KindVM},
	JobTypeManagedDeployment: {composite: true},
	JobTypeNoopTest:          {operation: envelope.OpNoopTest, timeout: TimeoutShort},
}

// IsKnown reports whether the job type belongs to the closed set
func (t JobType) IsKnown() bool {
	_, ok := jobTypes[t]
	return ok
}

// Operation returns the executor operation a single-step job maps to.
// Composite types return an empty string.
func (t JobType) Operation() string {
	return jobTypes[t].operation
}

// TimeoutClass returns the timeout class selected for the job type. Composite
// types have none: only their sub-jobs are time-bounded.
func (t JobType) TimeoutClass() TimeoutClass {
	return jobTypes[t].timeout
}

// ResourceKind returns the kind of resource the job type operates on, or an
// empty string for types not bound to a single resource
func (t JobType) ResourceKind() string {
	return jobTypes[t].kind
}

// IsDelete reports whether the job type removes its resource
func (t JobType) IsDelete() bool {
	return t == JobTypeDeleteVM || t == JobTypeDeleteDisk || t == JobTypeDeleteNIC
}

// IsComposite reports whether the job is executed as a sequence of sub-jobs
func (t JobType) IsComposite() bool {
	return jobTypes[t].composite
}

// JobTypes lists every known job type
func JobTypes() []JobType {
	out := make([]JobType, 0, len(jobTypes))
	for t := range jobTypes {
		out = append(out, t)
	}
	return out
}

// StepState is the outcome of one step of a composite job
type StepState string

const (
	StepNotAttempted StepState = "not_attempted"
	StepRunning      StepState = "running"
	StepSucceeded    StepState = "succeeded"
	StepFailed       StepState = "failed"
)

// Step is a sub-job record of a composite job
type Step struct {
	Name          string           `json:"name"`
	JobType       JobType          `json:"job_type"`
	JobID         string           `json:"job_id,omitempty"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	State         StepState        `json:"state"`
	ResourceID    string           `json:"resource_id,omitempty"`
	Code          string           `json:"code,omitempty"`
	Message       string           `json:"message,omitempty"`
	Result        *envelope.Result `json:"result,omitempty"`
}

// Job is a unit of caller-visible work. Owned by the registry; callers only
// ever see copies produced by Snapshot.
type Job struct {
	ID            string
	Type          JobType
	Status        JobStatus
	TargetHost    string
	ResourceSpec  map[string]any
	GuestConfig   map[string]any
	CorrelationID string
	TimeoutClass  TimeoutClass
	ParentID      string
	ResourceKey   string
	Phase         string
	Steps         []Step
	Result        *envelope.Result
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// Snapshot is an immutable copy of a Job returned to callers
type Snapshot struct {
	ID            string           `json:"job_id"`
	Type          JobType          `json:"type"`
	Status        JobStatus        `json:"status"`
	TargetHost    string           `json:"target_host"`
	ResourceSpec  map[string]any   `json:"resource_spec,omitempty"`
	CorrelationID string           `json:"correlation_id"`
	TimeoutClass  TimeoutClass     `json:"timeout_class,omitempty"`
	ParentID      string           `json:"parent_id,omitempty"`
	Phase         string           `json:"phase,omitempty"`
	Steps         []Step           `json:"steps,omitempty"`
	Result        *envelope.Result `json:"result,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
}

// Snapshot copies the job. Guest configuration is never exposed.
func (j *Job) Snapshot() Snapshot {
	s := Snapshot{
		ID:            j.ID,
		Type:          j.Type,
		Status:        j.Status,
		TargetHost:    j.TargetHost,
		ResourceSpec:  envelope.CloneMap(j.ResourceSpec),
		CorrelationID: j.CorrelationID,
		TimeoutClass:  j.TimeoutClass,
		ParentID:      j.ParentID,
		Phase:         j.Phase,
		CreatedAt:     j.CreatedAt,
		StartedAt:     copyTime(j.StartedAt),
		CompletedAt:   copyTime(j.CompletedAt),
	}
	if j.Steps != nil {
		s.Steps = make([]Step, len(j.Steps))
		for i, st := range j.Steps {
			if st.Result != nil {
				r := st.Result.Clone()
				st.Result = &r
			}
			s.Steps[i] = st
		}
	}
	if j.Result != nil {
		r := j.Result.Clone()
		s.Result = &r
	}
	return s
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
