// Package envelope defines the request/result messages exchanged with a
// host executor and the codec that moves them across the wire.
package envelope

// Result statuses
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusPartial = "partial"
)

// Result codes
const (
	CodeOperationError  = "OPERATION_ERROR"
	CodeProtocolError   = "PROTOCOL_ERROR"
	CodeTimeout         = "TIMEOUT"
	CodeHostUnreachable = "HOST_UNREACHABLE"
	CodePartialFailure  = "PARTIAL_FAILURE"
	CodeCanceled        = "CANCELED"
)

// Executor operations. The catalog is closed for a given deployment.
const (
	OpVMCreate     = "vm.create"
	OpVMUpdate     = "vm.update"
	OpVMDelete     = "vm.delete"
	OpVMInitialize = "vm.initialize"
	OpDiskCreate   = "disk.create"
	OpDiskUpdate   = "disk.update"
	OpDiskDelete   = "disk.delete"
	OpNICCreate    = "nic.create"
	OpNICUpdate    = "nic.update"
	OpNICDelete    = "nic.delete"
	OpNoopTest     = "noop-test"
)

var catalog = map[string]bool{
	OpVMCreate:     true,
	OpVMUpdate:     true,
	OpVMDelete:     true,
	OpVMInitialize: true,
	OpDiskCreate:   true,
	OpDiskUpdate:   true,
	OpDiskDelete:   true,
	OpNICCreate:    true,
	OpNICUpdate:    true,
	OpNICDelete:    true,
	OpNoopTest:     true,
}

// IsCatalogOperation reports whether op is part of the operation catalog
func IsCatalogOperation(op string) bool {
	return catalog[op]
}

// Request is sent to a host executor
type Request struct {
	Operation     string         `json:"operation"`
	ResourceSpec  map[string]any `json:"resource_spec"`
	CorrelationID string         `json:"correlation_id"`
	Metadata      map[string]any `json:"metadata"`
}

// Result is returned by a host executor. Exactly one Result pairs with each Request.
type Result struct {
	Status        string         `json:"status"`
	Code          string         `json:"code,omitempty"`
	Message       string         `json:"message,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	Logs          []string       `json:"logs,omitempty"`
	CorrelationID string         `json:"correlation_id"`
}

// Success builds a successful result
func Success(correlationID string, data map[string]any) Result {
	return Result{
		Status:        StatusSuccess,
		Data:          data,
		CorrelationID: correlationID,
	}
}

// Failure builds an error result with the given code
func Failure(correlationID, code, message string) Result {
	return Result{
		Status:        StatusError,
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
	}
}

// IsSuccess reports whether the result status is success
func (r Result) IsSuccess() bool {
	return r.Status == StatusSuccess
}

// Clone returns a deep copy of the result
func (r Result) Clone() Result {
	out := r
	out.Data = CloneMap(r.Data)
	if r.Logs != nil {
		out.Logs = append([]string(nil), r.Logs...)
	}
	return out
}

// CloneMap deep-copies nested maps and slices of a JSON-like map
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
