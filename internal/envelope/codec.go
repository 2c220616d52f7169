package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// EncodeError is returned when a request misses a mandatory field.
// It is a caller error and never reaches the wire.
type EncodeError struct {
	Field string
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("request is missing required field %q", e.Field)
}

// NewCorrelationID generates a correlation id for a request
func NewCorrelationID() string {
	return uuid.New().String()
}

// Encode serializes a request. Map keys are emitted in sorted order so the
// same request always produces the same bytes.
func Encode(req Request) ([]byte, error) {
	if req.Operation == "" {
		return nil, &EncodeError{Field: "operation"}
	}
	if req.ResourceSpec == nil {
		return nil, &EncodeError{Field: "resource_spec"}
	}
	if req.Metadata == nil {
		req.Metadata = map[string]any{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(req); err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Decode parses an executor response. It never fails: malformed input and
// correlation mismatches become PROTOCOL_ERROR results. An empty
// correlationID disables the pairing check.
func Decode(data []byte, correlationID string) Result {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Failure(correlationID, CodeProtocolError, "No input: executor returned no output")
	}

	var res Result
	if err := json.Unmarshal(trimmed, &res); err != nil {
		return Failure(correlationID, CodeProtocolError, fmt.Sprintf("invalid result JSON: %s", err.Error()))
	}

	switch res.Status {
	case StatusSuccess, StatusError, StatusPartial:
	case "":
		return Failure(correlationID, CodeProtocolError, "result is missing status")
	default:
		return Failure(correlationID, CodeProtocolError, fmt.Sprintf("unrecognized result status %q", res.Status))
	}

	if correlationID != "" && res.CorrelationID != correlationID {
		return Failure(correlationID, CodeProtocolError,
			fmt.Sprintf("correlation_id mismatch: sent %q, received %q", correlationID, res.CorrelationID))
	}

	if res.Status != StatusSuccess {
		if res.Code == "" {
			res.Code = CodeOperationError
		}
		if res.Message == "" {
			res.Message = "operation failed without a message"
		}
	}
	return res
}

// EncodeResult serializes a result, used by the host executor side
func EncodeResult(res Result) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(res); err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return buf.Bytes(), nil
}
