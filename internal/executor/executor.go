// Package executor implements the host side of the envelope protocol: read
// one request, run the named operation, write one result.
//
// Only noop-test is implemented here. Hypervisor operations are registered
// by the host installation through Register.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/cuongbtq/hv-orchestrator/internal/envelope"
)

// HandlerFunc runs one operation and returns its result data
type HandlerFunc func(ctx context.Context, spec map[string]any) (map[string]any, error)

// Executor dispatches requests to operation handlers
type Executor struct {
	handlers map[string]HandlerFunc
	logger   *slog.Logger
}

// New creates an executor with the built-in noop-test handler
func New(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := &Executor{
		handlers: make(map[string]HandlerFunc),
		logger:   logger,
	}
	e.handlers[envelope.OpNoopTest] = noopTest
	return e
}

// Register binds a handler to a catalog operation
func (e *Executor) Register(op string, h HandlerFunc) error {
	if !envelope.IsCatalogOperation(op) {
		return fmt.Errorf("operation %q is not in the catalog", op)
	}
	e.handlers[op] = h
	return nil
}

// Handle decodes raw as a request and executes it. Every failure is
// reported as a Result.
func (e *Executor) Handle(ctx context.Context, raw []byte) envelope.Result {
	if len(bytes.TrimSpace(raw)) == 0 {
		return envelope.Failure("", envelope.CodeProtocolError, "No input: expected a JSON request on standard input")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return envelope.Failure("", envelope.CodeProtocolError, fmt.Sprintf("invalid request JSON: %v", err))
	}

	var req envelope.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return envelope.Failure("", envelope.CodeProtocolError, fmt.Sprintf("invalid request JSON: %v", err))
	}

	if _, ok := fields["operation"]; !ok || req.Operation == "" {
		return envelope.Failure(req.CorrelationID, envelope.CodeProtocolError, "Missing required field: operation")
	}
	if _, ok := fields["resource_spec"]; !ok || req.ResourceSpec == nil {
		return envelope.Failure(req.CorrelationID, envelope.CodeProtocolError, "Missing required field: resource_spec")
	}

	handler, ok := e.handlers[req.Operation]
	if !ok {
		msg := fmt.Sprintf("Unsupported operation: %s", req.Operation)
		if envelope.IsCatalogOperation(req.Operation) {
			msg = fmt.Sprintf("Unsupported operation: %s is not installed on this host", req.Operation)
		}
		return envelope.Failure(req.CorrelationID, envelope.CodeOperationError, msg)
	}

	e.logger.Info("Executing operation",
		slog.String("operation", req.Operation),
		slog.String("correlation_id", req.CorrelationID),
	)

	data, err := handler(ctx, req.ResourceSpec)
	if err != nil {
		e.logger.Error("Operation failed",
			slog.String("operation", req.Operation),
			slog.String("correlation_id", req.CorrelationID),
			slog.String("error", err.Error()),
		)
		return envelope.Failure(req.CorrelationID, envelope.CodeOperationError, err.Error())
	}

	res := envelope.Success(req.CorrelationID, data)
	res.Logs = []string{fmt.Sprintf("%s completed", req.Operation)}
	return res
}

// Serve reads one request from in and writes its result to out. The
// returned exit code is 0 on success and 1 otherwise.
func (e *Executor) Serve(ctx context.Context, in io.Reader, out io.Writer) int {
	raw, err := io.ReadAll(in)
	var res envelope.Result
	if err != nil {
		res = envelope.Failure("", envelope.CodeProtocolError, fmt.Sprintf("failed to read request: %v", err))
	} else {
		res = e.Handle(ctx, raw)
	}

	// EncodeResult terminates the document with a newline
	body, err := envelope.EncodeResult(res)
	if err != nil {
		e.logger.Error("Failed to encode result", slog.String("error", err.Error()))
		return 1
	}
	if _, err := out.Write(body); err != nil {
		e.logger.Error("Failed to write result", slog.String("error", err.Error()))
		return 1
	}

	if !res.IsSuccess() {
		return 1
	}
	return 0
}

func noopTest(ctx context.Context, spec map[string]any) (map[string]any, error) {
	return map[string]any{
		"test_field_echo":  spec["test_field"],
		"test_number_echo": spec["test_number"],
	}, nil
}
