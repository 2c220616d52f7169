// Package transport carries encoded envelopes to host executors.
//
// A Transport only moves bytes: it writes one encoded request to the
// executor's standard input and returns whatever the executor printed on
// standard output. Caller layers the envelope codec on top so the pool and
// registry never see transport or parse errors, only Result values.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/cuongbtq/hv-orchestrator/internal/domain"
	"github.com/cuongbtq/hv-orchestrator/internal/envelope"
)

// Transport exchanges one request payload for one response payload.
// Failures to reach the executor must wrap domain.ErrHostUnreachable.
// When the executor ran but exited abnormally, implementations return
// its output together with the error.
type Transport interface {
	Exchange(ctx context.Context, host string, input []byte) ([]byte, error)
}

// Caller performs a synchronous RPC against a host executor
type Caller struct {
	transport Transport
	logger    *slog.Logger
}

// NewCaller creates a new Caller over the given transport
func NewCaller(t Transport, logger *slog.Logger) *Caller {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Caller{transport: t, logger: logger}
}

// Call encodes req, exchanges it with the executor on host and decodes the
// paired result. It never returns an error: every failure is a Result.
func (c *Caller) Call(ctx context.Context, host string, req envelope.Request) envelope.Result {
	if req.CorrelationID == "" {
		req.CorrelationID = envelope.NewCorrelationID()
	}

	payload, err := envelope.Encode(req)
	if err != nil {
		c.logger.Warn("Refusing to send malformed request",
			slog.String("host", host),
			slog.String("correlation_id", req.CorrelationID),
			slog.String("error", err.Error()),
		)
		return envelope.Failure(req.CorrelationID, envelope.CodeProtocolError, err.Error())
	}

	output, err := c.transport.Exchange(ctx, host, payload)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return envelope.Failure(req.CorrelationID, envelope.CodeTimeout,
				fmt.Sprintf("no result from %s before deadline", host))
		case errors.Is(err, context.Canceled):
			return envelope.Failure(req.CorrelationID, envelope.CodeCanceled,
				fmt.Sprintf("call to %s was canceled", host))
		case errors.Is(err, domain.ErrHostUnreachable):
			c.logger.Error("Host executor unreachable",
				slog.String("host", host),
				slog.String("operation", req.Operation),
				slog.String("correlation_id", req.CorrelationID),
				slog.String("error", err.Error()),
			)
			return envelope.Failure(req.CorrelationID, envelope.CodeHostUnreachable, err.Error())
		}

		// Executors exit non-zero on failed operations but still print a result
		if len(output) == 0 {
			return envelope.Failure(req.CorrelationID, envelope.CodeProtocolError,
				fmt.Sprintf("No input: executor produced no output (%s)", err.Error()))
		}
		c.logger.Debug("Executor exited abnormally, decoding its output",
			slog.String("host", host),
			slog.String("correlation_id", req.CorrelationID),
			slog.String("error", err.Error()),
		)
	}

	res := envelope.Decode(output, req.CorrelationID)
	if res.Code == envelope.CodeProtocolError {
		c.logger.Warn("Protocol error from host executor",
			slog.String("host", host),
			slog.String("operation", req.Operation),
			slog.String("correlation_id", req.CorrelationID),
			slog.String("message", res.Message),
		)
	}
	return res
}
