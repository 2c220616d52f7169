package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cuongbtq/hv-orchestrator/internal/domain"
	"github.com/cuongbtq/hv-orchestrator/internal/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	output []byte
	err    error
	sent   []byte
	host   string
}

func (f *fakeTransport) Exchange(ctx context.Context, host string, input []byte) ([]byte, error) {
	f.sent = input
	f.host = host
	return f.output, f.err
}

// echoTransport answers every request with a success result carrying the
// request's own correlation id
type echoTransport struct{}

func (echoTransport) Exchange(ctx context.Context, host string, input []byte) ([]byte, error) {
	var req envelope.Request
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, err
	}
	return envelope.EncodeResult(envelope.Success(req.CorrelationID, map[string]any{
		"test_field_echo": req.ResourceSpec["test_field"],
	}))
}

func TestCaller_Call(t *testing.T) {
	tests := []struct {
		name        string
		transport   *fakeTransport
		req         envelope.Request
		wantStatus  string
		wantCode    string
		wantMessage string
	}{
		{
			name:       "success",
			transport:  &fakeTransport{output: []byte(`{"status":"success","data":{"vm_id":"vm-1"},"correlation_id":"c-1"}`)},
			req:        envelope.Request{Operation: envelope.OpVMCreate, ResourceSpec: map[string]any{"vm_name": "web01"}, CorrelationID: "c-1"},
			wantStatus: envelope.StatusSuccess,
		},
		{
			name:        "malformed request is never sent",
			transport:   &fakeTransport{},
			req:         envelope.Request{ResourceSpec: map[string]any{}, CorrelationID: "c-1"},
			wantStatus:  envelope.StatusError,
			wantCode:    envelope.CodeProtocolError,
			wantMessage: "operation",
		},
		{
			name:        "host unreachable",
			transport:   &fakeTransport{err: fmt.Errorf("%w: hv01: connection refused", domain.ErrHostUnreachable)},
			req:         envelope.Request{Operation: envelope.OpNoopTest, ResourceSpec: map[string]any{}, CorrelationID: "c-1"},
			wantStatus:  envelope.StatusError,
			wantCode:    envelope.CodeHostUnreachable,
			wantMessage: "connection refused",
		},
		{
			name:       "deadline exceeded",
			transport:  &fakeTransport{err: context.DeadlineExceeded},
			req:        envelope.Request{Operation: envelope.OpNoopTest, ResourceSpec: map[string]any{}, CorrelationID: "c-1"},
			wantStatus: envelope.StatusError,
			wantCode:   envelope.CodeTimeout,
		},
		{
			name:       "canceled",
			transport:  &fakeTransport{err: context.Canceled},
			req:        envelope.Request{Operation: envelope.OpNoopTest, ResourceSpec: map[string]any{}, CorrelationID: "c-1"},
			wantStatus: envelope.StatusError,
			wantCode:   envelope.CodeCanceled,
		},
		{
			name:        "abnormal exit with result output",
			transport:   &fakeTransport{output: []byte(`{"status":"error","message":"disk full","correlation_id":"c-1"}`), err: errors.New("executor exited with status 1")},
			req:         envelope.Request{Operation: envelope.OpDiskCreate, ResourceSpec: map[string]any{}, CorrelationID: "c-1"},
			wantStatus:  envelope.StatusError,
			wantCode:    envelope.CodeOperationError,
			wantMessage: "disk full",
		},
		{
			name:        "abnormal exit without output",
			transport:   &fakeTransport{err: errors.New("executor exited with status 127")},
			req:         envelope.Request{Operation: envelope.OpDiskCreate, ResourceSpec: map[string]any{}, CorrelationID: "c-1"},
			wantStatus:  envelope.StatusError,
			wantCode:    envelope.CodeProtocolError,
			wantMessage: "No input",
		},
		{
			name:        "garbage output",
			transport:   &fakeTransport{output: []byte("Segmentation fault")},
			req:         envelope.Request{Operation: envelope.OpNoopTest, ResourceSpec: map[string]any{}, CorrelationID: "c-1"},
			wantStatus:  envelope.StatusError,
			wantCode:    envelope.CodeProtocolError,
			wantMessage: "invalid result JSON",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caller := NewCaller(tt.transport, nil)
			res := caller.Call(context.Background(), "hv01", tt.req)

			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, tt.wantCode, res.Code)
			assert.Equal(t, "c-1", res.CorrelationID)
			if tt.wantMessage != "" {
				assert.Contains(t, res.Message, tt.wantMessage)
			}
		})
	}
}

func TestCaller_MalformedRequestSkipsTransport(t *testing.T) {
	ft := &fakeTransport{}
	caller := NewCaller(ft, nil)

	res := caller.Call(context.Background(), "hv01", envelope.Request{Operation: envelope.OpVMCreate})

	assert.Equal(t, envelope.CodeProtocolError, res.Code)
	assert.Contains(t, res.Message, "resource_spec")
	assert.Nil(t, ft.sent)
}

func TestCaller_AssignsCorrelationID(t *testing.T) {
	caller := NewCaller(echoTransport{}, nil)

	res := caller.Call(context.Background(), "hv01", envelope.Request{
		Operation:    envelope.OpNoopTest,
		ResourceSpec: map[string]any{"test_field": "echo_this"},
	})

	require.Equal(t, envelope.StatusSuccess, res.Status)
	assert.NotEmpty(t, res.CorrelationID)
	assert.Equal(t, "echo_this", res.Data["test_field_echo"])
}

func TestCaller_SendsHostAndPayload(t *testing.T) {
	ft := &fakeTransport{output: []byte(`{"status":"success","correlation_id":"c-9"}`)}
	caller := NewCaller(ft, nil)

	caller.Call(context.Background(), "hv02", envelope.Request{
		Operation:     envelope.OpNICCreate,
		ResourceSpec:  map[string]any{"nic_name": "eth0"},
		CorrelationID: "c-9",
		Metadata:      map[string]any{"job_id": "j-1"},
	})

	assert.Equal(t, "hv02", ft.host)
	var sent map[string]any
	require.NoError(t, json.Unmarshal(ft.sent, &sent))
	assert.Equal(t, "nic.create", sent["operation"])
	assert.Equal(t, "c-9", sent["correlation_id"])
	assert.Equal(t, map[string]any{"job_id": "j-1"}, sent["metadata"])
}

func TestLocal_Exchange(t *testing.T) {
	tests := []struct {
		name       string
		script     string
		timeout    time.Duration
		wantStatus string
		wantCode   string
	}{
		{
			name:       "success",
			script:     `cat >/dev/null; echo '{"status":"success","data":{"ok":true},"correlation_id":"c-1"}'`,
			timeout:    5 * time.Second,
			wantStatus: envelope.StatusSuccess,
		},
		{
			name:       "non-zero exit still decodes result",
			script:     `cat >/dev/null; echo '{"status":"error","message":"boom","correlation_id":"c-1"}'; exit 3`,
			timeout:    5 * time.Second,
			wantStatus: envelope.StatusError,
			wantCode:   envelope.CodeOperationError,
		},
		{
			name:       "no output",
			script:     `cat >/dev/null`,
			timeout:    5 * time.Second,
			wantStatus: envelope.StatusError,
			wantCode:   envelope.CodeProtocolError,
		},
		{
			name:       "deadline",
			script:     `exec sleep 5`,
			timeout:    100 * time.Millisecond,
			wantStatus: envelope.StatusError,
			wantCode:   envelope.CodeTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := NewLocal("sh", []string{"-c", tt.script}, discardLogger())
			caller := NewCaller(local, nil)

			ctx, cancel := context.WithTimeout(context.Background(), tt.timeout)
			defer cancel()

			res := caller.Call(ctx, "localhost", envelope.Request{
				Operation:     envelope.OpNoopTest,
				ResourceSpec:  map[string]any{},
				CorrelationID: "c-1",
			})
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, tt.wantCode, res.Code)
		})
	}
}

func TestLocal_MissingCommandIsUnreachable(t *testing.T) {
	local := NewLocal("/nonexistent/host-executor", nil, discardLogger())

	_, err := local.Exchange(context.Background(), "localhost", []byte("{}"))

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrHostUnreachable)
}
