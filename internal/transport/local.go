package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/cuongbtq/hv-orchestrator/internal/domain"
)

const waitDelay = 2 * time.Second

// Local runs the executor as a child process of the orchestrator. The host
// identifier is passed to the executor as its last argument. Used for
// single-host installs and development.
type Local struct {
	command string
	args    []string
	logger  *slog.Logger
}

// NewLocal creates a local process transport
func NewLocal(command string, args []string, logger *slog.Logger) *Local {
	return &Local{command: command, args: args, logger: logger}
}

// Exchange implements Transport
func (l *Local) Exchange(ctx context.Context, host string, input []byte) ([]byte, error) {
	args := append(append([]string(nil), l.args...), host)
	cmd := exec.CommandContext(ctx, l.command, args...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			l.logger.Debug("Local executor exited with non-zero status",
				slog.String("host", host),
				slog.Int("exit_code", exitErr.ExitCode()),
				slog.String("stderr", stderr.String()),
			)
			return stdout.Bytes(), fmt.Errorf("executor exited with code %d", exitErr.ExitCode())
		}
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrHostUnreachable, host, err)
	}
	return stdout.Bytes(), nil
}
