package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuongbtq/hv-orchestrator/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeTestKey(t *testing.T) string {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return path
}

func TestNewSSH_Validation(t *testing.T) {
	keyPath := writeTestKey(t)

	tests := []struct {
		name    string
		cfg     SSHConfig
		wantErr string
	}{
		{
			name:    "missing user",
			cfg:     SSHConfig{Command: "host-executor", PrivateKeyPath: keyPath, InsecureIgnoreHostKey: true},
			wantErr: "user",
		},
		{
			name:    "missing command",
			cfg:     SSHConfig{User: "orchestrator", PrivateKeyPath: keyPath, InsecureIgnoreHostKey: true},
			wantErr: "command",
		},
		{
			name:    "missing key file",
			cfg:     SSHConfig{User: "orchestrator", Command: "host-executor", PrivateKeyPath: "/nonexistent", InsecureIgnoreHostKey: true},
			wantErr: "private key",
		},
		{
			name:    "missing known_hosts",
			cfg:     SSHConfig{User: "orchestrator", Command: "host-executor", PrivateKeyPath: keyPath, KnownHostsPath: "/nonexistent"},
			wantErr: "known_hosts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSSH(tt.cfg, discardLogger())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSSH_Address(t *testing.T) {
	s, err := NewSSH(SSHConfig{
		User:                  "orchestrator",
		Command:               "host-executor",
		PrivateKeyPath:        writeTestKey(t),
		InsecureIgnoreHostKey: true,
		Port:                  2222,
		Hosts: map[string]string{
			"hv01": "10.0.0.11",
			"hv02": "10.0.0.12:22",
		},
	}, discardLogger())
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.11:2222", s.address("hv01"))
	assert.Equal(t, "10.0.0.12:22", s.address("hv02"))
	assert.Equal(t, "hv03:2222", s.address("hv03"))
}

func TestSSH_UnreachableHost(t *testing.T) {
	s, err := NewSSH(SSHConfig{
		User:                  "orchestrator",
		Command:               "host-executor",
		PrivateKeyPath:        writeTestKey(t),
		InsecureIgnoreHostKey: true,
		DialTimeout:           time.Second,
		Hosts:                 map[string]string{"hv01": "127.0.0.1:1"},
	}, discardLogger())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Exchange(context.Background(), "hv01", []byte("{}"))

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrHostUnreachable)
}

func TestSSH_DialLimiterRespectsContext(t *testing.T) {
	s, err := NewSSH(SSHConfig{
		User:                  "orchestrator",
		Command:               "host-executor",
		PrivateKeyPath:        writeTestKey(t),
		InsecureIgnoreHostKey: true,
		DialRate:              0.001,
		DialBurst:             1,
		Hosts:                 map[string]string{"hv01": "127.0.0.1:1"},
	}, discardLogger())
	require.NoError(t, err)

	// First dial consumes the only token
	_, _ = s.Exchange(context.Background(), "hv01", []byte("{}"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Exchange(ctx, "hv01", []byte("{}"))

	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrHostUnreachable)
}

// silentListener accepts connections and never writes to them
func silentListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var conns []net.Conn
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			conns = append(conns, c)
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		<-done
		for _, c := range conns {
			c.Close()
		}
	})
	return ln.Addr().String()
}

func TestSSH_SilentHost(t *testing.T) {
	tests := []struct {
		name        string
		dialTimeout time.Duration
		ctxTimeout  time.Duration
		unreachable bool
	}{
		{name: "dial timeout bounds the handshake", dialTimeout: 100 * time.Millisecond, ctxTimeout: 5 * time.Second, unreachable: true},
		{name: "context deadline bounds the handshake", dialTimeout: 5 * time.Second, ctxTimeout: 100 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSSH(SSHConfig{
				User:                  "orchestrator",
				Command:               "host-executor",
				PrivateKeyPath:        writeTestKey(t),
				InsecureIgnoreHostKey: true,
				DialTimeout:           tt.dialTimeout,
				Hosts:                 map[string]string{"hv01": silentListener(t)},
			}, discardLogger())
			require.NoError(t, err)
			defer s.Close()

			ctx, cancel := context.WithTimeout(context.Background(), tt.ctxTimeout)
			defer cancel()

			start := time.Now()
			_, err = s.Exchange(ctx, "hv01", []byte("{}"))

			require.Error(t, err)
			assert.Less(t, time.Since(start), 2*time.Second)
			if tt.unreachable {
				assert.ErrorIs(t, err, domain.ErrHostUnreachable)
			} else {
				assert.ErrorIs(t, err, context.DeadlineExceeded)
			}
		})
	}
}
