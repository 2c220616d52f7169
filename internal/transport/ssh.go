package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cuongbtq/hv-orchestrator/internal/domain"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/time/rate"
)

// SSHConfig holds remote shell transport settings
type SSHConfig struct {
	User                  string
	PrivateKeyPath        string
	KnownHostsPath        string
	InsecureIgnoreHostKey bool
	Port                  int
	Command               string
	DialTimeout           time.Duration
	DialRate              float64 // dials per second per host
	DialBurst             int
	Hosts                 map[string]string // host id -> address
}

// SSH runs the executor command over an SSH session per request.
// Client connections are cached per host and re-dialed after failures.
type SSH struct {
	cfg          SSHConfig
	clientConfig *ssh.ClientConfig
	logger       *slog.Logger

	mu       sync.Mutex
	clients  map[string]*ssh.Client
	limiters map[string]*rate.Limiter
}

// NewSSH creates an SSH transport
func NewSSH(cfg SSHConfig, logger *slog.Logger) (*SSH, error) {
	if cfg.User == "" {
		return nil, fmt.Errorf("ssh user is required")
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("ssh executor command is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.DialBurst <= 0 {
		cfg.DialBurst = 1
	}

	keyBytes, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh private key: %w", err)
	}

	var hostKeyCallback ssh.HostKeyCallback
	if cfg.InsecureIgnoreHostKey {
		logger.Warn("SSH host key verification is disabled")
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	} else {
		hostKeyCallback, err = knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	return &SSH{
		cfg: cfg,
		clientConfig: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         cfg.DialTimeout,
		},
		logger:   logger,
		clients:  make(map[string]*ssh.Client),
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// Exchange implements Transport
func (s *SSH) Exchange(ctx context.Context, host string, input []byte) ([]byte, error) {
	client, err := s.client(ctx, host)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		// Cached connection went stale; dial once more
		s.drop(host, client)
		client, err = s.client(ctx, host)
		if err != nil {
			return nil, err
		}
		session, err = client.NewSession()
		if err != nil {
			s.drop(host, client)
			return nil, fmt.Errorf("%w: %s: open session: %v", domain.ErrHostUnreachable, host, err)
		}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdin = bytes.NewReader(input)
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Start(s.cfg.Command); err != nil {
		return nil, fmt.Errorf("%w: %s: start executor: %v", domain.ErrHostUnreachable, host, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				s.logger.Debug("Executor exited with non-zero status",
					slog.String("host", host),
					slog.Int("exit_status", exitErr.ExitStatus()),
					slog.String("stderr", stderr.String()),
				)
				return stdout.Bytes(), fmt.Errorf("executor exited with status %d", exitErr.ExitStatus())
			}
			var missing *ssh.ExitMissingError
			if errors.As(err, &missing) {
				s.drop(host, client)
			}
			return stdout.Bytes(), fmt.Errorf("executor session failed: %w", err)
		}
		return stdout.Bytes(), nil

	case <-ctx.Done():
		// Best effort: not every sshd honors signals
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		s.logger.Info("Abandoned executor session",
			slog.String("host", host),
			slog.String("reason", ctx.Err().Error()),
		)
		return nil, ctx.Err()
	}
}

// Close closes every cached connection
func (s *SSH) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for host, c := range s.clients {
		if err := c.Close(); err != nil {
			s.logger.Warn("Failed to close ssh connection",
				slog.String("host", host),
				slog.Any("error", err),
			)
		}
		delete(s.clients, host)
	}
	return nil
}

func (s *SSH) client(ctx context.Context, host string) (*ssh.Client, error) {
	s.mu.Lock()
	if c, ok := s.clients[host]; ok {
		s.mu.Unlock()
		return c, nil
	}
	limiter := s.limiterFor(host)
	s.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Limiter refuses waits that would outlive the deadline
		return nil, fmt.Errorf("dial budget for %s exhausted: %w", host, context.DeadlineExceeded)
	}

	addr := s.address(host)
	dialer := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: dial %s: %v", domain.ErrHostUnreachable, host, addr, err)
	}

	client, err := s.handshake(ctx, conn, addr)
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: handshake: %v", domain.ErrHostUnreachable, host, err)
	}

	s.logger.Debug("SSH connection established",
		slog.String("host", host),
		slog.String("address", addr),
	)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.clients[host]; ok {
		// Lost a dial race; keep the first connection
		client.Close()
		return existing, nil
	}
	s.clients[host] = client
	return client, nil
}

// handshake runs the SSH handshake on conn. A peer that accepts TCP but
// never speaks SSH is cut off after DialTimeout or when ctx is done.
func (s *SSH) handshake(ctx context.Context, conn net.Conn, addr string) (*ssh.Client, error) {
	if err := conn.SetDeadline(time.Now().Add(s.cfg.DialTimeout)); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, s.clientConfig)
	if err != nil {
		return nil, err
	}
	if !stop() {
		// ctx fired after the handshake finished; conn is already closed
		c.Close()
		return nil, ctx.Err()
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		c.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func (s *SSH) drop(host string, client *ssh.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients[host] == client {
		delete(s.clients, host)
	}
	client.Close()
}

// limiterFor must be called with s.mu held
func (s *SSH) limiterFor(host string) *rate.Limiter {
	l, ok := s.limiters[host]
	if !ok {
		limit := rate.Inf
		if s.cfg.DialRate > 0 {
			limit = rate.Limit(s.cfg.DialRate)
		}
		l = rate.NewLimiter(limit, s.cfg.DialBurst)
		s.limiters[host] = l
	}
	return l
}

func (s *SSH) address(host string) string {
	if addr, ok := s.cfg.Hosts[host]; ok && addr != "" {
		if _, _, err := net.SplitHostPort(addr); err == nil {
			return addr
		}
		host = addr
	}
	return net.JoinHostPort(host, strconv.Itoa(s.cfg.Port))
}
