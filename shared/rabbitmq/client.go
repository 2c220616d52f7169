package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConnected is returned when publishing without a live channel
var ErrNotConnected = errors.New("not connected to RabbitMQ")

// Config holds RabbitMQ connection configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string
	ExchangeType       string
	ExchangeDurable    bool
	ExchangeAutoDelete bool
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
}

// URL returns the AMQP connection URL
func (c *Config) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + strings.TrimPrefix(c.VHost, "/"),
	}
	return u.String()
}

// publisher is the part of *amqp.Channel the client publishes through
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// session is one broker connection with its declared publishing channel
type session struct {
	channel publisher
	closed  <-chan *amqp.Error
	release func() error
}

// dialFunc opens a session with the exchange declared
type dialFunc func(ctx context.Context) (*session, error)

const (
	connectTimeout    = 30 * time.Second
	maxReconnectDelay = 30 * time.Second
)

// Client publishes job events to a topic exchange. When the broker closes
// the channel it reconnects in the background until Close is called.
type Client struct {
	config *Config
	logger *slog.Logger
	dial   dialFunc

	// lifetime of the reconnect loop
	ctx  context.Context
	stop context.CancelFunc

	mu          sync.RWMutex
	channel     publisher
	release     func() error
	isConnected bool
	closed      bool
}

// NewClient connects and declares the exchange
func NewClient(ctx context.Context, config *Config, logger *slog.Logger) (*Client, error) {
	return newClient(ctx, config, logger, nil)
}

func newClient(ctx context.Context, config *Config, logger *slog.Logger, dial dialFunc) (*Client, error) {
	client := &Client{
		config: config,
		logger: logger,
		dial:   dial,
	}
	if client.dial == nil {
		client.dial = client.dialAMQP
	}
	client.ctx, client.stop = context.WithCancel(context.Background())

	if err := client.connect(ctx); err != nil {
		client.stop()
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

// connect establishes connection to RabbitMQ with retry logic
func (c *Client) connect(ctx context.Context) error {
	attempts := c.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var sess *session
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		sess, err = c.dial(ctx)
		if err == nil {
			c.logger.Info("Successfully connected to RabbitMQ")
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			if werr := sleepContext(ctx, c.config.RetryInterval); werr != nil {
				return werr
			}
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	if !c.install(sess) {
		return ErrNotConnected
	}
	go c.watch(sess.closed)

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.ExchangeName),
		slog.String("exchange_type", c.config.ExchangeType),
	)

	return nil
}

// dialAMQP opens a connection and channel and declares the exchange.
// Cancelling ctx aborts the TCP dial.
func (c *Client) dialAMQP(ctx context.Context) (*session, error) {
	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
		Dial: func(network, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: connectTimeout}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			// amqp clears the deadline once the handshake completes
			if err := conn.SetDeadline(time.Now().Add(connectTimeout)); err != nil {
				conn.Close()
				return nil, err
			}
			return conn, nil
		},
	}

	conn, err := amqp.DialConfig(c.config.URL(), amqpConfig)
	if err != nil {
		return nil, err
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		c.config.ExchangeName,       // name
		c.config.ExchangeType,       // type
		c.config.ExchangeDurable,    // durable
		c.config.ExchangeAutoDelete, // auto-deleted
		false,                       // internal
		false,                       // no-wait
		nil,                         // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	closed := make(chan *amqp.Error, 1)
	channel.NotifyClose(closed)

	release := func() error {
		if err := channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			return err
		}
		return nil
	}

	return &session{channel: channel, closed: closed, release: release}, nil
}

// install makes s the live session. It refuses once Close has been called.
func (c *Client) install(s *session) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = s.release()
		return false
	}
	c.channel = s.channel
	c.release = s.release
	c.isConnected = true
	c.mu.Unlock()
	return true
}

// watch marks the client disconnected once the broker closes the channel,
// then reconnects and redeclares the exchange. It returns after Close.
func (c *Client) watch(closed <-chan *amqp.Error) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case err, ok := <-closed:
			c.mu.Lock()
			c.isConnected = false
			release := c.release
			c.release = nil
			c.mu.Unlock()

			if c.ctx.Err() != nil {
				return
			}
			if release != nil {
				_ = release()
			}
			if ok && err != nil {
				c.logger.Error("RabbitMQ channel closed",
					slog.Int("code", err.Code),
					slog.String("reason", err.Reason),
				)
			} else {
				c.logger.Warn("RabbitMQ channel closed")
			}
		}

		sess, err := c.reconnect()
		if err != nil {
			return
		}
		closed = sess.closed
	}
}

// reconnect dials until it succeeds or the client is closed
func (c *Client) reconnect() (*session, error) {
	delay := c.config.RetryInterval
	if delay <= 0 {
		delay = time.Second
	}

	for attempt := 1; ; attempt++ {
		if err := sleepContext(c.ctx, delay); err != nil {
			return nil, err
		}

		sess, err := c.dial(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return nil, c.ctx.Err()
			}
			delay = min(delay*2, maxReconnectDelay)
			c.logger.Warn("Failed to reconnect to RabbitMQ",
				slog.Int("attempt", attempt),
				slog.Duration("retry_after", delay),
				slog.Any("error", err),
			)
			continue
		}

		if !c.install(sess) {
			return nil, ErrNotConnected
		}
		c.logger.Info("Reconnected to RabbitMQ", slog.Int("attempt", attempt))
		return sess, nil
	}
}

// Close stops reconnecting and closes the RabbitMQ connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.isConnected = false
	release := c.release
	c.release = nil
	c.mu.Unlock()

	if c.stop != nil {
		c.stop()
	}

	if release != nil {
		if err := release(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

// PublishWithRetry publishes a persistent message with exponential backoff
// between attempts. It gives up early when ctx is done.
func (c *Client) PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error {
	c.mu.RLock()
	channel, connected := c.channel, c.isConnected
	c.mu.RUnlock()
	if !connected || channel == nil {
		return ErrNotConnected
	}

	maxRetries := c.config.PublishRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := channel.PublishWithContext(
			ctx,
			c.config.ExchangeName, // exchange
			routingKey,            // routing key
			false,                 // mandatory
			false,                 // immediate
			amqp.Publishing{
				ContentType:  contentType,
				Body:         body,
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now(),
			},
		)

		if err == nil {
			if attempt > 0 {
				c.logger.Info("Successfully published message to RabbitMQ after retry",
					slog.Int("attempt", attempt+1),
					slog.String("routing_key", routingKey),
				)
			} else {
				c.logger.Debug("Message published to RabbitMQ",
					slog.String("routing_key", routingKey),
					slog.Int("body_size", len(body)),
				)
			}
			return nil
		}

		lastErr = err

		if attempt < maxRetries {
			delay := c.backoff(attempt)
			c.logger.Warn("Failed to publish message to RabbitMQ, retrying...",
				slog.Int("attempt", attempt+1),
				slog.Int("max_retries", maxRetries),
				slog.Duration("retry_after", delay),
				slog.Any("error", err),
			)
			if werr := sleepContext(ctx, delay); werr != nil {
				return fmt.Errorf("publish abandoned after %d attempts: %w", attempt+1, werr)
			}
		}
	}

	c.logger.Error("Failed to publish message to RabbitMQ after all retries",
		slog.Int("attempts", maxRetries+1),
		slog.String("routing_key", routingKey),
		slog.Any("error", lastErr),
	)
	return fmt.Errorf("failed to publish message after %d attempts: %w", maxRetries+1, lastErr)
}

// backoff returns the delay before retry number attempt+1
func (c *Client) backoff(attempt int) time.Duration {
	base := c.config.PublishRetryDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	mult := c.config.PublishBackoffMult
	if mult <= 0 {
		mult = 2.0
	}

	d := float64(base)
	for i := 0; i < attempt; i++ {
		d *= mult
	}
	return time.Duration(d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
