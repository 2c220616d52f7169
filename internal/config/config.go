package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Transport modes
const (
	TransportSSH   = "ssh"
	TransportLocal = "local"
)

// Config represents the complete orchestrator configuration
type Config struct {
	App       AppConfig         `yaml:"app"`
	Server    ServerConfig      `yaml:"server"`
	Logging   LoggingConfig     `yaml:"logging"`
	Pool      PoolConfig        `yaml:"pool"`
	Registry  RegistryConfig    `yaml:"registry"`
	Transport TransportConfig   `yaml:"transport"`
	Hosts     map[string]string `yaml:"hosts"`
	Workflow  WorkflowConfig    `yaml:"workflow"`
	Events    EventsConfig      `yaml:"events"`
	RabbitMQ  RabbitMQConfig    `yaml:"rabbitmq"`
	Database  DatabaseConfig    `yaml:"database"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
	MaxSizeMB    int    `yaml:"max_size_mb"`
	MaxBackups   int    `yaml:"max_backups"`
	MaxAgeDays   int    `yaml:"max_age_days"`
	Compress     bool   `yaml:"compress"`
}

// PoolConfig holds the remote task pool sizing knobs
type PoolConfig struct {
	MinWorkers           int           `yaml:"min_workers"`
	MaxWorkers           int           `yaml:"max_workers"`
	ReservedJobWorkers   int           `yaml:"reserved_job_workers"`
	ScaleUpBacklog       int           `yaml:"scale_up_backlog"`
	ScaleUpSustain       time.Duration `yaml:"scale_up_sustain"`
	ScaleUpDurationGuard time.Duration `yaml:"scale_up_duration_guard"`
	IdleRelease          time.Duration `yaml:"idle_release"`
	SizingInterval       time.Duration `yaml:"sizing_interval"`
	DurationSamples      int           `yaml:"duration_samples"`
}

// RegistryConfig holds job registry settings
type RegistryConfig struct {
	ShortTimeout    time.Duration  `yaml:"short_timeout"`
	LongTimeout     time.Duration  `yaml:"long_timeout"`
	TypeLimits      map[string]int `yaml:"type_limits"`
	Retention       time.Duration  `yaml:"retention"`
	JanitorInterval time.Duration  `yaml:"janitor_interval"`
}

// TransportConfig selects how requests reach host executors
type TransportConfig struct {
	Mode  string      `yaml:"mode"`
	SSH   SSHConfig   `yaml:"ssh"`
	Local LocalConfig `yaml:"local"`
}

// SSHConfig holds SSH transport settings
type SSHConfig struct {
	User                  string        `yaml:"user"`
	PrivateKeyPath        string        `yaml:"private_key_path"`
	KnownHostsPath        string        `yaml:"known_hosts_path"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key"`
	Port                  int           `yaml:"port"`
	Command               string        `yaml:"command"`
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	DialRate              float64       `yaml:"dial_rate"`
	DialBurst             int           `yaml:"dial_burst"`
}

// LocalConfig runs the host executor as a local process
type LocalConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// WorkflowConfig holds managed deployment settings
type WorkflowConfig struct {
	// FieldScopes tags fields as vm, disk, nic or guest on top of the
	// built-in schema
	FieldScopes map[string]string `yaml:"field_scopes"`
}

// EventsConfig holds completion event delivery settings
type EventsConfig struct {
	BufferSize    int           `yaml:"buffer_size"`
	HandleTimeout time.Duration `yaml:"handle_timeout"`
	RoutingPrefix string        `yaml:"routing_prefix"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange configuration
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// DatabaseConfig holds the inventory mirror's PostgreSQL configuration
type DatabaseConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// Default returns the configuration used for keys the file leaves out
func Default() *Config {
	return &Config{
		App: AppConfig{Name: "hv-orchestrator", Environment: "development"},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "console", Output: "stdout"},
		Pool: PoolConfig{
			MinWorkers:           2,
			MaxWorkers:           10,
			ReservedJobWorkers:   1,
			ScaleUpBacklog:       2,
			ScaleUpSustain:       10 * time.Second,
			ScaleUpDurationGuard: 5 * time.Minute,
			IdleRelease:          2 * time.Minute,
			SizingInterval:       5 * time.Second,
			DurationSamples:      50,
		},
		Registry: RegistryConfig{
			ShortTimeout:    60 * time.Second,
			LongTimeout:     30 * time.Minute,
			Retention:       24 * time.Hour,
			JanitorInterval: time.Minute,
		},
		Transport: TransportConfig{
			Mode: TransportSSH,
			SSH: SSHConfig{
				Port:        22,
				DialTimeout: 10 * time.Second,
				DialRate:    2,
				DialBurst:   4,
			},
		},
		Events: EventsConfig{
			BufferSize:    1024,
			HandleTimeout: 5 * time.Second,
			RoutingPrefix: "job",
		},
		RabbitMQ: RabbitMQConfig{
			Port:     5672,
			VHost:    "/",
			Exchange: ExchangeConfig{Name: "orchestrator.events", Type: "topic", Durable: true},
			Connection: ConnectionConfig{
				RetryAttempts: 5,
				RetryInterval: 2 * time.Second,
				Heartbeat:     10 * time.Second,
			},
			Publish: PublishConfig{RetryAttempts: 3, RetryInterval: 100 * time.Millisecond, BackoffMultiplier: 2},
		},
		Database: DatabaseConfig{
			Port:            5432,
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
	}
}

// Load reads the configuration file over the defaults and applies
// environment overrides
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return config, nil
}

// Environment variables that override the sizing and timeout knobs
const (
	EnvMinWorkers         = "ORCH_POOL_MIN_WORKERS"
	EnvMaxWorkers         = "ORCH_POOL_MAX_WORKERS"
	EnvScaleUpBacklog     = "ORCH_POOL_SCALE_UP_BACKLOG"
	EnvScaleUpGuard       = "ORCH_POOL_SCALE_UP_DURATION_GUARD"
	EnvIdleRelease        = "ORCH_POOL_IDLE_RELEASE"
	EnvReservedJobWorkers = "ORCH_POOL_RESERVED_JOB_WORKERS"
	EnvShortTimeout       = "ORCH_SHORT_TIMEOUT_SECONDS"
	EnvLongTimeout        = "ORCH_LONG_TIMEOUT_SECONDS"
	EnvDatabasePassword   = "ORCH_DATABASE_PASSWORD"
	EnvRabbitMQPassword   = "ORCH_RABBITMQ_PASSWORD"
)

// ApplyEnv overrides knobs from the environment. Durations accept Go
// duration syntax or a plain number of seconds.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var result *multierror.Error

	ints := []struct {
		key string
		dst *int
	}{
		{EnvMinWorkers, &c.Pool.MinWorkers},
		{EnvMaxWorkers, &c.Pool.MaxWorkers},
		{EnvScaleUpBacklog, &c.Pool.ScaleUpBacklog},
		{EnvReservedJobWorkers, &c.Pool.ReservedJobWorkers},
	}
	for _, v := range ints {
		raw, ok := lookup(v.key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %q is not an integer", v.key, raw))
			continue
		}
		*v.dst = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{EnvScaleUpGuard, &c.Pool.ScaleUpDurationGuard},
		{EnvIdleRelease, &c.Pool.IdleRelease},
		{EnvShortTimeout, &c.Registry.ShortTimeout},
		{EnvLongTimeout, &c.Registry.LongTimeout},
	}
	for _, v := range durations {
		raw, ok := lookup(v.key)
		if !ok {
			continue
		}
		d, err := parseSeconds(raw)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", v.key, err))
			continue
		}
		*v.dst = d
	}

	if v, ok := lookup(EnvDatabasePassword); ok {
		c.Database.Password = v
	}
	if v, ok := lookup(EnvRabbitMQPassword); ok {
		c.RabbitMQ.Password = v
	}

	return result.ErrorOrNil()
}

func parseSeconds(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%q is neither seconds nor a duration", raw)
	}
	return d, nil
}

// Validate checks the configuration and reports every problem found
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		add("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	p := c.Pool
	if p.MinWorkers < 1 {
		add("pool min_workers must be at least 1")
	}
	if p.MaxWorkers < p.MinWorkers {
		add("pool max_workers (%d) must be >= min_workers (%d)", p.MaxWorkers, p.MinWorkers)
	}
	if p.ReservedJobWorkers < 0 || p.ReservedJobWorkers > p.MinWorkers {
		add("pool reserved_job_workers (%d) must be between 0 and min_workers (%d)", p.ReservedJobWorkers, p.MinWorkers)
	}
	if p.ReservedJobWorkers == p.MaxWorkers {
		add("pool reserved_job_workers must leave at least one worker for ad-hoc calls")
	}
	if p.ScaleUpBacklog < 1 {
		add("pool scale_up_backlog must be at least 1")
	}
	if p.SizingInterval <= 0 {
		add("pool sizing_interval must be greater than 0")
	}
	if p.ScaleUpDurationGuard <= 0 {
		add("pool scale_up_duration_guard must be greater than 0")
	}
	if p.IdleRelease <= 0 {
		add("pool idle_release must be greater than 0")
	}

	if c.Registry.ShortTimeout <= 0 {
		add("registry short_timeout must be greater than 0")
	}
	if c.Registry.LongTimeout < c.Registry.ShortTimeout {
		add("registry long_timeout (%s) must be >= short_timeout (%s)", c.Registry.LongTimeout, c.Registry.ShortTimeout)
	}
	if c.Registry.Retention < 0 {
		add("registry retention must not be negative")
	}
	for t, n := range c.Registry.TypeLimits {
		if n < 0 {
			add("registry type_limits[%s] must not be negative", t)
		}
	}

	switch c.Transport.Mode {
	case TransportSSH:
		if c.Transport.SSH.User == "" {
			add("transport ssh user is required")
		}
		if c.Transport.SSH.PrivateKeyPath == "" {
			add("transport ssh private_key_path is required")
		}
		if c.Transport.SSH.Command == "" {
			add("transport ssh command is required")
		}
		if c.Transport.SSH.KnownHostsPath == "" && !c.Transport.SSH.InsecureIgnoreHostKey {
			add("transport ssh known_hosts_path is required unless insecure_ignore_host_key is set")
		}
		if c.Transport.SSH.Port < MinPort || c.Transport.SSH.Port > MaxPort {
			add("invalid ssh port: %d (must be between %d and %d)", c.Transport.SSH.Port, MinPort, MaxPort)
		}
	case TransportLocal:
		if c.Transport.Local.Command == "" {
			add("transport local command is required")
		}
	default:
		add("transport mode %q must be %q or %q", c.Transport.Mode, TransportSSH, TransportLocal)
	}

	for field, scope := range c.Workflow.FieldScopes {
		switch scope {
		case "vm", "disk", "nic", "guest":
		default:
			add("workflow field_scopes[%s]: unknown scope %q", field, scope)
		}
	}

	if c.RabbitMQ.Enabled {
		if c.RabbitMQ.Host == "" {
			add("rabbitmq host is required")
		}
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			add("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
		if c.RabbitMQ.Exchange.Name == "" {
			add("rabbitmq exchange name is required")
		}
	}

	if c.Database.Enabled {
		if c.Database.Host == "" {
			add("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			add("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			add("database name is required")
		}
	}

	return result.ErrorOrNil()
}

// Problems flattens a Validate or ApplyEnv error into its messages
func Problems(err error) []string {
	if err == nil {
		return nil
	}
	var merr *multierror.Error
	if errors.As(err, &merr) {
		out := make([]string, len(merr.Errors))
		for i, e := range merr.Errors {
			out[i] = e.Error()
		}
		return out
	}
	return []string{err.Error()}
}
