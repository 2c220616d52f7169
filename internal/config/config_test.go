package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
				assert.Equal(t, 6, cfg.Pool.MaxWorkers)
				assert.Equal(t, 4*time.Minute, cfg.Pool.ScaleUpDurationGuard)
				assert.Equal(t, 90*time.Second, cfg.Pool.IdleRelease)
				assert.Equal(t, 45*time.Second, cfg.Registry.ShortTimeout)
				assert.Equal(t, map[string]int{"create_vm": 2}, cfg.Registry.TypeLimits)
				assert.Equal(t, "10.0.0.12:2222", cfg.Hosts["hv02"])
				assert.Equal(t, "guest", cfg.Workflow.FieldScopes["computer_name"])
				assert.Equal(t, "orchestrator.events", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, "inventory", cfg.Database.Database)

				// keys left out of the file keep their defaults
				assert.Equal(t, 22, cfg.Transport.SSH.Port)
				assert.Equal(t, 5*time.Second, cfg.Pool.SizingInterval)
				assert.Equal(t, 5672, cfg.RabbitMQ.Port)
				assert.Equal(t, "topic", cfg.RabbitMQ.Exchange.Type)

				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvMaxWorkers, "12")
	t.Setenv(EnvShortTimeout, "15")
	t.Setenv(EnvLongTimeout, "2h")
	t.Setenv(EnvDatabasePassword, "from-env")

	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Pool.MaxWorkers)
	assert.Equal(t, 15*time.Second, cfg.Registry.ShortTimeout)
	assert.Equal(t, 2*time.Hour, cfg.Registry.LongTimeout)
	assert.Equal(t, "from-env", cfg.Database.Password)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvMinWorkers:         "3",
		EnvReservedJobWorkers: "2",
		EnvScaleUpBacklog:     "many",
		EnvScaleUpGuard:       "1.5",
		EnvIdleRelease:        "soon",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	err := cfg.ApplyEnv(lookup)
	require.Error(t, err)

	problems := Problems(err)
	assert.Len(t, problems, 2)
	assert.Contains(t, err.Error(), EnvScaleUpBacklog)
	assert.Contains(t, err.Error(), EnvIdleRelease)

	assert.Equal(t, 3, cfg.Pool.MinWorkers)
	assert.Equal(t, 2, cfg.Pool.ReservedJobWorkers)
	assert.Equal(t, 1500*time.Millisecond, cfg.Pool.ScaleUpDurationGuard)
	assert.Equal(t, Default().Pool.ScaleUpBacklog, cfg.Pool.ScaleUpBacklog)
}

func validConfig() *Config {
	cfg := Default()
	cfg.Transport.SSH.User = "orchestrator"
	cfg.Transport.SSH.PrivateKeyPath = "/etc/orchestrator/id_ed25519"
	cfg.Transport.SSH.KnownHostsPath = "/etc/orchestrator/known_hosts"
	cfg.Transport.SSH.Command = "host-executor"
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantErr   bool
		errString string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:      "invalid server port",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "max below min",
			mutate:    func(c *Config) { c.Pool.MinWorkers, c.Pool.MaxWorkers = 4, 2 },
			wantErr:   true,
			errString: "max_workers (2) must be >= min_workers (4)",
		},
		{
			name:      "reserved above min",
			mutate:    func(c *Config) { c.Pool.ReservedJobWorkers = 5 },
			wantErr:   true,
			errString: "reserved_job_workers (5)",
		},
		{
			name:      "reserved takes every worker",
			mutate:    func(c *Config) { c.Pool.MinWorkers, c.Pool.MaxWorkers, c.Pool.ReservedJobWorkers = 2, 2, 2 },
			wantErr:   true,
			errString: "ad-hoc",
		},
		{
			name:      "long timeout below short",
			mutate:    func(c *Config) { c.Registry.LongTimeout = time.Second },
			wantErr:   true,
			errString: "long_timeout",
		},
		{
			name:      "insecure host keys must be explicit",
			mutate:    func(c *Config) { c.Transport.SSH.KnownHostsPath = "" },
			wantErr:   true,
			errString: "known_hosts_path",
		},
		{
			name: "local transport",
			mutate: func(c *Config) {
				c.Transport = TransportConfig{Mode: TransportLocal, Local: LocalConfig{Command: "host-executor"}}
			},
		},
		{
			name:      "unknown transport",
			mutate:    func(c *Config) { c.Transport.Mode = "winrm" },
			wantErr:   true,
			errString: "transport mode",
		},
		{
			name:      "unknown field scope",
			mutate:    func(c *Config) { c.Workflow.FieldScopes = map[string]string{"hostname": "os"} },
			wantErr:   true,
			errString: "unknown scope",
		},
		{
			name:      "rabbitmq enabled without host",
			mutate:    func(c *Config) { c.RabbitMQ.Enabled = true },
			wantErr:   true,
			errString: "rabbitmq host is required",
		},
		{
			name:      "database enabled without name",
			mutate:    func(c *Config) { c.Database.Enabled, c.Database.Host = true, "db" },
			wantErr:   true,
			errString: "database name is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_Validate_ReportsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	cfg.Pool.MinWorkers = 0
	cfg.Registry.ShortTimeout = 0

	problems := Problems(cfg.Validate())
	assert.GreaterOrEqual(t, len(problems), 3)
	assert.Contains(t, problems, "pool min_workers must be at least 1")
	assert.Contains(t, problems, "registry short_timeout must be greater than 0")
}
