package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
}

func TestConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/status")
	t.Setenv("DATABASE_MAX_OPEN_CONNS", "4")
	t.Setenv("DATABASE_MAX_IDLE_CONNS", "2")
	t.Setenv("DATABASE_PING_TIMEOUT", "5s")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db:5432/status", cfg.URL)
	assert.Equal(t, 4, cfg.MaxOpenConns)
	assert.Equal(t, 2, cfg.MaxIdleConns)
	assert.Equal(t, 5*time.Second, cfg.PingTimeout)
}

func TestConfigValidateRejects(t *testing.T) {
	base := Config{URL: "postgres://x", PingTimeout: time.Second, MaxOpenConns: 2, MaxIdleConns: 1}
	require.NoError(t, base.Validate())

	tests := map[string]func(c *Config){
		"empty url":         func(c *Config) { c.URL = "" },
		"zero ping timeout": func(c *Config) { c.PingTimeout = 0 },
		"no open conns":     func(c *Config) { c.MaxOpenConns = 0 },
		"idle over open":    func(c *Config) { c.MaxIdleConns = 3 },
		"negative lifetime": func(c *Config) { c.ConnMaxLifetime = -time.Second },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConnConfigSetsApplicationName(t *testing.T) {
	connCfg, err := connConfig(Config{URL: "postgres://u:p@db:5432/status", ApplicationName: "hannibal-worker-1"})
	require.NoError(t, err)
	assert.Equal(t, "db", connCfg.Host)
	assert.Equal(t, "status", connCfg.Database)
	assert.Equal(t, "hannibal-worker-1", connCfg.RuntimeParams["application_name"])
}

func TestConfigValidateRejectsMalformedURL(t *testing.T) {
	cfg := Config{URL: "postgres://u:p@db:notaport/status", PingTimeout: time.Second, MaxOpenConns: 1}
	assert.Error(t, cfg.Validate())
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.Error(t, err)
}

func TestPingRequiresDB(t *testing.T) {
	assert.Error(t, Ping(context.Background(), nil, time.Second))
}
