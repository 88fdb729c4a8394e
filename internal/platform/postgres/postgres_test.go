package postgres

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, 10, cfg.MaxOpenConns)
}

func TestConfigValidateRejectsIdleAboveOpen(t *testing.T) {
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	cfg.MaxIdleConns = cfg.MaxOpenConns + 1
	require.ErrorContains(t, cfg.Validate(), "max_idle_conns")
}

func TestConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("DEPLOYPIPE_DATABASE_MAX_OPEN_CONNS", "0")
	_, err := ConfigFromEnv()
	require.ErrorContains(t, err, "database.max_open_conns must be >= 1")
}
