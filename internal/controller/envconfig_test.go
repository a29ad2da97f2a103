package controller

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnvDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://controller@localhost/netfleet")

	env, err := LoadEnv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ":8080", env.ListenAddr)
	assert.Equal(t, 60*time.Second, env.OnlineThreshold)
	assert.Equal(t, 5*time.Minute, env.DispatchWindow)
	assert.Equal(t, 180*time.Second, env.SweepInterval)
	assert.Equal(t, 24*time.Hour, env.SessionPruneAge)
	assert.Equal(t, "company_admin", env.OperatorRole)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://controller@localhost/netfleet")
	t.Setenv("LISTEN_ADDR", ":9000")
	t.Setenv("AGENT_ONLINE_THRESHOLD", "90s")
	t.Setenv("STATUS_SWEEP_INTERVAL", "5m")
	t.Setenv("SESSION_PRUNE_AGE", "6h")

	env, err := LoadEnv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ":9000", env.ListenAddr)
	assert.Equal(t, 90*time.Second, env.OnlineThreshold)
	assert.Equal(t, 5*time.Minute, env.SweepInterval)
	assert.Equal(t, 6*time.Hour, env.SessionPruneAge)
}

func TestLoadEnvRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "placeholder")
	os.Unsetenv("DATABASE_URL")

	_, err := LoadEnv(context.Background())
	assert.Error(t, err)
}
