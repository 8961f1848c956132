package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, StoreDriverPostgres, cfg.StoreDriver)
	assert.Equal(t, 14*24*time.Hour, cfg.FollowupWindow)
	assert.Equal(t, 5*time.Minute, cfg.SchedulerInterval)
	assert.True(t, cfg.SchedulerEnabled)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("STORE_DRIVER", "Memory")
	t.Setenv("FOLLOWUP_WINDOW", "72h")
	t.Setenv("SCHEDULER_ENABLED", "false")
	t.Setenv("SUBMIT_RATE_LIMIT_PER_MINUTE", "5")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, StoreDriverMemory, cfg.StoreDriver)
	assert.Equal(t, 72*time.Hour, cfg.FollowupWindow)
	assert.False(t, cfg.SchedulerEnabled)
	assert.Equal(t, 5, cfg.SubmitRateLimitPerMin)
}

func TestLoadConfigDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("UNIEVAL_DOTENV_PROBE=1\nHTTP_ADDR=:9191\n"), 0o600))
	t.Setenv("HTTP_ADDR", "")
	os.Unsetenv("HTTP_ADDR")
	t.Cleanup(func() { os.Unsetenv("UNIEVAL_DOTENV_PROBE") })

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9191", cfg.HTTPAddr)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mongo")
	_, err := LoadConfig("")
	assert.Error(t, err)

	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("FOLLOWUP_WINDOW", "-1h")
	_, err = LoadConfig("")
	assert.Error(t, err)
}
