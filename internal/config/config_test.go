package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "drivetrain/pkg/logx"
)

const sampleYAML = `
log:
  level: debug
  console: true
store:
  driver: sqlite
  path: /tmp/drivetrain.db
  busy_timeout: 5s
breaker:
  failure_threshold: 3
  recovery_timeout: 30s
runner:
  enabled: true
  poll_interval: 10s
  max_jobs: 5
  delay_between_jobs: 2s
  cleanup_days: 14
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAML(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML), logx.Nop())
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "sqlite", cfg.StoreDriver())

	bc, err := cfg.BreakerSettings()
	require.NoError(t, err)
	assert.Equal(t, 3, bc.FailureThreshold)
	assert.Equal(t, 30*time.Second, bc.RecoveryTimeout)

	rc, err := cfg.RunnerSettings()
	require.NoError(t, err)
	assert.Equal(t, 5, rc.MaxJobs)
	assert.Equal(t, 2*time.Second, rc.DelayBetweenJobs)

	sc, err := cfg.RunnerServiceSettings()
	require.NoError(t, err)
	assert.True(t, sc.Enabled)
	assert.Equal(t, 10*time.Second, sc.PollInterval)
	assert.Equal(t, 14, sc.CleanupDays)

	assert.Same(t, cfg, m.Get())
}

func TestLoadJSON(t *testing.T) {
	m := NewManager(writeConfig(t, "config.json", `{"store":{"driver":"memory"}}`), logx.Nop())
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.StoreDriver())
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", "store:\n  drriver: sqlite\n"), logx.Nop())
	_, err := m.Load()
	assert.Error(t, err)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", "breaker:\n  recovery_timeout: soon\n"), logx.Nop())
	_, err := m.Load()
	assert.Error(t, err)
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg := Config{Store: StoreConfig{Driver: "oracle"}}
	assert.Error(t, cfg.Validate())
}

func TestValidatePostgresNeedsDSN(t *testing.T) {
	cfg := Config{Store: StoreConfig{Driver: "postgres"}}
	assert.Error(t, cfg.Validate())

	cfg.Store.DSN = "postgres://localhost/drivetrain"
	assert.NoError(t, cfg.Validate())
}

func TestRunnerPollIntervalDefault(t *testing.T) {
	var cfg Config
	sc, err := cfg.RunnerServiceSettings()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, sc.PollInterval)
}

func TestReloadKeepsLastGoodOnParseError(t *testing.T) {
	path := writeConfig(t, "config.yaml", sampleYAML)
	m := NewManager(path, logx.Nop())
	cfg, err := m.Load()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: [broken\n"), 0o644))
	m.reload()
	assert.Same(t, cfg, m.Get())
}

func TestReloadPublishesChange(t *testing.T) {
	path := writeConfig(t, "config.yaml", sampleYAML)
	m := NewManager(path, logx.Nop())
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	// Unchanged content: no publish.
	m.reload()
	select {
	case <-ch:
		t.Fatal("unchanged config must not be republished")
	default:
	}

	require.NoError(t, os.WriteFile(path, []byte(sampleYAML+"\n  max_retry_delay: 1h\n"), 0o644))
	m.reload()

	select {
	case got := <-ch:
		rc, err := got.RunnerSettings()
		require.NoError(t, err)
		assert.Equal(t, time.Hour, rc.MaxRetryDelay)
	case <-time.After(time.Second):
		t.Fatal("expected reload publish")
	}
}
