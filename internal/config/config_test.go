// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAndEnvOverride(t *testing.T) {
	t.Setenv("SKALD_LISTEN", ":9090")
	t.Setenv("SKALD_TASK_RATE_PER_MINUTE", "120")
	t.Setenv("SKALD_VIDEO_PROBE", "false")
	t.Setenv("SKALD_PRICING_CACHE_TTL", "30s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 120, cfg.TaskRatePerMinute)
	assert.False(t, cfg.VideoProbe)
	assert.Equal(t, 30*time.Second, cfg.PricingCacheTTL)
	// Untouched keys keep defaults.
	assert.Equal(t, "data/skald.db", cfg.DBPath)
	assert.Equal(t, "skald:jobs", cfg.QueueKey)
}

func TestMalformedEnvRejected(t *testing.T) {
	t.Setenv("SKALD_TASK_RATE_PER_MINUTE", "lots")
	_, err := Load("")
	require.Error(t, err)
}

func TestFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skald.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":7070"
scheduler_weights:
  free_quota: 0.5
  health: 0.2
  cost: 0.1
  quota: 0.05
  quality: 0.1
  features: 0.05
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.ListenAddr)
	require.NotNil(t, cfg.SchedulerWeights)
	assert.Equal(t, 0.5, cfg.SchedulerWeights.FreeQuota)

	// A missing file is not an error.
	cfg, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())

	bad := Default()
	bad.TaskRatePerMinute = 0
	assert.Error(t, bad.Validate())

	bad = Default()
	bad.Telemetry.SamplingRate = 1.5
	assert.Error(t, bad.Validate())
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "skald.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`listen_addr: ":1111"`), 0o600))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reloaded := make(chan Config, 1)
	go func() {
		_ = Watch(ctx, path, func(c Config) {
			select {
			case reloaded <- c:
			default:
			}
		})
	}()

	// Give the watcher a moment to register, then rewrite the file.
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`listen_addr: ":2222"`), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, ":2222", cfg.ListenAddr)
	case <-ctx.Done():
		t.Fatal("config reload not observed")
	}
}
