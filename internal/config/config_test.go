package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, StoreDriverRedis, cfg.Store.Driver)
		assert.Equal(t, WorkerModeAsynq, cfg.Worker.Mode)
		assert.Equal(t, 500*time.Millisecond, cfg.Stream.JobPollInterval)
		assert.Equal(t, time.Second, cfg.Stream.UsagePollInterval)
		assert.Equal(t, 20, cfg.Jobs.HistoryLimit)
		assert.Equal(t, 5, cfg.Jobs.FlushEvery)
		assert.Equal(t, DefaultPricing(), cfg.Pricing)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("STORE_DRIVER", StoreDriverSQLite)
		t.Setenv("JOBS_HISTORY_LIMIT", "5")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, StoreDriverSQLite, cfg.Store.Driver)
		assert.Equal(t, 5, cfg.Jobs.HistoryLimit)
	})

	t.Run("secret from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "gemini_key")
		require.NoError(t, os.WriteFile(path, []byte("file-key\n"), 0o600))

		t.Setenv("GEMINI_API_KEY", "")
		t.Setenv("GEMINI_API_KEY_FILE", path)

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "file-key", cfg.Gemini.APIKey)
	})
}
