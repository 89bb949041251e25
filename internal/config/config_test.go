package config

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	unsetenv(t, "API_ADDR", "STORE_DRIVER", "REDIS_URL", "ASSISTANT_TIMEOUT", "ASSISTANT_PREFIX", "HISTORY_PAGE_SIZE")
	req := require.New(t)

	cfg, err := Load()
	req.NoError(err)
	req.Equal(":8000", cfg.Addr)
	req.Equal(DriverPostgres, cfg.StoreDriver)
	req.Equal("@assistant", cfg.AssistantPrefix)
	req.Equal(60*time.Second, cfg.AssistantTimeout)
	req.Equal(50, cfg.HistoryPageSize)
}

func TestLoadReadsOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "MONGO")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("ASSISTANT_TIMEOUT", "5s")
	t.Setenv("ASSISTANT_PREFIX", "@gemini")
	req := require.New(t)

	cfg, err := Load()
	req.NoError(err)
	req.Equal(DriverMongo, cfg.StoreDriver)
	req.Equal(5*time.Second, cfg.AssistantTimeout)
	req.Equal("@gemini", cfg.AssistantPrefix)
}

func TestValidate(t *testing.T) {
	base := Config{
		StoreDriver:            DriverPostgres,
		AssistantTimeout:       time.Second,
		HistoryPageSize:        50,
		AssistantMaxConcurrent: 1,
	}

	t.Run("should accept postgres without redis", func(t *testing.T) {
		require.NoError(t, base.Validate())
	})

	t.Run("should require redis for the mongo driver", func(t *testing.T) {
		cfg := base
		cfg.StoreDriver = DriverMongo
		require.Error(t, cfg.Validate())
		cfg.RedisURL = "redis://localhost:6379/0"
		require.NoError(t, cfg.Validate())
	})

	t.Run("should reject unknown drivers", func(t *testing.T) {
		cfg := base
		cfg.StoreDriver = "sqlite"
		require.Error(t, cfg.Validate())
	})

	t.Run("should reject an oversized history page", func(t *testing.T) {
		cfg := base
		cfg.HistoryPageSize = 500
		require.Error(t, cfg.Validate())
	})
}

func TestSlogLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, Config{LogLevel: "debug"}.SlogLevel())
	require.Equal(t, slog.LevelWarn, Config{LogLevel: "WARNING"}.SlogLevel())
	require.Equal(t, slog.LevelInfo, Config{LogLevel: "nonsense"}.SlogLevel())
}

func unsetenv(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		// Setenv restores the previous value when the test ends.
		t.Setenv(key, "")
		if err := os.Unsetenv(key); err != nil {
			t.Fatalf("unset %s: %v", key, err)
		}
	}
}
