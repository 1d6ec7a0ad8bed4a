package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "development", cfg.AppEnv)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, "Asia/Jakarta", cfg.Timezone)
	require.True(t, cfg.SchedulerEmbedded)
	require.Equal(t, 50, cfg.DrainBatchSize)
	require.Equal(t, 10*time.Minute, cfg.DrainDeadline)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("SCHEDULE_DRAIN", "*/5 * * * *")
	t.Setenv("DRAIN_BATCH_SIZE", "-1")
	t.Setenv("RUN_RETENTION", "720h")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.True(t, cfg.IsProduction())
	require.Equal(t, "*/5 * * * *", cfg.DrainSpec)
	require.Equal(t, 50, cfg.DrainBatchSize) // non-positive falls back
	require.Equal(t, 720*time.Hour, cfg.RunRetention)
}

func TestLoadConfigRejectsBadTimezone(t *testing.T) {
	t.Setenv("TIMEZONE", "Mars/Olympus")
	_, err := LoadConfig()
	require.Error(t, err)
}

func TestLocationFallsBackToUTC(t *testing.T) {
	cfg := &Config{Timezone: "Nope/Nowhere"}
	require.Equal(t, time.UTC, cfg.Location())

	cfg.Timezone = "Asia/Jakarta"
	require.Equal(t, "Asia/Jakarta", cfg.Location().String())
}
