package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REMY_DATA_DIR", "")
	t.Setenv("REMY_CONFIG_FILE", "")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "./data", cfg.DataDir)
	require.Equal(t, 0.15, cfg.FactMergeThreshold)
	require.Equal(t, 10, cfg.RateLimit.MessagesPerMinute)
	require.Equal(t, "0 7 * * *", cfg.Scheduler.MorningBriefingCron)
}

func TestIsAllowedUser(t *testing.T) {
	cfg := Config{AllowedUserIDs: []int64{1, 2, 3}}
	require.True(t, cfg.IsAllowedUser(2))
	require.False(t, cfg.IsAllowedUser(99))
}

func TestEnvOverridesFactMergeThreshold(t *testing.T) {
	t.Setenv("FACT_MERGE_THRESHOLD", "0.3")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 0.3, cfg.FactMergeThreshold)
}
