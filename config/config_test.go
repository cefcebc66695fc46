package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 8, cfg.WorkerPoolSize)
	require.Equal(t, 12*time.Second, cfg.BlockFetchInterval)
	require.Equal(t, int64(-1000), cfg.StartBlock)
	require.Nil(t, cfg.HistoricalTxCount)
}

func TestLoadReadsEnvOverrides(t *testing.T) {
	t.Setenv("WORKER_POOL_SIZE", "16")
	t.Setenv("START_BLOCK", "500")
	t.Setenv("HISTORICAL_TX_COUNT", "12345")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 16, cfg.WorkerPoolSize)
	require.Equal(t, int64(500), cfg.StartBlock)
	require.NotNil(t, cfg.HistoricalTxCount)
	require.Equal(t, int64(12345), *cfg.HistoricalTxCount)
}

func TestLoadRejectsEmptyDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := Load()
	require.Error(t, err)
}
