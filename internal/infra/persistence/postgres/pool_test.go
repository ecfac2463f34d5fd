package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/sqs-entity-resolution/internal/infra/config"
)

func TestPoolConfigAppliesSettings(t *testing.T) {
	cfg, err := PoolConfig(config.DatabaseConfig{
		DSN:               "postgresql://svc:secret@db:5432/sqs_entity_resolution",
		MaxConns:          6,
		MinConns:          2,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   time.Minute,
		HealthCheckPeriod: 10 * time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, int32(6), cfg.MaxConns)
	require.Equal(t, int32(2), cfg.MinConns)
	require.Equal(t, time.Hour, cfg.MaxConnLifetime)
	require.Equal(t, time.Minute, cfg.MaxConnIdleTime)
	require.Equal(t, 10*time.Second, cfg.HealthCheckPeriod)
	require.Equal(t, "db", cfg.ConnConfig.Host)
	require.Equal(t, "sqs_entity_resolution", cfg.ConnConfig.Database)
}

func TestPoolConfigRejectsBadDSN(t *testing.T) {
	_, err := PoolConfig(config.DatabaseConfig{DSN: "postgresql://%zz"})
	require.ErrorContains(t, err, "parse database dsn")
}
