package bootstrap

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/sqs-entity-resolution/errs"
	"github.com/coachpo/sqs-entity-resolution/internal/infra/config"
)

func quietEnv(t *testing.T) {
	t.Helper()
	t.Setenv("OTEL_ENABLED", "false")
	t.Setenv("ENGINE_DRIVER", "memory")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("RUNTIME_ENV", "dev")
}

func TestResolveConfigPath(t *testing.T) {
	require.Equal(t, "custom.yaml", ResolveConfigPath("custom.yaml"))
	require.Equal(t, filepath.Clean(DefaultConfigPath), ResolveConfigPath(""))
}

func TestStartFallsBackToDefaults(t *testing.T) {
	quietEnv(t)
	rt, err := Start(context.Background(), "redoer", filepath.Join(t.TempDir(), "missing.yaml"), func(cfg config.AppConfig) error {
		return cfg.ValidateRedoer()
	})
	require.NoError(t, err)
	defer rt.Shutdown(context.Background())

	require.Equal(t, config.EnvDev, rt.Config.Environment)
	require.Equal(t, "memory", rt.Config.Engine.Driver)
	require.NotNil(t, rt.Meter("test.meter"))
}

func TestStartPropagatesValidationError(t *testing.T) {
	quietEnv(t)
	boom := errors.New("missing queue url")
	_, err := Start(context.Background(), "consumer", "", func(config.AppConfig) error { return boom })
	require.ErrorIs(t, err, boom)
}

func TestOpenEngineIsClosedOnShutdown(t *testing.T) {
	quietEnv(t)
	rt, err := Start(context.Background(), "redoer", "", nil)
	require.NoError(t, err)

	eng, err := rt.OpenEngine(context.Background())
	require.NoError(t, err)
	_, err = eng.CountRedoRecords(context.Background())
	require.NoError(t, err)

	rt.Shutdown(context.Background())
	_, err = eng.CountRedoRecords(context.Background())
	require.True(t, errs.Is(err, errs.CodeUnavailable))
}

func TestShutdownRunsStepsInReverseAndContinuesPastFailures(t *testing.T) {
	quietEnv(t)
	rt, err := Start(context.Background(), "exporter", "", nil)
	require.NoError(t, err)

	var order []string
	rt.onShutdown("first", 0, func(context.Context) error {
		order = append(order, "first")
		return nil
	})
	rt.onShutdown("second", 0, func(context.Context) error {
		order = append(order, "second")
		return errors.New("close failed")
	})
	rt.Shutdown(context.Background())
	require.Equal(t, []string{"second", "first"}, order)

	rt.Shutdown(context.Background())
	require.Len(t, order, 2, "shutdown steps run once")
}
