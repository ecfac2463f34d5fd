//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	dbmigrations "github.com/coachpo/sqs-entity-resolution/db/migrations"
	"github.com/coachpo/sqs-entity-resolution/internal/domain/trackerstore"
	"github.com/coachpo/sqs-entity-resolution/internal/infra/persistence/migrations"
	pgstore "github.com/coachpo/sqs-entity-resolution/internal/infra/persistence/postgres"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	if err := dockerHealthy(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "postgres tracker tests skipped, docker unavailable: %v\n", err)
		os.Exit(0)
	}
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "sqs_entity_resolution"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	setupErr := initialiseDatabase(ctx)
	exitCode := setupExitCode(setupErr)
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres tracker setup failed: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	_ = pgContainer.Terminate(ctx)
	os.Exit(exitCode)
}

func dockerHealthy(ctx context.Context) error {
	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return err
	}
	defer provider.Close()
	return provider.Health(ctx)
}

// setupExitCode fails the suite once a container is up but the schema or
// pool could not be prepared.
func setupExitCode(err error) int {
	if err != nil {
		return 1
	}
	return 0
}

func TestSetupFailureFailsSuite(t *testing.T) {
	require.Equal(t, 0, setupExitCode(nil))
	require.Equal(t, 1, setupExitCode(errors.New("apply migrations: syntax error")))
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/sqs_entity_resolution?sslmode=disable", host, port.Port())

	// The port can accept connections before the server finishes init.
	var applyErr error
	for range 20 {
		if applyErr = migrations.ApplyEmbedded(ctx, dsn, dbmigrations.Files, nil); applyErr == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if applyErr != nil {
		return fmt.Errorf("apply migrations: %w", applyErr)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func freshStore(t *testing.T) *pgstore.TrackerStore {
	t.Helper()
	_, err := testPool.Exec(context.Background(), "TRUNCATE export_tracker")
	require.NoError(t, err)
	return pgstore.NewTrackerStore(testPool)
}

func TestTrackerClaimCompleteScenario(t *testing.T) {
	ctx := context.Background()
	store := freshStore(t)
	require.NoError(t, store.InsertTodoBatch(ctx, []int64{3, 1, 2, 2}))

	ids, err := store.ClaimTodo(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, ids)

	tally, err := store.Tally(ctx)
	require.NoError(t, err)
	require.Equal(t, trackerstore.Tally{InProgress: 4}, tally)

	n, err := store.CompleteInProgress(ctx, "X")
	require.NoError(t, err)
	require.Equal(t, int64(4), n)

	tally, err = store.Tally(ctx)
	require.NoError(t, err)
	require.Equal(t, trackerstore.Tally{Done: 4}, tally)
}

func TestTrackerCompleteStampsOnlyClaimedRows(t *testing.T) {
	ctx := context.Background()
	store := freshStore(t)
	require.NoError(t, store.InsertTodoBatch(ctx, []int64{1, 2}))
	_, err := store.ClaimTodo(ctx)
	require.NoError(t, err)
	require.NoError(t, store.InsertTodo(ctx, 3))

	_, err = store.CompleteInProgress(ctx, "file-A")
	require.NoError(t, err)

	rows, err := store.Rows(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, row := range rows {
		if row.EntityID == 3 {
			require.Equal(t, trackerstore.StatusTodo, row.Status)
			require.Empty(t, row.ExportID)
			continue
		}
		require.Equal(t, trackerstore.StatusDone, row.Status)
		require.Equal(t, "file-A", row.ExportID)
	}
}

func TestTrackerRewindThenReclaim(t *testing.T) {
	ctx := context.Background()
	store := freshStore(t)
	require.NoError(t, store.InsertTodoBatch(ctx, []int64{4, 5}))

	first, err := store.ClaimTodo(ctx)
	require.NoError(t, err)
	n, err := store.RewindInProgress(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	tally, err := store.Tally(ctx)
	require.NoError(t, err)
	require.Equal(t, trackerstore.Tally{Todo: 2}, tally)

	again, err := store.ClaimTodo(ctx)
	require.NoError(t, err)
	require.Equal(t, first, again)
}

func TestTrackerSkipTodo(t *testing.T) {
	ctx := context.Background()
	store := freshStore(t)
	require.NoError(t, store.InsertTodoBatch(ctx, []int64{1, 2, 3}))

	n, err := store.SkipTodo(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	ids, err := store.ClaimTodo(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestTrackerConcurrentClaimsAreDisjoint(t *testing.T) {
	ctx := context.Background()
	store := freshStore(t)
	ids := make([]int64, 1000)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	require.NoError(t, store.InsertTodoBatch(ctx, ids))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int64]int)
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := store.ClaimTodo(ctx)
			require.NoError(t, err)
			mu.Lock()
			for _, id := range got {
				seen[id]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, seen, 1000)
	for id, count := range seen {
		require.Equal(t, 1, count, "entity %d claimed twice", id)
	}
}
