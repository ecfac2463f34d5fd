package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/sqs-entity-resolution/internal/domain/trackerstore"
)

// TrackerStore persists export tracker rows in PostgreSQL.
type TrackerStore struct {
	pool *pgxpool.Pool
}

// NewTrackerStore constructs a TrackerStore backed by the provided pool.
func NewTrackerStore(pool *pgxpool.Pool) *TrackerStore {
	return &TrackerStore{pool: pool}
}

const (
	defaultRowsLimit = 100
	maxRowsLimit     = 10000
)

const (
	trackerInsertSQL = `
INSERT INTO export_tracker (entity_id, export_status)
VALUES ($1, $2);
`

	trackerInsertBatchSQL = `
INSERT INTO export_tracker (entity_id, export_status)
SELECT id, $2
FROM UNNEST($1::bigint[]) AS t(id);
`

	// The CTE flips and projects in one statement so concurrent inserts
	// can never appear in the result without also being flipped.
	trackerClaimSQL = `
WITH claimed AS (
    UPDATE export_tracker
    SET export_status = $2
    WHERE export_status = $1
    RETURNING entity_id
)
SELECT DISTINCT entity_id
FROM claimed
ORDER BY entity_id;
`

	trackerCompleteSQL = `
UPDATE export_tracker
SET export_status = $2,
    export_id = $3
WHERE export_status = $1;
`

	trackerTransitionSQL = `
UPDATE export_tracker
SET export_status = $2
WHERE export_status = $1;
`

	trackerTallySQL = `
SELECT export_status, COUNT(*)
FROM export_tracker
GROUP BY export_status;
`

	trackerRowsSQL = `
SELECT entity_id, export_status, export_id, created_at
FROM export_tracker
WHERE ($1::smallint = 0 OR export_status = $1)
ORDER BY created_at DESC, id DESC
LIMIT $2;
`
)

// InsertTodo appends a TODO row for entityID.
func (s *TrackerStore) InsertTodo(ctx context.Context, entityID int64) error {
	if s.pool == nil {
		return fmt.Errorf("tracker store: nil pool")
	}
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, trackerInsertSQL, entityID, int16(trackerstore.StatusTodo))
		return err
	})
	if err != nil {
		return fmt.Errorf("tracker store: insert todo: %w", err)
	}
	return nil
}

// InsertTodoBatch appends one TODO row per id in a single transaction.
func (s *TrackerStore) InsertTodoBatch(ctx context.Context, entityIDs []int64) error {
	if s.pool == nil {
		return fmt.Errorf("tracker store: nil pool")
	}
	if len(entityIDs) == 0 {
		return nil
	}
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, trackerInsertBatchSQL, entityIDs, int16(trackerstore.StatusTodo))
		return err
	})
	if err != nil {
		return fmt.Errorf("tracker store: insert todo batch: %w", err)
	}
	return nil
}

// ClaimTodo flips every TODO row to IN_PROGRESS and returns the distinct ids flipped.
func (s *TrackerStore) ClaimTodo(ctx context.Context) ([]int64, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("tracker store: nil pool")
	}
	ids := make([]int64, 0)
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, trackerClaimSQL, int16(trackerstore.StatusTodo), int16(trackerstore.StatusInProgress))
		if err != nil {
			return err
		}
		collected, err := pgx.CollectRows(rows, pgx.RowTo[int64])
		if err != nil {
			return err
		}
		ids = append(ids, collected...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("tracker store: claim todo: %w", err)
	}
	return ids, nil
}

// CompleteInProgress flips every IN_PROGRESS row to DONE and stamps exportID.
func (s *TrackerStore) CompleteInProgress(ctx context.Context, exportID string) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("tracker store: nil pool")
	}
	exportID = strings.TrimSpace(exportID)
	if exportID == "" {
		return 0, fmt.Errorf("tracker store: export id required")
	}
	var affected int64
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, trackerCompleteSQL,
			int16(trackerstore.StatusInProgress), int16(trackerstore.StatusDone), exportID)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("tracker store: complete in progress: %w", err)
	}
	return affected, nil
}

// RewindInProgress flips every IN_PROGRESS row back to TODO.
func (s *TrackerStore) RewindInProgress(ctx context.Context) (int64, error) {
	n, err := s.transition(ctx, trackerstore.StatusInProgress, trackerstore.StatusTodo)
	if err != nil {
		return 0, fmt.Errorf("tracker store: rewind in progress: %w", err)
	}
	return n, nil
}

// SkipTodo flips every TODO row to SKIPPED.
func (s *TrackerStore) SkipTodo(ctx context.Context) (int64, error) {
	n, err := s.transition(ctx, trackerstore.StatusTodo, trackerstore.StatusSkipped)
	if err != nil {
		return 0, fmt.Errorf("tracker store: skip todo: %w", err)
	}
	return n, nil
}

func (s *TrackerStore) transition(ctx context.Context, from, to trackerstore.Status) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("nil pool")
	}
	var affected int64
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, trackerTransitionSQL, int16(from), int16(to))
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	return affected, err
}

// Tally returns row counts per status.
func (s *TrackerStore) Tally(ctx context.Context) (trackerstore.Tally, error) {
	if s.pool == nil {
		return trackerstore.Tally{}, fmt.Errorf("tracker store: nil pool")
	}
	rows, err := s.pool.Query(ctx, trackerTallySQL)
	if err != nil {
		return trackerstore.Tally{}, fmt.Errorf("tracker store: tally: %w", err)
	}
	defer rows.Close()

	var tally trackerstore.Tally
	for rows.Next() {
		var (
			status int16
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return trackerstore.Tally{}, fmt.Errorf("tracker store: scan tally: %w", err)
		}
		switch trackerstore.Status(status) {
		case trackerstore.StatusTodo:
			tally.Todo = count
		case trackerstore.StatusInProgress:
			tally.InProgress = count
		case trackerstore.StatusDone:
			tally.Done = count
		case trackerstore.StatusSkipped:
			tally.Skipped = count
		}
	}
	if err := rows.Err(); err != nil {
		return trackerstore.Tally{}, fmt.Errorf("tracker store: iterate tally: %w", err)
	}
	return tally, nil
}

// Rows lists the most recent tracker rows, optionally filtered by status.
// A zero status lists every row.
func (s *TrackerStore) Rows(ctx context.Context, status trackerstore.Status, limit int) ([]trackerstore.Row, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("tracker store: nil pool")
	}
	if limit <= 0 {
		limit = defaultRowsLimit
	} else if limit > maxRowsLimit {
		limit = maxRowsLimit
	}
	rows, err := s.pool.Query(ctx, trackerRowsSQL, int16(status), limit)
	if err != nil {
		return nil, fmt.Errorf("tracker store: list rows: %w", err)
	}
	defer rows.Close()

	var out []trackerstore.Row
	for rows.Next() {
		row, err := scanTrackerRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tracker store: iterate rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrackerRow(row rowScanner) (trackerstore.Row, error) {
	var (
		record   trackerstore.Row
		status   int16
		exportID pgtype.Text
	)
	if err := row.Scan(&record.EntityID, &status, &exportID, &record.CreatedAt); err != nil {
		return trackerstore.Row{}, fmt.Errorf("tracker store: scan row: %w", err)
	}
	record.Status = trackerstore.Status(status)
	if exportID.Valid {
		record.ExportID = exportID.String
	}
	return record, nil
}

var _ trackerstore.Store = (*TrackerStore)(nil)
