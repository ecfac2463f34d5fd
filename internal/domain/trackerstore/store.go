// Package trackerstore defines persistence contracts for the export tracker.
package trackerstore

import (
	"context"
	"fmt"
	"strings"
)

// Status is the export state of one tracker row.
type Status int16

const (
	// StatusTodo marks an entity affected since the last delta export.
	StatusTodo Status = 1
	// StatusInProgress marks an entity claimed by a running export.
	StatusInProgress Status = 2
	// StatusDone marks an entity included in a completed export.
	StatusDone Status = 3
	// StatusSkipped marks an entity excluded without being exported.
	StatusSkipped Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusTodo:
		return "TODO"
	case StatusInProgress:
		return "IN_PROGRESS"
	case StatusDone:
		return "DONE"
	case StatusSkipped:
		return "SKIPPED"
	default:
		return fmt.Sprintf("Status(%d)", int16(s))
	}
}

// ParseStatus maps a status name such as "todo" or "IN_PROGRESS" to its Status.
func ParseStatus(name string) (Status, error) {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "-", "_")) {
	case "TODO":
		return StatusTodo, nil
	case "IN_PROGRESS":
		return StatusInProgress, nil
	case "DONE":
		return StatusDone, nil
	case "SKIPPED":
		return StatusSkipped, nil
	default:
		return 0, fmt.Errorf("unknown tracker status %q", name)
	}
}

// Tally counts tracker rows per status.
type Tally struct {
	Todo       int64
	InProgress int64
	Done       int64
	Skipped    int64
}

// Total returns the number of rows across all statuses.
func (t Tally) Total() int64 {
	return t.Todo + t.InProgress + t.Done + t.Skipped
}

// Store abstracts the export tracker. Every method is one transaction:
// on error nothing has been applied.
type Store interface {
	// InsertTodo appends a TODO row for entityID. Duplicates are allowed.
	InsertTodo(ctx context.Context, entityID int64) error
	// InsertTodoBatch appends one TODO row per id in a single transaction.
	InsertTodoBatch(ctx context.Context, entityIDs []int64) error
	// ClaimTodo flips every TODO row to IN_PROGRESS and returns the distinct
	// entity ids flipped, sorted ascending.
	ClaimTodo(ctx context.Context) ([]int64, error)
	// CompleteInProgress flips every IN_PROGRESS row to DONE and stamps exportID.
	CompleteInProgress(ctx context.Context, exportID string) (int64, error)
	// RewindInProgress flips every IN_PROGRESS row back to TODO.
	RewindInProgress(ctx context.Context) (int64, error)
	// SkipTodo flips every TODO row to SKIPPED.
	SkipTodo(ctx context.Context) (int64, error)
	// Tally returns row counts per status.
	Tally(ctx context.Context) (Tally, error)
}
