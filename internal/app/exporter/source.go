package exporter

import (
	"bytes"
	"context"
	"fmt"

	"github.com/coachpo/sqs-entity-resolution/errs"
	"github.com/coachpo/sqs-entity-resolution/internal/domain/engine"
	"github.com/coachpo/sqs-entity-resolution/internal/observability"
)

// source yields newline-delimited entity documents until done.
type source interface {
	next(ctx context.Context) (chunk []byte, done bool, err error)
	close(ctx context.Context) error
}

// reportSource streams the engine's full entity report.
type reportSource struct {
	reporter engine.Reporter
	handle   engine.ExportHandle
	open     bool
}

func openReport(ctx context.Context, reporter engine.Reporter) (*reportSource, error) {
	handle, err := reporter.ExportJSONEntityReport(ctx)
	if err != nil {
		return nil, fmt.Errorf("open entity report: %w", err)
	}
	return &reportSource{reporter: reporter, handle: handle, open: true}, nil
}

func (s *reportSource) next(ctx context.Context) ([]byte, bool, error) {
	chunk, err := s.reporter.FetchNext(ctx, s.handle)
	if err != nil {
		return nil, false, fmt.Errorf("fetch report chunk: %w", err)
	}
	if len(chunk) == 0 {
		return nil, true, nil
	}
	return chunk, false, nil
}

func (s *reportSource) close(ctx context.Context) error {
	if !s.open {
		return nil
	}
	s.open = false
	if err := s.reporter.CloseExportReport(ctx, s.handle); err != nil {
		return fmt.Errorf("close entity report: %w", err)
	}
	return nil
}

// entitySource fetches one document per claimed entity id, skipping entities
// the engine no longer knows.
type entitySource struct {
	reporter engine.Reporter
	ids      []int64
	idx      int
	skipped  int
	logger   observability.Logger
}

func (s *entitySource) next(ctx context.Context) ([]byte, bool, error) {
	for s.idx < len(s.ids) {
		id := s.ids[s.idx]
		s.idx++
		doc, err := s.reporter.GetEntityByEntityID(ctx, id)
		if errs.Is(err, errs.CodeNotFound) {
			s.skipped++
			s.logger.Debug("entity deleted, skipping", observability.F("entity_id", id))
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("get entity %d: %w", id, err)
		}
		return doc, false, nil
	}
	return nil, true, nil
}

func (s *entitySource) close(context.Context) error { return nil }

// countLines reports how many documents a newline-terminated chunk holds.
func countLines(chunk []byte) int64 {
	n := int64(bytes.Count(chunk, []byte{'\n'}))
	if len(chunk) > 0 && chunk[len(chunk)-1] != '\n' {
		n++
	}
	return n
}
