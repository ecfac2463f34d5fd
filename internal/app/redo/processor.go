// Package redo drains the engine's redo queue, retrying transient failures
// within a per-item budget.
package redo

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc/panics"

	"github.com/coachpo/sqs-entity-resolution/errs"
	"github.com/coachpo/sqs-entity-resolution/internal/domain/engine"
	"github.com/coachpo/sqs-entity-resolution/internal/infra/telemetry"
	"github.com/coachpo/sqs-entity-resolution/internal/observability"
)

// StepResult describes what one iteration of the processor did.
type StepResult int

const (
	// StepIdle means no redo work was pending.
	StepIdle StepResult = iota
	// StepCountFailed means the pending count could not be read.
	StepCountFailed
	// StepFetched means an item is now held for processing.
	StepFetched
	// StepFetchEmpty means the count was positive but no item was returned.
	StepFetchEmpty
	// StepFetchFailed means fetching an item failed.
	StepFetchFailed
	// StepProcessed means the held item was processed successfully.
	StepProcessed
	// StepRetrying means the held item failed transiently and is kept.
	StepRetrying
	// StepDropped means the held item was abandoned.
	StepDropped
	// StepPanicked means the iteration panicked and was recovered.
	StepPanicked
	// StepInterrupted means the context ended mid-iteration.
	StepInterrupted
)

var stepNames = map[StepResult]string{
	StepIdle:        "idle",
	StepCountFailed: "count_failed",
	StepFetched:     "fetched",
	StepFetchEmpty:  "fetch_empty",
	StepFetchFailed: "fetch_failed",
	StepProcessed:   "processed",
	StepRetrying:    "retrying",
	StepDropped:     "dropped",
	StepPanicked:    "panicked",
	StepInterrupted: "interrupted",
}

func (r StepResult) String() string {
	if name, ok := stepNames[r]; ok {
		return name
	}
	return fmt.Sprintf("StepResult(%d)", int(r))
}

// Drop reasons recorded in the drop ledger and metrics.
const (
	DropExhausted = "attempts_exhausted"
	DropPermanent = "permanent_error"
	DropPanic     = "panic"
)

// Options configures a Processor.
type Options struct {
	Engine engine.RedoSource
	// PollInterval is the idle wait between counts. Defaults to 10s.
	PollInterval time.Duration
	// RetryInterval is the wait before retrying a transient failure. Defaults to PollInterval.
	RetryInterval time.Duration
	// MaxAttempts is the per-item retry budget. Defaults to 20.
	MaxAttempts int
	// Drops records dropped items. Optional.
	Drops   *DropLedger
	Logger  observability.Logger
	Metrics *telemetry.RedoMetrics
	// Sleep waits for d and returns false if ctx ended first.
	Sleep func(ctx context.Context, d time.Duration) bool
	Clock func() time.Time
}

// Processor holds at most one redo item at a time.
type Processor struct {
	engine       engine.RedoSource
	pollInterval time.Duration
	retry        backoff.BackOff
	maxAttempts  int
	drops        *DropLedger
	logger       observability.Logger
	metrics      *telemetry.RedoMetrics
	sleep        func(ctx context.Context, d time.Duration) bool
	clock        func() time.Time

	item         string
	holding      bool
	attemptsLeft int
}

// New validates opts and constructs a Processor.
func New(opts Options) (*Processor, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("redo: engine required")
	}
	p := &Processor{
		engine:       opts.Engine,
		pollInterval: opts.PollInterval,
		maxAttempts:  opts.MaxAttempts,
		drops:        opts.Drops,
		logger:       observability.With(opts.Logger, observability.F("component", "redoer")),
		metrics:      opts.Metrics,
		sleep:        opts.Sleep,
		clock:        opts.Clock,
	}
	if p.pollInterval <= 0 {
		p.pollInterval = 10 * time.Second
	}
	retryInterval := opts.RetryInterval
	if retryInterval <= 0 {
		retryInterval = p.pollInterval
	}
	p.retry = backoff.NewConstantBackOff(retryInterval)
	if p.maxAttempts <= 0 {
		p.maxAttempts = 20
	}
	if p.sleep == nil {
		p.sleep = sleepContext
	}
	if p.clock == nil {
		p.clock = time.Now
	}
	if p.metrics == nil {
		p.metrics = telemetry.NewRedoMetrics(nil)
	}
	return p, nil
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Holding reports the held item and its remaining budget.
func (p *Processor) Holding() (item string, attemptsLeft int, ok bool) {
	return p.item, p.attemptsLeft, p.holding
}

// Run steps until ctx ends.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("redoer started",
		observability.F("poll_interval", p.pollInterval),
		observability.F("max_attempts", p.maxAttempts))
	for ctx.Err() == nil {
		p.Step(ctx)
	}
	p.logger.Info("redoer stopping", observability.F("holding", p.holding))
	return nil
}

// Step runs one iteration. A panic is recovered, logged and the held item dropped.
func (p *Processor) Step(ctx context.Context) StepResult {
	var result StepResult
	recovered := panics.Try(func() {
		if p.holding {
			result = p.process(ctx)
			return
		}
		result = p.poll(ctx)
	})
	if recovered != nil {
		p.logger.Error("redo iteration panicked",
			observability.Err(recovered.AsError()),
			observability.F("stack", string(recovered.Stack)))
		if p.holding {
			p.drop(ctx, DropPanic, recovered.AsError())
		}
		return StepPanicked
	}
	return result
}

func (p *Processor) poll(ctx context.Context) StepResult {
	pending, err := p.engine.CountRedoRecords(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return StepInterrupted
		}
		p.logger.Error("count redo records failed",
			observability.Err(err),
			observability.F("retryable", errs.Retryable(err)),
			observability.F("retry_in", p.pollInterval))
		p.sleep(ctx, p.pollInterval)
		return StepCountFailed
	}
	p.metrics.SetPending(ctx, pending)
	if pending == 0 {
		p.logger.Debug("no redo records", observability.F("retry_in", p.pollInterval))
		p.sleep(ctx, p.pollInterval)
		return StepIdle
	}

	item, err := p.engine.GetRedoRecord(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return StepInterrupted
		}
		p.logger.Error("get redo record failed",
			observability.Err(err),
			observability.F("pending", pending))
		p.sleep(ctx, p.retry.NextBackOff())
		return StepFetchFailed
	}
	if item == "" {
		p.logger.Debug("redo count positive but no record returned", observability.F("pending", pending))
		return StepFetchEmpty
	}
	p.item = item
	p.holding = true
	p.attemptsLeft = p.maxAttempts
	p.retry.Reset()
	p.logger.Debug("redo record fetched", observability.F("pending", pending))
	return StepFetched
}

func (p *Processor) process(ctx context.Context) StepResult {
	start := p.clock()
	err := p.engine.ProcessRedoRecord(ctx, p.item)
	p.metrics.RecordItem(ctx, err == nil, p.clock().Sub(start))
	if err == nil {
		p.logger.Debug("redo record processed")
		p.release()
		return StepProcessed
	}
	if ctx.Err() != nil {
		return StepInterrupted
	}
	if !errs.Retryable(err) {
		p.drop(ctx, DropPermanent, err)
		return StepDropped
	}

	p.attemptsLeft--
	if p.attemptsLeft <= 0 {
		p.drop(ctx, DropExhausted, err)
		return StepDropped
	}
	wait := p.retry.NextBackOff()
	p.logger.Warn("redo record failed, will retry",
		observability.Err(err),
		observability.F("attempts_left", p.attemptsLeft),
		observability.F("retry_in", wait))
	p.sleep(ctx, wait)
	return StepRetrying
}

func (p *Processor) drop(ctx context.Context, reason string, cause error) {
	attempts := p.maxAttempts - p.attemptsLeft
	if reason != DropExhausted {
		attempts++
	}
	p.logger.Error("dropping redo record",
		observability.Err(cause),
		observability.F("reason", reason),
		observability.F("attempts", attempts),
		observability.F("data_loss", true),
		observability.F("redo_record", p.item))
	if p.drops != nil {
		p.drops.add(Drop{
			Record:   p.item,
			Reason:   reason,
			Cause:    errString(cause),
			Attempts: attempts,
			At:       p.clock(),
		})
	}
	p.metrics.RecordDrop(ctx, reason)
	p.release()
}

func (p *Processor) release() {
	p.item = ""
	p.holding = false
	p.attemptsLeft = 0
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
