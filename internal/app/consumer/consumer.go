// Package consumer moves records from the queue into the resolution engine
// and records the entities they affect in the export tracker.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/sqs-entity-resolution/errs"
	"github.com/coachpo/sqs-entity-resolution/internal/app/deadline"
	"github.com/coachpo/sqs-entity-resolution/internal/domain/engine"
	"github.com/coachpo/sqs-entity-resolution/internal/domain/queue"
	"github.com/coachpo/sqs-entity-resolution/internal/infra/telemetry"
	"github.com/coachpo/sqs-entity-resolution/internal/observability"
)

// Outcome classifies what happened to one polled message.
type Outcome int

const (
	// OutcomeEmpty means no message arrived within the wait time.
	OutcomeEmpty Outcome = iota
	// OutcomeAcked means the record was added, tracked and deleted from the queue.
	OutcomeAcked
	// OutcomeMalformed means the body could not be parsed and the message was released.
	OutcomeMalformed
	// OutcomeRegistered means an unknown data source was registered and the message released.
	OutcomeRegistered
	// OutcomeAbandoned means the engine call exceeded its deadline; the message is left to its visibility timeout.
	OutcomeAbandoned
	// OutcomeReleased means processing failed and the message was released for redelivery.
	OutcomeReleased
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEmpty:
		return "empty"
	case OutcomeAcked:
		return "acked"
	case OutcomeMalformed:
		return "malformed"
	case OutcomeRegistered:
		return "registered"
	case OutcomeAbandoned:
		return "abandoned"
	case OutcomeReleased:
		return "released"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Engine is the part of the resolution engine the consumer calls.
type Engine interface {
	engine.RecordAdder
	engine.DataSourceRegistrar
}

// Recorder appends TODO rows to the export tracker.
type Recorder interface {
	InsertTodoBatch(ctx context.Context, entityIDs []int64) error
}

// Options configures a Consumer.
type Options struct {
	Queue   queue.Queue
	Engine  Engine
	Tracker Recorder
	// CallTimeout bounds each add-record call. Defaults to 420s.
	CallTimeout time.Duration
	// WaitTime is the long-poll duration per receive. Defaults to 20s.
	WaitTime time.Duration
	// MaxPollFailures is the number of consecutive receive failures Run tolerates. Defaults to 10.
	MaxPollFailures int
	Logger          observability.Logger
	Metrics         *telemetry.ConsumerMetrics
	// NewBackOff paces receive retries. Defaults to an exponential backoff capped at 30s.
	NewBackOff func() backoff.BackOff
	// Sleep waits between retries and returns false if ctx ended first.
	Sleep func(ctx context.Context, d time.Duration) bool
}

// Consumer is a single logical worker draining one queue.
type Consumer struct {
	queue           queue.Queue
	engine          Engine
	tracker         Recorder
	guard           *deadline.Guard
	waitTime        time.Duration
	maxPollFailures int
	logger          observability.Logger
	metrics         *telemetry.ConsumerMetrics
	newBackOff      func() backoff.BackOff
	sleep           func(ctx context.Context, d time.Duration) bool
	idleLog         rate.Sometimes

	registeredMu sync.Mutex
	registered   map[string]struct{}
}

// New validates opts and constructs a Consumer.
func New(opts Options) (*Consumer, error) {
	if opts.Queue == nil {
		return nil, fmt.Errorf("consumer: queue required")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("consumer: engine required")
	}
	if opts.Tracker == nil {
		return nil, fmt.Errorf("consumer: tracker required")
	}
	c := &Consumer{
		queue:           opts.Queue,
		engine:          opts.Engine,
		tracker:         opts.Tracker,
		guard:           deadline.New(opts.CallTimeout),
		waitTime:        opts.WaitTime,
		maxPollFailures: opts.MaxPollFailures,
		logger:          observability.With(opts.Logger, observability.F("component", "consumer")),
		metrics:         opts.Metrics,
		newBackOff:      opts.NewBackOff,
		sleep:           opts.Sleep,
		idleLog:         rate.Sometimes{First: 1, Interval: time.Minute},
		registered:      make(map[string]struct{}),
	}
	if opts.CallTimeout <= 0 {
		c.guard = deadline.New(420 * time.Second)
	}
	if c.waitTime <= 0 {
		c.waitTime = 20 * time.Second
	}
	if c.maxPollFailures <= 0 {
		c.maxPollFailures = 10
	}
	if c.newBackOff == nil {
		c.newBackOff = defaultBackOff
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	if c.metrics == nil {
		c.metrics = telemetry.NewConsumerMetrics(nil)
	}
	return c, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	return b
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

// Run polls until ctx ends. It returns nil on cancellation and an error only
// after MaxPollFailures consecutive receive failures.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer started",
		observability.F("wait_time", c.waitTime),
		observability.F("call_timeout", c.guard.Timeout()))
	bo := c.newBackOff()
	failures := 0
	for {
		if ctx.Err() != nil {
			c.logger.Info("consumer stopping")
			return nil
		}
		outcome, err := c.PollAndProcess(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping")
				return nil
			}
			failures++
			if failures >= c.maxPollFailures {
				c.logger.Error("queue receive failing, giving up",
					observability.Err(err),
					observability.F("consecutive_failures", failures))
				return fmt.Errorf("consumer: %d consecutive receive failures: %w", failures, err)
			}
			wait := bo.NextBackOff()
			c.logger.Warn("queue receive failed",
				observability.Err(err),
				observability.F("consecutive_failures", failures),
				observability.F("retry_in", wait))
			if !c.sleep(ctx, wait) {
				c.logger.Info("consumer stopping")
				return nil
			}
			continue
		}
		failures = 0
		bo.Reset()
		if outcome == OutcomeEmpty {
			c.idleLog.Do(func() { c.logger.Debug("queue empty") })
		}
	}
}

type recordHeader struct {
	DataSource string `json:"DATA_SOURCE"`
	RecordID   string `json:"RECORD_ID"`
}

func parseHeader(body []byte) (recordHeader, error) {
	var h recordHeader
	if err := json.Unmarshal(body, &h); err != nil {
		return recordHeader{}, fmt.Errorf("decode body: %w", err)
	}
	h.DataSource = strings.TrimSpace(h.DataSource)
	h.RecordID = strings.TrimSpace(h.RecordID)
	if h.DataSource == "" {
		return recordHeader{}, errors.New("DATA_SOURCE missing")
	}
	if h.RecordID == "" {
		return recordHeader{}, errors.New("RECORD_ID missing")
	}
	return h, nil
}

// PollAndProcess receives at most one message and handles it. The returned
// error is non-nil only when the receive itself failed; per-message failures
// are logged and reflected in the Outcome.
func (c *Consumer) PollAndProcess(ctx context.Context) (Outcome, error) {
	msg, err := c.queue.Receive(ctx, c.waitTime)
	if errors.Is(err, queue.ErrEmpty) {
		return OutcomeEmpty, nil
	}
	if err != nil {
		return OutcomeEmpty, fmt.Errorf("receive: %w", err)
	}

	start := time.Now()
	log := observability.With(c.logger,
		observability.F("ack_token", msg.AckToken),
		observability.F("message_id", msg.ID),
		observability.F("receive_count", msg.ReceiveCount))
	log.Debug("message received")

	outcome := c.process(ctx, msg, log)
	c.metrics.RecordMessage(ctx, outcome.String(), outcome == OutcomeAcked, time.Since(start))
	return outcome, nil
}

func (c *Consumer) process(ctx context.Context, msg queue.Message, log observability.Logger) Outcome {
	header, err := parseHeader(msg.Body)
	if err != nil {
		log.Warn("malformed message, releasing", observability.Err(err), observability.F("data_quality", true))
		c.release(ctx, msg, log)
		return OutcomeMalformed
	}
	log = observability.With(log,
		observability.F("data_source", header.DataSource),
		observability.F("record_id", header.RecordID))

	info, err := deadline.Call(ctx, c.guard, func(ctx context.Context) ([]byte, error) {
		return c.engine.AddRecord(ctx, header.DataSource, header.RecordID, msg.Body)
	})
	switch {
	case err == nil:
		return c.track(ctx, msg, info, log)
	case deadline.IsAbandoned(err):
		log.Error("add record exceeded deadline, leaving message for visibility timeout",
			observability.Err(err),
			observability.F("timeout", c.guard.Timeout()))
		return OutcomeAbandoned
	case ctx.Err() != nil:
		log.Warn("shutdown during add record, leaving message for visibility timeout", observability.Err(err))
		return OutcomeAbandoned
	case errs.Is(err, errs.CodeUnknownDataSource):
		return c.registerAndRelease(ctx, msg, header.DataSource, err, log)
	default:
		log.Error("add record failed, releasing for redelivery", observability.Err(err))
		c.release(ctx, msg, log)
		return OutcomeReleased
	}
}

func (c *Consumer) track(ctx context.Context, msg queue.Message, info []byte, log observability.Logger) Outcome {
	ids, err := engine.ParseAffectedEntities(info)
	if err != nil {
		log.Error("unreadable add record response, releasing", observability.Err(err))
		c.release(ctx, msg, log)
		return OutcomeReleased
	}
	if len(ids) > 0 {
		if err := c.tracker.InsertTodoBatch(ctx, ids); err != nil {
			log.Error("recording affected entities failed, releasing",
				observability.Err(err),
				observability.F("entity_ids", ids))
			c.release(ctx, msg, log)
			return OutcomeReleased
		}
	}
	if err := c.queue.Ack(ctx, msg); err != nil {
		log.Error("ack failed, message will be redelivered", observability.Err(err))
	} else {
		log.Debug("message acked", observability.F("entity_ids", ids))
	}
	return OutcomeAcked
}

func (c *Consumer) registerAndRelease(ctx context.Context, msg queue.Message, dataSource string, cause error, log observability.Logger) Outcome {
	key := strings.ToUpper(dataSource)
	c.registeredMu.Lock()
	_, already := c.registered[key]
	c.registeredMu.Unlock()

	if already {
		log.Error("data source still unknown after registration, releasing",
			observability.Err(cause))
		c.release(ctx, msg, log)
		return OutcomeReleased
	}

	log.Info("registering new data source", observability.Err(cause))
	if err := c.engine.RegisterDataSource(ctx, dataSource); err != nil {
		log.Error("data source registration failed, releasing", observability.Err(err))
		c.release(ctx, msg, log)
		return OutcomeReleased
	}
	c.registeredMu.Lock()
	c.registered[key] = struct{}{}
	c.registeredMu.Unlock()
	log.Info("data source registered")

	c.release(ctx, msg, log)
	return OutcomeRegistered
}

func (c *Consumer) release(ctx context.Context, msg queue.Message, log observability.Logger) {
	if err := c.queue.Release(ctx, msg); err != nil {
		log.Error("release failed, message returns after visibility timeout", observability.Err(err))
	}
}
