// Package natsqueue implements queue.Queue over a NATS JetStream pull consumer.
// AckWait plays the role of the visibility timeout and MaxDeliver the redrive limit.
package natsqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/coachpo/sqs-entity-resolution/errs"
	"github.com/coachpo/sqs-entity-resolution/internal/domain/queue"
)

// DriverName is the registry name of this transport.
const DriverName = "nats"

// Fetcher is the subset of jetstream.Consumer used by Queue.
type Fetcher interface {
	Fetch(batch int, opts ...jetstream.FetchOpt) (jetstream.MessageBatch, error)
}

// Queue receives one JetStream message at a time. Only the latest delivery
// can be acked or released; a delivery the caller abandons is replaced by the
// next Receive and left to AckWait.
type Queue struct {
	consumer Fetcher
	closeFn  func()

	mu      sync.Mutex
	pending jetstream.Msg
}

// New wraps an existing consumer. closeFn, if set, runs on Close.
func New(consumer Fetcher, closeFn func()) (*Queue, error) {
	if consumer == nil {
		return nil, fmt.Errorf("nats queue: consumer required")
	}
	return &Queue{consumer: consumer, closeFn: closeFn}, nil
}

// Factory implements queue.Factory. It connects, ensures the work-queue
// stream and the durable consumer exist, and returns a Queue over them.
func Factory(ctx context.Context, settings queue.Settings) (queue.Queue, error) {
	url := strings.TrimSpace(settings.URL)
	if url == "" {
		return nil, fmt.Errorf("nats queue requires url")
	}
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      settings.Stream,
		Subjects:  []string{settings.Subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", settings.Stream, err)
	}

	ackWait := settings.VisibilityTimeout
	if ackWait <= 0 {
		ackWait = 30 * time.Second
	}
	consumer, err := js.CreateOrUpdateConsumer(ctx, settings.Stream, jetstream.ConsumerConfig{
		Durable:       settings.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    settings.MaxDeliver,
		FilterSubject: settings.Subject,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure consumer %s: %w", settings.Durable, err)
	}
	return New(consumer, nc.Close)
}

// Receive implements queue.Queue.
func (q *Queue) Receive(ctx context.Context, wait time.Duration) (queue.Message, error) {
	if err := ctx.Err(); err != nil {
		return queue.Message{}, err
	}
	if wait <= 0 {
		wait = time.Second
	}
	batch, err := q.consumer.Fetch(1, jetstream.FetchMaxWait(wait))
	if err != nil {
		if isEmpty(err) {
			return queue.Message{}, queue.ErrEmpty
		}
		return queue.Message{}, errs.New("nats/fetch", errs.CodeUnavailable, errs.WithCause(err))
	}

	var msg jetstream.Msg
	for m := range batch.Messages() {
		if msg == nil {
			msg = m
		}
	}
	if err := batch.Error(); err != nil && !isEmpty(err) {
		return queue.Message{}, errs.New("nats/fetch", errs.CodeUnavailable, errs.WithCause(err))
	}
	if msg == nil {
		return queue.Message{}, queue.ErrEmpty
	}

	out := queue.Message{AckToken: msg.Reply(), Body: msg.Data()}
	if meta, err := msg.Metadata(); err == nil && meta != nil {
		out.ID = fmt.Sprintf("%s:%d", meta.Stream, meta.Sequence.Stream)
		out.ReceiveCount = int(meta.NumDelivered)
	}
	if out.AckToken == "" {
		return queue.Message{}, errs.New("nats/fetch", errs.CodeMalformed, errs.WithMessage("message has no reply subject"))
	}

	q.mu.Lock()
	q.pending = msg
	q.mu.Unlock()
	return out, nil
}

func isEmpty(err error) bool {
	return errors.Is(err, nats.ErrTimeout) || errors.Is(err, jetstream.ErrNoMessages) || errors.Is(err, context.DeadlineExceeded)
}

func (q *Queue) take(token string) (jetstream.Msg, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg := q.pending
	if msg == nil || msg.Reply() != token {
		return nil, errs.New("nats/ack", errs.CodeInvalid,
			errs.WithMessage("unknown ack token"),
			errs.WithRemediation("the delivery was already settled or superseded by a later receive"))
	}
	q.pending = nil
	return msg, nil
}

// Ack implements queue.Queue.
func (q *Queue) Ack(_ context.Context, m queue.Message) error {
	msg, err := q.take(m.AckToken)
	if err != nil {
		return err
	}
	if err := msg.Ack(); err != nil {
		return errs.New("nats/ack", errs.CodeUnavailable, errs.WithCause(err), errs.WithField("message_id", m.ID))
	}
	return nil
}

// Release implements queue.Queue with a negative acknowledgement.
func (q *Queue) Release(_ context.Context, m queue.Message) error {
	msg, err := q.take(m.AckToken)
	if err != nil {
		return err
	}
	if err := msg.Nak(); err != nil {
		return errs.New("nats/nak", errs.CodeUnavailable, errs.WithCause(err), errs.WithField("message_id", m.ID))
	}
	return nil
}

// Close implements queue.Queue.
func (q *Queue) Close() error {
	if q.closeFn != nil {
		q.closeFn()
	}
	return nil
}

var _ queue.Queue = (*Queue)(nil)
