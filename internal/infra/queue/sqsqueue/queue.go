// Package sqsqueue implements queue.Queue over Amazon SQS.
package sqsqueue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/coachpo/sqs-entity-resolution/errs"
	"github.com/coachpo/sqs-entity-resolution/internal/domain/queue"
	"github.com/coachpo/sqs-entity-resolution/internal/infra/awsconf"
)

// DriverName is the registry name of this transport.
const DriverName = "sqs"

// maxWait is the longest long-poll SQS accepts.
const maxWait = 20 * time.Second

// API is the subset of the SQS client used by Queue.
type API interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Queue pulls messages one at a time from a single SQS queue.
type Queue struct {
	client     API
	url        string
	visibility time.Duration
}

// New wraps an SQS client. A zero visibility keeps the queue's default.
func New(client API, queueURL string, visibility time.Duration) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("sqs queue: client required")
	}
	queueURL = strings.TrimSpace(queueURL)
	if queueURL == "" {
		return nil, fmt.Errorf("sqs queue: url required")
	}
	return &Queue{client: client, url: queueURL, visibility: visibility}, nil
}

// Factory implements queue.Factory.
func Factory(ctx context.Context, settings queue.Settings) (queue.Queue, error) {
	cfg, err := awsconf.Load(ctx, awsconf.Options{Region: settings.Region, EndpointURL: settings.EndpointURL})
	if err != nil {
		return nil, err
	}
	return New(sqs.NewFromConfig(cfg), settings.URL, settings.VisibilityTimeout)
}

// Receive implements queue.Queue.
func (q *Queue) Receive(ctx context.Context, wait time.Duration) (queue.Message, error) {
	if wait > maxWait {
		wait = maxWait
	}
	in := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     int32(wait / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	}
	if q.visibility > 0 {
		in.VisibilityTimeout = int32(q.visibility / time.Second)
	}
	out, err := q.client.ReceiveMessage(ctx, in)
	if err != nil {
		return queue.Message{}, errs.New("sqs/receive", errs.CodeUnavailable, errs.WithCause(err))
	}
	if out == nil || len(out.Messages) == 0 {
		return queue.Message{}, queue.ErrEmpty
	}
	m := out.Messages[0]
	msg := queue.Message{
		ID:       aws.ToString(m.MessageId),
		AckToken: aws.ToString(m.ReceiptHandle),
		Body:     []byte(aws.ToString(m.Body)),
	}
	if raw, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(raw); err == nil {
			msg.ReceiveCount = n
		}
	}
	return msg, nil
}

// Ack implements queue.Queue by deleting the message.
func (q *Queue) Ack(ctx context.Context, msg queue.Message) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(msg.AckToken),
	})
	if err != nil {
		return errs.New("sqs/delete", errs.CodeUnavailable, errs.WithCause(err), errs.WithField("message_id", msg.ID))
	}
	return nil
}

// Release implements queue.Queue by zeroing the visibility timeout.
func (q *Queue) Release(ctx context.Context, msg queue.Message) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.url),
		ReceiptHandle:     aws.String(msg.AckToken),
		VisibilityTimeout: 0,
	})
	if err != nil {
		return errs.New("sqs/release", errs.CodeUnavailable, errs.WithCause(err), errs.WithField("message_id", msg.ID))
	}
	return nil
}

// Close implements queue.Queue.
func (q *Queue) Close() error { return nil }

var _ queue.Queue = (*Queue)(nil)
