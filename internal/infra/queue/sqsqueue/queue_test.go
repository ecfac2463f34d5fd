package sqsqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/sqs-entity-resolution/errs"
	"github.com/coachpo/sqs-entity-resolution/internal/domain/queue"
)

type fakeSQS struct {
	receiveIn  *sqs.ReceiveMessageInput
	receiveOut *sqs.ReceiveMessageOutput
	receiveErr error
	deleted    []string
	released   []*sqs.ChangeMessageVisibilityInput
	deleteErr  error
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.receiveIn = in
	return f.receiveOut, f.receiveErr
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.released = append(f.released, in)
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func TestReceiveSingleMessage(t *testing.T) {
	fake := &fakeSQS{receiveOut: &sqs.ReceiveMessageOutput{Messages: []types.Message{{
		MessageId:     aws.String("m-1"),
		ReceiptHandle: aws.String("rh-1"),
		Body:          aws.String(`{"DATA_SOURCE":"TEST","RECORD_ID":"1"}`),
		Attributes:    map[string]string{"ApproximateReceiveCount": "3"},
	}}}}
	q, err := New(fake, "https://sqs/q", 420*time.Second)
	require.NoError(t, err)

	msg, err := q.Receive(context.Background(), 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, queue.Message{ID: "m-1", AckToken: "rh-1", Body: []byte(`{"DATA_SOURCE":"TEST","RECORD_ID":"1"}`), ReceiveCount: 3}, msg)

	require.Equal(t, int32(1), fake.receiveIn.MaxNumberOfMessages)
	require.Equal(t, int32(20), fake.receiveIn.WaitTimeSeconds)
	require.Equal(t, int32(420), fake.receiveIn.VisibilityTimeout)
	require.Equal(t, "https://sqs/q", aws.ToString(fake.receiveIn.QueueUrl))
}

func TestReceiveEmpty(t *testing.T) {
	q, err := New(&fakeSQS{receiveOut: &sqs.ReceiveMessageOutput{}}, "https://sqs/q", 0)
	require.NoError(t, err)
	_, err = q.Receive(context.Background(), time.Second)
	require.ErrorIs(t, err, queue.ErrEmpty)
}

func TestReceiveErrorIsUnavailable(t *testing.T) {
	q, err := New(&fakeSQS{receiveErr: errors.New("throttled")}, "https://sqs/q", 0)
	require.NoError(t, err)
	_, err = q.Receive(context.Background(), time.Second)
	require.True(t, errs.Is(err, errs.CodeUnavailable))
}

func TestAckDeletesAndReleaseZeroesVisibility(t *testing.T) {
	fake := &fakeSQS{}
	q, err := New(fake, "https://sqs/q", 0)
	require.NoError(t, err)
	msg := queue.Message{ID: "m-1", AckToken: "rh-1"}

	require.NoError(t, q.Ack(context.Background(), msg))
	require.Equal(t, []string{"rh-1"}, fake.deleted)

	require.NoError(t, q.Release(context.Background(), msg))
	require.Len(t, fake.released, 1)
	require.Equal(t, int32(0), fake.released[0].VisibilityTimeout)
	require.Equal(t, "rh-1", aws.ToString(fake.released[0].ReceiptHandle))
}

func TestAckError(t *testing.T) {
	q, err := New(&fakeSQS{deleteErr: errors.New("gone")}, "https://sqs/q", 0)
	require.NoError(t, err)
	err = q.Ack(context.Background(), queue.Message{ID: "m-1"})
	require.ErrorContains(t, err, "message_id")
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, "u", 0)
	require.Error(t, err)
	_, err = New(&fakeSQS{}, " ", 0)
	require.Error(t, err)
}
