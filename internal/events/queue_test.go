package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueueBatchesAndTimesOut(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, "a"))
	require.NoError(t, q.Send(ctx, "b"))
	require.NoError(t, q.Send(ctx, "c"))

	msgs, err := q.Receive(ctx, 2, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].Body)
	assert.Equal(t, 1, q.Len())

	msgs, err = q.Receive(ctx, 5, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	start := time.Now()
	msgs, err = q.Receive(ctx, 1, 1)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = q.Receive(cancelled, 1, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryQueueSendDoesNotBlockWhenFull(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, "a"))

	done := make(chan error, 1)
	go func() { done <- q.Send(ctx, "b") }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrQueueFull)
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a full queue")
	}
	assert.Equal(t, 1, q.Len())
}

type fakeSQS struct {
	sent     []string
	deleted  []string
	received *sqs.ReceiveMessageOutput
	err      error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.received, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func TestSQSQueue(t *testing.T) {
	client := &fakeSQS{received: &sqs.ReceiveMessageOutput{Messages: []sqstypes.Message{
		{MessageId: aws.String("m1"), Body: aws.String("evt_001"), ReceiptHandle: aws.String("r1")},
	}}}
	q := newSQSQueue(client, "https://sqs.local/queue")
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, "evt_001"))
	assert.Equal(t, []string{"evt_001"}, client.sent)

	msgs, err := q.Receive(ctx, 10, 20)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, QueueMessage{ID: "m1", Body: "evt_001", ReceiptHandle: "r1"}, msgs[0])

	require.NoError(t, q.Delete(ctx, "r1"))
	require.NoError(t, q.Delete(ctx, ""))
	assert.Equal(t, []string{"r1"}, client.deleted)

	client.err = errors.New("throttled")
	assert.ErrorContains(t, q.Send(ctx, "x"), "throttled")
}
