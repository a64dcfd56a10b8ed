package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

const (
	maxBatch    = 10 // ReceiveMessage hard limit
	maxWaitTime = 20 * time.Second
)

// sqsAPI is the minimal SQS interface required by Receiver.
// *sqs.Client satisfies it.
type sqsAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Receiver pulls batches from one SQS queue. It is not safe for concurrent use;
// the dispatch loop is its only caller.
type Receiver struct {
	api         sqsAPI
	queueURL    string
	maxMessages int32
	waitTime    time.Duration
	visibility  time.Duration
}

type Option func(*Receiver)

// WithMaxMessages sets the batch size, clamped to 1..10.
func WithMaxMessages(n int) Option {
	return func(r *Receiver) {
		r.maxMessages = int32(min(max(n, 1), maxBatch))
	}
}

// WithWaitTime sets the long-poll wait, capped at 20s.
func WithWaitTime(d time.Duration) Option {
	return func(r *Receiver) {
		r.waitTime = min(max(d, 0), maxWaitTime)
	}
}

// WithVisibilityTimeout overrides the queue's visibility timeout for received messages.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(r *Receiver) {
		if d > 0 {
			r.visibility = d
		}
	}
}

func NewReceiver(api sqsAPI, queueURL string, opts ...Option) (*Receiver, error) {
	if api == nil {
		return nil, errors.New("queue: api must not be nil")
	}
	if strings.TrimSpace(queueURL) == "" {
		return nil, errors.New("queue: queue url must not be empty")
	}
	r := &Receiver{
		api:         api,
		queueURL:    queueURL,
		maxMessages: maxBatch,
		waitTime:    maxWaitTime,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Receive long-polls for up to one batch. An empty slice means the wait elapsed.
func (r *Receiver) Receive(ctx context.Context) ([]Message, error) {
	in := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(r.queueURL),
		MaxNumberOfMessages: r.maxMessages,
		WaitTimeSeconds:     int32(r.waitTime / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	}
	if r.visibility > 0 {
		in.VisibilityTimeout = int32(r.visibility / time.Second)
	}
	out, err := r.api.ReceiveMessage(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("queue: Receive: %w", err)
	}
	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msg := Message{
			ID:            aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          aws.ToString(m.Body),
		}
		if v, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
			msg.ReceiveCount, _ = strconv.Atoi(v)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Ack deletes the message from the queue.
func (r *Receiver) Ack(ctx context.Context, msg Message) error {
	_, err := r.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(r.queueURL),
		ReceiptHandle: aws.String(msg.ReceiptHandle),
	})
	if err != nil {
		return fmt.Errorf("queue: Ack %s: %w", msg.ID, err)
	}
	return nil
}

// Abandon makes the message visible again immediately so it is redelivered.
func (r *Receiver) Abandon(ctx context.Context, msg Message) error {
	_, err := r.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(r.queueURL),
		ReceiptHandle:     aws.String(msg.ReceiptHandle),
		VisibilityTimeout: 0,
	})
	if err != nil {
		return fmt.Errorf("queue: Abandon %s: %w", msg.ID, err)
	}
	return nil
}

// Depth returns the approximate number of visible messages. The health monitor
// uses it as a connectivity check.
func (r *Receiver) Depth(ctx context.Context) (int, error) {
	out, err := r.api.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(r.queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, fmt.Errorf("queue: Depth: %w", err)
	}
	n, err := strconv.Atoi(out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)])
	if err != nil {
		return 0, fmt.Errorf("queue: Depth decode: %w", err)
	}
	return n, nil
}
