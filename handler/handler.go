// Package handler adapts the message processor to Lambda's SQS event source.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/aws/aws-lambda-go/events"
	"golang.org/x/sync/errgroup"

	"assistant-queue-worker/internal/dispatch"
	"assistant-queue-worker/internal/queue"
)

// Processor decides the disposition of one message.
type Processor interface {
	Process(ctx context.Context, msg queue.Message) dispatch.Outcome
}

// Flusher drains buffered conversation records.
type Flusher interface {
	MaybeFlush(ctx context.Context, force bool) int
}

type Handler struct {
	proc    Processor
	buffer  Flusher
	workers int
	logger  *slog.Logger
}

type Option func(*Handler)

func WithWorkers(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.workers = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHandler(proc Processor, buffer Flusher, opts ...Option) (*Handler, error) {
	if proc == nil {
		return nil, errors.New("handler: processor must not be nil")
	}
	if buffer == nil {
		return nil, errors.New("handler: buffer must not be nil")
	}
	h := &Handler{proc: proc, buffer: buffer, workers: 5, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle processes an SQS batch. Records the processor abandons are reported
// as batch item failures so Lambda leaves them on the queue; every other
// record is deleted when the invocation succeeds.
func (h *Handler) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	outcomes := make([]dispatch.Outcome, len(ev.Records))
	var g errgroup.Group
	g.SetLimit(h.workers)
	for i, rec := range ev.Records {
		g.Go(func() error {
			outcomes[i] = h.proc.Process(ctx, toMessage(rec))
			return nil
		})
	}
	_ = g.Wait()

	h.buffer.MaybeFlush(context.WithoutCancel(ctx), true)

	var resp events.SQSEventResponse
	for _, out := range outcomes {
		if out.Disposition == dispatch.Abandon {
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: out.Message.ID})
		}
	}
	h.logger.Info("processed sqs batch",
		"records", len(ev.Records),
		"failures", len(resp.BatchItemFailures),
	)
	return resp, nil
}

func toMessage(rec events.SQSMessage) queue.Message {
	n, err := strconv.Atoi(rec.Attributes["ApproximateReceiveCount"])
	if err != nil {
		n = 1
	}
	return queue.Message{
		ID:            rec.MessageId,
		ReceiptHandle: rec.ReceiptHandle,
		Body:          rec.Body,
		ReceiveCount:  n,
	}
}
