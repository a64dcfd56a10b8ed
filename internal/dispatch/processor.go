// Package dispatch drains the queue: a Processor decides what happens to each
// message and the Loop, the only owner of the receiver, applies the decisions.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"assistant-queue-worker/internal/domain"
	"assistant-queue-worker/internal/metrics"
	"assistant-queue-worker/internal/queue"
	"assistant-queue-worker/internal/usecase"
)

// Disposition is what the receiver must do with a processed message.
type Disposition int

const (
	// Ack removes the message from the queue.
	Ack Disposition = iota
	// Abandon returns the message to the queue for redelivery.
	Abandon
)

func (d Disposition) String() string {
	if d == Abandon {
		return "abandon"
	}
	return "ack"
}

// Outcome statuses, also used as metric labels.
const (
	StatusCompleted = "completed"
	StatusError     = "error"
	StatusDuplicate = "duplicate"
	StatusPoison    = "poison"
	StatusAbandoned = "abandoned"
)

// Outcome is a worker's verdict on one message.
type Outcome struct {
	Message     queue.Message
	RequestID   string
	Disposition Disposition
	Status      string
	Err         error
}

// Claimer guarantees a request is worked on by one worker at a time.
// *inflight.Tracker satisfies it.
type Claimer interface {
	Claim(requestID string) (release func(), ok bool)
	Len() int
}

// RequestStore persists request lifecycle rows.
type RequestStore interface {
	GetRequest(ctx context.Context, requestID string) (domain.RequestRecord, bool, error)
	SaveRequest(ctx context.Context, rec domain.RequestRecord) error
}

// Answerer produces the answer to a request. *usecase.AnswerService satisfies it.
type Answerer interface {
	Answer(ctx context.Context, req domain.Request) (usecase.AnswerOutput, error)
}

// ConversationSink buffers conversation records. *convbuffer.Buffer satisfies it.
type ConversationSink interface {
	Add(rec domain.ConversationRecord)
	MaybeFlush(ctx context.Context, force bool) int
}

// Processor runs the per-message state machine: claim, status check, mark
// processing, answer, record the result.
type Processor struct {
	claims   Claimer
	store    RequestStore
	answerer Answerer
	sink     ConversationSink

	// redeliverRetryable lets a request whose error was recorded as retryable
	// be processed again when its message comes back.
	redeliverRetryable bool

	logger  *slog.Logger
	metrics metrics.Recorder
	now     func() time.Time
}

type ProcessorOption func(*Processor)

func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithProcessorMetrics(m metrics.Recorder) ProcessorOption {
	return func(p *Processor) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithRetryableRedelivery makes a redelivered request whose last attempt ended
// in a retryable error run again. By default every recorded error is final.
func WithRetryableRedelivery(on bool) ProcessorOption {
	return func(p *Processor) {
		p.redeliverRetryable = on
	}
}

func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

func NewProcessor(claims Claimer, store RequestStore, answerer Answerer, sink ConversationSink, opts ...ProcessorOption) (*Processor, error) {
	if claims == nil {
		return nil, errors.New("dispatch: claimer must not be nil")
	}
	if store == nil {
		return nil, errors.New("dispatch: request store must not be nil")
	}
	if answerer == nil {
		return nil, errors.New("dispatch: answerer must not be nil")
	}
	if sink == nil {
		return nil, errors.New("dispatch: conversation sink must not be nil")
	}
	p := &Processor{
		claims:   claims,
		store:    store,
		answerer: answerer,
		sink:     sink,
		logger:   slog.Default(),
		metrics:  metrics.Nop{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Process handles one message and returns what to do with it. It never
// touches the receiver and never panics.
func (p *Processor) Process(ctx context.Context, msg queue.Message) (out Outcome) {
	start := p.now()
	out = Outcome{Message: msg}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic while processing message",
				"message_id", msg.ID,
				"request_id", out.RequestID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			out.Disposition = Abandon
			out.Status = StatusAbandoned
			out.Err = fmt.Errorf("dispatch: panic: %v", r)
			if out.RequestID != "" {
				p.recordRetryable(ctx, domain.Request{RequestID: out.RequestID}, out.Err)
			}
		}
		p.metrics.ObserveRequest(out.Status, p.now().Sub(start))
	}()

	req, err := queue.ParseRequest(msg.Body)
	out.RequestID = req.RequestID
	if err != nil {
		p.logger.Warn("discarding malformed message", "message_id", msg.ID, "request_id", req.RequestID, "err", err)
		return p.finish(out, Ack, StatusPoison, err)
	}
	log := p.logger.With("request_id", req.RequestID, "message_id", msg.ID)
	if msg.ReceiveCount > 1 {
		log.Info("message redelivered", "receive_count", msg.ReceiveCount)
	}

	release, ok := p.claims.Claim(req.RequestID)
	if !ok {
		log.Info("request already in flight, discarding duplicate")
		return p.finish(out, Ack, StatusDuplicate, nil)
	}
	p.metrics.SetInFlight(p.claims.Len())
	defer func() {
		release()
		p.metrics.SetInFlight(p.claims.Len())
	}()

	rec, found, err := p.store.GetRequest(ctx, req.RequestID)
	if err != nil {
		log.Error("failed to read request status", "err", err)
		return p.finish(out, Abandon, StatusAbandoned, err)
	}
	if found && rec.Status.Terminal() && !p.retryable(rec) {
		log.Info("request already finished, discarding duplicate", "status", string(rec.Status))
		return p.finish(out, Ack, StatusDuplicate, nil)
	}

	if err := p.store.SaveRequest(ctx, domain.RequestRecord{
		RequestID:   req.RequestID,
		Status:      domain.StatusProcessing,
		RequestKind: req.RequestKind,
		CallerID:    req.CallerID,
		AssistantID: req.AssistantID,
		ThreadID:    req.ConversationID,
	}); err != nil {
		log.Error("failed to mark request processing", "err", err)
		return p.finish(out, Abandon, StatusAbandoned, err)
	}

	log.Info("processing question", "caller_id", req.CallerID, "request_kind", req.RequestKind)
	answer, err := p.answerer.Answer(ctx, req)
	// The outcome must be recorded even when shutdown has begun.
	persistCtx := context.WithoutCancel(ctx)
	if err != nil {
		var ue *usecase.Error
		if errors.As(err, &ue) && ue.Terminal() {
			log.Warn("question failed", "code", string(ue.Code), "reason", ue.Reason, "err", err)
			if serr := p.store.SaveRequest(persistCtx, p.errorRecord(req, err, false)); serr != nil {
				log.Error("failed to record request error", "err", serr)
				return p.finish(out, Abandon, StatusAbandoned, serr)
			}
			return p.finish(out, Ack, StatusError, err)
		}
		log.Error("unexpected failure, returning message to queue", "err", err)
		p.recordRetryable(persistCtx, req, err)
		return p.finish(out, Abandon, StatusAbandoned, err)
	}

	result, err := json.Marshal(answer.Completion)
	if err != nil {
		return p.finish(out, Abandon, StatusAbandoned, fmt.Errorf("dispatch: encode result: %w", err))
	}
	if err := p.store.SaveRequest(persistCtx, domain.RequestRecord{
		RequestID:   req.RequestID,
		Status:      domain.StatusCompleted,
		RequestKind: req.RequestKind,
		CallerID:    req.CallerID,
		AssistantID: answer.AssistantID,
		ThreadID:    answer.ThreadID,
		Result:      string(result),
	}); err != nil {
		log.Error("failed to record completed request", "err", err)
		return p.finish(out, Abandon, StatusAbandoned, err)
	}
	// Buffered only after the completed status is stored.
	if !answer.Goodbye {
		now := p.now()
		p.sink.Add(domain.ConversationRecord{
			RequestID:   req.RequestID,
			Question:    req.Question,
			Answer:      answer.Completion.Answer,
			CallerID:    req.CallerID,
			AssistantID: answer.AssistantID,
			ThreadID:    answer.ThreadID,
			ReportName:  req.ReportName,
			RequestKind: req.RequestKind,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	p.sink.MaybeFlush(persistCtx, true)

	log.Info("completed question",
		"assistant_id", answer.AssistantID,
		"thread_id", answer.ThreadID,
		"total_tokens", answer.Completion.Usage.TotalTokens,
		"duration", p.now().Sub(start),
	)
	return p.finish(out, Ack, StatusCompleted, nil)
}

func (p *Processor) retryable(rec domain.RequestRecord) bool {
	return p.redeliverRetryable && rec.Status == domain.StatusError && rec.Retryable
}

func (p *Processor) finish(out Outcome, d Disposition, status string, err error) Outcome {
	out.Disposition = d
	out.Status = status
	out.Err = err
	return out
}

func (p *Processor) errorRecord(req domain.Request, err error, retryable bool) domain.RequestRecord {
	return domain.RequestRecord{
		RequestID:   req.RequestID,
		Status:      domain.StatusError,
		RequestKind: req.RequestKind,
		CallerID:    req.CallerID,
		ErrorDetail: err.Error(),
		Retryable:   retryable,
	}
}

// recordRetryable marks a request failed in a way that lets a redelivery
// process it again. It is best-effort.
func (p *Processor) recordRetryable(ctx context.Context, req domain.Request, cause error) {
	if err := p.store.SaveRequest(context.WithoutCancel(ctx), p.errorRecord(req, cause, true)); err != nil {
		p.logger.Warn("failed to record retryable error", "request_id", req.RequestID, "err", err)
	}
}
