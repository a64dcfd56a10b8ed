package usecase

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"assistant-queue-worker/internal/assistants"
	"assistant-queue-worker/internal/domain"
	"assistant-queue-worker/internal/integrations/openai"
	"assistant-queue-worker/internal/metrics"
)

const (
	goodbyeAnswer = "Goodbye!"
	anonPrefix    = "anon:"

	// DefaultSlowCompletion is when a completion call starts being reported as slow.
	DefaultSlowCompletion = 2 * time.Minute
)

var goodbyeWords = map[string]bool{"bye": true, "exit": true, "end": true}

// Completer is the completion service as seen by the answer flow.
type Completer interface {
	CreateThread(ctx context.Context) (string, error)
	CreateResponse(ctx context.Context, assistantID, threadID, question string) (domain.Completion, error)
}

// ResourcePool hands out assistants. *assistants.Pool satisfies it.
type ResourcePool interface {
	Acquire(ctx context.Context, callerID string) (assistants.Lease, error)
	Resume(callerID, assistantID, threadID string) (assistants.Lease, bool)
	SetThread(lease assistants.Lease, threadID string)
	Release(ctx context.Context, lease assistants.Lease)
	ReleaseCaller(callerID string) bool
	Evict(ctx context.Context, assistantID string)
}

// Sessions is the caller affinity cache. *session.Cache satisfies it.
type Sessions interface {
	Lookup(callerID string) (domain.SessionEntry, bool)
	Put(callerID, assistantID, threadID string)
	Invalidate(callerID string)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// AnswerService answers one question on a pooled assistant, keeping the
// caller on the same assistant and thread across messages.
type AnswerService struct {
	pool      ResourcePool
	sessions  Sessions
	completer Completer

	slowAfter time.Duration
	logger    *slog.Logger
	metrics   metrics.Recorder
	now       func() time.Time
}

type Option func(*AnswerService)

// WithSlowCompletion sets when a completion call is logged as slow. The call
// itself is never cut short.
func WithSlowCompletion(d time.Duration) Option {
	return func(s *AnswerService) {
		if d > 0 {
			s.slowAfter = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *AnswerService) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m metrics.Recorder) Option {
	return func(s *AnswerService) {
		if m != nil {
			s.metrics = m
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *AnswerService) {
		if now != nil {
			s.now = now
		}
	}
}

// AnswerOutput is the result of a processed question.
type AnswerOutput struct {
	Completion  domain.Completion
	AssistantID string
	ThreadID    string
	// Goodbye is set when the question ended the caller's session.
	Goodbye bool
}

func NewAnswerService(pool ResourcePool, sessions Sessions, c Completer, opts ...Option) (*AnswerService, error) {
	if pool == nil {
		return nil, errors.New("usecase: resource pool must not be nil")
	}
	if sessions == nil {
		return nil, errors.New("usecase: session cache must not be nil")
	}
	if c == nil {
		return nil, errors.New("usecase: completer must not be nil")
	}
	s := &AnswerService{
		pool:      pool,
		sessions:  sessions,
		completer: c,
		slowAfter: DefaultSlowCompletion,
		logger:    slog.Default(),
		metrics:   metrics.Nop{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// IsGoodbye reports whether question asks to end the session.
func IsGoodbye(question string) bool {
	return goodbyeWords[strings.ToLower(strings.TrimSpace(question))]
}

// Answer runs req's question through an assistant. A stale assistant or thread
// is replaced and the question retried once.
func (s *AnswerService) Answer(ctx context.Context, req domain.Request) (AnswerOutput, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return AnswerOutput{}, newError(ErrorInvalidInput, "empty_question", nil)
	}
	anonymous := req.CallerID == ""
	callerKey := req.CallerID
	if anonymous {
		callerKey = anonPrefix + req.RequestID
	}

	if IsGoodbye(question) {
		if !anonymous {
			s.sessions.Invalidate(callerKey)
			s.pool.ReleaseCaller(callerKey)
		}
		s.logger.Info("caller ended session", "request_id", req.RequestID, "caller_id", req.CallerID)
		return AnswerOutput{Completion: domain.Completion{Answer: goodbyeAnswer}, Goodbye: true}, nil
	}

	lease, err := s.lease(ctx, req, callerKey, anonymous)
	if err != nil {
		return AnswerOutput{}, classify("assistant_unavailable", err)
	}
	if err := s.ensureThread(ctx, &lease); err != nil {
		s.pool.Release(ctx, lease)
		return AnswerOutput{}, classify("thread_create_error", err)
	}

	completion, err := s.complete(ctx, req, lease, question)
	switch {
	case errors.Is(err, openai.ErrAssistantNotFound):
		s.logger.Warn("assistant is stale, replacing it", "request_id", req.RequestID, "assistant_id", lease.AssistantID)
		lease, err = s.replaceAssistant(ctx, lease)
		if err != nil {
			return AnswerOutput{}, classify("assistant_unavailable", err)
		}
		completion, err = s.complete(ctx, req, lease, question)
	case errors.Is(err, openai.ErrThreadNotFound):
		s.logger.Warn("thread is stale, starting a new one", "request_id", req.RequestID, "thread_id", lease.ThreadID)
		lease.ThreadID = ""
		if terr := s.ensureThread(ctx, &lease); terr != nil {
			s.pool.Release(ctx, lease)
			return AnswerOutput{}, classify("thread_create_error", terr)
		}
		completion, err = s.complete(ctx, req, lease, question)
	}
	if err != nil {
		if !anonymous {
			s.sessions.Invalidate(callerKey)
		}
		s.pool.Release(ctx, lease)
		return AnswerOutput{}, classify("completion_error", err)
	}

	switch {
	case lease.Ephemeral, anonymous:
		s.pool.Release(ctx, lease)
	default:
		s.sessions.Put(callerKey, lease.AssistantID, lease.ThreadID)
	}
	return AnswerOutput{
		Completion:  completion,
		AssistantID: lease.AssistantID,
		ThreadID:    lease.ThreadID,
	}, nil
}

// lease finds the assistant for this request: the caller's live session first,
// then an assistant named in the message, then a fresh acquisition.
func (s *AnswerService) lease(ctx context.Context, req domain.Request, callerKey string, anonymous bool) (assistants.Lease, error) {
	var lease assistants.Lease
	resumed := false
	if !anonymous {
		if entry, ok := s.sessions.Lookup(callerKey); ok {
			lease, resumed = s.pool.Resume(callerKey, entry.AssistantID, entry.ThreadID)
			if !resumed {
				s.sessions.Invalidate(callerKey)
			}
		}
	}
	if !resumed && req.AssistantID != "" {
		lease, resumed = s.pool.Resume(callerKey, req.AssistantID, "")
	}
	if !resumed {
		var err error
		lease, err = s.pool.Acquire(ctx, callerKey)
		if err != nil {
			return assistants.Lease{}, err
		}
	}
	if req.ConversationID != "" && req.ConversationID != lease.ThreadID {
		lease.ThreadID = req.ConversationID
		s.pool.SetThread(lease, lease.ThreadID)
	}
	return lease, nil
}

func (s *AnswerService) ensureThread(ctx context.Context, lease *assistants.Lease) error {
	if lease.ThreadID != "" {
		return nil
	}
	threadID, err := s.completer.CreateThread(ctx)
	if err != nil {
		return err
	}
	lease.ThreadID = threadID
	lease.NewConversation = true
	s.pool.SetThread(*lease, threadID)
	return nil
}

// replaceAssistant evicts the stale assistant behind lease and acquires a
// replacement on a new thread.
func (s *AnswerService) replaceAssistant(ctx context.Context, stale assistants.Lease) (assistants.Lease, error) {
	if stale.Ephemeral {
		s.pool.Release(ctx, stale)
	} else {
		s.pool.Evict(ctx, stale.AssistantID)
	}
	s.sessions.Invalidate(stale.CallerID)

	lease, err := s.pool.Acquire(ctx, stale.CallerID)
	if err != nil {
		return assistants.Lease{}, err
	}
	if err := s.ensureThread(ctx, &lease); err != nil {
		s.pool.Release(ctx, lease)
		return assistants.Lease{}, err
	}
	return lease, nil
}

func (s *AnswerService) complete(ctx context.Context, req domain.Request, lease assistants.Lease, question string) (domain.Completion, error) {
	start := s.now()
	completion, err := s.completer.CreateResponse(ctx, lease.AssistantID, lease.ThreadID, question)
	elapsed := s.now().Sub(start)

	s.metrics.ObserveCompletion(err == nil, completion.Usage.PromptTokens, completion.Usage.CompletionTokens, elapsed)
	if elapsed > s.slowAfter {
		s.logger.Warn("completion exceeded soft timeout",
			"request_id", req.RequestID,
			"assistant_id", lease.AssistantID,
			"duration", elapsed,
			"timeout", s.slowAfter,
		)
	}
	return completion, err
}

func classify(reason string, err error) *Error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newError(ErrorInternal, "interrupted", err)
	case errors.Is(err, openai.ErrAssistantNotFound), errors.Is(err, openai.ErrThreadNotFound):
		return newError(ErrorStaleResource, reason, err)
	}
	if status, ok := upstreamStatusCode(err); ok && status == http.StatusTooManyRequests {
		return newError(ErrorRateLimited, reason, err)
	}
	return newError(ErrorUpstream, reason, err)
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
