package repository

import (
	"context"
	"errors"
	"time"

	"assistant-queue-worker/internal/domain"
	"assistant-queue-worker/internal/retry"
)

// Retrying wraps a Store so every operation is retried on transient failures.
type Retrying struct {
	next Store
	r    *retry.Retrier
}

var _ Store = (*Retrying)(nil)

// NewRetrying wraps next with the given retrier.
func NewRetrying(next Store, r *retry.Retrier) (*Retrying, error) {
	if next == nil {
		return nil, errors.New("repository: store must not be nil")
	}
	if r == nil {
		return nil, errors.New("repository: retrier must not be nil")
	}
	return &Retrying{next: next, r: r}, nil
}

func (s *Retrying) SaveRequest(ctx context.Context, rec domain.RequestRecord) error {
	return s.r.Do(ctx, "SaveRequest", func(ctx context.Context) error {
		return s.next.SaveRequest(ctx, rec)
	})
}

func (s *Retrying) GetRequest(ctx context.Context, requestID string) (domain.RequestRecord, bool, error) {
	var (
		rec   domain.RequestRecord
		found bool
	)
	err := s.r.Do(ctx, "GetRequest", func(ctx context.Context) error {
		var err error
		rec, found, err = s.next.GetRequest(ctx, requestID)
		return err
	})
	return rec, found, err
}

func (s *Retrying) PutConversation(ctx context.Context, rec domain.ConversationRecord) error {
	return s.r.Do(ctx, "PutConversation", func(ctx context.Context) error {
		return s.next.PutConversation(ctx, rec)
	})
}

// BatchPutConversations is retried as a whole; conversation keys are
// deterministic so resubmitting already-written records is harmless.
func (s *Retrying) BatchPutConversations(ctx context.Context, recs []domain.ConversationRecord) (int, error) {
	return retry.Value(ctx, s.r, "BatchPutConversations", func(ctx context.Context) (int, error) {
		return s.next.BatchPutConversations(ctx, recs)
	})
}

func (s *Retrying) ListPoolMembers(ctx context.Context) ([]string, error) {
	return retry.Value(ctx, s.r, "ListPoolMembers", s.next.ListPoolMembers)
}

func (s *Retrying) PutPoolMember(ctx context.Context, assistantID string) error {
	return s.r.Do(ctx, "PutPoolMember", func(ctx context.Context) error {
		return s.next.PutPoolMember(ctx, assistantID)
	})
}

func (s *Retrying) DeletePoolMember(ctx context.Context, assistantID string) error {
	return s.r.Do(ctx, "DeletePoolMember", func(ctx context.Context) error {
		return s.next.DeletePoolMember(ctx, assistantID)
	})
}

func (s *Retrying) PutHealthEvent(ctx context.Context, ev domain.HealthEvent) error {
	return s.r.Do(ctx, "PutHealthEvent", func(ctx context.Context) error {
		return s.next.PutHealthEvent(ctx, ev)
	})
}

func (s *Retrying) DeleteCreatedBefore(ctx context.Context, entity string, cutoff time.Time) (int, error) {
	total := 0
	err := s.r.Do(ctx, "DeleteCreatedBefore", func(ctx context.Context) error {
		n, err := s.next.DeleteCreatedBefore(ctx, entity, cutoff)
		total += n
		return err
	})
	return total, err
}

// Ping is not retried: the health monitor counts each failed check itself.
func (s *Retrying) Ping(ctx context.Context) error {
	return s.next.Ping(ctx)
}
