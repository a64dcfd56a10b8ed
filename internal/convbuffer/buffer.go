// Package convbuffer batches conversation records before they are written to the store.
package convbuffer

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"assistant-queue-worker/internal/domain"
	"assistant-queue-worker/internal/metrics"
)

// DefaultThreshold is the buffered count that triggers a flush without force.
const DefaultThreshold = 10

// Writer is the store side of the buffer.
type Writer interface {
	BatchPutConversations(ctx context.Context, recs []domain.ConversationRecord) (int, error)
	PutConversation(ctx context.Context, rec domain.ConversationRecord) error
}

// Buffer collects conversation records and writes them in bulk. Records are
// best-effort: a record whose individual write also fails is logged and dropped.
type Buffer struct {
	mu        sync.Mutex
	records   []domain.ConversationRecord
	threshold int

	writer  Writer
	logger  *slog.Logger
	metrics metrics.Recorder
}

type Option func(*Buffer)

func WithThreshold(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.threshold = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Buffer) {
		if l != nil {
			b.logger = l
		}
	}
}

func WithMetrics(m metrics.Recorder) Option {
	return func(b *Buffer) {
		if m != nil {
			b.metrics = m
		}
	}
}

func New(w Writer, opts ...Option) (*Buffer, error) {
	if w == nil {
		return nil, errors.New("convbuffer: writer must not be nil")
	}
	b := &Buffer{
		threshold: DefaultThreshold,
		writer:    w,
		logger:    slog.Default(),
		metrics:   metrics.Nop{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Add appends a record. It never writes; call MaybeFlush afterwards.
func (b *Buffer) Add(rec domain.ConversationRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, rec)
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// MaybeFlush writes the buffered records when force is set or the threshold is
// reached, and returns how many were persisted.
func (b *Buffer) MaybeFlush(ctx context.Context, force bool) int {
	b.mu.Lock()
	if len(b.records) == 0 || (!force && len(b.records) < b.threshold) {
		b.mu.Unlock()
		return 0
	}
	batch := b.records
	b.records = nil
	b.mu.Unlock()

	written, dropped := b.write(ctx, batch)
	b.metrics.ConversationsFlushed(written, dropped)
	return written
}

func (b *Buffer) write(ctx context.Context, batch []domain.ConversationRecord) (written, dropped int) {
	n, err := b.writer.BatchPutConversations(ctx, batch)
	if err == nil {
		b.logger.Debug("flushed conversation records", "count", n)
		return n, 0
	}
	b.logger.Warn("bulk conversation write failed, writing individually",
		"count", len(batch),
		"err", err,
	)

	// Record keys are deterministic, so rewriting records the bulk call already
	// stored overwrites them in place.
	for _, rec := range batch {
		if err := b.writer.PutConversation(ctx, rec); err != nil {
			dropped++
			b.logger.Error("dropping conversation record",
				"request_id", rec.RequestID,
				"caller_id", rec.CallerID,
				"err", err,
			)
			continue
		}
		written++
	}
	return written, dropped
}
