package domain

import "time"

// DefaultRequestKind is applied when a queue message does not name one.
const DefaultRequestKind = "nl2sql_chat"

// RequestStatus is the persisted lifecycle state of a request.
type RequestStatus string

const (
	StatusProcessing RequestStatus = "processing"
	StatusCompleted  RequestStatus = "completed"
	StatusError      RequestStatus = "error"
)

// Terminal reports whether a request in this status must not be processed again.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Request is a question received from the queue. It is immutable once parsed.
type Request struct {
	RequestID      string
	Question       string
	CallerID       string
	RequestKind    string
	ReportName     string
	AssistantID    string
	ConversationID string
}

// RequestRecord is the persisted lifecycle row of a request.
type RequestRecord struct {
	RequestID   string
	Status      RequestStatus
	RequestKind string
	CallerID    string
	AssistantID string
	ThreadID    string
	Result      string
	ErrorDetail string
	// Retryable marks an error recorded while the message was handed back to the
	// queue; a redelivery of such a request is processed again.
	Retryable bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Usage is the token accounting returned by the completion service.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Completion is the answer produced by an assistant run.
type Completion struct {
	Answer  string `json:"answer"`
	Context string `json:"context"`
	Usage   Usage  `json:"token_usage"`
}

// HealthEvent is a best-effort operational record written by the worker.
type HealthEvent struct {
	InstanceID string
	EventType  string
	Details    string
	CreatedAt  time.Time
}
