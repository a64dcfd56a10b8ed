// Package queue is the SQS boundary: receiving, acknowledging and abandoning
// messages, and parsing their bodies into requests.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"assistant-queue-worker/internal/domain"
)

// ErrMalformed marks a message that can never be processed. Such messages are
// acknowledged and discarded instead of redelivered.
var ErrMalformed = errors.New("queue: malformed message")

// Message is one received queue message.
type Message struct {
	ID            string
	ReceiptHandle string
	Body          string
	ReceiveCount  int
}

// body accepts both the current field names and the legacy ones still sent by
// older producers (assistant_id, thread_id, user_email, request_type).
type body struct {
	RequestID            string `json:"request_id"`
	Question             string `json:"question"`
	ResourceHandleID     string `json:"resource_handle_id"`
	AssistantID          string `json:"assistant_id"`
	ConversationHandleID string `json:"conversation_handle_id"`
	ThreadID             string `json:"thread_id"`
	CallerID             string `json:"caller_id"`
	UserEmail            string `json:"user_email"`
	RequestKind          string `json:"request_kind"`
	RequestType          string `json:"request_type"`
	ReportName           string `json:"report_name"`
}

// ParseRequest decodes a message body. Any returned error wraps ErrMalformed;
// the partially decoded request is returned alongside it for logging.
func ParseRequest(raw string) (domain.Request, error) {
	var b body
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return domain.Request{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	req := domain.Request{
		RequestID:      strings.TrimSpace(b.RequestID),
		Question:       strings.TrimSpace(b.Question),
		CallerID:       firstNonEmpty(b.CallerID, b.UserEmail),
		RequestKind:    firstNonEmpty(b.RequestKind, b.RequestType, domain.DefaultRequestKind),
		ReportName:     strings.TrimSpace(b.ReportName),
		AssistantID:    firstNonEmpty(b.ResourceHandleID, b.AssistantID),
		ConversationID: firstNonEmpty(b.ConversationHandleID, b.ThreadID),
	}
	if req.RequestID == "" {
		return req, fmt.Errorf("%w: request_id is required", ErrMalformed)
	}
	if req.Question == "" {
		return req, fmt.Errorf("%w: question is required", ErrMalformed)
	}
	return req, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
