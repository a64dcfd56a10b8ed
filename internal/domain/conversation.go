package domain

import "time"

// ConversationRecord is one answered question. It is never mutated after creation.
type ConversationRecord struct {
	RequestID   string
	Question    string
	Answer      string
	CallerID    string
	AssistantID string
	ThreadID    string
	ReportName  string
	RequestKind string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ResourceSlot is one entry of the assistant pool.
type ResourceSlot struct {
	AssistantID string
	CallerID    string
	ThreadID    string
	LastUsed    time.Time
	InUse       bool
}

// Assigned reports whether the slot currently belongs to a caller.
func (s ResourceSlot) Assigned() bool {
	return s.CallerID != ""
}

// SessionEntry binds a caller to an assistant and thread for multi-turn dialogue.
type SessionEntry struct {
	CallerID    string
	AssistantID string
	ThreadID    string
	CreatedAt   time.Time
}
