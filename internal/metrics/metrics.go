// Package metrics records worker activity. Prometheus backs it in production; Nop
// is used by tests and when no metrics address is configured.
package metrics

import "time"

// Recorder is the set of measurements the worker emits.
type Recorder interface {
	// ObserveRequest records one processed message by status (completed, error,
	// duplicate, poison, abandoned) and how long the worker spent on it.
	ObserveRequest(status string, d time.Duration)
	// ObserveCompletion records a completion call and its token usage.
	ObserveCompletion(success bool, promptTokens, completionTokens int64, d time.Duration)
	ConversationsFlushed(written, dropped int)
	SetPoolSize(n int)
	IncEmergencyAssistant()
	IncEviction(reason string)
	SetInFlight(n int)
	IncQueueError()
	SetHealthy(ok bool)
}

// Nop discards every measurement.
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) ObserveRequest(string, time.Duration) {}
func (Nop) ObserveCompletion(bool, int64, int64, time.Duration) {}
func (Nop) ConversationsFlushed(int, int) {}
func (Nop) SetPoolSize(int) {}
func (Nop) IncEmergencyAssistant() {}
func (Nop) IncEviction(string) {}
func (Nop) SetInFlight(int) {}
func (Nop) IncQueueError() {}
func (Nop) SetHealthy(bool) {}
