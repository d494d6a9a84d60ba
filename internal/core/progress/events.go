// Package progress defines the typed event stream emitted during deployment,
// upgrade and rollback operations. The orchestration engine publishes events
// to a Sink; delivery transports subscribe independently.
package progress

import (
	"sync"
	"time"
)

// =============================================================================
// Phases
// =============================================================================

// Phase identifies the stage of an operation an event belongs to.
type Phase string

const (
	PhaseDeploying   Phase = "deploying"
	PhasePulling     Phase = "pulling"
	PhaseStarting    Phase = "starting"
	PhaseUpgrading   Phase = "upgrading"
	PhaseRollingBack Phase = "rolling_back"
	PhaseRemoving    Phase = "removing"
	PhaseCompleted   Phase = "completed"
	PhaseError       Phase = "error"
)

// =============================================================================
// Event
// =============================================================================

// Event is one progress notification. Stack and Service are set when the
// event is scoped to a single stack or service; counters let an operator see
// where inside a multi-stack operation a failure occurred without logs.
type Event struct {
	DeploymentID      string    `json:"deployment_id"`
	SessionID         string    `json:"session_id,omitempty"`
	Phase             Phase     `json:"phase"`
	Message           string    `json:"message,omitempty"`
	Percent           int       `json:"percent"`
	Stack             string    `json:"stack,omitempty"`
	Service           string    `json:"service,omitempty"`
	CompletedServices int       `json:"completed_services,omitempty"`
	TotalServices     int       `json:"total_services,omitempty"`
	CompletedStacks   int       `json:"completed_stacks,omitempty"`
	TotalStacks       int       `json:"total_stacks,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// Sink receives progress events. Implementations must not block the
// orchestration loop for long; slow delivery is the transport's problem.
type Sink interface {
	Publish(event Event)
}

// =============================================================================
// Built-in Sinks
// =============================================================================

// Discard is a Sink that drops every event.
var Discard Sink = discardSink{}

type discardSink struct{}

func (discardSink) Publish(Event) {}

// Recorder is a Sink that captures events in order, for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish appends the event to the recorded sequence.
func (r *Recorder) Publish(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events in publish order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Phases returns just the phase of each recorded event, in order.
func (r *Recorder) Phases() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Phase, len(r.events))
	for i, e := range r.events {
		out[i] = e.Phase
	}
	return out
}
