package pipeline

// EventKind identifies a progress event emitted by a run.
type EventKind string

const (
	EventStageStart  EventKind = "agent_start"
	EventStageResult EventKind = "tool_result"
	EventValidation  EventKind = "validation"
	EventToken       EventKind = "token"
	EventComplete    EventKind = "complete"
	EventError       EventKind = "error"
)

// Agent names used in event payloads.
const (
	AgentRouter     = "router"
	AgentResearcher = "researcher"
	AgentAnalyst    = "analyst"
	AgentCritic     = "critic"
)

// Event is a progress notification. Data is JSON-compatible.
type Event struct {
	Kind EventKind
	Data map[string]any
}

// Observer receives events in order on the run's goroutine. Implementations
// must not block; events never influence the run.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Observers fans events out to several observers in order.
type Observers []Observer

func (obs Observers) Observe(e Event) {
	for _, o := range obs {
		if o != nil {
			o.Observe(e)
		}
	}
}

type nopObserver struct{}

func (nopObserver) Observe(Event) {}
