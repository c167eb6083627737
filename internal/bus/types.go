package bus

import "time"

// Lifecycle event names. Every significant step of a message's journey
// through the daemon emits one of these.
const (
	EventMessageReceived = "message_received"
	EventMessageEnqueued = "message_enqueued"
	EventAgentRouted     = "agent_routed"
	EventChainStepStart  = "chain_step_start"
	EventChainStepDone   = "chain_step_done"
	EventResponseReady   = "response_ready"
	EventTeamChainStart  = "team_chain_start"
	EventChainHandoff    = "chain_handoff"
	EventTeamChainEnd    = "team_chain_end"
	EventProcessorStart  = "processor_start"
)

// Event is an advisory lifecycle notification. Payload carries the ids
// and names of the agents and teams involved.
type Event struct {
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}

// EventHandler handles a broadcast event. Handlers must not block.
type EventHandler func(Event)

// Publisher abstracts event broadcast + subscription.
// Used by the gateway server, adapters, and the dispatcher to decouple
// from the concrete Bus.
type Publisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
	Emit(name string, payload map[string]any)
}
