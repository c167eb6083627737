// Package protocol defines the wire frames pushed over the gateway's
// /ws event stream. External dashboards and the `crewd tail` command
// decode these without importing daemon internals.
package protocol

import "time"

// Frame types sent from server to client.
const (
	FrameHello = "hello"
	FrameEvent = "event"
)

// Lifecycle event names carried in EventFrame.Name. These mirror the
// daemon's event bus one-to-one.
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

// EventShutdown is pushed to connected clients just before the daemon
// stops accepting work. It never crosses the bus.
const EventShutdown = "shutdown"

// HelloFrame is the first frame sent after a client connects.
type HelloFrame struct {
	Type     string `json:"type"` // FrameHello
	Server   string `json:"server"`
	Version  string `json:"version"`
	ClientID string `json:"clientId"`
}

// EventFrame wraps one lifecycle event.
type EventFrame struct {
	Type    string         `json:"type"` // FrameEvent
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}

// NewEvent builds an EventFrame stamped with the current time.
func NewEvent(name string, payload map[string]any) *EventFrame {
	return &EventFrame{
		Type:    FrameEvent,
		Name:    name,
		Payload: payload,
		At:      time.Now().UTC(),
	}
}
