package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/itinera/itinera/internal/message"
)

// EventType classifies entries on a session's stream channel.
type EventType string

const (
	// EventStarted marks the session's fan-out beginning.
	EventStarted EventType = "started"
	// EventAgentStart marks one agent's request going out.
	EventAgentStart EventType = "agent_start"
	// EventProgress relays a worker's intermediate progress report.
	EventProgress EventType = "progress"
	// EventAgentUpdate marks one agent reaching a terminal status.
	EventAgentUpdate EventType = "agent_update"
	// EventCompleted is the terminal event for completed and partial
	// sessions; Data carries the final state.
	EventCompleted EventType = "completed"
	// EventError is the terminal event for failed and cancelled sessions.
	EventError EventType = "error"
	// EventTimeout marks an agent or session timeout.
	EventTimeout EventType = "timeout"
)

// Terminal reports whether observers should stop reading after this
// event.
func (t EventType) Terminal() bool {
	return t == EventCompleted || t == EventError
}

// StreamEvent is one entry on a session's live stream.
type StreamEvent struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id"`
	Agent     string          `json:"agent,omitempty"`
	Status    string          `json:"status,omitempty"`
	Message   string          `json:"message,omitempty"`
	Percent   int             `json:"percent,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// DecodeStreamPayload parses one delivery off a stream channel. The
// channel carries two shapes: StreamEvents published by the
// orchestrator and progress envelopes published directly by workers;
// the latter are converted so observers see a single event stream.
func DecodeStreamPayload(payload []byte) (StreamEvent, error) {
	var ev StreamEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return StreamEvent{}, fmt.Errorf("decode stream event: %w", err)
	}
	if ev.Type != "" {
		return ev, nil
	}
	env, err := message.Decode(payload)
	if err != nil || env.Action != message.ActionProgress {
		return StreamEvent{}, fmt.Errorf("unrecognized stream payload")
	}
	return StreamEvent{
		Type:      EventProgress,
		SessionID: env.SessionID,
		Agent:     env.Agent,
		Message:   env.Message,
		Percent:   env.Percent,
		Timestamp: env.Timestamp,
	}, nil
}
