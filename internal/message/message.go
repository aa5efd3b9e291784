package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action discriminates the kinds of envelopes carried on the bus.
type Action string

const (
	// ActionRequest asks an agent to perform its domain work.
	ActionRequest Action = "request"
	// ActionResponse carries an agent's result back to the orchestrator.
	ActionResponse Action = "response"
	// ActionError reports a failure that produced no result.
	ActionError Action = "error"
	// ActionCancel tells a session's collaborators to stop.
	ActionCancel Action = "cancel"
	// ActionHealthCheck announces worker liveness on the shared health channel.
	ActionHealthCheck Action = "health_check"
	// ActionProgress streams an intermediate status update to observers.
	ActionProgress Action = "progress"
)

// Priority orders message handling when consumers care to honor it.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// MaxRetries bounds the retry counter carried in metadata.
const MaxRetries = 5

// Metadata carries handling hints alongside an envelope.
type Metadata struct {
	RetryCount    int      `json:"retry_count"`
	TimeoutMS     int64    `json:"timeout_ms"`
	Priority      Priority `json:"priority"`
	CorrelationID string   `json:"correlation_id,omitempty"`
}

// Envelope is the unit of communication between the orchestrator and
// workers. One struct covers every action; optional sections are only
// populated for the actions that use them.
type Envelope struct {
	SessionID string    `json:"session_id"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Agent     string    `json:"agent"`
	Action    Action    `json:"action"`
	Metadata  Metadata  `json:"metadata"`

	// Request payload (action=request).
	Payload json.RawMessage `json:"payload,omitempty"`

	// Response fields (action=response or error).
	Success          bool            `json:"success,omitempty"`
	Data             json.RawMessage `json:"data,omitempty"`
	Error            string          `json:"error,omitempty"`
	ProcessingTimeMS int64           `json:"processing_time_ms,omitempty"`

	// Progress fields (action=progress).
	Message string `json:"message,omitempty"`
	Percent int    `json:"percent,omitempty"`

	// Health fields (action=health_check).
	Status        string `json:"status,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds,omitempty"`

	// Cancel fields (action=cancel).
	Reason string `json:"reason,omitempty"`
}

// NewRequest builds a request envelope for an agent with the given
// payload and timeout budget.
func NewRequest(sessionID, agent string, payload json.RawMessage, timeout time.Duration) *Envelope {
	return &Envelope{
		SessionID: sessionID,
		RequestID: uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Agent:     agent,
		Action:    ActionRequest,
		Payload:   payload,
		Metadata: Metadata{
			TimeoutMS: timeout.Milliseconds(),
			Priority:  PriorityNormal,
		},
	}
}

// NewResponse builds a successful response correlated to a request.
func NewResponse(req *Envelope, data json.RawMessage, elapsed time.Duration) *Envelope {
	return &Envelope{
		SessionID:        req.SessionID,
		RequestID:        uuid.NewString(),
		Timestamp:        time.Now().UTC(),
		Agent:            req.Agent,
		Action:           ActionResponse,
		Success:          true,
		Data:             data,
		ProcessingTimeMS: elapsed.Milliseconds(),
		Metadata: Metadata{
			Priority:      req.Metadata.Priority,
			CorrelationID: req.RequestID,
		},
	}
}

// NewErrorResponse builds a failed response correlated to a request.
// Workers use this for validation failures, domain errors, and
// internal panics alike: a request always gets an answer.
func NewErrorResponse(req *Envelope, reason string, elapsed time.Duration) *Envelope {
	return &Envelope{
		SessionID:        req.SessionID,
		RequestID:        uuid.NewString(),
		Timestamp:        time.Now().UTC(),
		Agent:            req.Agent,
		Action:           ActionError,
		Success:          false,
		Error:            reason,
		ProcessingTimeMS: elapsed.Milliseconds(),
		Metadata: Metadata{
			Priority:      req.Metadata.Priority,
			CorrelationID: req.RequestID,
		},
	}
}

// NewProgress builds a progress envelope for a session's stream channel.
func NewProgress(sessionID, agent, msg string, percent int) *Envelope {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return &Envelope{
		SessionID: sessionID,
		RequestID: uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Agent:     agent,
		Action:    ActionProgress,
		Message:   msg,
		Percent:   percent,
		Metadata:  Metadata{Priority: PriorityLow},
	}
}

// NewCancel builds a cancel signal for a session's control channel.
func NewCancel(sessionID, reason string) *Envelope {
	return &Envelope{
		SessionID: sessionID,
		RequestID: uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Agent:     "orchestrator",
		Action:    ActionCancel,
		Reason:    reason,
		Metadata:  Metadata{Priority: PriorityUrgent},
	}
}

// NewHealth builds a liveness announcement for the shared health channel.
func NewHealth(agent, status string, uptime time.Duration) *Envelope {
	return &Envelope{
		SessionID:     "health",
		RequestID:     uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Agent:         agent,
		Action:        ActionHealthCheck,
		Status:        status,
		UptimeSeconds: int64(uptime.Seconds()),
		Metadata:      Metadata{Priority: PriorityLow},
	}
}

// Encode serializes an envelope for the wire.
func Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses an envelope off the wire.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// ValidateRequest checks the structural invariants of a request before
// a worker acts on it.
func ValidateRequest(env *Envelope) error {
	if env.SessionID == "" {
		return fmt.Errorf("missing session_id")
	}
	if env.RequestID == "" {
		return fmt.Errorf("missing request_id")
	}
	if env.Action != ActionRequest {
		return fmt.Errorf("expected request action, got %q", env.Action)
	}
	if env.Agent == "" {
		return fmt.Errorf("missing agent")
	}
	if env.Metadata.RetryCount > MaxRetries {
		return fmt.Errorf("retry count %d exceeds limit %d", env.Metadata.RetryCount, MaxRetries)
	}
	if env.Metadata.TimeoutMS <= 0 {
		return fmt.Errorf("timeout budget must be positive, got %dms", env.Metadata.TimeoutMS)
	}
	return nil
}

// ValidateResponse checks that a response belongs to the given request.
func ValidateResponse(resp, req *Envelope) error {
	if resp.SessionID != req.SessionID {
		return fmt.Errorf("session id mismatch: %s != %s", resp.SessionID, req.SessionID)
	}
	if resp.Metadata.CorrelationID != req.RequestID {
		return fmt.Errorf("correlation id %s does not match request %s", resp.Metadata.CorrelationID, req.RequestID)
	}
	if resp.Action != ActionResponse && resp.Action != ActionError {
		return fmt.Errorf("expected response or error action, got %q", resp.Action)
	}
	if !resp.Success && resp.Error == "" {
		return fmt.Errorf("failed response must carry an error message")
	}
	return nil
}
