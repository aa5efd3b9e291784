package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the overall lifecycle state of a planning session. Once a
// terminal value is assigned it never changes.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusPartial    Status = "partial"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is one of the four final values.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// AgentStatus tracks one agent's progress within a session.
// Transitions are monotonic: pending -> processing -> one of the
// terminal values, with no re-entry.
type AgentStatus string

const (
	AgentPending    AgentStatus = "pending"
	AgentProcessing AgentStatus = "processing"
	AgentCompleted  AgentStatus = "completed"
	AgentFailed     AgentStatus = "failed"
	AgentTimedOut   AgentStatus = "timed_out"
)

// Terminal reports whether an agent slot can no longer change.
func (s AgentStatus) Terminal() bool {
	switch s {
	case AgentCompleted, AgentFailed, AgentTimedOut:
		return true
	}
	return false
}

// rank orders agent statuses for the monotonicity check.
func (s AgentStatus) rank() int {
	switch s {
	case AgentPending:
		return 0
	case AgentProcessing:
		return 1
	default:
		return 2
	}
}

// TripRequest holds the normalized parameters of one planning request.
type TripRequest struct {
	Destination    string         `json:"destination"`
	Origin         string         `json:"origin"`
	TravelDates    []string       `json:"travel_dates"`
	TravelersCount int            `json:"travelers_count"`
	BudgetRange    string         `json:"budget_range,omitempty"`
	Preferences    map[string]any `json:"preferences,omitempty"`
}

// Validate rejects requests that cannot be dispatched.
func (r *TripRequest) Validate() error {
	if r.Destination == "" {
		return fmt.Errorf("destination is required")
	}
	if r.Origin == "" {
		return fmt.Errorf("origin is required")
	}
	if len(r.TravelDates) == 0 {
		return fmt.Errorf("at least one travel date is required")
	}
	for _, d := range r.TravelDates {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return fmt.Errorf("invalid travel date %q: %w", d, err)
		}
	}
	if r.TravelersCount < 1 {
		return fmt.Errorf("travelers_count must be at least 1")
	}
	return nil
}

// AgentResult is one agent's slot in the session record: its status
// plus whatever payload or error it produced.
type AgentResult struct {
	Status    AgentStatus     `json:"status"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// State is the persisted record of one planning session.
type State struct {
	ID         string                  `json:"id"`
	CreatedAt  time.Time               `json:"created_at"`
	Request    TripRequest             `json:"request"`
	Status     Status                  `json:"status"`
	Agents     map[string]*AgentResult `json:"agents"`
	Summary    string                  `json:"summary,omitempty"`
	TerminalAt *time.Time              `json:"terminal_at,omitempty"`
}

// New builds the initial state for a session: overall in_progress,
// every registered agent pending.
func New(id string, req TripRequest, agents []string) *State {
	slots := make(map[string]*AgentResult, len(agents))
	now := time.Now().UTC()
	for _, name := range agents {
		slots[name] = &AgentResult{Status: AgentPending, UpdatedAt: now}
	}
	return &State{
		ID:        id,
		CreatedAt: now,
		Request:   req,
		Status:    StatusInProgress,
		Agents:    slots,
	}
}

// SetAgentStatus advances one agent's slot. Returns false without
// mutating when the transition would move backwards or the slot is
// already terminal, which makes duplicate and late responses no-ops.
func (s *State) SetAgentStatus(agent string, status AgentStatus) bool {
	slot, ok := s.Agents[agent]
	if !ok {
		return false
	}
	if slot.Status.Terminal() || status.rank() < slot.Status.rank() {
		return false
	}
	slot.Status = status
	slot.UpdatedAt = time.Now().UTC()
	return true
}

// SetAgentResult records an agent's payload (or error) together with
// its terminal status, subject to the same monotonicity rule.
func (s *State) SetAgentResult(agent string, status AgentStatus, data json.RawMessage, errMsg string) bool {
	if !s.SetAgentStatus(agent, status) {
		return false
	}
	slot := s.Agents[agent]
	slot.Data = data
	slot.Error = errMsg
	return true
}

// Finalize assigns the overall terminal status exactly once. Returns
// false when the session is already terminal.
func (s *State) Finalize(status Status) bool {
	if s.Status.Terminal() {
		return false
	}
	if !status.Terminal() {
		return false
	}
	s.Status = status
	now := time.Now().UTC()
	s.TerminalAt = &now
	return true
}

// CompletedAgents lists agents that produced data.
func (s *State) CompletedAgents() []string {
	return s.agentsWith(AgentCompleted)
}

// FailedAgents lists agents that failed or timed out.
func (s *State) FailedAgents() []string {
	out := s.agentsWith(AgentFailed)
	return append(out, s.agentsWith(AgentTimedOut)...)
}

func (s *State) agentsWith(status AgentStatus) []string {
	var out []string
	for name, slot := range s.Agents {
		if slot.Status == status {
			out = append(out, name)
		}
	}
	return out
}

// AllTerminal reports whether every agent slot reached a terminal
// status, which is half of the finalization predicate.
func (s *State) AllTerminal() bool {
	for _, slot := range s.Agents {
		if !slot.Status.Terminal() {
			return false
		}
	}
	return true
}

// Clone deep-copies the state so stores can hand out snapshots without
// aliasing their internal records.
func (s *State) Clone() *State {
	out := *s
	out.Agents = make(map[string]*AgentResult, len(s.Agents))
	for name, slot := range s.Agents {
		copied := *slot
		if slot.Data != nil {
			copied.Data = append(json.RawMessage(nil), slot.Data...)
		}
		out.Agents[name] = &copied
	}
	if s.TerminalAt != nil {
		t := *s.TerminalAt
		out.TerminalAt = &t
	}
	if s.Request.TravelDates != nil {
		out.Request.TravelDates = append([]string(nil), s.Request.TravelDates...)
	}
	if s.Request.Preferences != nil {
		prefs := make(map[string]any, len(s.Request.Preferences))
		for k, v := range s.Request.Preferences {
			prefs[k] = v
		}
		out.Request.Preferences = prefs
	}
	return &out
}
