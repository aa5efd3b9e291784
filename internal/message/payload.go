package message

import "encoding/json"

// TripPayload is the request payload every planning agent receives.
// Dependent agents additionally get the settled outputs of their
// upstream agents in AgentResults.
type TripPayload struct {
	Destination    string         `json:"destination"`
	Origin         string         `json:"origin"`
	TravelDates    []string       `json:"travel_dates"`
	TravelersCount int            `json:"travelers_count"`
	BudgetRange    string         `json:"budget_range,omitempty"`
	Preferences    map[string]any `json:"preferences,omitempty"`

	AgentResults map[string]UpstreamResult `json:"agent_results,omitempty"`
}

// UpstreamResult is one upstream agent's settled outcome as carried in
// a dependent agent's request payload.
type UpstreamResult struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// DecodeTripPayload parses an agent request payload.
func DecodeTripPayload(data json.RawMessage) (*TripPayload, error) {
	var p TripPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
