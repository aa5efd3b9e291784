// Package handlers provides the built-in planning agents. Domain data
// is synthesized deterministically from the request so tests and demo
// deployments behave the same on every run; wiring real providers in
// is a per-handler swap behind the worker.Handler interface.
package handlers

import (
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/itinera/itinera/internal/agent"
	"github.com/itinera/itinera/internal/message"
	"github.com/itinera/itinera/internal/worker"
)

// All returns every built-in handler keyed by agent name.
func All() map[string]worker.Handler {
	return map[string]worker.Handler{
		agent.Weather:   &WeatherHandler{},
		agent.Events:    &EventsHandler{},
		agent.Maps:      &MapsHandler{},
		agent.Budget:    &BudgetHandler{},
		agent.Itinerary: &ItineraryHandler{},
	}
}

// decodePayload validates and parses an agent request payload,
// returning a ValidationError the worker turns into an error response.
func decodePayload(name string, req *message.Envelope) (*message.TripPayload, error) {
	if err := agent.ValidatePayload(name, req.Payload); err != nil {
		return nil, &worker.ValidationError{Reason: err.Error()}
	}
	p, err := message.DecodeTripPayload(req.Payload)
	if err != nil {
		return nil, &worker.ValidationError{Reason: fmt.Sprintf("malformed payload: %v", err)}
	}
	return p, nil
}

// seed derives a stable small integer from a string so synthetic data
// varies by destination but never between runs.
func seed(s string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % 1000)
}

func pick[T any](options []T, n int) T {
	return options[n%len(options)]
}

func mustJSON(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return data, nil
}
