package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/itinera/itinera/internal/agent"
	"github.com/itinera/itinera/internal/message"
	"github.com/itinera/itinera/internal/worker"
)

// EventsHandler surfaces local events and activities during the trip.
type EventsHandler struct{}

// LocalEvent is one activity available at the destination.
type LocalEvent struct {
	Name     string  `json:"name"`
	Date     string  `json:"date"`
	Category string  `json:"category"`
	Venue    string  `json:"venue"`
	PriceUSD float64 `json:"price_usd"`
}

// EventsReport is the events agent's response payload.
type EventsReport struct {
	Destination string       `json:"destination"`
	Events      []LocalEvent `json:"events"`
}

func (h *EventsHandler) Agent() string { return agent.Events }

func (h *EventsHandler) Handle(ctx context.Context, req *message.Envelope, report worker.ProgressFunc) (json.RawMessage, error) {
	p, err := decodePayload(h.Agent(), req)
	if err != nil {
		return nil, err
	}
	report("searching local listings", 25)

	categories := []string{"music", "food", "museum", "outdoors", "theater"}
	venues := []string{"Old Town Hall", "Riverside Park", "Grand Market", "City Arena", "Harbor Stage"}

	base := seed(p.Destination)
	var events []LocalEvent
	for i, date := range p.TravelDates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// Two options per travel day keeps the itinerary assembler
		// with a choice without flooding the plan.
		for j := 0; j < 2; j++ {
			n := base + i*7 + j*3
			cat := pick(categories, n)
			events = append(events, LocalEvent{
				Name:     fmt.Sprintf("%s %s evening", p.Destination, cat),
				Date:     date,
				Category: cat,
				Venue:    pick(venues, n),
				PriceUSD: float64(10 + n%40),
			})
		}
	}
	report("listings compiled", 85)

	return mustJSON(&EventsReport{Destination: p.Destination, Events: events})
}
