package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/itinera/itinera/internal/agent"
	"github.com/itinera/itinera/internal/message"
	"github.com/itinera/itinera/internal/session"
	"github.com/itinera/itinera/internal/worker"
)

// ItineraryHandler assembles the final day-by-day plan from whatever
// the upstream agents produced. Missing or failed upstream results
// degrade the plan instead of failing it; only a plan with no usable
// inputs at all is an error.
type ItineraryHandler struct{}

// DayPlan is one travel day in the assembled itinerary.
type DayPlan struct {
	Date       string   `json:"date"`
	Morning    string   `json:"morning"`
	Afternoon  string   `json:"afternoon"`
	Evening    string   `json:"evening"`
	WeatherTip string   `json:"weather_tip,omitempty"`
	Notes      []string `json:"notes,omitempty"`
}

// Itinerary is the itinerary agent's response payload.
type Itinerary struct {
	Destination  string    `json:"destination"`
	Days         []DayPlan `json:"days"`
	Narrative    string    `json:"narrative"`
	MissingParts []string  `json:"missing_parts,omitempty"`
}

func (h *ItineraryHandler) Agent() string { return agent.Itinerary }

func (h *ItineraryHandler) Handle(ctx context.Context, req *message.Envelope, report worker.ProgressFunc) (json.RawMessage, error) {
	p, err := decodePayload(h.Agent(), req)
	if err != nil {
		return nil, err
	}
	report("assembling itinerary", 10)

	weather := upstream[WeatherReport](p, agent.Weather)
	events := upstream[EventsReport](p, agent.Events)
	route := upstream[RoutePlan](p, agent.Maps)
	budget := upstream[BudgetEstimate](p, agent.Budget)

	var missing []string
	for _, name := range []string{agent.Weather, agent.Events, agent.Maps, agent.Budget} {
		if res, ok := p.AgentResults[name]; !ok || res.Status != string(session.AgentCompleted) {
			missing = append(missing, name)
		}
	}
	if weather == nil && events == nil && route == nil && budget == nil {
		return nil, fmt.Errorf("no upstream results to assemble from")
	}

	eventsByDate := make(map[string][]LocalEvent)
	if events != nil {
		for _, e := range events.Events {
			eventsByDate[e.Date] = append(eventsByDate[e.Date], e)
		}
	}
	forecastByDate := make(map[string]DayForecast)
	if weather != nil {
		for _, d := range weather.Days {
			forecastByDate[d.Date] = d
		}
	}

	days := make([]DayPlan, 0, len(p.TravelDates))
	for i, date := range p.TravelDates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		day := DayPlan{
			Date:      date,
			Morning:   fmt.Sprintf("explore %s", p.Destination),
			Afternoon: "free time",
			Evening:   "dinner in the city center",
		}
		if i == 0 && route != nil && len(route.Legs) > 0 {
			day.Morning = fmt.Sprintf("arrive via %s (about %d min door to door)",
				route.Legs[len(route.Legs)/2].Mode, route.TotalDurationMin)
			day.Notes = append(day.Notes, "get around with "+route.LocalTransit)
		}
		if f, ok := forecastByDate[date]; ok {
			day.WeatherTip = fmt.Sprintf("%s, high %.0f°C; bring %s", f.Condition, f.HighCelsius, f.PackingAdvice)
			if f.PrecipChance >= 40 {
				day.Afternoon = "indoor picks: museums and markets"
			}
		}
		if evs := eventsByDate[date]; len(evs) > 0 {
			day.Evening = fmt.Sprintf("%s at %s", evs[0].Name, evs[0].Venue)
		}
		days = append(days, day)
		report(fmt.Sprintf("planned day %d of %d", i+1, len(p.TravelDates)), 10+80*(i+1)/len(p.TravelDates))
	}

	return mustJSON(&Itinerary{
		Destination:  p.Destination,
		Days:         days,
		Narrative:    narrative(p, weather, budget, missing),
		MissingParts: missing,
	})
}

// upstream decodes one dependency's completed output, returning nil
// when the dependency failed or produced nothing usable.
func upstream[T any](p *message.TripPayload, name string) *T {
	res, ok := p.AgentResults[name]
	if !ok || res.Status != string(session.AgentCompleted) || len(res.Data) == 0 {
		return nil
	}
	var out T
	if err := json.Unmarshal(res.Data, &out); err != nil {
		return nil
	}
	return &out
}

func narrative(p *message.TripPayload, weather *WeatherReport, budget *BudgetEstimate, missing []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d day trip to %s for %d traveler(s).", len(p.TravelDates), p.Destination, p.TravelersCount)
	if weather != nil {
		fmt.Fprintf(&b, " Weather outlook: %s.", weather.Summary)
	}
	if budget != nil {
		fmt.Fprintf(&b, " Estimated cost %.0f %s (%s tier).", budget.Total, budget.Currency, budget.Tier)
	}
	if len(missing) > 0 {
		fmt.Fprintf(&b, " Planned without: %s.", strings.Join(missing, ", "))
	}
	return b.String()
}
