package handlers

import (
	"context"
	"encoding/json"

	"github.com/itinera/itinera/internal/agent"
	"github.com/itinera/itinera/internal/message"
	"github.com/itinera/itinera/internal/worker"
)

// WeatherHandler produces a per-day forecast for the destination.
type WeatherHandler struct{}

// DayForecast is one travel day's conditions.
type DayForecast struct {
	Date          string  `json:"date"`
	Condition     string  `json:"condition"`
	HighCelsius   float64 `json:"high_celsius"`
	LowCelsius    float64 `json:"low_celsius"`
	PrecipChance  int     `json:"precip_chance_pct"`
	PackingAdvice string  `json:"packing_advice,omitempty"`
}

// WeatherReport is the weather agent's response payload.
type WeatherReport struct {
	Destination string        `json:"destination"`
	Days        []DayForecast `json:"days"`
	Summary     string        `json:"summary"`
}

func (h *WeatherHandler) Agent() string { return agent.Weather }

func (h *WeatherHandler) Handle(ctx context.Context, req *message.Envelope, report worker.ProgressFunc) (json.RawMessage, error) {
	p, err := decodePayload(h.Agent(), req)
	if err != nil {
		return nil, err
	}
	report("fetching forecast", 20)

	conditions := []string{"sunny", "partly cloudy", "overcast", "light rain", "clear"}
	advice := map[string]string{
		"sunny":         "sunscreen and a hat",
		"partly cloudy": "a light jacket for the evening",
		"overcast":      "layers",
		"light rain":    "a compact umbrella",
		"clear":         "sunglasses",
	}

	base := seed(p.Destination)
	days := make([]DayForecast, 0, len(p.TravelDates))
	for i, date := range p.TravelDates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cond := pick(conditions, base+i)
		high := 14 + float64((base+i*3)%16)
		days = append(days, DayForecast{
			Date:          date,
			Condition:     cond,
			HighCelsius:   high,
			LowCelsius:    high - 8,
			PrecipChance:  (base + i*17) % 60,
			PackingAdvice: advice[cond],
		})
	}
	report("forecast ready", 90)

	return mustJSON(&WeatherReport{
		Destination: p.Destination,
		Days:        days,
		Summary:     summaryFor(days),
	})
}

func summaryFor(days []DayForecast) string {
	rainy := 0
	for _, d := range days {
		if d.PrecipChance >= 40 {
			rainy++
		}
	}
	if rainy == 0 {
		return "dry conditions expected throughout the trip"
	}
	if rainy < len(days) {
		return "mostly dry with some chance of rain"
	}
	return "pack for rain every day"
}
