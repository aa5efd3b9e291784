package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/itinera/itinera/internal/agent"
	"github.com/itinera/itinera/internal/message"
	"github.com/itinera/itinera/internal/worker"
)

// MapsHandler produces routing between origin and destination plus
// local transit guidance.
type MapsHandler struct{}

// RouteLeg is one segment of the recommended route.
type RouteLeg struct {
	Mode        string  `json:"mode"`
	From        string  `json:"from"`
	To          string  `json:"to"`
	DistanceKM  float64 `json:"distance_km"`
	DurationMin int     `json:"duration_min"`
}

// RoutePlan is the maps agent's response payload.
type RoutePlan struct {
	Origin           string     `json:"origin"`
	Destination      string     `json:"destination"`
	Legs             []RouteLeg `json:"legs"`
	TotalDurationMin int        `json:"total_duration_min"`
	LocalTransit     string     `json:"local_transit"`
}

func (h *MapsHandler) Agent() string { return agent.Maps }

func (h *MapsHandler) Handle(ctx context.Context, req *message.Envelope, report worker.ProgressFunc) (json.RawMessage, error) {
	p, err := decodePayload(h.Agent(), req)
	if err != nil {
		return nil, err
	}
	report("computing route", 30)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	base := seed(p.Origin + "->" + p.Destination)
	distance := float64(80 + base%900)
	mode := "train"
	if distance > 600 {
		mode = "flight"
	}
	mainMin := int(distance / speedKMH(mode) * 60)

	legs := []RouteLeg{
		{Mode: "taxi", From: p.Origin, To: p.Origin + " terminal", DistanceKM: 12, DurationMin: 25},
		{Mode: mode, From: p.Origin + " terminal", To: p.Destination + " terminal", DistanceKM: distance, DurationMin: mainMin},
		{Mode: "metro", From: p.Destination + " terminal", To: fmt.Sprintf("%s city center", p.Destination), DistanceKM: 9, DurationMin: 20},
	}
	total := 0
	for _, leg := range legs {
		total += leg.DurationMin
	}
	report("route ready", 90)

	return mustJSON(&RoutePlan{
		Origin:           p.Origin,
		Destination:      p.Destination,
		Legs:             legs,
		TotalDurationMin: total,
		LocalTransit:     pick([]string{"metro day pass", "tram network", "bike share", "walkable center"}, base),
	})
}

func speedKMH(mode string) float64 {
	if mode == "flight" {
		return 700
	}
	return 160
}
