package handlers

import (
	"context"
	"encoding/json"
	"math"

	"github.com/itinera/itinera/internal/agent"
	"github.com/itinera/itinera/internal/message"
	"github.com/itinera/itinera/internal/worker"
)

// BudgetHandler estimates trip cost per category.
type BudgetHandler struct{}

// BudgetEstimate is the budget agent's response payload. Amounts are
// totals for the whole party across the whole trip.
type BudgetEstimate struct {
	Currency      string             `json:"currency"`
	PerCategory   map[string]float64 `json:"per_category"`
	Total         float64            `json:"total"`
	PerPersonDay  float64            `json:"per_person_day"`
	Tier          string             `json:"tier"`
	WithinRequest bool               `json:"within_request"`
}

// Nightly and daily base rates by tier, USD.
var tierRates = map[string]struct{ lodging, food, activities float64 }{
	"budget":   {60, 30, 15},
	"moderate": {140, 60, 40},
	"luxury":   {350, 120, 100},
}

func (h *BudgetHandler) Agent() string { return agent.Budget }

func (h *BudgetHandler) Handle(ctx context.Context, req *message.Envelope, report worker.ProgressFunc) (json.RawMessage, error) {
	p, err := decodePayload(h.Agent(), req)
	if err != nil {
		return nil, err
	}
	report("estimating costs", 30)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tier := p.BudgetRange
	if _, ok := tierRates[tier]; !ok {
		tier = "moderate"
	}
	rates := tierRates[tier]

	days := float64(len(p.TravelDates))
	people := float64(p.TravelersCount)
	// Lodging is per room assuming double occupancy; everything else
	// scales per person.
	rooms := math.Ceil(people / 2)
	destFactor := 1 + float64(seed(p.Destination)%40)/100

	perCategory := map[string]float64{
		"lodging":    round2(rates.lodging * rooms * days * destFactor),
		"food":       round2(rates.food * people * days * destFactor),
		"activities": round2(rates.activities * people * days),
		"transport":  round2(25 * people * destFactor),
	}
	total := 0.0
	for _, v := range perCategory {
		total += v
	}
	report("estimate ready", 90)

	return mustJSON(&BudgetEstimate{
		Currency:      "USD",
		PerCategory:   perCategory,
		Total:         round2(total),
		PerPersonDay:  round2(total / people / days),
		Tier:          tier,
		WithinRequest: p.BudgetRange == "" || p.BudgetRange == tier,
	})
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
