package message

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewRequestCarriesTimeoutBudget(t *testing.T) {
	req := NewRequest("s1", "weather", json.RawMessage(`{"destination":"Lisbon"}`), 10*time.Second)

	if req.Action != ActionRequest {
		t.Errorf("action = %s", req.Action)
	}
	if req.Metadata.TimeoutMS != 10000 {
		t.Errorf("timeout_ms = %d", req.Metadata.TimeoutMS)
	}
	if req.RequestID == "" {
		t.Error("request id not assigned")
	}
	if err := ValidateRequest(req); err != nil {
		t.Errorf("fresh request should validate: %v", err)
	}
}

func TestValidateRequestRejections(t *testing.T) {
	base := func() *Envelope {
		return NewRequest("s1", "weather", json.RawMessage(`{}`), time.Second)
	}
	tests := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"missing session", func(e *Envelope) { e.SessionID = "" }},
		{"missing request id", func(e *Envelope) { e.RequestID = "" }},
		{"wrong action", func(e *Envelope) { e.Action = ActionResponse }},
		{"missing agent", func(e *Envelope) { e.Agent = "" }},
		{"retry count over limit", func(e *Envelope) { e.Metadata.RetryCount = MaxRetries + 1 }},
		{"zero timeout", func(e *Envelope) { e.Metadata.TimeoutMS = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := base()
			tt.mutate(env)
			if err := ValidateRequest(env); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestResponseCorrelation(t *testing.T) {
	req := NewRequest("s1", "maps", json.RawMessage(`{}`), time.Second)
	resp := NewResponse(req, json.RawMessage(`{"km":42}`), 120*time.Millisecond)

	if resp.Metadata.CorrelationID != req.RequestID {
		t.Errorf("correlation id = %s, want %s", resp.Metadata.CorrelationID, req.RequestID)
	}
	if resp.RequestID == req.RequestID {
		t.Error("response must carry its own request id")
	}
	if err := ValidateResponse(resp, req); err != nil {
		t.Errorf("matched response should validate: %v", err)
	}

	other := NewRequest("s2", "maps", json.RawMessage(`{}`), time.Second)
	if err := ValidateResponse(resp, other); err == nil {
		t.Error("response for a different session should be rejected")
	}
}

func TestErrorResponseRequiresReason(t *testing.T) {
	req := NewRequest("s1", "budget", json.RawMessage(`{}`), time.Second)
	resp := NewErrorResponse(req, "provider unavailable", 50*time.Millisecond)

	if resp.Success {
		t.Error("error response marked successful")
	}
	if err := ValidateResponse(resp, req); err != nil {
		t.Errorf("error response should validate: %v", err)
	}

	resp.Error = ""
	if err := ValidateResponse(resp, req); err == nil {
		t.Error("failed response without a reason should be rejected")
	}
}

func TestProgressPercentClamped(t *testing.T) {
	if got := NewProgress("s1", "weather", "working", -5).Percent; got != 0 {
		t.Errorf("negative percent clamped to %d", got)
	}
	if got := NewProgress("s1", "weather", "working", 250).Percent; got != 100 {
		t.Errorf("overflow percent clamped to %d", got)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	req := NewRequest("s1", "events", json.RawMessage(`{"destination":"Lisbon"}`), 5*time.Second)
	data, err := Encode(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.RequestID != req.RequestID || got.Agent != req.Agent || got.Metadata.TimeoutMS != req.Metadata.TimeoutMS {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestDecodeTripPayloadWithUpstream(t *testing.T) {
	raw := json.RawMessage(`{
		"destination": "Lisbon",
		"origin": "Berlin",
		"travel_dates": ["2026-09-10"],
		"travelers_count": 2,
		"agent_results": {
			"weather": {"status": "completed", "data": {"summary": "dry"}}
		}
	}`)
	p, err := DecodeTripPayload(raw)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	res, ok := p.AgentResults["weather"]
	if !ok || res.Status != "completed" {
		t.Errorf("upstream result = %+v", res)
	}
}
