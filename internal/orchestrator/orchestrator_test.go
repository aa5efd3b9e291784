package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/itinera/itinera/internal/agent"
	busmemory "github.com/itinera/itinera/internal/bus/memory"
	"github.com/itinera/itinera/internal/channel"
	"github.com/itinera/itinera/internal/message"
	"github.com/itinera/itinera/internal/session"
	"github.com/itinera/itinera/internal/store"
	storememory "github.com/itinera/itinera/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRequest() session.TripRequest {
	return session.TripRequest{
		Destination:    "Lisbon",
		Origin:         "Berlin",
		TravelDates:    []string{"2026-09-10", "2026-09-11"},
		TravelersCount: 2,
	}
}

// testRegistry: weather is required, events is optional, itinerary
// depends on both. Timeouts are short so timeout scenarios run fast.
func testRegistry(t *testing.T) *agent.Registry {
	t.Helper()
	reg, err := agent.New([]agent.Definition{
		{Name: "weather", Timeout: 300 * time.Millisecond, Required: true},
		{Name: "events", Timeout: 300 * time.Millisecond},
		{Name: "itinerary", Timeout: 300 * time.Millisecond, DependsOn: []string{"weather", "events"}},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

// respondFunc scripts one fake agent. Return nil to stay silent.
type respondFunc func(req *message.Envelope) *message.Envelope

// fakeAgent consumes an agent's request channel and answers per
// script, standing in for a real worker.
func fakeAgent(t *testing.T, ctx context.Context, b *busmemory.Bus, name string, respond respondFunc) {
	t.Helper()
	sub, err := b.Subscribe(ctx, channel.Request(name))
	if err != nil {
		t.Fatalf("fake %s subscribe: %v", name, err)
	}
	go func() {
		defer sub.Cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-sub.C:
				if !ok {
					return
				}
				req, err := message.Decode(d.Payload)
				if err != nil {
					continue
				}
				resp := respond(req)
				if resp == nil {
					continue
				}
				data, err := message.Encode(resp)
				if err != nil {
					continue
				}
				_ = b.Publish(ctx, channel.Response(name, req.SessionID), data)
			}
		}
	}()
}

func succeed(result string) respondFunc {
	return func(req *message.Envelope) *message.Envelope {
		return message.NewResponse(req, json.RawMessage(result), 5*time.Millisecond)
	}
}

func fail(reason string) respondFunc {
	return func(req *message.Envelope) *message.Envelope {
		return message.NewErrorResponse(req, reason, 5*time.Millisecond)
	}
}

func silent() respondFunc {
	return func(*message.Envelope) *message.Envelope { return nil }
}

func newTestOrchestrator(t *testing.T, b *busmemory.Bus, opts Options) *Orchestrator {
	t.Helper()
	orch := New(b, storememory.New(), testRegistry(t), opts, testLogger())
	t.Cleanup(orch.Close)
	return orch
}

func waitTerminal(t *testing.T, orch *Orchestrator, id string) *session.State {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		state, err := orch.Status(context.Background(), id)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if state.Status.Terminal() {
			return state
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session never settled")
	return nil
}

func TestPlanAllAgentsComplete(t *testing.T) {
	b := busmemory.New()
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	fakeAgent(t, ctx, b, "weather", succeed(`{"summary":"dry"}`))
	fakeAgent(t, ctx, b, "events", succeed(`{"events":[]}`))

	// The itinerary fake asserts it received its dependencies' outputs.
	gotUpstream := make(chan map[string]message.UpstreamResult, 1)
	fakeAgent(t, ctx, b, "itinerary", func(req *message.Envelope) *message.Envelope {
		p, err := message.DecodeTripPayload(req.Payload)
		if err == nil {
			gotUpstream <- p.AgentResults
		}
		return message.NewResponse(req, json.RawMessage(`{"days":2}`), 5*time.Millisecond)
	})

	orch := newTestOrchestrator(t, b, Options{GlobalTimeout: 2 * time.Second})
	state, err := orch.Plan(ctx, testRequest())
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	if state.Status != session.StatusCompleted {
		t.Errorf("status = %s, want completed", state.Status)
	}
	for _, name := range []string{"weather", "events", "itinerary"} {
		slot := state.Agents[name]
		if slot.Status != session.AgentCompleted || len(slot.Data) == 0 {
			t.Errorf("agent %s = %+v", name, slot)
		}
	}

	select {
	case upstream := <-gotUpstream:
		if upstream["weather"].Status != string(session.AgentCompleted) {
			t.Errorf("itinerary saw weather as %q", upstream["weather"].Status)
		}
		if string(upstream["weather"].Data) != `{"summary":"dry"}` {
			t.Errorf("itinerary saw weather data %s", upstream["weather"].Data)
		}
	default:
		t.Error("itinerary never received upstream results")
	}
}

func TestOptionalAgentFailureStillCompletes(t *testing.T) {
	b := busmemory.New()
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	fakeAgent(t, ctx, b, "weather", succeed(`{"summary":"dry"}`))
	fakeAgent(t, ctx, b, "events", fail("provider down"))
	fakeAgent(t, ctx, b, "itinerary", succeed(`{"days":2}`))

	orch := newTestOrchestrator(t, b, Options{GlobalTimeout: 2 * time.Second})
	state, err := orch.Plan(ctx, testRequest())
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if state.Status != session.StatusCompleted {
		t.Errorf("status = %s, want completed", state.Status)
	}
	if slot := state.Agents["events"]; slot.Status != session.AgentFailed || slot.Error != "provider down" {
		t.Errorf("events slot = %+v", slot)
	}
}

func TestRequiredAgentFailureIsPartial(t *testing.T) {
	b := busmemory.New()
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	fakeAgent(t, ctx, b, "weather", fail("provider down"))
	fakeAgent(t, ctx, b, "events", succeed(`{"events":[]}`))
	fakeAgent(t, ctx, b, "itinerary", succeed(`{"days":2}`))

	orch := newTestOrchestrator(t, b, Options{GlobalTimeout: 2 * time.Second})
	state, err := orch.Plan(ctx, testRequest())
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if state.Status != session.StatusPartial {
		t.Errorf("status = %s, want partial", state.Status)
	}
}

func TestSilentAgentTimesOut(t *testing.T) {
	b := busmemory.New()
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	fakeAgent(t, ctx, b, "weather", succeed(`{"summary":"dry"}`))
	fakeAgent(t, ctx, b, "events", silent())
	fakeAgent(t, ctx, b, "itinerary", succeed(`{"days":2}`))

	orch := newTestOrchestrator(t, b, Options{GlobalTimeout: 2 * time.Second})
	state, err := orch.Plan(ctx, testRequest())
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if slot := state.Agents["events"]; slot.Status != session.AgentTimedOut {
		t.Errorf("events slot = %+v", slot)
	}
	// events is optional; the itinerary still ran after the timeout
	// settled its dependency.
	if state.Status != session.StatusCompleted {
		t.Errorf("status = %s, want completed", state.Status)
	}
	if state.Agents["itinerary"].Status != session.AgentCompleted {
		t.Errorf("itinerary = %+v", state.Agents["itinerary"])
	}
}

func TestGlobalTimeoutFailsSilentSession(t *testing.T) {
	b := busmemory.New()
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for _, name := range []string{"weather", "events", "itinerary"} {
		fakeAgent(t, ctx, b, name, silent())
	}

	// The global ceiling fires before any per-agent timer.
	orch := newTestOrchestrator(t, b, Options{GlobalTimeout: 100 * time.Millisecond})
	state, err := orch.Plan(ctx, testRequest())
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if state.Status != session.StatusFailed {
		t.Errorf("status = %s, want failed", state.Status)
	}
	for name, slot := range state.Agents {
		if !slot.Status.Terminal() {
			t.Errorf("agent %s left non-terminal: %s", name, slot.Status)
		}
	}
}

func TestCancelSettlesSession(t *testing.T) {
	b := busmemory.New()
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for _, name := range []string{"weather", "events", "itinerary"} {
		fakeAgent(t, ctx, b, name, silent())
	}

	orch := newTestOrchestrator(t, b, Options{GlobalTimeout: 10 * time.Second})
	id, err := orch.Start(ctx, testRequest())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := orch.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	state := waitTerminal(t, orch, id)
	if state.Status != session.StatusCancelled {
		t.Errorf("status = %s, want cancelled", state.Status)
	}
	// Cancelling a settled session is a no-op.
	if err := orch.Cancel(ctx, id); err != nil {
		t.Errorf("cancel terminal session: %v", err)
	}
}

// Start must not return before the session's cancel subscription is
// open, or a cancel issued right away is lost on the volatile bus.
func TestCancelImmediatelyAfterStart(t *testing.T) {
	b := busmemory.New()
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, name := range []string{"weather", "events", "itinerary"} {
		fakeAgent(t, ctx, b, name, silent())
	}

	orch := newTestOrchestrator(t, b, Options{GlobalTimeout: 10 * time.Second})
	for i := 0; i < 5; i++ {
		id, err := orch.Start(ctx, testRequest())
		if err != nil {
			t.Fatalf("run %d: start: %v", i, err)
		}
		if err := orch.Cancel(ctx, id); err != nil {
			t.Fatalf("run %d: cancel: %v", i, err)
		}
		state := waitTerminal(t, orch, id)
		if state.Status != session.StatusCancelled {
			t.Fatalf("run %d: status = %s, want cancelled", i, state.Status)
		}
	}
}

// A dependent agent waits only for its own dependencies, not for every
// independent agent in the registry.
func TestDependentDispatchIgnoresUnrelatedAgents(t *testing.T) {
	b := busmemory.New()
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reg, err := agent.New([]agent.Definition{
		{Name: "weather", Timeout: 300 * time.Millisecond, Required: true},
		{Name: "events", Timeout: 300 * time.Millisecond},
		{Name: "maps", Timeout: 3 * time.Second},
		{Name: "itinerary", Timeout: 300 * time.Millisecond, DependsOn: []string{"weather", "events"}},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	fakeAgent(t, ctx, b, "weather", succeed(`{"summary":"dry"}`))
	fakeAgent(t, ctx, b, "events", succeed(`{"events":[]}`))
	fakeAgent(t, ctx, b, "maps", silent()) // stays processing well past the others

	itineraryDispatched := make(chan struct{}, 1)
	fakeAgent(t, ctx, b, "itinerary", func(req *message.Envelope) *message.Envelope {
		itineraryDispatched <- struct{}{}
		return message.NewResponse(req, json.RawMessage(`{"days":2}`), 5*time.Millisecond)
	})

	orch := New(b, storememory.New(), reg, Options{GlobalTimeout: 5 * time.Second}, testLogger())
	t.Cleanup(orch.Close)

	id, err := orch.Start(ctx, testRequest())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-itineraryDispatched:
	case <-time.After(2 * time.Second):
		t.Fatal("itinerary never dispatched while maps was pending")
	}
	state, err := orch.Status(ctx, id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if state.Agents["maps"].Status.Terminal() {
		t.Errorf("maps already terminal at itinerary dispatch: %s", state.Agents["maps"].Status)
	}
}

// An independent agent whose request payload is rejected settles
// synchronously during the dispatch wave; its dependents must still be
// dispatched right away instead of waiting out the global timer.
func TestSyncDispatchFailureUnblocksDependent(t *testing.T) {
	b := busmemory.New()
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// An independent agent named itinerary fails payload validation up
	// front: its schema demands upstream results, and with no
	// dependencies declared there are none to include.
	reg, err := agent.New([]agent.Definition{
		{Name: "itinerary", Timeout: 300 * time.Millisecond},
		{Name: "recap", Timeout: 300 * time.Millisecond, DependsOn: []string{"itinerary"}},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	fakeAgent(t, ctx, b, "recap", succeed(`{"recap":true}`))

	orch := New(b, storememory.New(), reg, Options{GlobalTimeout: 10 * time.Second}, testLogger())
	t.Cleanup(orch.Close)

	start := time.Now()
	state, err := orch.Plan(ctx, testRequest())
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("session took %s, dependent waited on the global timer", elapsed)
	}
	if state.Agents["itinerary"].Status != session.AgentFailed {
		t.Errorf("itinerary = %+v", state.Agents["itinerary"])
	}
	if state.Agents["recap"].Status != session.AgentCompleted {
		t.Errorf("recap = %+v", state.Agents["recap"])
	}
}

func TestLateResponseDiscarded(t *testing.T) {
	b := busmemory.New()
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fakeAgent(t, ctx, b, "weather", succeed(`{"summary":"dry"}`))
	fakeAgent(t, ctx, b, "itinerary", succeed(`{"days":2}`))
	// events answers well after its 300ms budget.
	fakeAgent(t, ctx, b, "events", func(req *message.Envelope) *message.Envelope {
		time.Sleep(600 * time.Millisecond)
		return message.NewResponse(req, json.RawMessage(`{"late":true}`), 600*time.Millisecond)
	})

	orch := newTestOrchestrator(t, b, Options{GlobalTimeout: 3 * time.Second})
	id, err := orch.Start(ctx, testRequest())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	state := waitTerminal(t, orch, id)

	if slot := state.Agents["events"]; slot.Status != session.AgentTimedOut {
		t.Fatalf("events slot = %+v", slot)
	}

	// Give the late response time to arrive, then confirm it changed
	// nothing.
	time.Sleep(500 * time.Millisecond)
	after, err := orch.Status(ctx, id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if slot := after.Agents["events"]; slot.Status != session.AgentTimedOut || slot.Data != nil {
		t.Errorf("late response mutated settled slot: %+v", slot)
	}
	if after.Status != state.Status {
		t.Errorf("overall status changed from %s to %s", state.Status, after.Status)
	}
}

func TestDuplicateResponseFirstWins(t *testing.T) {
	b := busmemory.New()
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// Two replicas answer the same request with different payloads.
	replica := func(result string) respondFunc {
		return succeed(result)
	}
	fakeAgent(t, ctx, b, "weather", replica(`{"replica":1}`))
	fakeAgent(t, ctx, b, "weather", replica(`{"replica":2}`))
	fakeAgent(t, ctx, b, "events", succeed(`{"events":[]}`))
	fakeAgent(t, ctx, b, "itinerary", succeed(`{"days":2}`))

	orch := newTestOrchestrator(t, b, Options{GlobalTimeout: 2 * time.Second})
	state, err := orch.Plan(ctx, testRequest())
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	data := string(state.Agents["weather"].Data)
	if data != `{"replica":1}` && data != `{"replica":2}` {
		t.Errorf("weather data = %s", data)
	}
	if state.Status != session.StatusCompleted {
		t.Errorf("status = %s", state.Status)
	}
}

func TestStatusUnknownSession(t *testing.T) {
	b := busmemory.New()
	defer b.Close()
	orch := newTestOrchestrator(t, b, Options{})

	if _, err := orch.Status(context.Background(), "missing"); !errors.Is(err, store.ErrSessionNotFound) {
		t.Errorf("status unknown = %v, want ErrSessionNotFound", err)
	}
	if err := orch.Cancel(context.Background(), "missing"); !errors.Is(err, store.ErrSessionNotFound) {
		t.Errorf("cancel unknown = %v, want ErrSessionNotFound", err)
	}
}

func TestStartRejectsInvalidRequest(t *testing.T) {
	b := busmemory.New()
	defer b.Close()
	orch := newTestOrchestrator(t, b, Options{})

	req := testRequest()
	req.Destination = ""
	if _, err := orch.Start(context.Background(), req); err == nil {
		t.Error("invalid request accepted")
	}
}

func TestStreamEventsObserveLifecycle(t *testing.T) {
	b := busmemory.New(busmemory.WithBufferSize(256))
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	fakeAgent(t, ctx, b, "weather", succeed(`{"summary":"dry"}`))
	fakeAgent(t, ctx, b, "events", succeed(`{"events":[]}`))
	fakeAgent(t, ctx, b, "itinerary", succeed(`{"days":2}`))

	orch := newTestOrchestrator(t, b, Options{GlobalTimeout: 2 * time.Second})

	// The orchestrator publishes the started event from the session
	// loop, so a pattern subscription opened first sees everything.
	sub, err := b.PSubscribe(ctx, "stream:*")
	if err != nil {
		t.Fatalf("psubscribe: %v", err)
	}
	defer sub.Cancel()

	if _, err := orch.Plan(ctx, testRequest()); err != nil {
		t.Fatalf("plan: %v", err)
	}

	seen := make(map[EventType]bool)
	deadline := time.After(time.Second)
	for !seen[EventCompleted] {
		select {
		case d := <-sub.C:
			ev, err := DecodeStreamPayload(d.Payload)
			if err != nil {
				continue
			}
			seen[ev.Type] = true
		case <-deadline:
			t.Fatalf("terminal event never arrived, saw %v", seen)
		}
	}
	for _, want := range []EventType{EventStarted, EventAgentStart, EventAgentUpdate, EventCompleted} {
		if !seen[want] {
			t.Errorf("missing stream event %s", want)
		}
	}
}

func TestDecodeStreamPayloadConvertsWorkerProgress(t *testing.T) {
	env := message.NewProgress("s1", "weather", "halfway", 50)
	data, err := message.Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ev, err := DecodeStreamPayload(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != EventProgress || ev.Agent != "weather" || ev.Percent != 50 {
		t.Errorf("converted event = %+v", ev)
	}
}
