// Package orchestrator implements the session coordination core: it
// fans a trip request out to the registered agents over the bus,
// collects their responses under per-agent and global deadlines, and
// settles each session into exactly one terminal status.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itinera/itinera/internal/agent"
	"github.com/itinera/itinera/internal/bus"
	"github.com/itinera/itinera/internal/channel"
	"github.com/itinera/itinera/internal/config"
	"github.com/itinera/itinera/internal/message"
	"github.com/itinera/itinera/internal/session"
	"github.com/itinera/itinera/internal/store"
)

// Options tune per-session behavior. Zero values fall back to the
// package defaults from config.
type Options struct {
	SessionTTL    time.Duration
	GlobalTimeout time.Duration
	EventBuffer   int
}

func (o Options) withDefaults() Options {
	if o.SessionTTL <= 0 {
		o.SessionTTL = config.DefaultSessionTTL
	}
	if o.GlobalTimeout <= 0 {
		o.GlobalTimeout = config.DefaultGlobalTimeout
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = config.DefaultStreamBuffer
	}
	return o
}

// Orchestrator coordinates planning sessions over a bus and a store.
type Orchestrator struct {
	bus      bus.Bus
	store    store.Store
	registry *agent.Registry
	opts     Options
	logger   *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu   sync.Mutex
	done map[string]chan struct{}
}

// New wires an orchestrator. Close must be called to drain session
// loops on shutdown.
func New(b bus.Bus, st store.Store, reg *agent.Registry, opts Options, logger *slog.Logger) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		bus:      b,
		store:    st,
		registry: reg,
		opts:     opts.withDefaults(),
		logger:   logger,
		baseCtx:  ctx,
		stop:     cancel,
		done:     make(map[string]chan struct{}),
	}
}

// Start validates the request, persists a fresh session, and launches
// its coordination loop. It does not return the session id until the
// loop's response and cancel subscriptions are open: the transport
// keeps no history, so a cancel published against an id nobody is
// listening on yet would be lost.
func (o *Orchestrator) Start(ctx context.Context, req session.TripRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("invalid trip request: %w", err)
	}
	id := uuid.NewString()
	state := session.New(id, req, o.registry.Names())
	if err := o.store.Create(ctx, state, o.opts.SessionTTL); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	o.mu.Lock()
	o.done[id] = make(chan struct{})
	o.mu.Unlock()

	ready := make(chan error, 1)
	o.wg.Add(1)
	go o.run(id, req, ready)
	if err := <-ready; err != nil {
		return "", fmt.Errorf("open session subscriptions: %w", err)
	}
	return id, nil
}

// Plan is the synchronous variant of Start: it blocks until the
// session settles or ctx expires, then returns the final state.
func (o *Orchestrator) Plan(ctx context.Context, req session.TripRequest) (*session.State, error) {
	id, err := o.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	done, ok := o.done[id]
	o.mu.Unlock()
	if !ok {
		// Settled before we got here.
		return o.store.Get(ctx, id)
	}

	select {
	case <-done:
		return o.store.Get(ctx, id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status returns a snapshot of the session state.
func (o *Orchestrator) Status(ctx context.Context, id string) (*session.State, error) {
	return o.store.Get(ctx, id)
}

// Cancel requests cancellation of a running session. Cancelling a
// session that already settled is a no-op; unknown ids return
// store.ErrSessionNotFound.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	state, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if state.Status.Terminal() {
		return nil
	}
	env := message.NewCancel(id, "cancelled by caller")
	data, err := message.Encode(env)
	if err != nil {
		return err
	}
	if err := o.bus.Publish(ctx, channel.Cancel(id), data); err != nil {
		return fmt.Errorf("publish cancel: %w", err)
	}
	return nil
}

// Registry exposes the agent table for the API layer.
func (o *Orchestrator) Registry() *agent.Registry { return o.registry }

// Close stops accepting new work and waits for running session loops.
func (o *Orchestrator) Close() {
	o.stop()
	o.wg.Wait()
}

// event kinds funneled into the per-session loop.
type eventKind int

const (
	eventResponse eventKind = iota
	eventAgentTimeout
	eventCancel
)

type event struct {
	kind  eventKind
	agent string
	env   *message.Envelope
}

// runState is the loop-local view of one session. The loop is the only
// goroutine that touches it; the store record is updated to match.
type runState struct {
	sessionID  string
	req        session.TripRequest
	statuses   map[string]session.AgentStatus
	results    map[string]message.UpstreamResult
	requestIDs map[string]string
	dispatched map[string]bool
	timers     map[string]*time.Timer
	finalized  bool
}

func (r *runState) allTerminal() bool {
	for _, s := range r.statuses {
		if !s.Terminal() {
			return false
		}
	}
	return true
}

// run is the per-session coordination loop. Response, cancel, and
// timer stimuli all arrive on one channel, so state transitions are
// applied strictly one at a time. Exactly one value is sent on ready:
// nil once all subscriptions are open, or the subscription error.
func (o *Orchestrator) run(sessionID string, req session.TripRequest, ready chan<- error) {
	defer o.wg.Done()
	ctx, cancel := context.WithCancel(o.baseCtx)
	defer cancel()
	log := o.logger.With("session_id", sessionID)

	r := &runState{
		sessionID:  sessionID,
		req:        req,
		statuses:   make(map[string]session.AgentStatus),
		results:    make(map[string]message.UpstreamResult),
		requestIDs: make(map[string]string),
		dispatched: make(map[string]bool),
		timers:     make(map[string]*time.Timer),
	}
	for _, name := range o.registry.Names() {
		r.statuses[name] = session.AgentPending
	}
	defer func() {
		for _, t := range r.timers {
			t.Stop()
		}
	}()

	events := make(chan event, o.opts.EventBuffer)

	// Response and cancel subscriptions are opened before any request
	// is published. The transport keeps no history, so a response sent
	// before its subscription exists would be lost.
	for _, name := range o.registry.Names() {
		sub, err := o.bus.Subscribe(ctx, channel.Response(name, sessionID))
		if err != nil {
			log.Error("Response subscription failed", "agent", name, "error", err)
			o.failTransport(ctx, r, log, err)
			ready <- err
			return
		}
		defer sub.Cancel()
		go forwardResponses(ctx, sub, name, events, log)
	}
	cancelSub, err := o.bus.Subscribe(ctx, channel.Cancel(sessionID))
	if err != nil {
		log.Error("Cancel subscription failed", "error", err)
		o.failTransport(ctx, r, log, err)
		ready <- err
		return
	}
	defer cancelSub.Cancel()
	go forwardCancels(ctx, cancelSub, events)
	ready <- nil

	o.publishStream(ctx, log, StreamEvent{
		Type:      EventStarted,
		SessionID: sessionID,
		Message:   fmt.Sprintf("planning trip to %s", req.Destination),
		Timestamp: time.Now().UTC(),
	})

	for _, def := range o.registry.Independent() {
		if !o.dispatch(ctx, r, def, events, log) {
			return
		}
	}
	// A dispatch that settled its agent synchronously must unblock
	// dependents now rather than leaving them to the global timer.
	o.afterTransition(ctx, r, events, log)

	globalTimer := time.NewTimer(o.opts.GlobalTimeout)
	defer globalTimer.Stop()

	for !r.finalized {
		select {
		case <-ctx.Done():
			log.Info("Session loop stopped by shutdown")
			return
		case <-globalTimer.C:
			o.handleGlobalTimeout(ctx, r, log)
		case ev := <-events:
			switch ev.kind {
			case eventResponse:
				o.handleResponse(ctx, r, ev, events, log)
			case eventAgentTimeout:
				o.handleAgentTimeout(ctx, r, ev.agent, events, log)
			case eventCancel:
				o.handleCancel(ctx, r, ev.env, log)
			}
		}
	}
}

func forwardResponses(ctx context.Context, sub *bus.Subscription, agentName string, events chan<- event, log *slog.Logger) {
	for d := range sub.C {
		env, err := message.Decode(d.Payload)
		if err != nil {
			log.Warn("Dropping undecodable response", "agent", agentName, "error", err)
			continue
		}
		select {
		case events <- event{kind: eventResponse, agent: agentName, env: env}:
		case <-ctx.Done():
			return
		}
	}
}

func forwardCancels(ctx context.Context, sub *bus.Subscription, events chan<- event) {
	for d := range sub.C {
		env, err := message.Decode(d.Payload)
		if err != nil || env.Action != message.ActionCancel {
			continue
		}
		select {
		case events <- event{kind: eventCancel, env: env}:
		case <-ctx.Done():
			return
		}
	}
}

// dispatch publishes one agent's request and arms its timeout. Returns
// false when the transport failed and the session was settled as
// failed.
func (o *Orchestrator) dispatch(ctx context.Context, r *runState, def agent.Definition, events chan<- event, log *slog.Logger) bool {
	payload, err := o.buildPayload(r, def)
	if err != nil {
		log.Error("Payload construction failed", "agent", def.Name, "error", err)
		o.settleAgent(ctx, r, def.Name, session.AgentFailed, nil, err.Error(), log)
		return true
	}
	env := message.NewRequest(r.sessionID, def.Name, payload, def.Timeout)
	data, err := message.Encode(env)
	if err != nil {
		o.settleAgent(ctx, r, def.Name, session.AgentFailed, nil, err.Error(), log)
		return true
	}

	if err := o.bus.Publish(ctx, channel.Request(def.Name), data); err != nil {
		log.Error("Request publish failed, transport unavailable", "agent", def.Name, "error", err)
		o.failTransport(ctx, r, log, err)
		return false
	}

	r.dispatched[def.Name] = true
	r.requestIDs[def.Name] = env.RequestID
	r.statuses[def.Name] = session.AgentProcessing
	o.merge(ctx, r.sessionID, log, func(s *session.State) error {
		s.SetAgentStatus(def.Name, session.AgentProcessing)
		if slot, ok := s.Agents[def.Name]; ok {
			slot.RequestID = env.RequestID
		}
		return nil
	})
	o.publishStream(ctx, log, StreamEvent{
		Type:      EventAgentStart,
		SessionID: r.sessionID,
		Agent:     def.Name,
		Message:   fmt.Sprintf("dispatched %s request", def.Name),
		Timestamp: time.Now().UTC(),
	})

	name := def.Name
	r.timers[name] = time.AfterFunc(def.Timeout, func() {
		select {
		case events <- event{kind: eventAgentTimeout, agent: name}:
		case <-ctx.Done():
		}
	})
	log.Info("Agent dispatched", "agent", def.Name, "request_id", env.RequestID, "timeout", def.Timeout)
	return true
}

func (o *Orchestrator) buildPayload(r *runState, def agent.Definition) (json.RawMessage, error) {
	p := message.TripPayload{
		Destination:    r.req.Destination,
		Origin:         r.req.Origin,
		TravelDates:    r.req.TravelDates,
		TravelersCount: r.req.TravelersCount,
		BudgetRange:    r.req.BudgetRange,
		Preferences:    r.req.Preferences,
	}
	if len(def.DependsOn) > 0 {
		p.AgentResults = make(map[string]message.UpstreamResult, len(def.DependsOn))
		for _, dep := range def.DependsOn {
			res, ok := r.results[dep]
			if !ok {
				res = message.UpstreamResult{Status: string(r.statuses[dep])}
			}
			p.AgentResults[dep] = res
		}
	}
	data, err := json.Marshal(&p)
	if err != nil {
		return nil, err
	}
	if err := agent.ValidatePayload(def.Name, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (o *Orchestrator) handleResponse(ctx context.Context, r *runState, ev event, events chan<- event, log *slog.Logger) {
	env := ev.env
	status, known := r.statuses[env.Agent]
	if !known || env.Agent != ev.agent {
		log.Warn("Response for unknown agent discarded", "agent", env.Agent)
		return
	}
	if status.Terminal() {
		log.Debug("Late response discarded", "agent", env.Agent, "request_id", env.RequestID)
		return
	}
	if env.SessionID != r.sessionID || env.Metadata.CorrelationID != r.requestIDs[env.Agent] {
		log.Warn("Uncorrelated response discarded",
			"agent", env.Agent,
			"correlation_id", env.Metadata.CorrelationID,
		)
		return
	}

	switch env.Action {
	case message.ActionResponse:
		if !env.Success {
			o.settleAgent(ctx, r, env.Agent, session.AgentFailed, nil, firstNonEmpty(env.Error, "agent reported failure"), log)
		} else {
			o.settleAgent(ctx, r, env.Agent, session.AgentCompleted, env.Data, "", log)
		}
	case message.ActionError:
		o.settleAgent(ctx, r, env.Agent, session.AgentFailed, nil, firstNonEmpty(env.Error, "unspecified agent error"), log)
	default:
		log.Warn("Unexpected action on response channel", "agent", env.Agent, "action", env.Action)
		return
	}

	o.afterTransition(ctx, r, events, log)
}

func (o *Orchestrator) handleAgentTimeout(ctx context.Context, r *runState, name string, events chan<- event, log *slog.Logger) {
	if r.statuses[name].Terminal() {
		return
	}
	log.Warn("Agent timed out", "agent", name)
	o.settleAgent(ctx, r, name, session.AgentTimedOut, nil, "response deadline exceeded", log)
	o.publishStream(ctx, log, StreamEvent{
		Type:      EventTimeout,
		SessionID: r.sessionID,
		Agent:     name,
		Message:   fmt.Sprintf("%s did not respond in time", name),
		Timestamp: time.Now().UTC(),
	})
	o.afterTransition(ctx, r, events, log)
}

func (o *Orchestrator) handleGlobalTimeout(ctx context.Context, r *runState, log *slog.Logger) {
	log.Warn("Session deadline exceeded")
	for name, status := range r.statuses {
		if !status.Terminal() {
			o.settleAgent(ctx, r, name, session.AgentTimedOut, nil, "session deadline exceeded", log)
		}
	}
	o.publishStream(ctx, log, StreamEvent{
		Type:      EventTimeout,
		SessionID: r.sessionID,
		Message:   "session deadline exceeded",
		Timestamp: time.Now().UTC(),
	})
	o.finalize(ctx, r, o.overallStatus(r), log)
}

func (o *Orchestrator) handleCancel(ctx context.Context, r *runState, env *message.Envelope, log *slog.Logger) {
	log.Info("Session cancelled", "reason", env.Reason)
	o.finalize(ctx, r, session.StatusCancelled, log)
}

// settleAgent records one agent's terminal outcome in loop state and
// the store, and emits the agent_update stream event.
func (o *Orchestrator) settleAgent(ctx context.Context, r *runState, name string, status session.AgentStatus, data json.RawMessage, errMsg string, log *slog.Logger) {
	if t, ok := r.timers[name]; ok {
		t.Stop()
		delete(r.timers, name)
	}
	r.statuses[name] = status
	r.results[name] = message.UpstreamResult{Status: string(status), Data: data, Error: errMsg}
	o.merge(ctx, r.sessionID, log, func(s *session.State) error {
		s.SetAgentResult(name, status, data, errMsg)
		return nil
	})
	o.publishStream(ctx, log, StreamEvent{
		Type:      EventAgentUpdate,
		SessionID: r.sessionID,
		Agent:     name,
		Status:    string(status),
		Message:   errMsg,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// afterTransition dispatches any dependent agents whose dependencies
// just settled, then finalizes the session if everything is terminal.
func (o *Orchestrator) afterTransition(ctx context.Context, r *runState, events chan<- event, log *slog.Logger) {
	for _, def := range o.registry.Dependent() {
		if r.dispatched[def.Name] || r.statuses[def.Name].Terminal() {
			continue
		}
		ready := true
		for _, dep := range def.DependsOn {
			if !r.statuses[dep].Terminal() {
				ready = false
				break
			}
		}
		if ready {
			if !o.dispatch(ctx, r, def, events, log) {
				return
			}
		}
	}
	if r.allTerminal() {
		o.finalize(ctx, r, o.overallStatus(r), log)
	}
}

// overallStatus computes the terminal status from the settled agent
// set: completed when every required agent completed, partial when at
// least one agent produced data, failed otherwise.
func (o *Orchestrator) overallStatus(r *runState) session.Status {
	completed := 0
	requiredOK := true
	for name, status := range r.statuses {
		if status == session.AgentCompleted {
			completed++
			continue
		}
		if def, ok := o.registry.Get(name); ok && def.Required {
			requiredOK = false
		}
	}
	switch {
	case requiredOK && completed > 0:
		return session.StatusCompleted
	case completed > 0:
		return session.StatusPartial
	default:
		return session.StatusFailed
	}
}

// finalize writes the terminal status exactly once, emits the terminal
// stream event, and extends the record's TTL so callers can fetch the
// outcome well after the session settled.
func (o *Orchestrator) finalize(ctx context.Context, r *runState, status session.Status, log *slog.Logger) {
	if r.finalized {
		return
	}
	r.finalized = true

	summary := fmt.Sprintf("%d/%d agents completed", countCompleted(r), len(r.statuses))
	var final *session.State
	o.merge(ctx, r.sessionID, log, func(s *session.State) error {
		s.Finalize(status)
		s.Summary = summary
		final = s.Clone()
		return nil
	})
	if err := o.store.Touch(ctx, r.sessionID, o.opts.SessionTTL); err != nil {
		log.Warn("TTL extension failed", "error", err)
	}

	eventType := EventCompleted
	if status == session.StatusFailed || status == session.StatusCancelled {
		eventType = EventError
	}
	var data json.RawMessage
	if final != nil {
		if encoded, err := json.Marshal(final); err == nil {
			data = encoded
		}
	}
	o.publishStream(ctx, log, StreamEvent{
		Type:      eventType,
		SessionID: r.sessionID,
		Status:    string(status),
		Message:   summary,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	log.Info("Session settled", "status", status, "summary", summary)

	o.mu.Lock()
	if done, ok := o.done[r.sessionID]; ok {
		close(done)
		delete(o.done, r.sessionID)
	}
	o.mu.Unlock()
}

// failTransport settles a session as failed when the bus itself is
// unusable. Nothing partial is kept in flight.
func (o *Orchestrator) failTransport(ctx context.Context, r *runState, log *slog.Logger, cause error) {
	for name, status := range r.statuses {
		if !status.Terminal() {
			r.statuses[name] = session.AgentFailed
			o.merge(ctx, r.sessionID, log, func(s *session.State) error {
				s.SetAgentResult(name, session.AgentFailed, nil, "transport unavailable")
				return nil
			})
		}
	}
	o.finalize(ctx, r, session.StatusFailed, log)
	log.Error("Session failed, transport unavailable", "error", cause)
}

func (o *Orchestrator) merge(ctx context.Context, id string, log *slog.Logger, fn store.MergeFunc) {
	if err := o.store.Merge(ctx, id, fn); err != nil {
		log.Error("Session state write failed", "error", err)
	}
}

func (o *Orchestrator) publishStream(ctx context.Context, log *slog.Logger, ev StreamEvent) {
	data, err := json.Marshal(&ev)
	if err != nil {
		log.Error("Stream event encode failed", "type", ev.Type, "error", err)
		return
	}
	if err := o.bus.Publish(ctx, channel.Stream(ev.SessionID), data); err != nil {
		log.Warn("Stream event publish failed", "type", ev.Type, "error", err)
	}
}

func countCompleted(r *runState) int {
	n := 0
	for _, s := range r.statuses {
		if s == session.AgentCompleted {
			n++
		}
	}
	return n
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
