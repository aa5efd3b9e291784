// Package worker runs one agent's handler against its request channel.
// Every well-formed request gets exactly one response, success or
// error; malformed requests, handler errors, timeouts, and panics all
// turn into error responses rather than silence.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/itinera/itinera/internal/bus"
	"github.com/itinera/itinera/internal/channel"
	"github.com/itinera/itinera/internal/config"
	"github.com/itinera/itinera/internal/message"
)

// ProgressFunc reports intermediate progress to the session's stream.
type ProgressFunc func(msg string, percent int)

// Handler implements one agent's domain logic.
type Handler interface {
	// Agent returns the agent name the handler serves.
	Agent() string

	// Handle performs the work for one request. ctx carries the
	// request's timeout budget; report may be called any number of
	// times. The returned data becomes the response payload.
	Handle(ctx context.Context, req *message.Envelope, report ProgressFunc) (json.RawMessage, error)
}

// ValidationError marks a request rejected before the handler ran.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Options tune a worker. Zero values fall back to package defaults.
type Options struct {
	Concurrency       int
	HeartbeatInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = config.DefaultWorkerConcurrency
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = config.DefaultHeartbeatInterval
	}
	return o
}

// Worker consumes an agent's request channel and runs its handler.
type Worker struct {
	bus     bus.Bus
	handler Handler
	opts    Options
	logger  *slog.Logger

	started time.Time
	sem     chan struct{}
	wg      sync.WaitGroup
}

// New wires a worker for one handler.
func New(b bus.Bus, h Handler, opts Options, logger *slog.Logger) *Worker {
	opts = opts.withDefaults()
	return &Worker{
		bus:     b,
		handler: h,
		opts:    opts,
		logger:  logger.With("agent", h.Agent()),
		sem:     make(chan struct{}, opts.Concurrency),
	}
}

// Run consumes requests until ctx is cancelled or the bus closes. It
// blocks; callers run it in a goroutine per agent.
func (w *Worker) Run(ctx context.Context) error {
	name := w.handler.Agent()
	sub, err := w.bus.Subscribe(ctx, channel.Request(name))
	if err != nil {
		return fmt.Errorf("subscribe to %s requests: %w", name, err)
	}
	defer sub.Cancel()

	w.started = time.Now()
	w.wg.Add(1)
	go w.heartbeatLoop(ctx)

	w.logger.Info("Worker started", "concurrency", w.opts.Concurrency)
	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return ctx.Err()
		case d, ok := <-sub.C:
			if !ok {
				w.wg.Wait()
				return bus.ErrClosed
			}
			w.accept(ctx, d.Payload)
		}
	}
}

// accept admits one request under the concurrency limit.
func (w *Worker) accept(ctx context.Context, payload []byte) {
	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()
		w.process(ctx, payload)
	}()
}

func (w *Worker) process(ctx context.Context, payload []byte) {
	req, err := message.Decode(payload)
	if err != nil {
		w.logger.Warn("Dropping undecodable request", "error", err)
		return
	}
	log := w.logger.With("session_id", req.SessionID, "request_id", req.RequestID)

	if err := message.ValidateRequest(req); err != nil {
		log.Warn("Rejecting malformed request", "error", err)
		w.respondError(ctx, req, err.Error(), 0, log)
		return
	}

	budget := time.Duration(req.Metadata.TimeoutMS) * time.Millisecond
	reqCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	report := func(msg string, percent int) {
		env := message.NewProgress(req.SessionID, req.Agent, msg, percent)
		data, err := message.Encode(env)
		if err != nil {
			return
		}
		if err := w.bus.Publish(reqCtx, channel.Stream(req.SessionID), data); err != nil {
			log.Debug("Progress publish failed", "error", err)
		}
	}

	start := time.Now()
	data, err := w.invoke(reqCtx, req, report)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		w.respond(ctx, message.NewResponse(req, data, elapsed), log)
		log.Info("Request completed", "elapsed", elapsed)
	case errors.Is(err, context.DeadlineExceeded):
		w.respondError(ctx, req, "processing budget exceeded", elapsed, log)
	default:
		var verr *ValidationError
		if errors.As(err, &verr) {
			log.Warn("Payload rejected", "error", verr.Reason)
		} else {
			log.Error("Handler failed", "error", err)
		}
		w.respondError(ctx, req, err.Error(), elapsed, log)
	}
}

// invoke runs the handler, converting panics into errors so a bad
// request cannot kill the worker or leave the session hanging.
func (w *Worker) invoke(ctx context.Context, req *message.Envelope, report ProgressFunc) (data json.RawMessage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error("Handler panicked",
				"session_id", req.SessionID,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("internal error: %v", rec)
		}
	}()
	return w.handler.Handle(ctx, req, report)
}

func (w *Worker) respond(ctx context.Context, env *message.Envelope, log *slog.Logger) {
	data, err := message.Encode(env)
	if err != nil {
		log.Error("Response encode failed", "error", err)
		return
	}
	if err := w.bus.Publish(ctx, channel.Response(env.Agent, env.SessionID), data); err != nil {
		log.Error("Response publish failed", "error", err)
	}
}

func (w *Worker) respondError(ctx context.Context, req *message.Envelope, reason string, elapsed time.Duration, log *slog.Logger) {
	w.respond(ctx, message.NewErrorResponse(req, reason, elapsed), log)
}

// heartbeatLoop announces liveness on the shared health channel until
// ctx is cancelled.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()

	w.heartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.heartbeat(ctx)
		}
	}
}

func (w *Worker) heartbeat(ctx context.Context) {
	env := message.NewHealth(w.handler.Agent(), "healthy", time.Since(w.started))
	data, err := message.Encode(env)
	if err != nil {
		return
	}
	if err := w.bus.Publish(ctx, channel.Health, data); err != nil {
		w.logger.Debug("Heartbeat publish failed", "error", err)
	}
}
