// Package router chooses which provider serves a request: the provider pinned
// by affinity first, then every other provider in registry order.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jordanhubbard/ccproxy/internal/affinity"
	"github.com/jordanhubbard/ccproxy/internal/events"
	"github.com/jordanhubbard/ccproxy/internal/forward"
	"github.com/jordanhubbard/ccproxy/internal/providers"
)

// Engine routes requests with sticky affinity and ordered failover.
type Engine struct {
	store     *affinity.Store
	source    ProviderSource
	attempter Attempter
	bus       *events.Bus
	logger    *slog.Logger
}

// EngineOption configures optional Engine behaviour.
type EngineOption func(*Engine)

// WithEventBus publishes attempt and route outcomes.
func WithEventBus(bus *events.Bus) EngineOption {
	return func(e *Engine) {
		e.bus = bus
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine wires an engine to its collaborators.
func NewEngine(store *affinity.Store, source ProviderSource, attempter Attempter, opts ...EngineOption) *Engine {
	e := &Engine{
		store:     store,
		source:    source,
		attempter: attempter,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// call carries the per-request values every attempt needs.
type call struct {
	req       Request
	model     string
	caller    string
	key       string
	requestID string
	start     time.Time
	log       *slog.Logger
}

// Route forwards req to the first provider that accepts it. The pinned
// provider, when still configured, is tried first; on failure its pin is
// dropped and the remaining providers are tried in order. The first success
// re-pins the key.
func (e *Engine) Route(ctx context.Context, req Request) (*Result, error) {
	model, err := ExtractModel(req.Body)
	if err != nil {
		return nil, err
	}
	c := &call{
		req:       req,
		model:     model,
		caller:    affinity.CallerID(req.Header),
		requestID: forward.RequestID(ctx),
		start:     time.Now(),
	}
	c.key = affinity.Key(c.caller, string(req.Kind), model)
	c.log = e.logger.With(
		slog.String("kind", string(req.Kind)),
		slog.String("model", model),
		slog.String("caller", c.caller),
		slog.String("request_id", c.requestID),
	)

	cachedID, hasCached := e.store.Get(c.key)
	candidates := e.source.Snapshot(req.Kind)
	if len(candidates) == 0 {
		err := fmt.Errorf("%w for %s model: %s", ErrNoProviders, req.Kind, model)
		c.log.Warn("no providers configured")
		e.publish(c.event(events.EventRouteError, err.Error()))
		return nil, err
	}

	c.log.Debug("routing request", slog.Int("candidates", len(candidates)), slog.Bool("pinned", hasCached))

	attempts := 0
	var lastErr error

	if hasCached {
		for _, p := range candidates {
			if p.ID() != cachedID {
				continue
			}
			attempts++
			resp, err := e.attempt(ctx, c, p, true)
			if err == nil {
				return e.succeed(c, resp, p, true, attempts), nil
			}
			lastErr = err
			e.store.Invalidate(c.key)
			break
		}
	}

	for i, p := range candidates {
		if hasCached && p.ID() == cachedID {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		attempts++
		c.log.Debug("trying provider",
			slog.String("provider", p.Label()),
			slog.Int("priority", i+1),
			slog.Int("level", p.Level),
		)
		resp, err := e.attempt(ctx, c, p, false)
		if err == nil {
			return e.succeed(c, resp, p, false, attempts), nil
		}
		lastErr = err
	}

	if err := ctx.Err(); err != nil {
		c.log.Warn("request canceled during failover", slog.Int("attempts", attempts))
		ev := c.event(events.EventRouteError, err.Error())
		ev.Attempts = attempts
		e.publish(ev)
		return nil, fmt.Errorf("request canceled after %d attempts: %w", attempts, err)
	}

	exhausted := &ExhaustedError{Tried: len(candidates), Model: model, Last: lastErr}
	c.log.Error("all providers failed",
		slog.Int("total", len(candidates)),
		slog.Duration("elapsed", time.Since(c.start)),
	)
	ev := c.event(events.EventRouteError, exhausted.Error())
	ev.Attempts = attempts
	e.publish(ev)
	return nil, exhausted
}

func (e *Engine) attempt(ctx context.Context, c *call, p providers.Provider, sticky bool) (*forward.Response, error) {
	t0 := time.Now()
	resp, err := e.attempter.Attempt(ctx, p, c.req.Body, c.req.Header)
	elapsed := time.Since(t0)

	ev := c.event(events.EventAttemptSuccess, "")
	ev.ProviderID = p.ID()
	ev.Provider = p.Label()
	ev.Sticky = sticky
	ev.LatencyMs = float64(elapsed.Milliseconds())

	if err != nil {
		msg := "provider failed"
		if sticky {
			msg = "pinned provider failed"
		}
		c.log.Warn(msg,
			slog.String("provider", p.Label()),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
		ev.Type = events.EventAttemptFailure
		ev.Reason = err.Error()
		e.publish(ev)
		return nil, err
	}

	e.publish(ev)
	return resp, nil
}

func (e *Engine) succeed(c *call, resp *forward.Response, p providers.Provider, sticky bool, attempts int) *Result {
	e.store.Set(c.key, p.ID())
	elapsed := time.Since(c.start)

	c.log.Info("routed",
		slog.String("provider", p.Label()),
		slog.Bool("sticky", sticky),
		slog.Int("attempts", attempts),
		slog.Duration("elapsed", elapsed),
	)
	ev := c.event(events.EventRouteSuccess, "")
	ev.ProviderID = p.ID()
	ev.Provider = p.Label()
	ev.Sticky = sticky
	ev.Attempts = attempts
	ev.LatencyMs = float64(elapsed.Milliseconds())
	e.publish(ev)

	return &Result{
		Response:    resp,
		Provider:    p,
		Model:       c.model,
		AffinityKey: c.key,
		Sticky:      sticky,
		Attempts:    attempts,
	}
}

func (c *call) event(t events.EventType, reason string) events.Event {
	return events.Event{
		Type:      t,
		RequestID: c.requestID,
		Kind:      string(c.req.Kind),
		Model:     c.model,
		Caller:    c.caller,
		Reason:    reason,
	}
}

func (e *Engine) publish(ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

// ExtractModel validates that body is JSON and returns its string "model"
// field, or UnknownModel when the field is absent or not a string.
func ExtractModel(body []byte) (string, error) {
	if !json.Valid(body) {
		return "", ErrInvalidBody
	}
	var probe struct {
		Model any `json:"model"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		// Valid JSON that is not an object.
		return UnknownModel, nil
	}
	if m, ok := probe.Model.(string); ok {
		return m, nil
	}
	return UnknownModel, nil
}
