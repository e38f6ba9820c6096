package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/clinic-booking-pipeline/internal/tenancy"
	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

var eventsTracer = otel.Tracer("clinic.internal.events")

// Handler processes one event for a resolved org. Returning an error
// schedules a retry unless the error is wrapped with Permanent.
type Handler interface {
	Handle(ctx context.Context, orgID string, e *Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, orgID string, e *Event) error

func (f HandlerFunc) Handle(ctx context.Context, orgID string, e *Event) error {
	return f(ctx, orgID, e)
}

// OrgResolver maps an event's hint to an org.
type OrgResolver interface {
	Resolve(ctx context.Context, hint tenancy.Hint) (string, error)
}

// Observer receives one sample per ingest or processing outcome.
type Observer interface {
	ObserveEvent(eventType, outcome string)
}

// RetryPolicy bounds automatic retries.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 2 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Minute
	}
	return p
}

// Pipeline accepts events idempotently and drives them through handlers
// with bounded retries.
type Pipeline struct {
	store    Store
	resolver OrgResolver
	queue    Queue
	logger   *logging.Logger
	observer Observer
	policy   RetryPolicy
	now      func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewPipeline(store Store, resolver OrgResolver, logger *logging.Logger) *Pipeline {
	if store == nil {
		panic("events: store required")
	}
	if resolver == nil {
		panic("events: resolver required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Pipeline{
		store:    store,
		resolver: resolver,
		logger:   logger,
		policy:   RetryPolicy{}.normalized(),
		now:      time.Now,
		handlers: make(map[string]Handler),
	}
}

// WithQueue sets the work queue new events are announced on. Without one,
// events wait for the due poller.
func (p *Pipeline) WithQueue(q Queue) *Pipeline {
	p.queue = q
	return p
}

func (p *Pipeline) WithPolicy(policy RetryPolicy) *Pipeline {
	p.policy = policy.normalized()
	return p
}

func (p *Pipeline) WithObserver(o Observer) *Pipeline {
	p.observer = o
	return p
}

func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	if now != nil {
		p.now = now
	}
	return p
}

// Register installs the handler for an event type.
func (p *Pipeline) Register(eventType string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[eventType] = h
}

func (p *Pipeline) handler(eventType string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[eventType]
	return h, ok
}

// Store exposes the backing store to workers and admin handlers.
func (p *Pipeline) Store() Store {
	return p.store
}

// Ingest durably records an event and schedules it. A completed event ID is
// acknowledged as a duplicate without any further work.
func (p *Pipeline) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	ctx, span := eventsTracer.Start(ctx, "events.ingest", trace.WithAttributes(
		attribute.String("clinic.event_id", req.EventID),
		attribute.String("clinic.event_type", req.Type),
	))
	defer span.End()

	req.EventID = strings.TrimSpace(req.EventID)
	req.Type = strings.TrimSpace(req.Type)
	if req.EventID == "" {
		return nil, invalid("id is required")
	}
	if len(req.EventID) > 200 {
		return nil, invalid("id is too long")
	}
	if _, ok := p.handler(req.Type); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, req.Type)
	}
	if len(req.Payload) == 0 {
		req.Payload = []byte("{}")
	}

	existing, err := p.store.Get(ctx, req.EventID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		span.RecordError(err)
		return nil, err
	default:
		return p.redelivered(ctx, existing)
	}

	now := p.now().UTC()
	e := &Event{
		ID:            req.EventID,
		OrgID:         strings.TrimSpace(req.Hint.OrgID),
		Hint:          req.Hint,
		Type:          req.Type,
		Payload:       req.Payload,
		Status:        StatusPending,
		MaxAttempts:   p.policy.MaxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	inserted, err := p.store.Insert(ctx, e)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !inserted {
		// Lost a race with a concurrent delivery of the same ID.
		existing, err := p.store.Get(ctx, req.EventID)
		if err != nil {
			return nil, err
		}
		return p.redelivered(ctx, existing)
	}
	p.enqueue(ctx, e.ID)
	p.observe(e.Type, "accepted")
	p.logger.Info("event accepted", "event_id", e.ID, "type", e.Type, "org_id", e.OrgID)
	return &IngestResult{EventID: e.ID, Status: StatusPending}, nil
}

func (p *Pipeline) redelivered(ctx context.Context, e *Event) (*IngestResult, error) {
	result := &IngestResult{EventID: e.ID, Status: e.Status}
	switch e.Status {
	case StatusCompleted, StatusDeadLetter:
		result.Duplicate = true
		p.observe(e.Type, "duplicate")
		p.logger.Debug("duplicate event ignored", "event_id", e.ID, "status", e.Status)
	case StatusFailed:
		ok, err := p.store.RetryNow(ctx, e.ID, p.now().UTC())
		if err != nil {
			return nil, err
		}
		if ok {
			p.enqueue(ctx, e.ID)
		}
	case StatusPending:
		p.enqueue(ctx, e.ID)
	}
	return result, nil
}

func (p *Pipeline) enqueue(ctx context.Context, id string) {
	if p.queue == nil {
		return
	}
	if err := p.queue.Send(ctx, id); err != nil {
		// The row is durable; the due poller picks it up.
		p.logger.Warn("event enqueue failed", "event_id", id, "error", err)
	}
}

// Process claims and handles one event. Handler failures are recorded on the
// event and never returned; the error result is reserved for store failures
// so queue consumers know to leave the message for redelivery.
func (p *Pipeline) Process(ctx context.Context, eventID string) error {
	e, err := p.store.Claim(ctx, eventID, p.now().UTC())
	if errors.Is(err, ErrNotClaimable) || errors.Is(err, ErrNotFound) {
		p.logger.Debug("event not claimable", "event_id", eventID)
		return nil
	}
	if err != nil {
		return err
	}
	return p.run(ctx, e)
}

// ProcessClaimed handles an event already claimed by ClaimDue.
func (p *Pipeline) ProcessClaimed(ctx context.Context, e *Event) error {
	return p.run(ctx, e)
}

func (p *Pipeline) run(ctx context.Context, e *Event) error {
	ctx, span := eventsTracer.Start(ctx, "events.process", trace.WithAttributes(
		attribute.String("clinic.event_id", e.ID),
		attribute.String("clinic.event_type", e.Type),
	))
	defer span.End()

	orgID, handleErr := p.handle(ctx, e)
	if orgID != "" {
		span.SetAttributes(attribute.String("clinic.org_id", orgID))
	}
	now := p.now().UTC()
	claim := e.ClaimToken()
	if handleErr == nil {
		if err := p.store.Complete(ctx, claim, orgID, now); err != nil {
			return p.settleFailed(span, e, err)
		}
		p.observe(e.Type, "completed")
		p.logger.Info("event processed", "event_id", e.ID, "type", e.Type, "org_id", orgID)
		return nil
	}

	span.RecordError(handleErr)
	attempts := e.Attempts + 1
	maxAttempts := e.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.policy.MaxAttempts
	}
	if IsPermanent(handleErr) || attempts >= maxAttempts {
		if err := p.store.DeadLetter(ctx, claim, orgID, attempts, handleErr.Error(), now); err != nil {
			return p.settleFailed(span, e, err)
		}
		p.observe(e.Type, "dead_letter")
		p.logger.Error("event dead-lettered", "event_id", e.ID, "type", e.Type, "org_id", orgID,
			"attempts", attempts, "error", handleErr)
		return nil
	}
	delay := Backoff(attempts, p.policy.BaseDelay, p.policy.MaxDelay)
	if err := p.store.Fail(ctx, claim, orgID, attempts, now.Add(delay), handleErr.Error(), now); err != nil {
		return p.settleFailed(span, e, err)
	}
	p.observe(e.Type, "retry")
	p.logger.Warn("event failed, retry scheduled", "event_id", e.ID, "type", e.Type, "org_id", orgID,
		"attempts", attempts, "retry_in", delay, "error", handleErr)
	return nil
}

// settleFailed handles a status write that did not apply. A lost claim means
// another worker took the event over after ReclaimStale; its outcome stands
// and this run's result is dropped.
func (p *Pipeline) settleFailed(span trace.Span, e *Event, err error) error {
	if errors.Is(err, ErrNotClaimable) {
		p.observe(e.Type, "claim_lost")
		p.logger.Warn("event claim lost, dropping result", "event_id", e.ID, "type", e.Type)
		return nil
	}
	span.RecordError(err)
	return err
}

func (p *Pipeline) handle(ctx context.Context, e *Event) (orgID string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("events: handler panic: %v", r)
		}
	}()
	h, ok := p.handler(e.Type)
	if !ok {
		return e.OrgID, Permanent(fmt.Errorf("%w: %q", ErrUnknownType, e.Type))
	}
	hint := e.Hint
	if hint.OrgID == "" {
		hint.OrgID = e.OrgID
	}
	orgID, err = p.resolver.Resolve(ctx, hint)
	if err != nil {
		return "", fmt.Errorf("events: resolve org: %w", err)
	}
	return orgID, h.Handle(ctx, orgID, e)
}

// DeadLetter records a failure that should not be retried automatically but
// stays replayable by operators.
func (p *Pipeline) DeadLetter(ctx context.Context, req IngestRequest, reason string) error {
	now := p.now().UTC()
	e := &Event{
		ID:            req.EventID,
		OrgID:         req.Hint.OrgID,
		Hint:          req.Hint,
		Type:          req.Type,
		Payload:       req.Payload,
		Status:        StatusDeadLetter,
		MaxAttempts:   p.policy.MaxAttempts,
		NextAttemptAt: now,
		LastError:     reason,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := p.store.Insert(ctx, e); err != nil {
		return err
	}
	p.observe(e.Type, "dead_letter")
	return nil
}

// ListDeadLetters returns dead-lettered events, newest first. An empty orgID
// lists all orgs.
func (p *Pipeline) ListDeadLetters(ctx context.Context, orgID string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return p.store.ListDeadLetters(ctx, orgID, limit)
}

// Replay returns a dead-lettered event to the pending state and schedules it.
func (p *Pipeline) Replay(ctx context.Context, eventID string) (*Event, error) {
	e, err := p.store.Replay(ctx, eventID, p.now().UTC())
	if err != nil {
		return nil, err
	}
	p.enqueue(ctx, e.ID)
	p.observe(e.Type, "replayed")
	p.logger.Info("event replayed", "event_id", e.ID, "type", e.Type, "org_id", e.OrgID)
	return e, nil
}

func (p *Pipeline) observe(eventType, outcome string) {
	if p.observer != nil {
		p.observer.ObserveEvent(eventType, outcome)
	}
}
