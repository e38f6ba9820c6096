package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var breakerTracer = otel.Tracer("clinic.internal.breaker")

// ErrOpen matches any DownstreamUnavailableError via errors.Is.
var ErrOpen = errors.New("breaker: circuit open")

// DownstreamUnavailableError is returned without attempting the call while a
// service's circuit is open or its half-open probe is already taken.
type DownstreamUnavailableError struct {
	Service   string
	OpenUntil time.Time
}

func (e *DownstreamUnavailableError) Error() string {
	if e.OpenUntil.IsZero() {
		return fmt.Sprintf("breaker: %s unavailable (probe in flight)", e.Service)
	}
	return fmt.Sprintf("breaker: %s unavailable until %s", e.Service, e.OpenUntil.UTC().Format(time.RFC3339))
}

func (e *DownstreamUnavailableError) Is(target error) bool {
	return target == ErrOpen
}

// Settings tune when a circuit opens and how long it stays open.
type Settings struct {
	FailureThreshold int
	Window           time.Duration
	Cooldown         time.Duration
	ProbeLease       time.Duration
}

// DefaultSettings mirrors the production defaults.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		Window:           time.Minute,
		Cooldown:         30 * time.Second,
		ProbeLease:       10 * time.Second,
	}
}

func (s Settings) normalized() Settings {
	def := DefaultSettings()
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = def.FailureThreshold
	}
	if s.Window <= 0 {
		s.Window = def.Window
	}
	if s.Cooldown <= 0 {
		s.Cooldown = def.Cooldown
	}
	if s.ProbeLease <= 0 {
		s.ProbeLease = def.ProbeLease
	}
	return s
}

// Observer receives one outcome per Execute call.
type Observer interface {
	ObserveBreakerCall(service, outcome string)
}

// Call outcomes reported to the Observer.
const (
	OutcomeSuccess    = "success"
	OutcomeFailure    = "failure"
	OutcomeRejected   = "rejected"
	OutcomeStoreError = "store_error"
)

// Breaker wraps downstream calls per named service.
type Breaker struct {
	store    StateStore
	settings Settings
	logger   *logging.Logger
	observer Observer
	now      func() time.Time
}

// New builds a breaker over the given state store.
func New(store StateStore, settings Settings, logger *logging.Logger) *Breaker {
	if store == nil {
		panic("breaker: state store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Breaker{
		store:    store,
		settings: settings.normalized(),
		logger:   logger,
		now:      time.Now,
	}
}

// WithObserver attaches an outcome observer (metrics).
func (b *Breaker) WithObserver(o Observer) *Breaker {
	b.observer = o
	return b
}

// WithClock overrides the time source.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	if now != nil {
		b.now = now
	}
	return b
}

// Store exposes the underlying state store for operator tooling.
func (b *Breaker) Store() StateStore {
	return b.store
}

// Execute runs op unless the service's circuit is open. Failures of op are
// recorded against the service; errors talking to the state store never
// block the call.
func (b *Breaker) Execute(ctx context.Context, service string, op func(context.Context) error) error {
	ctx, span := breakerTracer.Start(ctx, "breaker.execute", trace.WithAttributes(
		attribute.String("clinic.breaker.service", service),
	))
	defer span.End()

	now := b.now()
	snap, err := b.store.Get(ctx, service)
	if err != nil {
		b.logger.Warn("breaker state unavailable, allowing call", "service", service, "error", err)
		b.observe(service, OutcomeStoreError)
		return op(ctx)
	}

	switch snap.StateAt(now) {
	case StateOpen:
		b.observe(service, OutcomeRejected)
		span.SetAttributes(attribute.Bool("clinic.breaker.rejected", true))
		return &DownstreamUnavailableError{Service: service, OpenUntil: snap.OpenUntil}
	case StateHalfOpen:
		acquired, err := b.store.AcquireProbe(ctx, service, now, b.settings.ProbeLease)
		if err != nil {
			b.logger.Warn("breaker probe lease failed, allowing call", "service", service, "error", err)
		} else if !acquired {
			b.observe(service, OutcomeRejected)
			return &DownstreamUnavailableError{Service: service}
		}
	}

	opErr := op(ctx)
	if opErr == nil {
		if err := b.store.RecordSuccess(ctx, service); err != nil {
			b.logger.Warn("breaker record success failed", "service", service, "error", err)
		}
		b.observe(service, OutcomeSuccess)
		return nil
	}

	span.RecordError(opErr)
	after, err := b.store.RecordFailure(ctx, service, b.now(), b.settings)
	if err != nil {
		b.logger.Warn("breaker record failure failed", "service", service, "error", err)
	} else if after.StateAt(b.now()) == StateOpen && snap.StateAt(now) != StateOpen {
		b.logger.Warn("breaker opened", "service", service, "failures", after.Failures, "open_until", after.OpenUntil)
	}
	b.observe(service, OutcomeFailure)
	return opErr
}

// State reports a service's current state.
func (b *Breaker) State(ctx context.Context, service string) (Snapshot, error) {
	snap, err := b.store.Get(ctx, service)
	if err != nil {
		return Snapshot{}, err
	}
	snap.State = snap.StateAt(b.now())
	return snap, nil
}

// List reports every service with recorded state.
func (b *Breaker) List(ctx context.Context) ([]Snapshot, error) {
	snaps, err := b.store.List(ctx)
	if err != nil {
		return nil, err
	}
	now := b.now()
	for i := range snaps {
		snaps[i].State = snaps[i].StateAt(now)
	}
	return snaps, nil
}

// Reset force-closes a service's circuit.
func (b *Breaker) Reset(ctx context.Context, service string) error {
	if err := b.store.Reset(ctx, service); err != nil {
		return fmt.Errorf("breaker: reset %s: %w", service, err)
	}
	b.logger.Info("breaker reset", "service", service)
	return nil
}

func (b *Breaker) observe(service, outcome string) {
	if b.observer != nil {
		b.observer.ObserveBreakerCall(service, outcome)
	}
}
