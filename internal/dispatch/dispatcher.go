// Package dispatch runs booking side effects (SMS, email, calendar) after the
// booking transaction commits. Every effect goes through the circuit breaker,
// runs on its own goroutine with a timeout, and ends as an advisory Outcome;
// nothing here can fail or alter a booking.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-booking-pipeline/internal/bookings"
	"github.com/wolfman30/clinic-booking-pipeline/internal/breaker"
	"github.com/wolfman30/clinic-booking-pipeline/internal/calendar"
	"github.com/wolfman30/clinic-booking-pipeline/internal/messaging"
	"github.com/wolfman30/clinic-booking-pipeline/internal/messaging/templates"
	"github.com/wolfman30/clinic-booking-pipeline/internal/notify"
	"github.com/wolfman30/clinic-booking-pipeline/internal/vault"
	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

var dispatchTracer = otel.Tracer("clinic.internal.dispatch")

// Executor runs a provider call under a named circuit. *breaker.Breaker
// implements it.
type Executor interface {
	Execute(ctx context.Context, service string, op func(context.Context) error) error
}

// SMSProvider resolves an org's SMS sender.
type SMSProvider interface {
	ForOrg(ctx context.Context, orgID string) (messaging.Sender, string, error)
}

// CalendarProvider resolves an org's calendar.
type CalendarProvider interface {
	ForOrg(ctx context.Context, orgID string) (calendar.Client, error)
}

// EmailProvider resolves an org's email sender.
type EmailProvider interface {
	ForOrg(ctx context.Context, orgID string) (notify.EmailSender, string, error)
}

// Recorder persists side-effect outcomes.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
	List(ctx context.Context, orgID, bookingID string) ([]Record, error)
}

// FailureSink receives side effects that need operator follow-up.
type FailureSink interface {
	RecordFailure(ctx context.Context, f Failure) error
}

// CalendarLinker stores the provider event ID on the booking.
type CalendarLinker interface {
	SetCalendarEventID(ctx context.Context, bookingID, eventID string) error
}

// Locator gives the org's local time zone for message text.
type Locator interface {
	Location(ctx context.Context, orgID string) (*time.Location, error)
}

// Observer receives one outcome per side effect.
type Observer interface {
	ObserveSideEffect(effect, outcome string, elapsed time.Duration)
}

// Dispatcher fans a booking's side effects out to providers.
type Dispatcher struct {
	breaker     Executor
	sms         SMSProvider
	calendar    CalendarProvider
	email       EmailProvider
	recorder    Recorder
	failures    FailureSink
	linker      CalendarLinker
	locator     Locator
	observer    Observer
	renderer    templates.Renderer
	confirmBase string
	timeout     time.Duration
	logger      *logging.Logger
	now         func() time.Time

	inflight sync.WaitGroup
}

// New builds a dispatcher. Providers left unset make their effects skip as
// not configured.
func New(exec Executor, logger *logging.Logger) *Dispatcher {
	if exec == nil {
		panic("dispatch: breaker required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		breaker: exec,
		timeout: 5 * time.Second,
		logger:  logger,
		now:     time.Now,
	}
}

func (d *Dispatcher) WithSMS(p SMSProvider) *Dispatcher {
	d.sms = p
	return d
}

func (d *Dispatcher) WithCalendar(p CalendarProvider) *Dispatcher {
	d.calendar = p
	return d
}

func (d *Dispatcher) WithEmail(p EmailProvider) *Dispatcher {
	d.email = p
	return d
}

func (d *Dispatcher) WithRecorder(r Recorder) *Dispatcher {
	d.recorder = r
	return d
}

func (d *Dispatcher) WithFailureSink(s FailureSink) *Dispatcher {
	d.failures = s
	return d
}

func (d *Dispatcher) WithCalendarLinker(l CalendarLinker) *Dispatcher {
	d.linker = l
	return d
}

func (d *Dispatcher) WithLocator(l Locator) *Dispatcher {
	d.locator = l
	return d
}

func (d *Dispatcher) WithObserver(o Observer) *Dispatcher {
	d.observer = o
	return d
}

func (d *Dispatcher) WithTemplates(r templates.Renderer) *Dispatcher {
	d.renderer = r
	return d
}

// WithConfirmURL sets the base URL patients follow to confirm; the token is
// appended as a query value.
func (d *Dispatcher) WithConfirmURL(base string) *Dispatcher {
	d.confirmBase = base
	return d
}

// WithTimeout bounds each provider call.
func (d *Dispatcher) WithTimeout(t time.Duration) *Dispatcher {
	if t > 0 {
		d.timeout = t
	}
	return d
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	if now != nil {
		d.now = now
	}
	return d
}

type task struct {
	booking *bookings.Booking
	effect  Effect
}

// BookingCreated sends the confirmation SMS, email and calendar invite for a
// committed booking and waits for their outcomes.
func (d *Dispatcher) BookingCreated(ctx context.Context, b *bookings.Booking) Report {
	return d.run(ctx, b.ID, d.creationTasks(b))
}

// Cancelled withdraws the booking's calendar invite and waits for the outcome.
func (d *Dispatcher) Cancelled(ctx context.Context, b *bookings.Booking) Report {
	return d.run(ctx, b.ID, d.cancellationTasks(b))
}

// Rescheduled withdraws the previous invite and confirms the replacement.
func (d *Dispatcher) Rescheduled(ctx context.Context, res *bookings.RescheduleResult) Report {
	tasks := d.cancellationTasks(res.Previous)
	tasks = append(tasks, d.creationTasks(res.Booking)...)
	return d.run(ctx, res.Booking.ID, tasks)
}

// BookingCancelled implements bookings.CancellationNotifier. The work is
// tracked but not awaited; Shutdown drains it.
func (d *Dispatcher) BookingCancelled(ctx context.Context, b *bookings.Booking) {
	tasks := d.cancellationTasks(b)
	if len(tasks) == 0 {
		return
	}
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		d.run(ctx, b.ID, tasks)
	}()
}

// Retry runs one effect again for an operator replay. Failures are returned
// in the Result rather than sent to the failure sink, because the replayed
// event is itself the failure record.
func (d *Dispatcher) Retry(ctx context.Context, b *bookings.Booking, effect Effect) Result {
	return d.execute(context.WithoutCancel(ctx), task{booking: b, effect: effect}, false)
}

// Shutdown waits for in-flight side effects or ctx, whichever ends first.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatch: shutdown: %w", ctx.Err())
	}
}

// Records lists persisted outcomes for a booking.
func (d *Dispatcher) Records(ctx context.Context, orgID, bookingID string) ([]Record, error) {
	if d.recorder == nil {
		return nil, nil
	}
	return d.recorder.List(ctx, orgID, bookingID)
}

func (d *Dispatcher) creationTasks(b *bookings.Booking) []task {
	var tasks []task
	if b.Patient.Phone != "" {
		tasks = append(tasks, task{booking: b, effect: EffectSMS})
	}
	if b.Patient.Email != "" {
		tasks = append(tasks, task{booking: b, effect: EffectEmail})
	}
	return append(tasks, task{booking: b, effect: EffectCalendar})
}

func (d *Dispatcher) cancellationTasks(b *bookings.Booking) []task {
	if b == nil || b.CalendarEventID == "" {
		return nil
	}
	return []task{{booking: b, effect: EffectCalendarDelete}}
}

func (d *Dispatcher) run(ctx context.Context, bookingID string, tasks []task) Report {
	report := Report{BookingID: bookingID, Results: make([]Result, len(tasks))}
	if len(tasks) == 0 {
		return report
	}
	// Side effects outlive the caller's request; a disconnecting client must
	// not abort a half-sent confirmation.
	base := context.WithoutCancel(ctx)
	base, span := dispatchTracer.Start(base, "dispatch.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.booking_id", bookingID),
		attribute.Int("clinic.dispatch.effects", len(tasks)),
	)

	var wg sync.WaitGroup
	for i, t := range tasks {
		wg.Add(1)
		d.inflight.Add(1)
		go func() {
			defer wg.Done()
			defer d.inflight.Done()
			report.Results[i] = d.execute(base, t, true)
		}()
	}
	wg.Wait()
	return report
}

func (d *Dispatcher) execute(base context.Context, t task, sinkFailures bool) (res Result) {
	started := d.now()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("side effect panicked", "booking_id", t.booking.ID, "effect", t.effect, "panic", r)
			res = Result{Effect: t.effect, Outcome: OutcomeFailedButBooked, Reason: fmt.Sprintf("panic: %v", r)}
		}
		res.Duration = d.now().Sub(started)
		d.finish(base, t, res, started, sinkFailures)
	}()

	ctx, cancel := context.WithTimeout(base, d.timeout)
	defer cancel()

	switch t.effect {
	case EffectSMS:
		return d.sendSMS(ctx, t.booking)
	case EffectEmail:
		return d.sendEmail(ctx, t.booking)
	case EffectCalendar:
		return d.createCalendarEvent(ctx, t.booking)
	case EffectCalendarDelete:
		return d.deleteCalendarEvent(ctx, t.booking)
	default:
		return Result{Effect: t.effect, Outcome: OutcomeFailedButBooked, Reason: "unknown effect"}
	}
}

func (d *Dispatcher) sendSMS(ctx context.Context, b *bookings.Booking) Result {
	if d.sms == nil {
		return skipped(EffectSMS, "", ReasonNotConfigured)
	}
	sender, provider, err := d.sms.ForOrg(ctx, b.OrgID)
	if err != nil {
		return unavailable(EffectSMS, err)
	}
	body, err := d.renderer.RenderNamed(templates.BookingSMS, d.messageData(ctx, b))
	if err != nil {
		return failed(EffectSMS, provider, err)
	}
	var id string
	err = d.breaker.Execute(ctx, "sms."+provider, func(ctx context.Context) error {
		var sendErr error
		id, sendErr = sender.Send(ctx, b.Patient.Phone, body)
		return sendErr
	})
	return classify(EffectSMS, provider, id, err)
}

func (d *Dispatcher) sendEmail(ctx context.Context, b *bookings.Booking) Result {
	if d.email == nil {
		return skipped(EffectEmail, "", ReasonNotConfigured)
	}
	sender, provider, err := d.email.ForOrg(ctx, b.OrgID)
	if err != nil {
		return unavailable(EffectEmail, err)
	}
	data := d.messageData(ctx, b)
	subject, err := d.renderer.RenderNamed(templates.BookingEmailSubject, data)
	if err != nil {
		return failed(EffectEmail, provider, err)
	}
	body, err := d.renderer.RenderNamed(templates.BookingEmailBody, data)
	if err != nil {
		return failed(EffectEmail, provider, err)
	}
	var id string
	err = d.breaker.Execute(ctx, "email."+provider, func(ctx context.Context) error {
		var sendErr error
		id, sendErr = sender.Send(ctx, notify.EmailMessage{
			To:      b.Patient.Email,
			ToName:  b.Patient.Name,
			Subject: subject,
			Body:    body,
		})
		return sendErr
	})
	return classify(EffectEmail, provider, id, err)
}

const calendarProvider = "google"

func (d *Dispatcher) createCalendarEvent(ctx context.Context, b *bookings.Booking) Result {
	if d.calendar == nil {
		return skipped(EffectCalendar, "", ReasonNotConfigured)
	}
	client, err := d.calendar.ForOrg(ctx, b.OrgID)
	if err != nil {
		return unavailable(EffectCalendar, err)
	}
	data := d.messageData(ctx, b)
	summary, err := d.renderer.RenderNamed(templates.CalendarSummary, data)
	if err != nil {
		return failed(EffectCalendar, calendarProvider, err)
	}
	var eventID string
	err = d.breaker.Execute(ctx, "calendar."+calendarProvider, func(ctx context.Context) error {
		var createErr error
		eventID, createErr = client.CreateEvent(ctx, calendar.Event{
			BookingID:     b.ID,
			Summary:       summary,
			Description:   fmt.Sprintf("Provider: %s\nBooking: %s", b.ProviderID, b.ID),
			Start:         b.Start,
			End:           b.End,
			TimeZone:      data.timeZone,
			AttendeeEmail: b.Patient.Email,
			AttendeeName:  b.Patient.Name,
		})
		return createErr
	})
	res := classify(EffectCalendar, calendarProvider, eventID, err)
	if res.Outcome == OutcomeSent && d.linker != nil {
		if err := d.linker.SetCalendarEventID(ctx, b.ID, eventID); err != nil {
			d.logger.Warn("failed to link calendar event", "booking_id", b.ID, "event_id", eventID, "error", err)
		}
	}
	return res
}

func (d *Dispatcher) deleteCalendarEvent(ctx context.Context, b *bookings.Booking) Result {
	if d.calendar == nil {
		return skipped(EffectCalendarDelete, "", ReasonNotConfigured)
	}
	client, err := d.calendar.ForOrg(ctx, b.OrgID)
	if err != nil {
		return unavailable(EffectCalendarDelete, err)
	}
	err = d.breaker.Execute(ctx, "calendar."+calendarProvider, func(ctx context.Context) error {
		return client.DeleteEvent(ctx, b.CalendarEventID)
	})
	return classify(EffectCalendarDelete, calendarProvider, b.CalendarEventID, err)
}

func (d *Dispatcher) finish(base context.Context, t task, res Result, started time.Time, sinkFailures bool) {
	b := t.booking
	ctx, cancel := context.WithTimeout(base, 5*time.Second)
	defer cancel()

	if d.observer != nil {
		d.observer.ObserveSideEffect(string(res.Effect), string(res.Outcome), res.Duration)
	}
	fields := []any{"org_id", b.OrgID, "booking_id", b.ID, "effect", res.Effect, "outcome", res.Outcome, "provider", res.Provider}
	switch res.Outcome {
	case OutcomeSent:
		d.logger.Info("side effect sent", append(fields, "external_id", res.ExternalID)...)
	case OutcomeSkipped:
		d.logger.Warn("side effect skipped", append(fields, "reason", res.Reason)...)
	default:
		d.logger.Error("side effect failed; booking unaffected", append(fields, "reason", res.Reason)...)
	}

	if d.recorder != nil {
		rec := Record{
			OrgID:       b.OrgID,
			BookingID:   b.ID,
			Effect:      res.Effect,
			Outcome:     res.Outcome,
			Provider:    res.Provider,
			ExternalID:  res.ExternalID,
			Reason:      res.Reason,
			AttemptedAt: started.UTC(),
		}
		if err := d.recorder.Record(ctx, rec); err != nil {
			d.logger.Error("failed to record side effect outcome", "booking_id", b.ID, "effect", res.Effect, "error", err)
		}
	}

	if sinkFailures && d.failures != nil && needsFollowUp(res) {
		f := Failure{OrgID: b.OrgID, BookingID: b.ID, Effect: res.Effect, Provider: res.Provider, Reason: res.Reason}
		if err := d.failures.RecordFailure(ctx, f); err != nil {
			d.logger.Error("failed to dead-letter side effect", "booking_id", b.ID, "effect", res.Effect, "error", err)
		}
	}
}

// needsFollowUp is true for effects a patient missed because of a provider
// problem. Orgs without a provider are not failures.
func needsFollowUp(res Result) bool {
	switch res.Outcome {
	case OutcomeFailedButBooked:
		return true
	case OutcomeSkipped:
		return res.Reason == ReasonCircuitOpen
	default:
		return false
	}
}

type messageData struct {
	BookingID   string
	PatientName string
	ProviderID  string
	When        string
	Token       string
	ConfirmURL  string

	timeZone string
}

func (d *Dispatcher) messageData(ctx context.Context, b *bookings.Booking) messageData {
	loc := time.UTC
	if d.locator != nil {
		if l, err := d.locator.Location(ctx, b.OrgID); err == nil && l != nil {
			loc = l
		}
	}
	data := messageData{
		BookingID:   b.ID,
		PatientName: b.Patient.Name,
		ProviderID:  b.ProviderID,
		When:        b.Start.In(loc).Format("Mon Jan 2 at 3:04 PM MST"),
		Token:       b.ConfirmationToken,
		timeZone:    loc.String(),
	}
	if d.confirmBase != "" && b.ConfirmationToken != "" {
		data.ConfirmURL = d.confirmBase + "?token=" + url.QueryEscape(b.ConfirmationToken)
	}
	return data
}

func classify(effect Effect, provider, externalID string, err error) Result {
	if err == nil {
		return Result{Effect: effect, Outcome: OutcomeSent, Provider: provider, ExternalID: externalID}
	}
	if errors.Is(err, breaker.ErrOpen) {
		return skipped(effect, provider, ReasonCircuitOpen)
	}
	return failed(effect, provider, err)
}

func unavailable(effect Effect, err error) Result {
	if errors.Is(err, vault.ErrNotConfigured) {
		return skipped(effect, "", ReasonNotConfigured)
	}
	return failed(effect, "", err)
}

func skipped(effect Effect, provider, reason string) Result {
	return Result{Effect: effect, Outcome: OutcomeSkipped, Provider: provider, Reason: reason}
}

func failed(effect Effect, provider string, err error) Result {
	return Result{Effect: effect, Outcome: OutcomeFailedButBooked, Provider: provider, Reason: truncateReason(err.Error(), maxReasonBytes)}
}

const maxReasonBytes = 500

// truncateReason cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncateReason(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
