// Package calendar creates and withdraws appointment invites in the org's
// Google Calendar.
package calendar

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/wolfman30/clinic-booking-pipeline/internal/vault"
	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

var calendarTracer = otel.Tracer("clinic.internal.calendar")

// Event describes an invite for one booking.
type Event struct {
	BookingID     string
	Summary       string
	Description   string
	Start         time.Time
	End           time.Time
	TimeZone      string
	AttendeeEmail string
	AttendeeName  string
}

// Client is a calendar provider. Implementations make one network call per
// method and do not retry.
type Client interface {
	CreateEvent(ctx context.Context, ev Event) (string, error)
	DeleteEvent(ctx context.Context, eventID string) error
}

// GoogleClient writes events to one Google calendar.
type GoogleClient struct {
	svc        *gcal.Service
	calendarID string
	logger     *logging.Logger
}

// GoogleConfig selects the calendar and how to authenticate.
type GoogleConfig struct {
	CalendarID         string
	ServiceAccountJSON []byte
	Endpoint           string
	HTTPClient         *http.Client
}

func NewGoogleClient(ctx context.Context, cfg GoogleConfig, logger *logging.Logger) (*GoogleClient, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.CalendarID == "" {
		cfg.CalendarID = "primary"
	}
	var opts []option.ClientOption
	switch {
	case cfg.HTTPClient != nil:
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	case len(cfg.ServiceAccountJSON) > 0:
		opts = append(opts, option.WithCredentialsJSON(cfg.ServiceAccountJSON), option.WithScopes(gcal.CalendarEventsScope))
	default:
		return nil, errors.New("calendar: service account credentials required")
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("calendar: build google service: %w", err)
	}
	return &GoogleClient{svc: svc, calendarID: cfg.CalendarID, logger: logger}, nil
}

func (c *GoogleClient) CreateEvent(ctx context.Context, ev Event) (string, error) {
	ctx, span := calendarTracer.Start(ctx, "calendar.google.create")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.booking_id", ev.BookingID))

	if !ev.End.After(ev.Start) {
		return "", errors.New("calendar: event end must be after start")
	}
	body := &gcal.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       &gcal.EventDateTime{DateTime: ev.Start.Format(time.RFC3339), TimeZone: ev.TimeZone},
		End:         &gcal.EventDateTime{DateTime: ev.End.Format(time.RFC3339), TimeZone: ev.TimeZone},
		ExtendedProperties: &gcal.EventExtendedProperties{
			Private: map[string]string{"booking_id": ev.BookingID},
		},
	}
	if ev.AttendeeEmail != "" {
		body.Attendees = []*gcal.EventAttendee{{Email: ev.AttendeeEmail, DisplayName: ev.AttendeeName}}
	}
	created, err := c.svc.Events.Insert(c.calendarID, body).SendUpdates("all").Context(ctx).Do()
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("calendar: insert event: %w", err)
	}
	c.logger.Info("calendar event created", "booking_id", ev.BookingID, "event_id", created.Id)
	return created.Id, nil
}

// DeleteEvent removes an event. An event that is already gone counts as
// deleted.
func (c *GoogleClient) DeleteEvent(ctx context.Context, eventID string) error {
	ctx, span := calendarTracer.Start(ctx, "calendar.google.delete")
	defer span.End()

	if eventID == "" {
		return errors.New("calendar: event id required")
	}
	err := c.svc.Events.Delete(c.calendarID, eventID).SendUpdates("all").Context(ctx).Do()
	if err != nil {
		var gErr *googleapi.Error
		if errors.As(err, &gErr) && (gErr.Code == http.StatusNotFound || gErr.Code == http.StatusGone) {
			return nil
		}
		span.RecordError(err)
		return fmt.Errorf("calendar: delete event: %w", err)
	}
	return nil
}

// OrgCalendars builds a Client from each org's vaulted calendar credential and
// reuses it while the credential is unchanged.
type OrgCalendars struct {
	vault      vault.Vault
	httpClient *http.Client
	logger     *logging.Logger

	mu      sync.Mutex
	clients map[string]cachedClient
}

type cachedClient struct {
	fingerprint string
	client      Client
}

func NewOrgCalendars(v vault.Vault, logger *logging.Logger) *OrgCalendars {
	if v == nil {
		panic("calendar: vault required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &OrgCalendars{vault: v, logger: logger, clients: make(map[string]cachedClient)}
}

// WithHTTPClient makes every org's client use c instead of service account
// auth. Tests point it at a fake server.
func (o *OrgCalendars) WithHTTPClient(c *http.Client) *OrgCalendars {
	o.httpClient = c
	return o
}

// ForOrg returns the org's calendar client or an error wrapping
// vault.ErrNotConfigured.
func (o *OrgCalendars) ForOrg(ctx context.Context, orgID string) (Client, error) {
	cred, err := o.vault.GetCredential(ctx, orgID, vault.ProviderCalendar)
	if err != nil {
		return nil, err
	}
	if p := cred.Provider(); p != "google" {
		return nil, fmt.Errorf("%w: unsupported calendar provider %q", vault.ErrNotConfigured, p)
	}
	sum := sha256.Sum256([]byte(cred.Get("calendar_id") + "\x00" + cred.Get("service_account_json") + "\x00" + cred.Get("endpoint")))
	fingerprint := hex.EncodeToString(sum[:])

	o.mu.Lock()
	cached, ok := o.clients[orgID]
	o.mu.Unlock()
	if ok && cached.fingerprint == fingerprint {
		return cached.client, nil
	}

	client, err := NewGoogleClient(ctx, GoogleConfig{
		CalendarID:         cred.Get("calendar_id"),
		ServiceAccountJSON: []byte(cred.Get("service_account_json")),
		Endpoint:           cred.Get("endpoint"),
		HTTPClient:         o.httpClient,
	}, o.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vault.ErrNotConfigured, err)
	}
	o.mu.Lock()
	o.clients[orgID] = cachedClient{fingerprint: fingerprint, client: client}
	o.mu.Unlock()
	return client, nil
}
