// Package messaging sends booking confirmation SMS through Telnyx or Twilio.
// Senders make exactly one provider call per Send; the dispatcher's circuit
// breaker and the event retry queue own retry policy.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-booking-pipeline/internal/messaging/telnyxclient"
	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

var messagingTracer = otel.Tracer("clinic.internal.messaging")

// Sender delivers one SMS and returns the provider's delivery ID.
type Sender interface {
	Send(ctx context.Context, to, body string) (string, error)
}

// TelnyxConfig holds one Telnyx account's sending identity.
type TelnyxConfig struct {
	APIKey             string
	MessagingProfileID string
	FromNumber         string
	BaseURL            string
	HTTPClient         *http.Client
}

// TelnyxSender sends through the Telnyx messages API.
type TelnyxSender struct {
	client    *telnyxclient.Client
	from      string
	profileID string
	logger    *logging.Logger
}

func NewTelnyxSender(cfg TelnyxConfig, logger *logging.Logger) (*TelnyxSender, error) {
	if logger == nil {
		logger = logging.Default()
	}
	client, err := telnyxclient.New(telnyxclient.Config{
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		HTTPClient: cfg.HTTPClient,
		Logger:     logger.Logger,
	})
	if err != nil {
		return nil, err
	}
	if cfg.FromNumber == "" && cfg.MessagingProfileID == "" {
		return nil, errors.New("messaging: telnyx needs a from number or messaging profile")
	}
	return &TelnyxSender{client: client, from: cfg.FromNumber, profileID: cfg.MessagingProfileID, logger: logger}, nil
}

func (s *TelnyxSender) Send(ctx context.Context, to, body string) (string, error) {
	ctx, span := messagingTracer.Start(ctx, "messaging.telnyx.send")
	defer span.End()

	resp, err := s.client.SendMessage(ctx, telnyxclient.SendMessageRequest{
		From:               s.from,
		To:                 to,
		Body:               body,
		MessagingProfileID: s.profileID,
	})
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	span.SetAttributes(attribute.String("clinic.sms.delivery_id", resp.ID))
	return resp.ID, nil
}

// TwilioConfig holds one Twilio account's sending identity.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string
	HTTPClient *http.Client
}

// TwilioSender posts SMS messages using Twilio's REST API.
type TwilioSender struct {
	cfg        TwilioConfig
	httpClient *http.Client
	logger     *logging.Logger
}

func NewTwilioSender(cfg TwilioConfig, logger *logging.Logger) (*TwilioSender, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("messaging: twilio credentials missing")
	}
	if cfg.FromNumber == "" {
		return nil, errors.New("messaging: twilio from number required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com"
	}
	if logger == nil {
		logger = logging.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &TwilioSender{cfg: cfg, httpClient: httpClient, logger: logger}, nil
}

func (s *TwilioSender) Send(ctx context.Context, to, body string) (string, error) {
	if to == "" {
		return "", errors.New("messaging: to required")
	}
	if strings.TrimSpace(body) == "" {
		return "", errors.New("messaging: body required")
	}
	ctx, span := messagingTracer.Start(ctx, "messaging.twilio.send")
	defer span.End()

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", s.cfg.FromNumber)
	form.Set("Body", body)
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", strings.TrimRight(s.cfg.BaseURL, "/"), s.cfg.AccountSID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("messaging: build twilio request: %w", err)
	}
	req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("messaging: twilio send: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("messaging: twilio send failed: %s", formatTwilioError(resp.StatusCode, raw))
		span.RecordError(err)
		return "", err
	}
	var parsed struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("messaging: decode twilio response: %w", err)
	}
	span.SetAttributes(attribute.String("clinic.sms.delivery_id", parsed.SID))
	return parsed.SID, nil
}

func formatTwilioError(status int, body []byte) string {
	var parsed struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		return fmt.Sprintf("status %d code %d: %s", status, parsed.Code, parsed.Message)
	}
	return fmt.Sprintf("status %d", status)
}
