package templates

import (
	"bytes"
	"fmt"
	"text/template"
)

// Names of the built-in notification templates.
const (
	BookingSMS          = "booking_sms"
	BookingEmailSubject = "booking_email_subject"
	BookingEmailBody    = "booking_email_body"
	CalendarSummary     = "calendar_summary"
)

// Defaults are used when an org has no override.
var Defaults = map[string]string{
	BookingSMS: `Hi {{.PatientName}}, your appointment with {{.ProviderID}} is booked for {{.When}}.` +
		`{{if .ConfirmURL}} Confirm here: {{.ConfirmURL}}{{end}}`,
	BookingEmailSubject: `Your appointment on {{.When}}`,
	BookingEmailBody: `Hi {{.PatientName}},

Your appointment with {{.ProviderID}} is booked for {{.When}}.
{{if .Token}}
Confirmation code: {{.Token}}
{{end}}
Reference: {{.BookingID}}`,
	CalendarSummary: `Appointment: {{.PatientName}}`,
}

// Renderer renders small text templates for outbound notifications.
type Renderer struct {
	Overrides map[string]string
}

// Render compiles the provided template text with strict missing-key semantics.
func (Renderer) Render(name, tmpl string, data any) (string, error) {
	if tmpl == "" {
		return "", fmt.Errorf("templates: template text required")
	}
	t, err := template.New(name).Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("templates: parse: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute: %w", err)
	}
	return buf.String(), nil
}

// RenderNamed renders an override when present, otherwise the default.
func (r Renderer) RenderNamed(name string, data any) (string, error) {
	tmpl, ok := r.Overrides[name]
	if !ok {
		tmpl, ok = Defaults[name]
	}
	if !ok {
		return "", fmt.Errorf("templates: unknown template %q", name)
	}
	return r.Render(name, tmpl, data)
}
