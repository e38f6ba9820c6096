package templates

import (
	"strings"
	"testing"
)

func TestRendererRender(t *testing.T) {
	r := Renderer{}
	out, err := r.Render("greet", "Hello {{.Name}}", map[string]string{"Name": "Patient"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "Hello Patient" {
		t.Fatalf("unexpected output %q", out)
	}
	if _, err := r.Render("bad", "Hello {{.Missing}}", map[string]string{"Name": "x"}); err == nil {
		t.Fatalf("expected error for missing key")
	}
}

type bookingData struct {
	BookingID   string
	PatientName string
	ProviderID  string
	When        string
	Token       string
	ConfirmURL  string
}

func TestRenderNamedDefaultsAndOverrides(t *testing.T) {
	data := bookingData{BookingID: "b-1", PatientName: "Ana", ProviderID: "dr-lee", When: "Mon Mar 10 10:00", Token: "abc", ConfirmURL: "https://c.test/confirm?token=abc"}

	out, err := Renderer{}.RenderNamed(BookingSMS, data)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(out, "Mon Mar 10 10:00") || !strings.Contains(out, "token=abc") {
		t.Fatalf("unexpected sms %q", out)
	}

	r := Renderer{Overrides: map[string]string{BookingSMS: "Booked {{.When}}"}}
	out, err = r.RenderNamed(BookingSMS, data)
	if err != nil || out != "Booked Mon Mar 10 10:00" {
		t.Fatalf("override not used: %q %v", out, err)
	}

	if _, err := r.RenderNamed("nope", data); err == nil {
		t.Fatal("expected unknown template error")
	}
}
