// Package main runs end-to-end scenarios against a running booking API.
//
// Scenarios cover:
//   - Availability lookup and slot booking
//   - Confirmation, cancellation and the terminal-state guard
//   - Double booking of the same interval
//   - Idempotent create with Idempotency-Key
//   - Signed webhook ingress with duplicate delivery
//   - Operator endpoints (breakers, dead letters)
//
// Usage:
//
//	API_BASE_URL=... ADMIN_JWT_SECRET=... WEBHOOK_SIGNING_SECRET=... go run scripts/e2e/run_e2e.go [scenario-name]
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/clinic-booking-pipeline/internal/http/middleware"
)

const (
	providerID   = "e2e-provider"
	patientPhone = "+15005550002"
	maxWaitSecs  = 30
	pollInterval = time.Second
)

var (
	apiBase       string
	orgID         string
	adminToken    string
	toolsToken    string
	signingSecret string
	client        = &http.Client{Timeout: 10 * time.Second}
)

type scenario struct {
	Name string
	Fn   func(t *T)
}

// T is a lightweight test context for a single scenario.
type T struct {
	passed int
	failed int
	name   string
}

func (t *T) check(name string, ok bool) {
	if ok {
		fmt.Printf("    PASS: %s\n", name)
		t.passed++
	} else {
		fmt.Printf("    FAIL: %s\n", name)
		t.failed++
	}
}

func (t *T) fatalf(format string, args ...any) {
	fmt.Printf("    FATAL: "+format+"\n", args...)
	t.failed++
}

type response struct {
	status int
	body   map[string]any
}

func (r response) str(path ...string) string {
	var cur any = r.body
	for _, p := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[p]
	}
	s, _ := cur.(string)
	return s
}

func do(method, path, token string, body any, headers map[string]string) (response, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return response{}, err
		}
	}
	req, err := http.NewRequest(method, apiBase+path, &buf)
	if err != nil {
		return response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.OrgHeader, orgID)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	out := response{status: resp.StatusCode, body: map[string]any{}}
	_ = json.Unmarshal(raw, &out.body)
	return out, nil
}

func postEvent(envelope map[string]any) (response, error) {
	body, err := json.Marshal(envelope)
	if err != nil {
		return response{}, err
	}
	req, err := http.NewRequest(http.MethodPost, apiBase+"/webhooks/events", bytes.NewReader(body))
	if err != nil {
		return response{}, err
	}
	now := time.Now()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.TimestampHeader, strconv.FormatInt(now.Unix(), 10))
	req.Header.Set(middleware.SignatureHeader, middleware.SignWebhook(signingSecret, now, body))
	resp, err := client.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()
	out := response{status: resp.StatusCode, body: map[string]any{}}
	_ = json.NewDecoder(resp.Body).Decode(&out.body)
	return out, nil
}

func generateJWT(secret, subject string) string {
	if secret == "" {
		return ""
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		panic(err)
	}
	return signed
}

// nextSlot picks an open slot on the first bookable day within a week.
func nextSlot(t *T) (start, end time.Time, ok bool) {
	for i := 1; i <= 7; i++ {
		day := time.Now().AddDate(0, 0, i).Format("2006-01-02")
		resp, err := do(http.MethodGet, "/api/bookings/availability?provider_id="+providerID+"&date="+day+"&duration=30m", toolsToken, nil, nil)
		if err != nil {
			t.fatalf("availability: %v", err)
			return time.Time{}, time.Time{}, false
		}
		slots, _ := resp.body["slots"].([]any)
		// Take a slot from the end of the day so scenarios do not collide.
		for j := len(slots) - 1; j >= 0; j-- {
			slot, _ := slots[j].(map[string]any)
			s, _ := time.Parse(time.RFC3339, fmt.Sprint(slot["start"]))
			e, _ := time.Parse(time.RFC3339, fmt.Sprint(slot["end"]))
			if !s.IsZero() {
				return s, e, true
			}
		}
	}
	t.fatalf("no open slot in the next 7 days")
	return time.Time{}, time.Time{}, false
}

func bookingBody(start, end time.Time) map[string]any {
	return map[string]any{
		"provider_id": providerID,
		"patient":     map[string]string{"name": "E2E Patient", "phone": patientPhone},
		"start":       start,
		"end":         end,
	}
}

func scenarioBookConfirmCancel(t *T) {
	start, end, ok := nextSlot(t)
	if !ok {
		return
	}
	resp, err := do(http.MethodPost, "/api/bookings/", toolsToken, bookingBody(start, end), nil)
	if err != nil {
		t.fatalf("create: %v", err)
		return
	}
	t.check("create returns 201", resp.status == http.StatusCreated)
	t.check("booking is pending", resp.str("booking", "status") == "pending")
	t.check("side effects reported", resp.body["side_effects"] != nil)

	id := resp.str("booking", "id")
	token := resp.str("booking", "confirmation_token")
	resp, err = do(http.MethodPost, "/api/bookings/confirm", toolsToken, map[string]string{"token": token}, nil)
	if err != nil {
		t.fatalf("confirm: %v", err)
		return
	}
	t.check("confirm returns 200", resp.status == http.StatusOK)
	t.check("booking is confirmed", resp.str("booking", "status") == "confirmed")

	resp, _ = do(http.MethodPost, "/api/bookings/confirm", toolsToken, map[string]string{"token": token}, nil)
	t.check("token is single use", resp.status == http.StatusGone)

	resp, _ = do(http.MethodPost, "/api/bookings/"+id+"/cancel", toolsToken, map[string]string{"reason": "e2e"}, nil)
	t.check("cancel returns 200", resp.status == http.StatusOK)
	t.check("booking is cancelled", resp.str("booking", "status") == "cancelled")

	resp, _ = do(http.MethodPost, "/api/bookings/"+id+"/complete", toolsToken, nil, nil)
	t.check("cancelled booking cannot complete", resp.status == http.StatusConflict)
}

func scenarioDoubleBooking(t *T) {
	start, end, ok := nextSlot(t)
	if !ok {
		return
	}
	first, err := do(http.MethodPost, "/api/bookings/", toolsToken, bookingBody(start, end), nil)
	if err != nil {
		t.fatalf("create: %v", err)
		return
	}
	t.check("first booking succeeds", first.status == http.StatusCreated)

	second, _ := do(http.MethodPost, "/api/bookings/", toolsToken, bookingBody(start, end), nil)
	t.check("overlap returns 409", second.status == http.StatusConflict)
	t.check("conflict kind reported", second.str("error") == "conflict")
	alts, _ := second.body["alternatives"].([]any)
	t.check("alternatives offered", len(alts) > 0)

	_, _ = do(http.MethodPost, "/api/bookings/"+first.str("booking", "id")+"/cancel", toolsToken, map[string]string{"reason": "e2e cleanup"}, nil)
}

func scenarioIdempotentCreate(t *T) {
	start, end, ok := nextSlot(t)
	if !ok {
		return
	}
	key := map[string]string{"Idempotency-Key": uuid.NewString()}
	first, err := do(http.MethodPost, "/api/bookings/", toolsToken, bookingBody(start, end), key)
	if err != nil {
		t.fatalf("create: %v", err)
		return
	}
	second, _ := do(http.MethodPost, "/api/bookings/", toolsToken, bookingBody(start, end), key)
	t.check("first create returns 201", first.status == http.StatusCreated)
	t.check("replay returns 200", second.status == http.StatusOK)
	t.check("same booking returned", first.str("booking", "id") == second.str("booking", "id"))

	_, _ = do(http.MethodPost, "/api/bookings/"+first.str("booking", "id")+"/cancel", toolsToken, map[string]string{"reason": "e2e cleanup"}, nil)
}

func scenarioWebhookIngress(t *T) {
	if signingSecret == "" {
		fmt.Println("    SKIP: WEBHOOK_SIGNING_SECRET not set")
		return
	}
	start, end, ok := nextSlot(t)
	if !ok {
		return
	}
	eventID := "e2e-" + uuid.NewString()
	envelope := map[string]any{
		"id":     eventID,
		"type":   "booking.requested",
		"org_id": orgID,
		"payload": map[string]any{
			"provider_id": providerID,
			"patient":     map[string]string{"name": "E2E Caller", "phone": patientPhone},
			"start":       start,
			"end":         end,
		},
	}
	resp, err := postEvent(envelope)
	if err != nil {
		t.fatalf("ingest: %v", err)
		return
	}
	t.check("ingest returns 202", resp.status == http.StatusAccepted)

	resp, _ = postEvent(envelope)
	t.check("redelivery is a duplicate", resp.status == http.StatusOK && resp.body["duplicate"] == true)

	// The booking appears once the worker processes the event.
	deadline := time.Now().Add(maxWaitSecs * time.Second)
	found := false
	for time.Now().Before(deadline) && !found {
		time.Sleep(pollInterval)
		check, _ := do(http.MethodGet, "/api/bookings/availability?provider_id="+providerID+"&date="+start.Format("2006-01-02")+"&duration=30m", toolsToken, nil, nil)
		slots, _ := check.body["slots"].([]any)
		found = true
		for _, s := range slots {
			if slot, _ := s.(map[string]any); fmt.Sprint(slot["start"]) == start.Format(time.RFC3339) {
				found = false
			}
		}
	}
	t.check("event produced a booking holding the slot", found)
}

func scenarioOperatorEndpoints(t *T) {
	if adminToken == "" {
		fmt.Println("    SKIP: ADMIN_JWT_SECRET not set")
		return
	}
	resp, err := do(http.MethodGet, "/admin/breakers", adminToken, nil, nil)
	if err != nil {
		t.fatalf("breakers: %v", err)
		return
	}
	t.check("breakers listed", resp.status == http.StatusOK)

	resp, _ = do(http.MethodGet, "/admin/dead-letters?org_id="+orgID, adminToken, nil, nil)
	t.check("dead letters listed", resp.status == http.StatusOK)

	resp, _ = do(http.MethodGet, "/admin/breakers", "", nil, nil)
	t.check("admin requires JWT", resp.status == http.StatusUnauthorized)
}

func main() {
	apiBase = os.Getenv("API_BASE_URL")
	if apiBase == "" {
		fmt.Fprintln(os.Stderr, "ERROR: API_BASE_URL required")
		os.Exit(1)
	}
	orgID = os.Getenv("E2E_ORG_ID")
	if orgID == "" {
		orgID = "e2e-org"
	}
	adminToken = generateJWT(os.Getenv("ADMIN_JWT_SECRET"), "e2e-runner")
	toolsToken = generateJWT(os.Getenv("TOOLS_JWT_SECRET"), "e2e-runner")
	signingSecret = os.Getenv("WEBHOOK_SIGNING_SECRET")

	scenarios := []scenario{
		{"book-confirm-cancel", scenarioBookConfirmCancel},
		{"double-booking", scenarioDoubleBooking},
		{"idempotent-create", scenarioIdempotentCreate},
		{"webhook-ingress", scenarioWebhookIngress},
		{"operator-endpoints", scenarioOperatorEndpoints},
	}

	filter := ""
	if len(os.Args) > 1 {
		filter = os.Args[1]
	}

	totalPassed := 0
	totalFailed := 0
	scenarioResults := make([]string, 0)

	for _, s := range scenarios {
		if filter != "" && s.Name != filter {
			continue
		}

		fmt.Printf("\n========================================\n")
		fmt.Printf("SCENARIO: %s\n", s.Name)
		fmt.Printf("========================================\n")

		t := &T{name: s.Name}
		s.Fn(t)

		totalPassed += t.passed
		totalFailed += t.failed

		status := "✅"
		if t.failed > 0 {
			status = "❌"
		}
		scenarioResults = append(scenarioResults, fmt.Sprintf("  %s %s (%d passed, %d failed)", status, s.Name, t.passed, t.failed))
	}

	fmt.Printf("\n========================================\n")
	fmt.Println("SUMMARY")
	fmt.Printf("========================================\n")
	for _, r := range scenarioResults {
		fmt.Println(r)
	}
	fmt.Printf("\nTotal: %d passed, %d failed\n", totalPassed, totalFailed)

	if totalFailed > 0 {
		fmt.Println("\n❌ SOME TESTS FAILED")
		os.Exit(1)
	}
	fmt.Println("\n✅ ALL TESTS PASSED")
}
