package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Webhook signature headers. The signature is hex(HMAC-SHA256(secret,
// timestamp + "." + body)), optionally prefixed with "sha256=".
const (
	TimestampHeader = "X-Webhook-Timestamp"
	SignatureHeader = "X-Webhook-Signature"
)

const maxSignedBody = 1 << 20

// SignWebhook computes the signature header value for body at ts.
func SignWebhook(secret string, ts time.Time, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts.Unix())
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// WebhookSignature verifies signed ingress requests. An empty secret disables
// verification. Timestamps further than tolerance from now are rejected to
// stop replays of captured requests.
func WebhookSignature(secret string, tolerance time.Duration) func(http.Handler) http.Handler {
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawTS := r.Header.Get(TimestampHeader)
			sig := strings.TrimPrefix(strings.TrimSpace(r.Header.Get(SignatureHeader)), "sha256=")
			if rawTS == "" || sig == "" {
				http.Error(w, "missing webhook signature", http.StatusUnauthorized)
				return
			}
			secs, err := strconv.ParseInt(rawTS, 10, 64)
			if err != nil {
				http.Error(w, "invalid webhook timestamp", http.StatusUnauthorized)
				return
			}
			ts := time.Unix(secs, 0)
			if skew := time.Since(ts); skew > tolerance || skew < -tolerance {
				http.Error(w, "stale webhook timestamp", http.StatusUnauthorized)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
			if err != nil {
				http.Error(w, "failed to read body", http.StatusBadRequest)
				return
			}
			if len(body) > maxSignedBody {
				http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
				return
			}
			expected := SignWebhook(secret, ts, body)
			if !hmac.Equal([]byte(expected), []byte(strings.ToLower(sig))) {
				http.Error(w, "invalid webhook signature", http.StatusUnauthorized)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
