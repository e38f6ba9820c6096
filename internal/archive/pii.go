package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"

	"github.com/wolfman30/clinic-booking-pipeline/internal/tenancy"
)

type redaction struct {
	re   *regexp.Regexp
	with string
}

// Applied in order. Token fields go first so their values are never
// half-matched by the phone pattern.
var redactions = []redaction{
	{regexp.MustCompile(`"(confirmation_token|token|token_hash)"\s*:\s*"[^"]*"`), `"$1":"[TOKEN]"`},
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[EMAIL]"},
	{regexp.MustCompile(`\+?1?[-.\s]?\(?[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}`), "[PHONE]"},
}

// HashPhone hashes the E.164 form of phone, so differently formatted copies
// of one number archive to the same value.
func HashPhone(phone string) string {
	normalized := tenancy.NormalizeE164(phone)
	if normalized == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// ScrubPII masks confirmation tokens, emails and phone numbers. Patient names
// are kept so ops can still correlate archived bookings.
func ScrubPII(text string) string {
	for _, r := range redactions {
		text = r.re.ReplaceAllString(text, r.with)
	}
	return text
}
