package tenancy

import (
	"regexp"
	"strings"
)

var phoneDigitsRe = regexp.MustCompile(`\d+`)

func sanitizePhone(value string) string {
	if value == "" {
		return ""
	}
	return strings.Join(phoneDigitsRe.FindAllString(value, -1), "")
}

// NormalizeE164 renders a number as +<digits>, assuming NANP when ten digits
// are given without a country code.
func NormalizeE164(value string) string {
	digits := sanitizePhone(strings.TrimSpace(value))
	switch {
	case digits == "":
		return ""
	case len(digits) == 10:
		return "+1" + digits
	default:
		return "+" + digits
	}
}

// PhoneVariants lists the spellings a stored number may have been saved under.
func PhoneVariants(value string) []string {
	digits := sanitizePhone(value)
	if digits == "" {
		return nil
	}
	variants := []string{NormalizeE164(value), digits}
	switch {
	case len(digits) == 11 && strings.HasPrefix(digits, "1"):
		variants = append(variants, digits[1:])
	case len(digits) == 10:
		variants = append(variants, "1"+digits)
	}
	return variants
}
