package archive

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashPhoneNormalizes(t *testing.T) {
	a := HashPhone("+15005550002")
	assert.Len(t, a, 64)
	assert.Equal(t, a, HashPhone("(500) 555-0002"), "formatting should not change the hash")
	assert.NotEqual(t, a, HashPhone("+15551234567"))
	assert.Empty(t, HashPhone(""))
	assert.Empty(t, HashPhone("n/a"))
}

func TestScrubPII(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		expect string
	}{
		{"email", "contact me at john@example.com please", "contact me at [EMAIL] please"},
		{"phone with plus", "my number is +15005550002", "my number is [PHONE]"},
		{"no pii", "slot taken for dr-lee", "slot taken for dr-lee"},
		{"name kept", "patient Sarah Lee", "patient Sarah Lee"},
		{"json payload", `{"patient":{"phone":"+15550100001","email":"ana@example.com"}}`, `{"patient":{"phone":"[PHONE]","email":"[EMAIL]"}}`},
		{"token", `{"booking_id":"bk-1","confirmation_token":"Zm9vYmFy1234567890"}`, `{"booking_id":"bk-1","confirmation_token":"[TOKEN]"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, ScrubPII(tt.input))
		})
	}
}
