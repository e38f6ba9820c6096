package telnyxclient

import (
	"errors"
	"strings"
	"time"
)

// SendMessageRequest describes an outbound SMS payload. From may be empty
// when the messaging profile owns a number pool.
type SendMessageRequest struct {
	From               string
	To                 string
	Body               string
	MessagingProfileID string
}

func (r SendMessageRequest) validate() error {
	if strings.TrimSpace(r.To) == "" {
		return errors.New("telnyxclient: to number required")
	}
	if strings.TrimSpace(r.From) == "" && strings.TrimSpace(r.MessagingProfileID) == "" {
		return errors.New("telnyxclient: from number or messaging profile required")
	}
	if strings.TrimSpace(r.Body) == "" {
		return errors.New("telnyxclient: body required")
	}
	return nil
}

// MessageResponse represents the Telnyx message resource.
type MessageResponse struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	Direction  string      `json:"direction"`
	Parts      int         `json:"parts"`
	Text       string      `json:"text"`
	To         []Recipient `json:"to"`
	ReceivedAt time.Time   `json:"received_at"`

	// Status is the first recipient's delivery status.
	Status string `json:"-"`
}

// Recipient is one destination on a message resource.
type Recipient struct {
	PhoneNumber string `json:"phone_number"`
	Status      string `json:"status"`
}
