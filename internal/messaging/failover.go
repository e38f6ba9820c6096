package messaging

import (
	"context"
	"errors"

	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

// FailoverSender attempts a primary send, then falls back to a secondary provider on error.
type FailoverSender struct {
	primary       Sender
	secondary     Sender
	primaryName   string
	secondaryName string
	logger        *logging.Logger
}

// NewFailoverSender builds a failover sender with named providers.
func NewFailoverSender(primary Sender, primaryName string, secondary Sender, secondaryName string, logger *logging.Logger) *FailoverSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &FailoverSender{
		primary:       primary,
		secondary:     secondary,
		primaryName:   primaryName,
		secondaryName: secondaryName,
		logger:        logger,
	}
}

var _ Sender = (*FailoverSender)(nil)

// Send tries the primary provider first, then the secondary. Each provider is
// still called once.
func (f *FailoverSender) Send(ctx context.Context, to, body string) (string, error) {
	if f == nil || f.primary == nil {
		return "", errors.New("messaging: failover primary sender not configured")
	}
	id, err := f.primary.Send(ctx, to, body)
	if err == nil || f.secondary == nil {
		return id, err
	}
	if ctx.Err() != nil {
		return "", err
	}
	f.logger.Warn("primary sms send failed; attempting fallback",
		"provider", f.primaryName,
		"fallback", f.secondaryName,
		"error", err,
	)
	id, fallbackErr := f.secondary.Send(ctx, to, body)
	if fallbackErr != nil {
		f.logger.Error("fallback sms send failed", "provider", f.secondaryName, "error", fallbackErr)
		return "", errors.Join(err, fallbackErr)
	}
	return id, nil
}
