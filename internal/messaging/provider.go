package messaging

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/wolfman30/clinic-booking-pipeline/internal/vault"
	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

const (
	// SMSProviderAuto tries Telnyx first, then Twilio.
	SMSProviderAuto = "auto"
	// SMSProviderTelnyx forces the Telnyx sender when credentials exist.
	SMSProviderTelnyx = "telnyx"
	// SMSProviderTwilio forces the Twilio sender when credentials exist.
	SMSProviderTwilio = "twilio"
)

// ProviderSelectionConfig captures the credentials required to build a sender.
type ProviderSelectionConfig struct {
	Preference string
	Telnyx     TelnyxConfig
	Twilio     TwilioConfig
}

// ConfigFromCredential maps a vault SMS credential onto provider settings.
// The credential's "provider" value becomes the preference; "auto" documents
// may carry both accounts.
func ConfigFromCredential(cred *vault.Credential) ProviderSelectionConfig {
	return ProviderSelectionConfig{
		Preference: cred.Provider(),
		Telnyx: TelnyxConfig{
			APIKey:             cred.Get("telnyx_api_key"),
			MessagingProfileID: cred.Get("telnyx_messaging_profile_id"),
			FromNumber:         firstNonEmpty(cred.Get("telnyx_from_number"), cred.Get("from_number")),
		},
		Twilio: TwilioConfig{
			AccountSID: cred.Get("twilio_account_sid"),
			AuthToken:  cred.Get("twilio_auth_token"),
			FromNumber: firstNonEmpty(cred.Get("twilio_from_number"), cred.Get("from_number")),
		},
	}
}

// BuildSender instantiates a Sender based on the preferred provider.
// It returns the sender, the provider that was selected, and a reason when no provider could be initialized.
func BuildSender(cfg ProviderSelectionConfig, logger *logging.Logger) (Sender, string, string) {
	if logger == nil {
		logger = logging.Default()
	}
	preference := strings.ToLower(strings.TrimSpace(cfg.Preference))
	if preference == "" {
		preference = SMSProviderAuto
	}

	missing := map[string]string{}
	var telnyxSender, twilioSender Sender

	if cfg.Telnyx.APIKey != "" {
		s, err := NewTelnyxSender(cfg.Telnyx, logger)
		if err != nil {
			missing[SMSProviderTelnyx] = err.Error()
		} else {
			telnyxSender = s
		}
	} else {
		missing[SMSProviderTelnyx] = "telnyx api key missing"
	}

	if cfg.Twilio.AccountSID != "" || cfg.Twilio.AuthToken != "" {
		s, err := NewTwilioSender(cfg.Twilio, logger)
		if err != nil {
			missing[SMSProviderTwilio] = err.Error()
		} else {
			twilioSender = s
		}
	} else {
		missing[SMSProviderTwilio] = "twilio account sid and auth token missing"
	}

	if preference != SMSProviderAuto {
		if preference == SMSProviderTelnyx && telnyxSender != nil {
			return telnyxSender, SMSProviderTelnyx, ""
		}
		if preference == SMSProviderTwilio && twilioSender != nil {
			return twilioSender, SMSProviderTwilio, ""
		}
		reason := missing[preference]
		if reason == "" {
			reason = fmt.Sprintf("%s sender not configured", preference)
		}
		return nil, "", reason
	}

	if telnyxSender != nil && twilioSender != nil {
		return NewFailoverSender(telnyxSender, SMSProviderTelnyx, twilioSender, SMSProviderTwilio, logger), SMSProviderTelnyx + "+" + SMSProviderTwilio, ""
	}
	if telnyxSender != nil {
		return telnyxSender, SMSProviderTelnyx, ""
	}
	if twilioSender != nil {
		return twilioSender, SMSProviderTwilio, ""
	}
	return nil, "", fmt.Sprintf("%s: %s; %s: %s",
		SMSProviderTelnyx, missing[SMSProviderTelnyx], SMSProviderTwilio, missing[SMSProviderTwilio])
}

// OrgSenders builds a Sender from each org's vaulted SMS credential.
type OrgSenders struct {
	vault      vault.Vault
	httpClient *http.Client
	logger     *logging.Logger
}

func NewOrgSenders(v vault.Vault, logger *logging.Logger) *OrgSenders {
	if v == nil {
		panic("messaging: vault required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &OrgSenders{vault: v, httpClient: &http.Client{Timeout: 10 * time.Second}, logger: logger}
}

// WithHTTPClient overrides the transport shared by every org's sender.
func (o *OrgSenders) WithHTTPClient(c *http.Client) *OrgSenders {
	if c != nil {
		o.httpClient = c
	}
	return o
}

// ForOrg returns the org's sender and provider name. It wraps
// vault.ErrNotConfigured when the org has no usable SMS account.
func (o *OrgSenders) ForOrg(ctx context.Context, orgID string) (Sender, string, error) {
	cred, err := o.vault.GetCredential(ctx, orgID, vault.ProviderSMS)
	if err != nil {
		return nil, "", err
	}
	cfg := ConfigFromCredential(cred)
	cfg.Telnyx.HTTPClient = o.httpClient
	cfg.Twilio.HTTPClient = o.httpClient
	if base := cred.Get("base_url"); base != "" {
		cfg.Telnyx.BaseURL = base
		cfg.Twilio.BaseURL = base
	}
	sender, provider, reason := BuildSender(cfg, o.logger)
	if sender == nil {
		o.logger.Warn("sms credential unusable", "org_id", orgID, "reason", reason)
		return nil, "", fmt.Errorf("%w: %s", vault.ErrNotConfigured, reason)
	}
	return sender, provider, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
