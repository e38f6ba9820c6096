package bootstrap

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	appconfig "github.com/wolfman30/clinic-booking-pipeline/internal/config"
	"github.com/wolfman30/clinic-booking-pipeline/internal/vault"
	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

// DefaultCredentials maps the platform provider accounts configured through
// the environment onto vault credential documents. DEFAULT_CREDENTIALS_JSON,
// keyed by provider type, overrides individual documents.
func DefaultCredentials(cfg *appconfig.Config) (map[vault.ProviderType]map[string]string, error) {
	out := map[vault.ProviderType]map[string]string{}
	if cfg == nil {
		return out, nil
	}

	switch {
	case cfg.SMSProvider != "twilio" && cfg.TelnyxAPIKey != "":
		out[vault.ProviderSMS] = map[string]string{
			"provider":                    "telnyx",
			"telnyx_api_key":              cfg.TelnyxAPIKey,
			"telnyx_messaging_profile_id": cfg.TelnyxMessagingProfileID,
			"telnyx_from_number":          cfg.TelnyxFromNumber,
			"twilio_account_sid":          cfg.TwilioAccountSID,
			"twilio_auth_token":           cfg.TwilioAuthToken,
			"twilio_from_number":          cfg.TwilioFromNumber,
		}
		if cfg.SMSProvider == "auto" {
			out[vault.ProviderSMS]["provider"] = "auto"
		}
	case cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "":
		out[vault.ProviderSMS] = map[string]string{
			"provider":           "twilio",
			"twilio_account_sid": cfg.TwilioAccountSID,
			"twilio_auth_token":  cfg.TwilioAuthToken,
			"twilio_from_number": cfg.TwilioFromNumber,
		}
	}

	if strings.TrimSpace(cfg.GoogleCredentialsJSON) != "" {
		out[vault.ProviderCalendar] = map[string]string{
			"provider":             "google",
			"calendar_id":          cfg.GoogleCalendarID,
			"service_account_json": cfg.GoogleCredentialsJSON,
		}
	}

	switch {
	case cfg.EmailProvider == "ses" && cfg.SESFromEmail != "":
		out[vault.ProviderEmail] = map[string]string{
			"provider":   "ses",
			"from_email": cfg.SESFromEmail,
			"from_name":  cfg.SESFromName,
		}
	case cfg.SendGridAPIKey != "":
		out[vault.ProviderEmail] = map[string]string{
			"provider":   "sendgrid",
			"api_key":    cfg.SendGridAPIKey,
			"from_email": cfg.SendGridFromEmail,
			"from_name":  cfg.SendGridFromName,
		}
	}

	if raw := strings.TrimSpace(cfg.DefaultOrgSecret); raw != "" {
		var docs map[string]map[string]string
		if err := json.Unmarshal([]byte(raw), &docs); err != nil {
			return nil, fmt.Errorf("bootstrap: parse DEFAULT_CREDENTIALS_JSON: %w", err)
		}
		for key, values := range docs {
			pt, err := vault.ParseProviderType(key)
			if err != nil {
				return nil, fmt.Errorf("bootstrap: DEFAULT_CREDENTIALS_JSON: %w", err)
			}
			out[pt] = values
		}
	}
	return out, nil
}

// BuildVault layers the org's sealed credentials over the platform
// defaults. Without a pool or an age identity only the defaults are served.
func BuildVault(cfg *appconfig.Config, pool *pgxpool.Pool, logger *logging.Logger) (vault.Vault, error) {
	if logger == nil {
		logger = logging.Default()
	}
	defaults, err := DefaultCredentials(cfg)
	if err != nil {
		return nil, err
	}
	static := vault.NewStaticVault(defaults)

	if pool == nil || cfg == nil || strings.TrimSpace(cfg.VaultIdentity) == "" {
		logger.Info("credential vault using platform defaults only", "provider_types", len(defaults))
		return static, nil
	}
	sealer, err := vault.NewSealer(cfg.VaultIdentity)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: vault identity: %w", err)
	}
	sealed := vault.NewAgeVault(vault.NewPostgresStore(pool), sealer, cfg.VaultCacheTTL, logger)
	logger.Info("credential vault enabled", "recipient", sealer.Recipient())
	return vault.Fallback{Primary: sealed, Secondary: static}, nil
}
