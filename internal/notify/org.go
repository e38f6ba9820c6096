package notify

import (
	"context"
	"fmt"
	"net/mail"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/wolfman30/clinic-booking-pipeline/internal/vault"
	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

const defaultFromName = "Clinic Bookings"

type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// OrgEmail builds an EmailSender from each org's vaulted email credential.
// SES credentials only name the sender identity; the platform's SES client
// does the sending.
type OrgEmail struct {
	vault  vault.Vault
	ses    sesAPI
	logger *logging.Logger
}

func NewOrgEmail(v vault.Vault, sesClient *sesv2.Client, logger *logging.Logger) *OrgEmail {
	if v == nil {
		panic("notify: vault required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	o := &OrgEmail{vault: v, logger: logger}
	if sesClient != nil {
		o.ses = sesClient
	}
	return o
}

// ForOrg returns the org's sender and provider name, or an error wrapping
// vault.ErrNotConfigured.
func (o *OrgEmail) ForOrg(ctx context.Context, orgID string) (EmailSender, string, error) {
	cred, err := o.vault.GetCredential(ctx, orgID, vault.ProviderEmail)
	if err != nil {
		return nil, "", err
	}
	switch provider := cred.Provider(); provider {
	case "sendgrid":
		sender := NewSendGridSender(SendGridConfig{
			APIKey:    cred.Get("api_key"),
			FromEmail: cred.Get("from_email"),
			FromName:  cred.Get("from_name"),
			BaseURL:   cred.Get("base_url"),
		}, o.logger)
		if sender == nil || cred.Get("from_email") == "" {
			return nil, "", fmt.Errorf("%w: sendgrid api_key and from_email required", vault.ErrNotConfigured)
		}
		return sender, provider, nil
	case "ses":
		if o.ses == nil || cred.Get("from_email") == "" {
			return nil, "", fmt.Errorf("%w: ses client and from_email required", vault.ErrNotConfigured)
		}
		return o.sesSender(orgID, cred), provider, nil
	default:
		return nil, "", fmt.Errorf("%w: unsupported email provider %q", vault.ErrNotConfigured, provider)
	}
}

func (o *OrgEmail) sesSender(orgID string, cred *vault.Credential) *sesIdentity {
	name := cred.Get("from_name")
	if name == "" {
		name = defaultFromName
	}
	return &sesIdentity{
		client:    o.ses,
		orgID:     orgID,
		from:      mail.Address{Name: name, Address: cred.Get("from_email")},
		replyTo:   cred.Get("reply_to"),
		configSet: cred.Get("configuration_set"),
		logger:    o.logger,
	}
}

// sesIdentity sends one org's mail through the shared SES client under the
// org's verified sender address.
type sesIdentity struct {
	client    sesAPI
	orgID     string
	from      mail.Address
	replyTo   string
	configSet string
	logger    *logging.Logger
}

func (s *sesIdentity) Send(ctx context.Context, msg EmailMessage) (string, error) {
	out, err := s.client.SendEmail(ctx, s.input(msg))
	if err != nil {
		s.logger.Error("ses send failed", "org_id", s.orgID, "error", err)
		return "", fmt.Errorf("notify: ses send: %w", err)
	}
	id := aws.ToString(out.MessageId)
	s.logger.Info("email sent via ses", "org_id", s.orgID, "message_id", id)
	return id, nil
}

func (s *sesIdentity) input(msg EmailMessage) *sesv2.SendEmailInput {
	body := &types.Body{}
	if msg.Body != "" {
		body.Text = utf8Content(msg.Body)
	}
	if msg.HTML != "" {
		body.Html = utf8Content(msg.HTML)
	}
	in := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from.String()),
		Destination:      &types.Destination{ToAddresses: []string{recipient(msg)}},
		Content: &types.EmailContent{
			Simple: &types.Message{Subject: utf8Content(msg.Subject), Body: body},
		},
		EmailTags: []types.MessageTag{{Name: aws.String("org_id"), Value: aws.String(s.orgID)}},
	}
	if s.replyTo != "" {
		in.ReplyToAddresses = []string{s.replyTo}
	}
	if s.configSet != "" {
		in.ConfigurationSetName = aws.String(s.configSet)
	}
	return in
}

// recipient renders the To header; a bare address stays bare.
func recipient(msg EmailMessage) string {
	if msg.ToName == "" {
		return msg.To
	}
	return (&mail.Address{Name: msg.ToName, Address: msg.To}).String()
}

func utf8Content(data string) *types.Content {
	return &types.Content{Data: aws.String(data), Charset: aws.String("UTF-8")}
}

var _ EmailSender = (*sesIdentity)(nil)
