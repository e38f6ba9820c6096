package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking-pipeline/internal/vault"
	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

func TestTwilioSenderSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2010-04-01/Accounts/AC1/Messages.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC1", user)
		assert.Equal(t, "secret", pass)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "+15551234567", r.PostForm.Get("To"))
		assert.Equal(t, "+15550000000", r.PostForm.Get("From"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM123","status":"queued"}`))
	}))
	defer srv.Close()

	s, err := NewTwilioSender(TwilioConfig{AccountSID: "AC1", AuthToken: "secret", FromNumber: "+15550000000", BaseURL: srv.URL}, logging.Discard())
	require.NoError(t, err)
	id, err := s.Send(context.Background(), "+15551234567", "Booked")
	require.NoError(t, err)
	assert.Equal(t, "SM123", id)
}

func TestTwilioSenderReportsProviderError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"code":20429,"message":"Too Many Requests"}`))
	}))
	defer srv.Close()

	s, err := NewTwilioSender(TwilioConfig{AccountSID: "AC1", AuthToken: "secret", FromNumber: "+15550000000", BaseURL: srv.URL}, logging.Discard())
	require.NoError(t, err)
	_, err = s.Send(context.Background(), "+15551234567", "Booked")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "20429")
	assert.Equal(t, 1, calls)
}

type stubSender struct {
	id    string
	err   error
	calls int
}

func (s *stubSender) Send(context.Context, string, string) (string, error) {
	s.calls++
	return s.id, s.err
}

func TestFailoverSender(t *testing.T) {
	primary := &stubSender{err: errors.New("telnyx down")}
	secondary := &stubSender{id: "SM1"}
	f := NewFailoverSender(primary, SMSProviderTelnyx, secondary, SMSProviderTwilio, logging.Discard())

	id, err := f.Send(context.Background(), "+15551234567", "hi")
	require.NoError(t, err)
	assert.Equal(t, "SM1", id)

	secondary.err = errors.New("twilio down")
	_, err = f.Send(context.Background(), "+15551234567", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telnyx down")
	assert.Contains(t, err.Error(), "twilio down")
}

func TestBuildSenderSelection(t *testing.T) {
	telnyx := TelnyxConfig{APIKey: "k", MessagingProfileID: "mp"}
	twilio := TwilioConfig{AccountSID: "AC", AuthToken: "t", FromNumber: "+15550000000"}

	s, name, _ := BuildSender(ProviderSelectionConfig{Telnyx: telnyx, Twilio: twilio}, logging.Discard())
	assert.IsType(t, &FailoverSender{}, s)
	assert.Equal(t, "telnyx+twilio", name)

	s, name, _ = BuildSender(ProviderSelectionConfig{Preference: "twilio", Telnyx: telnyx, Twilio: twilio}, logging.Discard())
	assert.IsType(t, &TwilioSender{}, s)
	assert.Equal(t, SMSProviderTwilio, name)

	s, _, reason := BuildSender(ProviderSelectionConfig{Preference: "twilio", Telnyx: telnyx}, logging.Discard())
	assert.Nil(t, s)
	assert.Contains(t, reason, "twilio")

	s, _, reason = BuildSender(ProviderSelectionConfig{}, logging.Discard())
	assert.Nil(t, s)
	assert.Contains(t, reason, "telnyx api key missing")
}

func TestOrgSendersForOrg(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"id":"tx-1","to":[{"status":"queued"}]}}`))
	}))
	defer srv.Close()

	v := vault.NewStaticVault(map[vault.ProviderType]map[string]string{
		vault.ProviderSMS: {"provider": "telnyx", "telnyx_api_key": "k", "from_number": "+15550000000", "base_url": srv.URL},
	})
	senders := NewOrgSenders(v, logging.Discard()).WithHTTPClient(srv.Client())
	s, provider, err := senders.ForOrg(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, SMSProviderTelnyx, provider)
	id, err := s.Send(context.Background(), "+15551234567", "Booked")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", id)

	empty := NewOrgSenders(vault.NewStaticVault(nil), logging.Discard())
	_, _, err = empty.ForOrg(context.Background(), "org-1")
	assert.ErrorIs(t, err, vault.ErrNotConfigured)

	broken := NewOrgSenders(vault.NewStaticVault(map[vault.ProviderType]map[string]string{
		vault.ProviderSMS: {"provider": "twilio"},
	}), logging.Discard())
	_, _, err = broken.ForOrg(context.Background(), "org-1")
	assert.ErrorIs(t, err, vault.ErrNotConfigured)
}
