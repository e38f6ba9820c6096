// Package vault resolves per-organization provider credentials. Secrets are
// stored as age-encrypted JSON documents and decrypted on demand.
package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

// ErrNotConfigured means the org has no credential for the provider type.
var ErrNotConfigured = errors.New("vault: credential not configured")

// ProviderType groups downstream providers by the side effect they serve.
type ProviderType string

const (
	ProviderSMS      ProviderType = "sms"
	ProviderCalendar ProviderType = "calendar"
	ProviderEmail    ProviderType = "email"
)

// ParseProviderType validates a provider type string.
func ParseProviderType(raw string) (ProviderType, error) {
	switch pt := ProviderType(strings.ToLower(strings.TrimSpace(raw))); pt {
	case ProviderSMS, ProviderCalendar, ProviderEmail:
		return pt, nil
	default:
		return "", fmt.Errorf("vault: unknown provider type %q", raw)
	}
}

// Credential is a decrypted secret document. Values always carries a
// "provider" key naming the concrete vendor (telnyx, twilio, google, ...).
type Credential struct {
	OrgID        string
	ProviderType ProviderType
	Values       map[string]string
	ExpiresAt    time.Time
}

// Provider returns the vendor name.
func (c *Credential) Provider() string {
	return strings.ToLower(c.Get("provider"))
}

// Get returns a named secret value or "".
func (c *Credential) Get(key string) string {
	if c == nil {
		return ""
	}
	return c.Values[key]
}

// Vault resolves credentials.
type Vault interface {
	GetCredential(ctx context.Context, orgID string, providerType ProviderType) (*Credential, error)
}

// CiphertextStore persists sealed credential documents.
type CiphertextStore interface {
	LoadCiphertext(ctx context.Context, orgID string, providerType ProviderType) (string, error)
	SaveCiphertext(ctx context.Context, orgID string, providerType ProviderType, ciphertext string) error
}

type cacheKey struct {
	org string
	pt  ProviderType
}

// AgeVault decrypts credentials from a CiphertextStore with the platform's age
// identity and caches plaintext for a short TTL.
type AgeVault struct {
	store  CiphertextStore
	sealer *Sealer
	ttl    time.Duration
	logger *logging.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[cacheKey]*Credential
}

func NewAgeVault(store CiphertextStore, sealer *Sealer, ttl time.Duration, logger *logging.Logger) *AgeVault {
	if store == nil || sealer == nil {
		panic("vault: store and sealer required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AgeVault{
		store:  store,
		sealer: sealer,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
		cache:  make(map[cacheKey]*Credential),
	}
}

func (v *AgeVault) GetCredential(ctx context.Context, orgID string, providerType ProviderType) (*Credential, error) {
	key := cacheKey{org: orgID, pt: providerType}
	now := v.now()

	v.mu.Lock()
	if cred, ok := v.cache[key]; ok && now.Before(cred.ExpiresAt) {
		v.mu.Unlock()
		return cred, nil
	}
	v.mu.Unlock()

	ciphertext, err := v.store.LoadCiphertext(ctx, orgID, providerType)
	if err != nil {
		return nil, err
	}
	values, err := v.sealer.Open(ciphertext)
	if err != nil {
		v.logger.Error("credential decrypt failed", "org_id", orgID, "provider_type", providerType, "error", err)
		return nil, fmt.Errorf("vault: open %s credential for %s: %w", providerType, orgID, err)
	}
	cred := &Credential{OrgID: orgID, ProviderType: providerType, Values: values, ExpiresAt: now.Add(v.ttl)}

	if v.ttl > 0 {
		v.mu.Lock()
		v.cache[key] = cred
		v.mu.Unlock()
	}
	return cred, nil
}

// Put seals values and stores them, replacing any cached plaintext.
func (v *AgeVault) Put(ctx context.Context, orgID string, providerType ProviderType, values map[string]string) error {
	if values["provider"] == "" {
		return fmt.Errorf("vault: credential document requires a provider value")
	}
	ciphertext, err := v.sealer.Seal(values)
	if err != nil {
		return err
	}
	if err := v.store.SaveCiphertext(ctx, orgID, providerType, ciphertext); err != nil {
		return err
	}
	v.Invalidate(orgID)
	return nil
}

// Invalidate drops cached plaintext for an org.
func (v *AgeVault) Invalidate(orgID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for key := range v.cache {
		if key.org == orgID {
			delete(v.cache, key)
		}
	}
}

// StaticVault serves the same credentials to every org. It backs the
// platform-default provider accounts configured through the environment.
type StaticVault struct {
	creds map[ProviderType]map[string]string
}

func NewStaticVault(creds map[ProviderType]map[string]string) *StaticVault {
	out := make(map[ProviderType]map[string]string, len(creds))
	for pt, values := range creds {
		if values["provider"] != "" {
			out[pt] = values
		}
	}
	return &StaticVault{creds: out}
}

func (s *StaticVault) GetCredential(_ context.Context, orgID string, providerType ProviderType) (*Credential, error) {
	values, ok := s.creds[providerType]
	if !ok {
		return nil, ErrNotConfigured
	}
	return &Credential{OrgID: orgID, ProviderType: providerType, Values: values}, nil
}

// Fallback consults Primary and, when the org has nothing configured there,
// Secondary.
type Fallback struct {
	Primary   Vault
	Secondary Vault
}

func (f Fallback) GetCredential(ctx context.Context, orgID string, providerType ProviderType) (*Credential, error) {
	if f.Primary != nil {
		cred, err := f.Primary.GetCredential(ctx, orgID, providerType)
		if err == nil || !errors.Is(err, ErrNotConfigured) {
			return cred, err
		}
	}
	if f.Secondary == nil {
		return nil, ErrNotConfigured
	}
	return f.Secondary.GetCredential(ctx, orgID, providerType)
}
