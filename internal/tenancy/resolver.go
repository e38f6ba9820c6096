package tenancy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

// ErrOrgNotFound is returned when no organization matches a hint.
var ErrOrgNotFound = errors.New("tenancy: org not found")

// Hint carries whatever identifies the tenant on an inbound event. OrgID wins
// when present; otherwise the assistant ID, then the phone number.
type Hint struct {
	OrgID       string `json:"org_id,omitempty"`
	AssistantID string `json:"assistant_id,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

func (h Hint) IsZero() bool {
	return strings.TrimSpace(h.OrgID) == "" && strings.TrimSpace(h.AssistantID) == "" && strings.TrimSpace(h.PhoneNumber) == ""
}

// Directory is the authoritative hint -> org mapping.
type Directory interface {
	OrgByAssistant(ctx context.Context, assistantID string) (string, error)
	OrgByPhone(ctx context.Context, variants []string) (string, error)
}

// Resolver maps hints to org IDs through a TTL cache in front of a Directory.
type Resolver struct {
	dir    Directory
	cache  *TTLCache
	logger *logging.Logger
}

// NewResolver wires a resolver. The cache is owned by the caller so tests and
// admin paths can share or inspect it.
func NewResolver(dir Directory, cache *TTLCache, logger *logging.Logger) *Resolver {
	if dir == nil {
		panic("tenancy: directory required")
	}
	if cache == nil {
		cache = NewTTLCache(0)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Resolver{dir: dir, cache: cache, logger: logger}
}

// Resolve returns the org for hint or ErrOrgNotFound.
func (r *Resolver) Resolve(ctx context.Context, hint Hint) (string, error) {
	t, err := r.ResolveTenant(ctx, hint)
	return t.OrgID, err
}

// ResolveTenant is Resolve but also reports which hint matched.
func (r *Resolver) ResolveTenant(ctx context.Context, hint Hint) (Tenant, error) {
	if org := strings.TrimSpace(hint.OrgID); org != "" {
		return Tenant{OrgID: org, Via: ViaOrgID}, nil
	}
	if id := strings.TrimSpace(hint.AssistantID); id != "" {
		org, err := r.lookup(ctx, assistantKey(id), func() (string, error) {
			return r.dir.OrgByAssistant(ctx, id)
		})
		if err == nil {
			return Tenant{OrgID: org, Via: ViaAssistant}, nil
		}
		if !errors.Is(err, ErrOrgNotFound) || hint.PhoneNumber == "" {
			return Tenant{}, err
		}
	}
	if variants := PhoneVariants(hint.PhoneNumber); len(variants) > 0 {
		org, err := r.lookup(ctx, phoneKey(hint.PhoneNumber), func() (string, error) {
			return r.dir.OrgByPhone(ctx, variants)
		})
		if err != nil {
			return Tenant{}, err
		}
		return Tenant{OrgID: org, Via: ViaPhone}, nil
	}
	return Tenant{}, ErrOrgNotFound
}

func (r *Resolver) lookup(ctx context.Context, key string, load func() (string, error)) (string, error) {
	if org, ok := r.cache.Get(key); ok {
		return org, nil
	}
	org, err := load()
	if err != nil {
		if errors.Is(err, ErrOrgNotFound) {
			return "", err
		}
		return "", fmt.Errorf("tenancy: resolve %s: %w", key, err)
	}
	if org == "" {
		return "", ErrOrgNotFound
	}
	r.cache.Set(key, org)
	r.logger.Debug("tenant resolved", "key", key, "org_id", org)
	return org, nil
}

// Invalidate drops cached entries for the hint's assistant and phone.
func (r *Resolver) Invalidate(hint Hint) {
	if id := strings.TrimSpace(hint.AssistantID); id != "" {
		r.cache.Delete(assistantKey(id))
	}
	if hint.PhoneNumber != "" {
		r.cache.Delete(phoneKey(hint.PhoneNumber))
	}
}

// InvalidateOrg drops every cached mapping pointing at orgID, e.g. after the
// org's numbers or assistants change.
func (r *Resolver) InvalidateOrg(orgID string) {
	if n := r.cache.DeleteOrg(orgID); n > 0 {
		r.logger.Info("tenant cache invalidated", "org_id", orgID, "entries", n)
	}
}

func assistantKey(id string) string {
	return "assistant:" + id
}

func phoneKey(phone string) string {
	return "phone:" + NormalizeE164(phone)
}
