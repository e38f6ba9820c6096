package tenancy

import "context"

// Resolution sources recorded on a Tenant.
const (
	ViaHeader    = "header"
	ViaOrgID     = "org_id"
	ViaAssistant = "assistant"
	ViaPhone     = "phone"
)

// Tenant is the org a request or event was attributed to, plus the hint that
// attributed it.
type Tenant struct {
	OrgID string
	Via   string
}

type tenantKey struct{}

// NewContext returns ctx carrying t.
func NewContext(ctx context.Context, t Tenant) context.Context {
	return context.WithValue(ctx, tenantKey{}, t)
}

// FromContext returns the tenant stored by NewContext. Tenants without an
// org are treated as absent.
func FromContext(ctx context.Context) (Tenant, bool) {
	t, ok := ctx.Value(tenantKey{}).(Tenant)
	if !ok || t.OrgID == "" {
		return Tenant{}, false
	}
	return t, true
}

// OrgIDFromContext is shorthand for FromContext(ctx).OrgID.
func OrgIDFromContext(ctx context.Context) (string, bool) {
	t, ok := FromContext(ctx)
	return t.OrgID, ok
}
