package tenancy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTenantContextRoundTrip(t *testing.T) {
	ctx := NewContext(context.Background(), Tenant{OrgID: "org-123", Via: ViaAssistant})

	got, ok := FromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, Tenant{OrgID: "org-123", Via: ViaAssistant}, got)

	org, ok := OrgIDFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "org-123", org)
}

func TestTenantContextMissingOrBlank(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	_, ok = OrgIDFromContext(NewContext(context.Background(), Tenant{Via: ViaHeader}))
	assert.False(t, ok, "tenant without org id")
}
