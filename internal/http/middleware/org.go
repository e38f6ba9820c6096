package middleware

import (
	"net/http"
	"strings"

	"github.com/wolfman30/clinic-booking-pipeline/internal/tenancy"
)

// OrgHeader carries the caller's organization on the booking API.
const OrgHeader = "X-Org-Id"

// RequireOrgID rejects requests without X-Org-Id and stores the org in the
// request context.
func RequireOrgID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID := strings.TrimSpace(r.Header.Get(OrgHeader))
		if orgID == "" {
			http.Error(w, "missing X-Org-Id", http.StatusBadRequest)
			return
		}
		ctx := tenancy.NewContext(r.Context(), tenancy.Tenant{OrgID: orgID, Via: tenancy.ViaHeader})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
