package tenancy

import (
	"context"
	"net/http"
	"strings"
)

// Loader is the narrow surface the middleware needs; the Manager satisfies
// it, tests substitute fakes.
type Loader interface {
	LoadTenant(ctx context.Context, tenantID string) (*Tenant, error)
	ValidateAPIKey(ctx context.Context, fullKey string) (*Tenant, error)
}

// Middleware resolves the tenant for a request, from an API key when
// presented, else from the X-Tenant-ID header for trusted internal callers.
// Requests without a resolvable tenant are refused.
func Middleware(loader Loader, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var tenantID string

		authHeader := r.Header.Get("Authorization")
		if strings.HasPrefix(authHeader, "Bearer "+keyPrefix) {
			tenant, err := loader.ValidateAPIKey(ctx, strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				http.Error(w, "Invalid API Key", http.StatusUnauthorized)
				return
			}
			tenantID = tenant.TenantID
		}

		// X-Tenant-ID is honored only behind the internal gateway; production
		// traffic always carries a key.
		if tenantID == "" {
			if hdr := r.Header.Get("X-Tenant-ID"); hdr != "" {
				tenant, err := loader.LoadTenant(ctx, hdr)
				if err != nil {
					http.Error(w, "Invalid Tenant ID", http.StatusUnauthorized)
					return
				}
				tenantID = tenant.TenantID
			}
		}

		if tenantID == "" {
			http.Error(w, "Missing Tenant Context (API Key or X-Tenant-ID)", http.StatusUnauthorized)
			return
		}

		next(w, r.WithContext(WithTenant(ctx, tenantID)))
	}
}
