package db

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func referralContext(target string, header string, claim interface{}) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, target, nil)
	if header != "" {
		req.Header.Set("X-Tenant-ID", header)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	if claim != nil {
		c.Set("jwt_tenant_id", claim)
	}
	return c
}

func TestExtractTenantID_ReferralRoutes(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header string
		claim  interface{}
		want   string
	}{
		{"claim wins over header and query", "/api/v1/referrals?tenant_id=north_region", "south_region", "east_region", "east_region"},
		{"header wins over query", "/api/v1/referrals/0190/accept?tenant_id=north_region", "south_region", nil, "south_region"},
		{"query only", "/fhir/Task?tenant_id=north_region", "", nil, "north_region"},
		{"empty claim falls through", "/api/v1/referrals", "south_region", "", "south_region"},
		{"non-string claim is ignored", "/api/v1/referrals", "", 42, "regional_default"},
		{"nothing set", "/api/v1/referrals", "", nil, "regional_default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := referralContext(tt.target, tt.header, tt.claim)
			if got := extractTenantID(c, "regional_default"); got != tt.want {
				t.Errorf("extractTenantID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTenantMiddleware_RejectsMalformedTenantBeforeAcquire(t *testing.T) {
	called := false
	handler := TenantMiddleware(nil, "regional_default")(func(c echo.Context) error {
		called = true
		return c.NoContent(http.StatusCreated)
	})

	for _, tenant := range []string{"north-region", "north;DROP SCHEMA public", "../south", "tenant one"} {
		c := referralContext("/api/v1/referrals", tenant, nil)
		err := handler(c)

		var he *echo.HTTPError
		if !errors.As(err, &he) {
			t.Fatalf("tenant %q: expected *echo.HTTPError, got %v", tenant, err)
		}
		if he.Code != http.StatusBadRequest {
			t.Errorf("tenant %q: expected 400, got %d", tenant, he.Code)
		}
	}
	if called {
		t.Error("referral handler must not run for a malformed tenant")
	}
}

func TestTenantMiddleware_MalformedDefaultTenant(t *testing.T) {
	handler := TenantMiddleware(nil, "")(func(c echo.Context) error {
		t.Fatal("handler should not run")
		return nil
	})
	err := handler(referralContext("/fhir/Task", "", nil))

	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for an empty default tenant, got %v", err)
	}
}

func TestSchemaName(t *testing.T) {
	tests := map[string]string{
		"north_region": "tenant_north_region",
		"Facility01":   "tenant_Facility01",
	}
	for tenant, want := range tests {
		if got := SchemaName(tenant); got != want {
			t.Errorf("SchemaName(%q) = %q, want %q", tenant, got, want)
		}
	}
}

func TestAcquireTenant_InvalidID(t *testing.T) {
	ctx := context.Background()
	got, release, err := AcquireTenant(ctx, nil, "north;DROP")
	if err == nil {
		t.Fatal("expected error for invalid tenant ID")
	}
	if release != nil {
		t.Error("expected no release func on error")
	}
	if got != ctx {
		t.Error("expected the original context back on error")
	}
	if TenantFromContext(got) != "" || ConnFromContext(got) != nil {
		t.Error("failed acquire must not attach tenant state")
	}
}

func TestCreateTenantSchema_RejectsBeforeTouchingPool(t *testing.T) {
	for _, id := range []string{"north-region", "south.region", "drop;table", ""} {
		if err := CreateTenantSchema(context.Background(), nil, id, nil); err == nil {
			t.Errorf("expected error for tenant %q", id)
		}
	}
}

func TestTenantContextAccessors(t *testing.T) {
	ctx := context.WithValue(context.Background(), TenantIDKey, "north_region")
	if got := TenantFromContext(ctx); got != "north_region" {
		t.Errorf("TenantFromContext() = %q, want north_region", got)
	}
	if got := TenantFromContext(context.WithValue(context.Background(), TenantIDKey, 7)); got != "" {
		t.Errorf("expected empty tenant for a non-string value, got %q", got)
	}
	if ConnFromContext(context.WithValue(context.Background(), DBConnKey, "conn")) != nil {
		t.Error("expected nil conn for a non-conn value")
	}
	if TxFromContext(context.Background()) != nil {
		t.Error("expected nil tx from empty context")
	}
}

func TestWithTx_RequiresTenantConnection(t *testing.T) {
	if _, _, err := WithTx(context.Background()); err == nil {
		t.Error("expected error when no tenant connection is in context")
	}
}
