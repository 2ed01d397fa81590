package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

// stalledTransition stands in for a referral write stuck behind a row lock:
// it only returns once its request context ends.
func stalledTransition(c echo.Context) error {
	<-c.Request().Context().Done()
	return c.Request().Context().Err()
}

func TestRequestTimeout_BodyFollowsRoute(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		wantFHIR   bool
		wantIssue  string
		wantFields []string
	}{
		{"fhir task search", http.MethodGet, "/fhir/Task?owner=Facility+B", true, "timeout", nil},
		{"fhir task read", http.MethodGet, "/fhir/Task/0190a0de-0000-7000-8000-000000000001", true, "timeout", nil},
		{"accept referral", http.MethodPost, "/api/v1/referrals/0190a0de-0000-7000-8000-000000000001/accept", false, "", []string{"message"}},
		{"referral timeline", http.MethodGet, "/api/v1/referrals/0190a0de-0000-7000-8000-000000000001/timeline", false, "", []string{"message"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(tt.method, tt.path, nil), rec)

			if err := RequestTimeout(20 * time.Millisecond)(stalledTransition)(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Code != http.StatusGatewayTimeout {
				t.Fatalf("expected 504, got %d", rec.Code)
			}

			var body map[string]interface{}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("invalid JSON body: %v", err)
			}
			_, isOutcome := body["resourceType"]
			if isOutcome != tt.wantFHIR {
				t.Fatalf("resourceType present = %v, want %v (body %s)", isOutcome, tt.wantFHIR, rec.Body.String())
			}
			if tt.wantFHIR {
				issues, _ := body["issue"].([]interface{})
				if len(issues) != 1 {
					t.Fatalf("expected one issue, got %v", body["issue"])
				}
				if code := issues[0].(map[string]interface{})["code"]; code != tt.wantIssue {
					t.Errorf("issue code = %v, want %s", code, tt.wantIssue)
				}
			}
			for _, f := range tt.wantFields {
				if body[f] == nil {
					t.Errorf("expected %q field in %s", f, rec.Body.String())
				}
			}
		})
	}
}

func TestRequestTimeout_FastTransitionKeepsItsResponse(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/api/v1/referrals/abc/arrive", nil), rec)

	handler := func(c echo.Context) error {
		deadline, ok := c.Request().Context().Deadline()
		if !ok || time.Until(deadline) > time.Second {
			t.Errorf("expected a deadline within the configured second, got %v (ok=%v)", deadline, ok)
		}
		return c.NoContent(http.StatusNoContent)
	}
	if err := RequestTimeout(time.Second)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}

func TestRequestTimeout_DomainErrorPassesThrough(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/api/v1/referrals/abc/accept", nil), httptest.NewRecorder())

	conflict := echo.NewHTTPError(http.StatusConflict, "referral changed concurrently")
	err := RequestTimeout(time.Second)(func(echo.Context) error { return conflict })(c)
	if !errors.Is(err, conflict) {
		t.Errorf("expected the handler's 409 back, got %v", err)
	}
}

func TestRequestTimeout_SkippedAndDisabled(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		path    string
	}{
		{"metrics scrape", 10 * time.Millisecond, "/metrics"},
		{"health check", 10 * time.Millisecond, "/health/ready"},
		{"zero timeout", 0, "/api/v1/referrals"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, tt.path, nil), httptest.NewRecorder())

			handler := func(c echo.Context) error {
				if _, ok := c.Request().Context().Deadline(); ok {
					t.Error("expected no deadline")
				}
				return nil
			}
			if err := RequestTimeout(tt.timeout, "/metrics", "/health")(handler)(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestRequestTimeout_ClientCancelIsNotA504(t *testing.T) {
	e := echo.New()
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/referrals", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	cancel()
	err := RequestTimeout(time.Second)(stalledTransition)(c)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if rec.Code == http.StatusGatewayTimeout {
		t.Error("a cancelled client must not get a 504")
	}
}
