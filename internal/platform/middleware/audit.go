package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/referral/internal/platform/auth"
)

// AuditEntry records who touched which referral, from which party, and what
// they did.
type AuditEntry struct {
	UserID     string    `json:"user_id"`
	UserRoles  []string  `json:"user_roles,omitempty"`
	Party      string    `json:"party,omitempty"`
	TenantID   string    `json:"tenant_id,omitempty"`
	Resource   string    `json:"resource"`
	CaseID     string    `json:"case_id,omitempty"`
	Action     string    `json:"action"` // read, create, accept, decline, advance, ...
	IPAddress  string    `json:"ip_address"`
	UserAgent  string    `json:"user_agent"`
	Path       string    `json:"path"`
	Method     string    `json:"method"`
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id,omitempty"`
	StatusCode int       `json:"status_code"`
}

// AuditRecorder persists audit entries. The server wires one that publishes
// to the event bus; tests use an in-memory recorder.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit records every request under /fhir/ and /api/v1/ after the handler
// runs, so the entry carries the final status code. Entries always go to the
// structured log; a non-nil recorder also receives them.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path

			if !isAuditablePath(path) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}

			ctx := req.Context()
			resource, caseID, action := classify(req.Method, path)
			tenant, _ := c.Get("tenant_id").(string)
			entry := AuditEntry{
				UserID:     auth.UserIDFromContext(ctx),
				UserRoles:  auth.RolesFromContext(ctx),
				Party:      auth.PartyFromContext(ctx),
				TenantID:   tenant,
				Resource:   resource,
				CaseID:     caseID,
				Action:     action,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				Path:       path,
				Method:     req.Method,
				Timestamp:  time.Now().UTC(),
				RequestID:  requestID(c),
				StatusCode: status,
			}

			if len(recorders) > 0 && recorders[0] != nil {
				if recErr := recorders[0].RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "referral_audit").
				Str("request_id", entry.RequestID).
				Str("tenant_id", entry.TenantID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("party", entry.Party).
				Str("resource", entry.Resource).
				Str("case_id", entry.CaseID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("referral_access")

			return err
		}
	}
}

// isAuditablePath returns true if the path is under /fhir/ or /api/v1/.
func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/fhir/") || strings.HasPrefix(path, "/api/v1/")
}

// classify splits a request path into resource, case id and action.
//
//   - GET  /api/v1/referrals               -> referrals, "", search
//   - POST /api/v1/referrals               -> referrals, "", create
//   - GET  /api/v1/referrals/<id>/timeline -> referrals, <id>, timeline
//   - POST /api/v1/referrals/<id>/accept   -> referrals, <id>, accept
//   - GET  /fhir/Task/<id>                 -> Task, <id>, read
func classify(method, path string) (resource, caseID, action string) {
	var segments []string
	switch {
	case strings.HasPrefix(path, "/fhir/"):
		segments = strings.Split(strings.TrimPrefix(path, "/fhir/"), "/")
	case strings.HasPrefix(path, "/api/v1/"):
		segments = strings.Split(strings.TrimPrefix(path, "/api/v1/"), "/")
	}

	resource = "unknown"
	if len(segments) > 0 && segments[0] != "" {
		resource = segments[0]
	}
	if len(segments) > 1 && isUUIDLike(segments[1]) {
		caseID = segments[1]
	}

	switch {
	case len(segments) > 2 && segments[2] != "":
		action = segments[2]
	case method == http.MethodPost:
		action = "create"
	case (len(segments) < 2 || segments[1] == "") && (method == http.MethodGet || method == http.MethodHead):
		action = "search"
	default:
		action = httpMethodToAction(method)
	}
	return resource, caseID, action
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

func isUUIDLike(s string) bool {
	if s == "" {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
