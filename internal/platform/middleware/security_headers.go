package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityOption adjusts the header set written by SecurityHeaders.
type SecurityOption func(map[string]string)

// WithoutHSTS drops Strict-Transport-Security, for plain-HTTP development
// servers.
func WithoutHSTS() SecurityOption {
	return func(h map[string]string) { delete(h, "Strict-Transport-Security") }
}

// WithHeader adds or overrides one header.
func WithHeader(name, value string) SecurityOption {
	return func(h map[string]string) { h[name] = value }
}

// SecurityHeaders sets hardening headers on every response. Referral
// payloads carry patient names and clinical notes, so responses are never
// cached and never framed.
func SecurityHeaders(opts ...SecurityOption) echo.MiddlewareFunc {
	headers := map[string]string{
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"X-XSS-Protection":          "0",
		"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'",
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"Referrer-Policy":           "no-referrer",
		"Permissions-Policy":        "camera=(), microphone=(), geolocation=()",
		"Cache-Control":             "no-store",
	}
	for _, opt := range opts {
		opt(headers)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for name, value := range headers {
				h.Set(name, value)
			}
			return next(c)
		}
	}
}
