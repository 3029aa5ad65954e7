package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/mediconnect/mediconnect/internal/platform/auth"
)

// AuditEntry describes one access to imaging data.
type AuditEntry struct {
	RequestID string
	Tenant    string
	UserID    string
	Role      string
	Resource  string // studies, series, instances, wado, qido
	NodeID    string
	Action    string // read, upload, delete, retrieve, query
	Method    string
	Path      string
	IPAddress string
	Status    int
	Timestamp time.Time
}

// Audit logs an imaging_audit event for every request under prefix once the
// handler has produced its status.
func Audit(logger zerolog.Logger, prefix string) echo.MiddlewareFunc {
	prefix = strings.TrimRight(prefix, "/")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			if path != prefix && !strings.HasPrefix(path, prefix+"/") {
				return next(c)
			}

			err := next(c)

			entry := newAuditEntry(c, prefix, err)
			evt := logger.Info()
			if entry.Status == http.StatusForbidden || entry.Status == http.StatusUnauthorized {
				evt = logger.Warn()
			}
			evt.
				Str("type", "imaging_audit").
				Str("request_id", entry.RequestID).
				Str("tenant", entry.Tenant).
				Str("user_id", entry.UserID).
				Str("role", entry.Role).
				Str("resource", entry.Resource).
				Str("node_id", entry.NodeID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.Status).
				Msg("imaging_access")

			return err
		}
	}
}

func newAuditEntry(c echo.Context, prefix string, err error) AuditEntry {
	req := c.Request()
	entry := AuditEntry{
		Timestamp: time.Now().UTC(),
		Method:    req.Method,
		Path:      req.URL.Path,
		IPAddress: c.RealIP(),
		Status:    c.Response().Status,
	}
	if he, ok := err.(*echo.HTTPError); ok {
		entry.Status = he.Code
	}
	entry.RequestID, _ = c.Get("request_id").(string)
	entry.Tenant, _ = c.Get("tenant_id").(string)
	if u, ok := auth.UserFromContext(req.Context()); ok {
		entry.UserID = u.ID.String()
		entry.Role = u.Role.String()
	}

	segments := strings.Split(strings.Trim(strings.TrimPrefix(req.URL.Path, prefix), "/"), "/")
	if len(segments) > 0 {
		entry.Resource = segments[0]
	}
	if len(segments) > 1 {
		if _, perr := uuid.Parse(segments[1]); perr == nil {
			entry.NodeID = segments[1]
		}
	}
	entry.Action = auditAction(req.Method, entry.Resource, segments)
	return entry
}

func auditAction(method, resource string, segments []string) string {
	switch {
	case resource == "wado":
		return "retrieve"
	case resource == "qido":
		return "query"
	case method == http.MethodDelete:
		return "delete"
	case method == http.MethodPost && len(segments) > 1 && segments[1] == "upload_dicom":
		return "upload"
	}
	return "read"
}
