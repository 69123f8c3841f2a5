package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/crvs/deathform/internal/platform/auth"
)

// AuditEntry records who touched which notification case.
type AuditEntry struct {
	UserID        string
	UserRoles     []string
	Facility      string
	TrackedEntity string
	Action        string // read, create, update
	Target        string // attributes, enrollment, stage, causes, underlying-cause, form-state
	IPAddress     string
	Path          string
	Method        string
	Timestamp     time.Time
	RequestID     string
	StatusCode    int
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every access to /api/v1/cases routes after the handler ran,
// and hands the entry to the recorders when given.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, casesPrefix) && req.URL.Path != strings.TrimSuffix(casesPrefix, "/") {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				status = he.Code
			}
			ctx := req.Context()
			tei, target := splitCasePath(req.URL.Path)
			entry := AuditEntry{
				UserID:        auth.UserIDFromContext(ctx),
				UserRoles:     auth.RolesFromContext(ctx),
				Facility:      auth.FacilityFromContext(ctx),
				TrackedEntity: tei,
				Action:        httpMethodToAction(req.Method),
				Target:        target,
				IPAddress:     c.RealIP(),
				Path:          req.URL.Path,
				Method:        req.Method,
				Timestamp:     time.Now().UTC(),
				RequestID:     GetRequestID(c),
				StatusCode:    status,
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).Str("request_id", entry.RequestID).Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "case_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("facility", entry.Facility).
				Str("tracked_entity", entry.TrackedEntity).
				Str("action", entry.Action).
				Str("target", entry.Target).
				Str("method", entry.Method).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("case_access")

			return err
		}
	}
}

const casesPrefix = "/api/v1/cases/"

// splitCasePath returns the tracked entity and the first sub-resource of a
// case path: /api/v1/cases/<tei>/<target>/...
func splitCasePath(path string) (tei, target string) {
	rest, ok := strings.CutPrefix(path, casesPrefix)
	if !ok {
		return "", ""
	}
	segments := strings.Split(rest, "/")
	tei = segments[0]
	if len(segments) > 1 {
		target = segments[1]
	}
	return tei, target
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
