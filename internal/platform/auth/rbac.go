package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Role is the closed set of account roles.
type Role string

const (
	RolePatient       Role = "PATIENT"
	RoleDoctor        Role = "DOCTOR"
	RoleSecretary     Role = "SECRETARY"
	RoleHospitalAdmin Role = "HOSPITAL_ADMIN"
	RoleSuperAdmin    Role = "SUPER_ADMIN"
)

// Roles lists every valid role.
var Roles = []Role{RolePatient, RoleDoctor, RoleSecretary, RoleHospitalAdmin, RoleSuperAdmin}

// ParseRole accepts a role name in any case.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	switch r {
	case RolePatient, RoleDoctor, RoleSecretary, RoleHospitalAdmin, RoleSuperAdmin:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

func (r Role) String() string { return string(r) }

// RequireRole returns middleware that checks the requester has one of roles.
// Unauthenticated requests get 401.
func RequireRole(roles ...Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user, ok := UserFromContext(c.Request().Context())
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			for _, required := range roles {
				if user.Role == required {
					return next(c)
				}
			}
			names := make([]string, len(roles))
			for i, r := range roles {
				names[i] = r.String()
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(names, " or ")))
		}
	}
}

// RequireAuth rejects requests that carry no authenticated user.
func RequireAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if _, ok := UserFromContext(c.Request().Context()); !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			return next(c)
		}
	}
}
