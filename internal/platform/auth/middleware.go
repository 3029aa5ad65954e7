package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type contextKey string

const userKey contextKey = "auth_user"

// HospitalClaimKey is the echo context key under which the hospital claim of
// the verified token is exposed to the tenant middleware.
const HospitalClaimKey = "jwt_hospital"

// Dev-mode identity headers.
const (
	DevUserHeader     = "X-Dev-User"
	DevRoleHeader     = "X-Dev-Role"
	DevHospitalHeader = "X-Dev-Hospital"
)

// User is the authenticated requester.
type User struct {
	ID         uuid.UUID
	Role       Role
	HospitalID string
}

// Claims are the access token claims. The subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
	Role     string `json:"role"`
	Hospital string `json:"hospital,omitempty"`
}

type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
}

// JWTMiddleware verifies HS256 bearer tokens and stores the requester in the
// request context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	keyFunc := func(*jwt.Token) (interface{}, error) {
		return cfg.SigningKey, nil
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			user, err := claims.User()
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}

			c.Set(HospitalClaimKey, user.HospitalID)
			c.SetRequest(c.Request().WithContext(WithUser(c.Request().Context(), user)))
			return next(c)
		}
	}
}

// User converts verified claims into a User.
func (cl *Claims) User() (User, error) {
	id, err := uuid.Parse(cl.Subject)
	if err != nil {
		return User{}, fmt.Errorf("invalid subject %q", cl.Subject)
	}
	role, err := ParseRole(cl.Role)
	if err != nil {
		return User{}, err
	}
	return User{ID: id, Role: role, HospitalID: cl.Hospital}, nil
}

// DevAuthMiddleware trusts identity headers instead of tokens. It is only
// installed when ENV=development.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Request().Header
			id, err := uuid.Parse(h.Get(DevUserHeader))
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid "+DevUserHeader+" header")
			}
			role, err := ParseRole(h.Get(DevRoleHeader))
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}

			user := User{ID: id, Role: role, HospitalID: h.Get(DevHospitalHeader)}
			c.Set(HospitalClaimKey, user.HospitalID)
			c.SetRequest(c.Request().WithContext(WithUser(c.Request().Context(), user)))
			return next(c)
		}
	}
}

// WithUser returns a copy of ctx carrying user.
func WithUser(ctx context.Context, user User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFromContext returns the authenticated requester, if any.
func UserFromContext(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(userKey).(User)
	return u, ok
}

func UserIDFromContext(ctx context.Context) string {
	u, ok := UserFromContext(ctx)
	if !ok {
		return ""
	}
	return u.ID.String()
}
