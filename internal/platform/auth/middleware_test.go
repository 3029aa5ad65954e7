package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims(sub uuid.UUID, role Role) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Role:     string(role),
		Hospital: "stmary",
	}
}

func runJWT(t *testing.T, cfg JWTConfig, header string) (echo.Context, bool, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	handler := func(c echo.Context) error {
		called = true
		return c.String(http.StatusOK, "ok")
	}
	err := JWTMiddleware(cfg)(handler)(c)
	return c, called, err
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with status %d", code)
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	_, called, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "")
	expectStatus(t, err, http.StatusUnauthorized)
	if called {
		t.Error("handler should not be called")
	}
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, tt.header)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	id := uuid.New()
	tokenStr := createTestToken(t, validClaims(id, RoleDoctor), testSigningKey)

	c, called, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "Bearer "+tokenStr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler was not called")
	}

	user, ok := UserFromContext(c.Request().Context())
	if !ok {
		t.Fatal("expected user in context")
	}
	if user.ID != id {
		t.Errorf("expected id %s, got %s", id, user.ID)
	}
	if user.Role != RoleDoctor {
		t.Errorf("expected DOCTOR, got %s", user.Role)
	}
	if got, _ := c.Get(HospitalClaimKey).(string); got != "stmary" {
		t.Errorf("expected hospital claim stmary, got %q", got)
	}
	if UserIDFromContext(c.Request().Context()) != id.String() {
		t.Error("expected UserIDFromContext to match subject")
	}
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	claims := validClaims(uuid.New(), RolePatient)
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	tokenStr := createTestToken(t, claims, testSigningKey)

	_, _, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "Bearer "+tokenStr)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	tokenStr := createTestToken(t, validClaims(uuid.New(), RolePatient), []byte("another-key"))

	_, _, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "Bearer "+tokenStr)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_IssuerMismatch(t *testing.T) {
	claims := validClaims(uuid.New(), RolePatient)
	claims.Issuer = "someone-else"
	tokenStr := createTestToken(t, claims, testSigningKey)

	_, _, err := runJWT(t, JWTConfig{SigningKey: testSigningKey, Issuer: "mediconnect"}, "Bearer "+tokenStr)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidClaims(t *testing.T) {
	tests := []struct {
		name   string
		claims Claims
	}{
		{"non-uuid subject", func() Claims {
			c := validClaims(uuid.New(), RoleDoctor)
			c.Subject = "user-123"
			return c
		}()},
		{"unknown role", func() Claims {
			c := validClaims(uuid.New(), RoleDoctor)
			c.Role = "physician"
			return c
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokenStr := createTestToken(t, tt.claims, testSigningKey)
			_, _, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "Bearer "+tokenStr)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestDevAuthMiddleware(t *testing.T) {
	id := uuid.New()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(DevUserHeader, id.String())
	req.Header.Set(DevRoleHeader, "secretary")
	req.Header.Set(DevHospitalHeader, "north")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var got User
	handler := func(c echo.Context) error {
		got, _ = UserFromContext(c.Request().Context())
		return c.NoContent(http.StatusOK)
	}

	if err := DevAuthMiddleware()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != id || got.Role != RoleSecretary || got.HospitalID != "north" {
		t.Errorf("unexpected user %+v", got)
	}
}

func TestDevAuthMiddleware_MissingHeaders(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := DevAuthMiddleware()(func(c echo.Context) error { return nil })(c)
	expectStatus(t, err, http.StatusUnauthorized)
}
