package db

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	DBConnKey   contextKey = "db_conn"
	TxKey       contextKey = "db_tx"
)

// TenantHeader selects the hospital when the token carries no hospital claim.
const TenantHeader = "X-Hospital-ID"

// hospitalClaimKey must match auth.HospitalClaimKey.
const hospitalClaimKey = "jwt_hospital"

// schemaPrefix namespaces every hospital schema.
const schemaPrefix = "hospital_"

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]{1,48}$`)

// SchemaName returns the PostgreSQL schema that holds a hospital's data.
func SchemaName(tenantID string) string {
	return schemaPrefix + tenantID
}

// ValidTenantID reports whether id can be used to build a schema name.
func ValidTenantID(id string) bool {
	return tenantIDPattern.MatchString(id)
}

// TenantMiddleware pins a pooled connection to the requesting hospital's
// schema for the lifetime of the request.
func TenantMiddleware(pool *pgxpool.Pool, defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := extractTenantID(c, defaultTenant)

			if !ValidTenantID(tenantID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid hospital identifier")
			}

			ctx := c.Request().Context()
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer conn.Release()

			_, err = conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", SchemaName(tenantID)))
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "tenant resolution failed")
			}
			// The connection returns to the pool afterwards; do not leak the
			// hospital's search_path to the next borrower.
			defer conn.Exec(context.WithoutCancel(ctx), "RESET search_path")

			ctx = WithConn(ctx, tenantID, conn)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("tenant_id", tenantID)

			return next(c)
		}
	}
}

func extractTenantID(c echo.Context, defaultTenant string) string {
	if tid, ok := c.Get(hospitalClaimKey).(string); ok && tid != "" {
		return tid
	}
	if tid := c.Request().Header.Get(TenantHeader); tid != "" {
		return tid
	}
	return defaultTenant
}

// WithConn returns a copy of ctx carrying a tenant-scoped connection.
func WithConn(ctx context.Context, tenantID string, conn *pgxpool.Conn) context.Context {
	ctx = context.WithValue(ctx, TenantIDKey, tenantID)
	return context.WithValue(ctx, DBConnKey, conn)
}

// ConnFromContext retrieves the tenant-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// TenantFromContext retrieves the tenant ID from context.
func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}

// CreateTenantSchema creates a hospital schema and applies every migration in
// migrations to it. A nil migrations skips that step.
func CreateTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID string, migrations fs.FS) error {
	if !ValidTenantID(tenantID) {
		return fmt.Errorf("invalid hospital identifier: %s", tenantID)
	}

	schema := SchemaName(tenantID)
	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrations != nil {
		if _, err := NewMigrator(pool, migrations).Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}
	return nil
}

// DropTenantSchema removes a hospital schema and everything in it.
func DropTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID string) error {
	if !ValidTenantID(tenantID) {
		return fmt.Errorf("invalid hospital identifier: %s", tenantID)
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", SchemaName(tenantID))); err != nil {
		return fmt.Errorf("drop schema %s: %w", SchemaName(tenantID), err)
	}
	return nil
}
