package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	AuthSecret   string `mapstructure:"AUTH_SECRET"`
	AuthIssuer   string `mapstructure:"AUTH_ISSUER"`
	AuthAudience string `mapstructure:"AUTH_AUDIENCE"`

	ArchiveURL      string        `mapstructure:"ARCHIVE_URL"`
	ArchiveUsername string        `mapstructure:"ARCHIVE_USERNAME"`
	ArchivePassword string        `mapstructure:"ARCHIVE_PASSWORD"`
	ArchiveTimeout  time.Duration `mapstructure:"ARCHIVE_TIMEOUT"`
	ArchiveQIDOPath string        `mapstructure:"ARCHIVE_QIDO_PATH"`

	IngestMode    string        `mapstructure:"INGEST_MODE"`
	UploadDir     string        `mapstructure:"UPLOAD_DIR"`
	MaxUploadSize string        `mapstructure:"MAX_UPLOAD_SIZE"`
	LinkCacheTTL  time.Duration `mapstructure:"LINK_CACHE_TTL"`

	ViewerURL   string `mapstructure:"VIEWER_URL"`
	DICOMWebURL string `mapstructure:"DICOMWEB_URL"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DEFAULT_TENANT", "CORS_ORIGINS",
	"AUTH_SECRET", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"ARCHIVE_URL", "ARCHIVE_USERNAME", "ARCHIVE_PASSWORD", "ARCHIVE_TIMEOUT", "ARCHIVE_QIDO_PATH",
	"INGEST_MODE", "UPLOAD_DIR", "MAX_UPLOAD_SIZE", "LINK_CACHE_TTL",
	"VIEWER_URL", "DICOMWEB_URL",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("ARCHIVE_URL", "http://localhost:8042")
	v.SetDefault("ARCHIVE_TIMEOUT", "30s")
	v.SetDefault("ARCHIVE_QIDO_PATH", "/dicom-web/qido")
	v.SetDefault("INGEST_MODE", "lenient")
	v.SetDefault("UPLOAD_DIR", os.TempDir())
	v.SetDefault("MAX_UPLOAD_SIZE", "512M")
	v.SetDefault("LINK_CACHE_TTL", "30s")
	v.SetDefault("VIEWER_URL", "http://localhost:3000/viewer")
	v.SetDefault("DICOMWEB_URL", "http://localhost:8000/dicom")

	// Bind explicitly so Unmarshal sees variables that only exist in the
	// environment.
	for _, k := range keys {
		v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if origins := v.GetString("CORS_ORIGINS"); origins != "" && len(cfg.CORSOrigins) <= 1 {
		cfg.CORSOrigins = strings.Split(origins, ",")
	}
	cfg.IngestMode = strings.ToLower(strings.TrimSpace(cfg.IngestMode))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Warn().Msg("ENV=development: identity is taken from X-Dev-User and X-Dev-Role headers, do not expose this server")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.IngestMode != "lenient" && c.IngestMode != "strict" {
		return fmt.Errorf("INGEST_MODE must be \"lenient\" or \"strict\", got %q", c.IngestMode)
	}
	if !c.IsDev() && c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required when ENV=%q", c.Env)
	}
	if c.IsProduction() && len(c.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be at least 32 bytes in production")
	}
	if c.ArchiveTimeout <= 0 {
		return fmt.Errorf("ARCHIVE_TIMEOUT must be positive, got %s", c.ArchiveTimeout)
	}
	if c.ArchiveURL == "" {
		return fmt.Errorf("ARCHIVE_URL is required")
	}
	if c.LinkCacheTTL < 0 {
		return fmt.Errorf("LINK_CACHE_TTL must not be negative")
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
