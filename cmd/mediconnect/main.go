package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/mediconnect/mediconnect/internal/config"
	"github.com/mediconnect/mediconnect/internal/platform/archive"
	"github.com/mediconnect/mediconnect/internal/platform/db"
	"github.com/mediconnect/mediconnect/internal/platform/dicommeta"
	"github.com/mediconnect/mediconnect/internal/platform/metrics"
	"github.com/mediconnect/mediconnect/migrations"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "mediconnect",
		Short:        "Multi-hospital medical imaging API server",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(tenantCmd())
	root.AddCommand(dicomCmd())
	root.AddCommand(archiveCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the imaging API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// openPool loads the configuration and connects to the database.
func openPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations to a hospital schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema, err := targetSchema(cmd, cfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(out, "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("tenant", "", "Hospital identifier (defaults to DEFAULT_TENANT)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status of a hospital schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema, err := targetSchema(cmd, cfg)
			if err != nil {
				return err
			}

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("tenant", "", "Hospital identifier (defaults to DEFAULT_TENANT)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func targetSchema(cmd *cobra.Command, cfg *config.Config) (string, error) {
	tenant, _ := cmd.Flags().GetString("tenant")
	if tenant == "" {
		tenant = cfg.DefaultTenant
	}
	if !db.ValidTenantID(tenant) {
		return "", fmt.Errorf("invalid hospital identifier %q", tenant)
	}
	return db.SchemaName(tenant), nil
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage hospital schemas",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create and migrate a hospital schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if !db.ValidTenantID(name) {
				return fmt.Errorf("invalid hospital identifier %q", name)
			}

			ctx := cmd.Context()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Creating hospital schema: %s\n", db.SchemaName(name))
			if err := db.CreateTenantSchema(ctx, pool, name, migrations.FS); err != nil {
				return err
			}
			fmt.Fprintln(out, "Hospital created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Hospital identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func dicomCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dicom",
		Short: "Inspect DICOM files",
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Print the hierarchy metadata of a DICOM file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			md, err := dicommeta.ExtractFile(args[0])
			if err != nil {
				return err
			}
			placeholders, _ := cmd.Flags().GetBool("placeholders")
			if placeholders {
				md = md.WithPlaceholders()
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(md)
		},
	}
	inspectCmd.Flags().Bool("placeholders", false, "Fill missing identity UIDs the way lenient ingestion does")
	cmd.AddCommand(inspectCmd)

	return cmd
}

func archiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Query the DICOM archive",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ls [study-id]",
		Short: "List archive studies, or the series of one study",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			client := newArchiveClient(cfg, metrics.NewNop())

			var ids []string
			if len(args) == 1 {
				ids, err = client.ListSeries(cmd.Context(), args[0])
			} else {
				ids, err = client.ListStudies(cmd.Context())
			}
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "ping",
		Short: "Check that the archive is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			client := newArchiveClient(cfg, metrics.NewNop())
			if err := client.Ping(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "archive at %s is reachable\n", client.BaseURL())
			return nil
		},
	})

	return cmd
}

func newArchiveClient(cfg *config.Config, m *metrics.ImagingMetrics) *archive.Client {
	return archive.New(archive.Config{
		BaseURL:  cfg.ArchiveURL,
		Username: cfg.ArchiveUsername,
		Password: cfg.ArchivePassword,
		Timeout:  cfg.ArchiveTimeout,
		QIDOPath: cfg.ArchiveQIDOPath,
	}, m)
}
