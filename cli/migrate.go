package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Arcay322/Granja-cuyes-sub002/internal/postgres"
	"github.com/Arcay322/Granja-cuyes-sub002/internal/postgres/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the export schema to PostgreSQL",
	Long: `Create or update the export_jobs and export_files tables.

The DSN comes from --postgres-dsn, the POSTGRES_DSN env var, or the config file.
Migrations are embedded in the binary and idempotent; rerunning is safe.`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	dsn := viper.GetString("postgres_dsn")
	if dsn == "" {
		return errors.New("no PostgreSQL DSN configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	applied := 0
	for _, name := range migrations.Files {
		stmt, err := migrations.FS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(stmt)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		cmd.Printf("applied %s\n", name)
		applied++
	}

	cmd.Printf("schema up to date (%d migrations)\n", applied)
	return nil
}
