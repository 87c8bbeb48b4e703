package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-task-orchestrator/internal/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long: `Connect to PostgreSQL and apply the execution history schema.

Reads the DSN from --postgres-dsn flag, POSTGRES_DSN env var, or config file.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().String("postgres-dsn", "", "PostgreSQL connection string")
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	// serve binds the same viper key, so the local flag is read directly.
	dsn := viper.GetString("postgres_dsn")
	if cmd.Flags().Changed("postgres-dsn") {
		dsn, _ = cmd.Flags().GetString("postgres-dsn")
	}
	if dsn == "" {
		return fmt.Errorf("postgres_dsn is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	applied, err := postgres.Migrate(ctx, pool)
	for _, f := range applied {
		fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", f)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "migrations complete")
	return nil
}
