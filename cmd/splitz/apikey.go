package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/matt-riley/splitz/internal/repository"
)

func newAPIKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage tenant API keys",
	}
	cmd.AddCommand(newAPIKeyCreateCmd())
	return cmd
}

func newAPIKeyCreateCmd() *cobra.Command {
	var tenant, name string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key bound to a tenant",
		Long:  `Mint an API key bound to a tenant. The bearer token is printed once and cannot be recovered.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tenant = strings.TrimSpace(tenant)
			if tenant == "" {
				return errors.New("--tenant is required")
			}

			cfg, err := loadDatabaseConfig()
			if err != nil {
				return err
			}

			pool, err := pgxpool.New(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pool.Close()

			keyID, secret, err := repository.NewPostgresRepository(pool).CreateAPIKey(cmd.Context(), tenant, name)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s.%s\n", keyID, secret)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "human readable key name")

	return cmd
}
