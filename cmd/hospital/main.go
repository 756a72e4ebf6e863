package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/carepoint/hospital/internal/account"
	"github.com/carepoint/hospital/internal/shared/auth"
	"github.com/carepoint/hospital/internal/shared/config"
	"github.com/carepoint/hospital/internal/shared/database"
	"github.com/carepoint/hospital/internal/shared/logger"
	"github.com/carepoint/hospital/internal/shared/types"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "hospital",
		Short:         "Hospital appointment and clinical records API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(createAdminCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return runServer(cmd.Context(), cfg)
		},
	}
}

// openDB loads the config and connects to Postgres.
func openDB(ctx context.Context) (*config.Config, *database.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			if err := database.Migrate(cmd.Context(), db.Pool, logger.New(cfg.Log)); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Println("Migrations are up to date.")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			statuses, err := database.Status(cmd.Context(), db.Pool)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-40s %s\n", "VERSION", "APPLIED AT")
			for _, s := range statuses {
				applied := "pending"
				if s.AppliedAt != nil {
					applied = s.AppliedAt.Format(time.RFC3339)
				}
				fmt.Printf("%-40s %s\n", s.Version, applied)
			}
			return nil
		},
	})

	return cmd
}

func createAdminCmd() *cobra.Command {
	var name, email, password, phone string

	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an administrator account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := account.ValidateIdentity(name, email, password, phone, string(auth.RoleAdmin)); err != nil {
				return err
			}

			_, db, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("failed to hash password: %w", err)
			}

			now := time.Now()
			u := &account.User{
				ID:           types.NewID(),
				Name:         strings.TrimSpace(name),
				Email:        account.NormalizeEmail(email),
				Phone:        strings.TrimSpace(phone),
				Role:         auth.RoleAdmin,
				Status:       account.StatusActive,
				PasswordHash: string(hash),
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := account.InsertUser(cmd.Context(), db.Pool, u); err != nil {
				return err
			}

			fmt.Printf("Created admin %s (%s)\n", u.Email, u.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Full name")
	cmd.Flags().StringVar(&email, "email", "", "Login email")
	cmd.Flags().StringVar(&password, "password", "", "Password (at least 6 characters)")
	cmd.Flags().StringVar(&phone, "phone", "", "Phone number")
	for _, f := range []string{"name", "email", "password", "phone"} {
		_ = cmd.MarkFlagRequired(f)
	}

	return cmd
}
