package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/planflow/internal/config"
	"github.com/ehr/planflow/internal/domain/organization"
	"github.com/ehr/planflow/internal/platform/db"
	"github.com/ehr/planflow/migrations"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "planflow-server",
		Short:        "Multi-tenant treatment plan API server",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(tenantCmd())
	return root
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
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
			return withPool(cmd.Context(), func(ctx context.Context, cfg *config.Config, pool db.Beginner) error {
				count, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(ctx context.Context, cfg *config.Config, pool db.Beginner) error {
				statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
				if err != nil {
					return fmt.Errorf("migration status: %w", err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})
	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage organizations",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Create an organization and mail its administrator a password link",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			name, _ := flags.GetString("name")
			subdomain, _ := flags.GetString("subdomain")
			email, _ := flags.GetString("admin-email")
			adminName, _ := flags.GetString("admin-name")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx := contextOrBackground(cmd.Context())
			logger := newLogger(cfg.Env)
			app, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.close(ctx)

			// The administrator never sees this password; they choose their
			// own through the reset link mailed below.
			password, err := randomPassword()
			if err != nil {
				return err
			}
			res, err := app.orgs.Signup(ctx, organization.SignupRequest{
				OrganizationName: name,
				Subdomain:        subdomain,
				AdminEmail:       email,
				AdminName:        adminName,
				AdminPassword:    password,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created organization %s (%s), status %s.\n",
				res.Organization.Name, res.Organization.Subdomain, res.Organization.Status)
			return sendSetupLink(ctx, out, app.credentials, cfg.EmailSender, email)
		},
	}
	create.Flags().String("name", "", "Organization display name")
	create.Flags().String("subdomain", "", "Tenant subdomain")
	create.Flags().String("admin-email", "", "Administrator email")
	create.Flags().String("admin-name", "", "Administrator full name")
	for _, f := range []string{"name", "subdomain", "admin-email", "admin-name"} {
		_ = create.MarkFlagRequired(f)
	}
	cmd.AddCommand(create)

	status := &cobra.Command{
		Use:   "status <subdomain> <status>",
		Short: "Change an organization's status (trial, active, suspended, cancelled)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := organization.ParseStatus(args[1])
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx := contextOrBackground(cmd.Context())
			app, err := newApp(ctx, cfg, newLogger(cfg.Env))
			if err != nil {
				return err
			}
			defer app.close(ctx)

			org, err := app.orgs.SetStatus(ctx, args[0], st)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Organization %s is now %s.\n", org.Subdomain, org.Status)
			return nil
		},
	}
	cmd.AddCommand(status)

	cmd.AddCommand(&cobra.Command{
		Use:   "rekey <subdomain>",
		Short: "Re-encrypt an organization's patient records under the current PHI key",
		Long: "Rewrites every patient field still encrypted under a key listed in " +
			"PHI_ENCRYPTION_KEYS_RETIRED. Run it for each organization before removing a retired key.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx := contextOrBackground(cmd.Context())
			app, err := newApp(ctx, cfg, newLogger(cfg.Env))
			if err != nil {
				return err
			}
			defer app.close(ctx)

			tc, err := app.orgs.OperatorContext(ctx, args[0])
			if err != nil {
				return err
			}
			n, err := app.patients.Rekey(ctx, tc)
			if err != nil {
				return fmt.Errorf("rekey %s stopped after %d record(s): %w", tc.Subdomain(), n, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Re-encrypted %d patient record(s) for %s.\n", n, tc.Subdomain())
			return nil
		},
	})
	return cmd
}

type passwordSetup interface {
	SendPasswordSetup(ctx context.Context, email string) error
}

// sendSetupLink mails the new administrator a password link. The
// organization already exists when it fails, so the error says how to retry.
func sendSetupLink(ctx context.Context, out io.Writer, creds passwordSetup, sender, email string) error {
	if err := creds.SendPasswordSetup(ctx, email); err != nil {
		return fmt.Errorf("organization created but the password link to %s was not sent (request a reset to retry): %w", email, err)
	}
	if sender == config.EmailSenderLog {
		fmt.Fprintf(out, "Warning: EMAIL_SENDER is log, so no mail reached %s. Set EMAIL_SENDER=smtp and request a password reset.\n", email)
		return nil
	}
	fmt.Fprintf(out, "Password link sent to %s.\n", email)
	return nil
}

// withPool loads config and opens a pool for one-shot commands.
func withPool(ctx context.Context, fn func(context.Context, *config.Config, db.Beginner) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx = contextOrBackground(ctx)
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// randomPassword returns a throwaway password that satisfies the policy.
func randomPassword() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	return hex.EncodeToString(b), nil
}
