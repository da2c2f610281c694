package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"lapancomido/api/internal/auth"
	"lapancomido/api/internal/bootstrap"
	"lapancomido/api/internal/config"
	"lapancomido/api/internal/model"
	"lapancomido/api/internal/store"
	"lapancomido/api/internal/store/postgres"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type app struct {
	cfg    config.Config
	logger *log.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var verbose bool

	root := &cobra.Command{
		Use:           "lpcctl",
		Short:         "Operate the La Pan Comido admin auth database",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			a.cfg = config.Load()
			out := io.Discard
			if verbose {
				out = cmd.ErrOrStderr()
			}
			a.logger = log.New(out, "", log.LstdFlags)
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log store and mail activity")

	root.AddCommand(
		a.migrateCmd(),
		a.createUserCmd(),
		a.listUsersCmd(),
		a.unblockCmd(),
		a.revokeDevicesCmd(),
		a.purgeCmd(),
	)
	return root
}

// open refuses the memory store, which would discard every change.
func (a *app) open() (store.Store, func(), error) {
	if a.cfg.DatabaseURL == "" && a.cfg.SQLitePath == "" {
		return nil, nil, errors.New("set LPC_DATABASE_URL or LPC_SQLITE_PATH")
	}
	return bootstrap.OpenStore(a.cfg, a.logger)
}

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.DatabaseURL != "" {
				if err := postgres.Migrate(a.cfg.DatabaseURL); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "postgres schema up to date")
				return nil
			}
			a.cfg.AutoMigrate = true
			_, closeFn, err := a.open()
			if err != nil {
				return err
			}
			closeFn()
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func (a *app) createUserCmd() *cobra.Command {
	var username, email, role, password string

	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Create an admin panel user",
		Long:  "Create an admin panel user. Without --password the user completes setup by email OTP.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r := model.Role(strings.ToLower(role))
			if !r.Valid() {
				return fmt.Errorf("unknown role %q", role)
			}
			if password != "" {
				if err := auth.ValidatePassword(password); err != nil {
					return err
				}
			}

			st, closeFn, err := a.open()
			if err != nil {
				return err
			}
			defer closeFn()

			u, err := st.CreateUser(cmd.Context(), model.User{Username: username, Email: email, Role: r})
			if errors.Is(err, store.ErrConflict) {
				return fmt.Errorf("username or email already taken")
			}
			if err != nil {
				return err
			}
			if password != "" {
				svc := auth.NewService(st, a.cfg.AuthPolicy(), a.logger)
				if err := svc.SetPassword(cmd.Context(), u.ID, password); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s, %s)\n", u.Username, u.Role, u.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "login name")
	cmd.Flags().StringVar(&email, "email", "", "address that receives OTP codes")
	cmd.Flags().StringVar(&role, "role", string(model.RoleEditor), "admin, developer or editor")
	cmd.Flags().StringVar(&password, "password", "", "initial password (optional)")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func (a *app) listUsersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-users",
		Short: "List users and their OTP lock state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, closeFn, err := a.open()
			if err != nil {
				return err
			}
			defer closeFn()

			users, err := st.ListUsers(cmd.Context())
			if err != nil {
				return err
			}

			now := time.Now()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "USERNAME\tEMAIL\tROLE\tSETUP\tBLOCKED UNTIL")
			for _, u := range users {
				setup := "done"
				if u.NeedsSetup() {
					setup = "pending"
				}
				blocked := "-"
				if u.BlockedAt(now) {
					blocked = u.OTPBlockedUntil.Local().Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", u.Username, u.Email, u.Role, setup, blocked)
			}
			return tw.Flush()
		},
	}
}

func (a *app) unblockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <username|email>",
		Short: "Clear the OTP lockout and attempt counter of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeFn, err := a.open()
			if err != nil {
				return err
			}
			defer closeFn()

			u, err := st.GetUserByLogin(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("find user: %w", err)
			}
			if err := st.ResetOTPAttempts(cmd.Context(), u.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unblocked %s\n", u.Username)
			return nil
		},
	}
}

func (a *app) revokeDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke-devices <username|email>",
		Short: "Forget every trusted device of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeFn, err := a.open()
			if err != nil {
				return err
			}
			defer closeFn()

			u, err := st.GetUserByLogin(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("find user: %w", err)
			}
			svc := auth.NewService(st, a.cfg.AuthPolicy(), a.logger)
			n, err := svc.RevokeAllDevices(cmd.Context(), u.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %d devices of %s\n", n, u.Username)
			return nil
		},
	}
}

func (a *app) purgeCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete old OTP tokens and expired trusted devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if days <= 0 {
				days = a.cfg.OTPRetentionDays
			}
			st, closeFn, err := a.open()
			if err != nil {
				return err
			}
			defer closeFn()

			purger, ok := st.(store.Purger)
			if !ok {
				return errors.New("store does not support purge")
			}
			now := time.Now().UTC()
			tokens, err := purger.PurgeOTPTokensBefore(cmd.Context(), now.Add(-time.Duration(days)*24*time.Hour))
			if err != nil {
				return err
			}
			devices, err := purger.PurgeExpiredTrustedDevices(cmd.Context(), now)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d otp tokens and %d trusted devices\n", tokens, devices)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "keep OTP tokens younger than this (default LPC_OTP_RETENTION_DAYS)")
	return cmd
}
