/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/usermgmt/apiserver/internal/auth"
	"github.com/usermgmt/apiserver/internal/db"
	"github.com/usermgmt/apiserver/internal/events"
	"github.com/usermgmt/apiserver/internal/services"
	"github.com/usermgmt/apiserver/internal/store"
	"go.uber.org/zap"
)

var superAdminInput services.UserInput

// superAdminCmd groups super-admin maintenance commands.
var superAdminCmd = &cobra.Command{
	Use:   "superadmin",
	Short: "Manage super-admin accounts",
}

var superAdminCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a super-admin account",
	Long: `Create a super-admin account. Super-admins cannot sign up through the
API, so the first one is created here. The password is read from
SUPERADMIN_PASSWORD when --password is not given.

	usermgmt superadmin create --user-name root --email root@example.com --phone-number 555
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}
		defer func() {
			_ = logger.Sync()
		}()

		in := superAdminInput
		if in.Password == "" {
			in.Password = os.Getenv("SUPERADMIN_PASSWORD")
		}

		ctx := cmd.Context()
		dbConn, err := db.Open(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer dbConn.Close()

		publisher, err := events.New(ctx, cfg.Events, logger)
		if err != nil {
			return err
		}
		defer publisher.Close()

		userService := services.NewUserService(
			store.NewUserRepository(dbConn),
			auth.NewPasswordHasher(cfg.Auth.BcryptCost),
			services.WithEvents(publisher),
			services.WithLogger(logger),
		)
		user, err := userService.BootstrapSuperAdmin(ctx, in)
		if err != nil {
			return err
		}

		logger.Info("super-admin created", zap.String("user_id", user.ID.String()), zap.String("email", user.Email))
		fmt.Fprintln(cmd.OutOrStdout(), user.ID.String())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(superAdminCmd)
	superAdminCmd.AddCommand(superAdminCreateCmd)

	flags := superAdminCreateCmd.Flags()
	flags.StringVar(&superAdminInput.UserName, "user-name", "", "Display name of the account")
	flags.StringVar(&superAdminInput.Email, "email", "", "Email address used to sign in")
	flags.StringVar(&superAdminInput.Password, "password", "", "Initial password (defaults to $SUPERADMIN_PASSWORD)")
	flags.StringVar(&superAdminInput.PhoneNumber, "phone-number", "", "Contact number")
	_ = superAdminCreateCmd.MarkFlagRequired("user-name")
	_ = superAdminCreateCmd.MarkFlagRequired("email")
	_ = superAdminCreateCmd.MarkFlagRequired("phone-number")
}
