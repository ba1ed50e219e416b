package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/devlink/internal/gateway"
)

func tokenCmd() *cobra.Command {
	var (
		name string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token [userId]",
		Short: "Mint an admin token for the /ws/admin channel",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			auth := gateway.NewAuthenticator(cfg.Gateway.JWTSecret, cfg.Gateway.JWTIssuer)
			if auth == nil {
				return fmt.Errorf("gateway.jwt_secret is not set")
			}

			var userID string
			if len(args) == 1 {
				userID = args[0]
			} else {
				userID, err = promptString("User ID", "Subject of the admin token", adminUser)
				if err != nil {
					return err
				}
			}

			tok, err := auth.Mint(userID, name, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
