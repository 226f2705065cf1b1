package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mabletask/cdp/config"
	"mabletask/cdp/utils"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

// tokenCmd mints a JWT for the stats endpoints
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a JWT for the stats and identity endpoints",
	Long: `Signs a token with JWT_SECRET_KEY. Pass it as "Authorization: Bearer <token>"
or in the jwt_token cookie.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFile)
		if err != nil {
			return err
		}
		token, err := utils.GenerateJWT(cfg.JWTSecret, tokenSubject, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "dashboard", "Token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
}
