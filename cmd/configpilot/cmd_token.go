package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/configpilot/configpilot/internal/middleware"
)

var (
	tokenSubject string
	tokenOrgs    []string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token signed with JWT_SECRET",
	Long: `Issues an HS256 token for API and websocket clients. Without --org the
token grants every org.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.AuthEnabled() {
			return fmt.Errorf("JWT_SECRET is not set")
		}
		ttl := tokenTTL
		if ttl <= 0 {
			ttl = time.Duration(cfg.JWTExpiryHours) * time.Hour
		}
		auth := middleware.NewJWTAuthMiddleware(&middleware.JWTAuthConfig{
			Enabled: true,
			Secret:  cfg.JWTSecret,
			Issuer:  cfg.JWTIssuer,
		}, logger)
		token, err := auth.GenerateToken(tokenSubject, tokenOrgs, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "configpilot-client", "token subject")
	tokenCmd.Flags().StringSliceVar(&tokenOrgs, "org", nil, "org ids the token may access (repeatable)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (defaults to JWT_EXPIRY_HOURS)")
}
