package main

import (
	"errors"
	"fmt"
	"time"

	"voice-survey-agent/internal/auth"
	"voice-survey-agent/internal/rbac"

	"github.com/spf13/cobra"
)

var (
	tokenUser string
	tokenRole string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an operator API token (non-production only)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := loadConfig(true)
		if err != nil {
			return err
		}
		if cfg.IsProduction() {
			return errors.New("tokens are minted by the identity service in production")
		}
		if !rbac.IsKnown(tokenRole) {
			return fmt.Errorf("unknown role %q", tokenRole)
		}
		m, err := auth.NewManager(cfg.Auth)
		if err != nil {
			return err
		}
		tok, err := m.Issue(time.Now(), tokenUser, tokenRole, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "local-operator", "user_id claim")
	tokenCmd.Flags().StringVar(&tokenRole, "role", rbac.RoleAdmin, "role claim: admin, campaign_manager or viewer")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
}
