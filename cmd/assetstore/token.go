package main

import (
	"fmt"
	"time"

	"github.com/bertiespell/asset-canister/internal/auth"
	"github.com/bertiespell/asset-canister/internal/config"
	"github.com/spf13/cobra"
)

var tokenTTL time.Duration

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <identity>",
		Short: "Mint a bearer token for an identity",
		Long: `Mint a bearer token signed with the configured auth secret.

The token is printed to stdout. Without --ttl the configured auth.token_ttl
is used; a TTL of 0 mints a token that does not expire.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgFile, "")
			if err != nil {
				return err
			}
			ttl := cfg.TokenTTL()
			if cmd.Flags().Changed("ttl") {
				ttl = tokenTTL
			}
			token, err := mintToken(cfg, auth.Identity(args[0]), ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default: auth.token_ttl)")
	return cmd
}

func mintToken(cfg *config.Config, id auth.Identity, ttl time.Duration) (string, error) {
	if id.IsAnonymous() {
		return "", auth.ErrAnonymous
	}
	tokens, err := auth.NewTokens([]byte(cfg.Auth.Secret), cfg.Auth.Issuer)
	if err != nil {
		return "", err
	}
	return tokens.Issue(id, ttl)
}
