package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tcmartin/scarfeed/pkg/middleware"
)

// newTokenCmd mints a bearer token from the server's shared secret
func newTokenCmd() *cobra.Command {
	var secret, subject string
	var ttl time.Duration
	var save bool

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Generate an API token signed with the server's JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("SCARFEED_JWT_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("--secret or SCARFEED_JWT_SECRET is required")
			}

			signed, err := middleware.NewTokenService(secret, ttl).GenerateToken(subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)

			if save {
				return saveConfig(Config{ServerURL: serverURL, Token: signed})
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "JWT secret (defaults to SCARFEED_JWT_SECRET)")
	cmd.Flags().StringVar(&subject, "subject", "cli", "Token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	cmd.Flags().BoolVar(&save, "save", false, "Store the token in the CLI config")
	return cmd
}

// newLoginCmd verifies the server and token, then saves them
func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Check the server URL and token, then save them to the CLI config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := callAPI(http.MethodGet, "/projects", nil, nil); err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
			if err := saveConfig(Config{ServerURL: serverURL, Token: token}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in to %s\n", serverURL)
			return nil
		},
	}
}
