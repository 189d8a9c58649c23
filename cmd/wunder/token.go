package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/auth"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/config"
)

// buildTokenCmd creates the "token" command that mints an admin JWT for the
// monitor API.
func buildTokenCmd() *cobra.Command {
	var (
		configPath string
		subject    string
		expiry     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin token for the monitor API",
		Long: `Mint a signed JWT accepted by /api/monitor/sessions and /api/monitor/ws.

The signing secret comes from security.jwt_secret in the config file. When
the config cannot be read or carries no secret, the command prompts for one
without echoing.`,
		Example: `  wunder token
  wunder token --subject ops --expiry 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, configPath, subject, expiry)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(),
		"Path to YAML configuration file")
	cmd.Flags().StringVar(&subject, "subject", "admin",
		"Subject claim embedded in the token")
	cmd.Flags().DurationVar(&expiry, "expiry", 0,
		"Token lifetime (default: security.token_expiry from config)")

	return cmd
}

// runToken implements the token command logic.
func runToken(cmd *cobra.Command, configPath, subject string, expiry time.Duration) error {
	var secret string
	if cfg, err := config.Load(configPath); err == nil {
		secret = cfg.Security.JWTSecret
		if expiry == 0 {
			expiry = cfg.Security.TokenExpiry
		}
	}
	if secret == "" {
		secret = promptSecret("JWT signing secret")
	}
	if secret == "" {
		return fmt.Errorf("no signing secret provided")
	}
	if expiry == 0 {
		expiry = 24 * time.Hour
	}

	token, err := auth.NewJWTService(secret, expiry).Mint(subject)
	if err != nil {
		return fmt.Errorf("failed to mint token: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

// promptSecret prompts for a secret without showing input, falling back to a
// plain line read when stdin is not a terminal.
func promptSecret(label string) string {
	fmt.Fprintf(os.Stderr, "%s: ", label)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		text, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err == nil {
			return strings.TrimSpace(string(text))
		}
	}
	text, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}
