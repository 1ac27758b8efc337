package main

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clipproof/clipproof-go/internal/api"
	"github.com/clipproof/clipproof-go/internal/config"
	"github.com/clipproof/clipproof-go/internal/tokenfile"
)

// newLoginCmd authenticates against the platform and stores the credential
// pair in the data directory.
func newLoginCmd() *cobra.Command {
	var flagEmail string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the Clipproof platform",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLogin(cmd, flagEmail)
		},
	}

	cmd.Flags().StringVar(&flagEmail, "email", "", "account email (prompted if omitted)")

	return cmd
}

func runLogin(cmd *cobra.Command, email string) error {
	logger := buildLogger()
	cfg := resolvedCfg

	reader := bufio.NewReader(os.Stdin)

	if email == "" {
		fmt.Fprint(os.Stderr, "Email: ")

		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading email: %w", err)
		}

		email = strings.TrimSpace(line)
	}

	if email == "" {
		return errors.New("email is required")
	}

	// Password may arrive on stdin from a pipe or an interactive prompt.
	password := os.Getenv("CLIPPROOF_PASSWORD")
	if password == "" {
		fmt.Fprint(os.Stderr, "Password: ")

		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading password: %w", err)
		}

		password = strings.TrimRight(line, "\r\n")
	}

	if password == "" {
		return errors.New("password is required")
	}

	credsPath := config.CredentialsPath(cfg.DataDir)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	_, err := api.Login(cmd.Context(), cfg.APIURL, credsPath, email, password, defaultHTTPClient(), logger)
	if err != nil {
		return err
	}

	// Cache the entered email for display; older servers omit it from the
	// login response.
	if mergeErr := tokenfile.MergeMeta(credsPath, map[string]string{"email": email}); mergeErr != nil {
		logger.Warn("failed to cache account metadata", slog.String("error", mergeErr.Error()))
	}

	statusf("Logged in as %s\n", email)

	return nil
}

// newLogoutCmd removes stored credentials.
func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Log out and remove stored credentials",
		RunE: func(_ *cobra.Command, _ []string) error {
			credsPath := config.CredentialsPath(resolvedCfg.DataDir)

			if err := tokenfile.Remove(credsPath); err != nil {
				return fmt.Errorf("removing credentials: %w", err)
			}

			statusf("Logged out.\n")

			return nil
		},
	}
}

// requireAuth loads stored credentials or explains how to get them.
func requireAuth(cfg *config.Resolved, logger *slog.Logger) (*api.Authenticator, error) {
	auth, err := api.NewAuthenticator(
		cfg.APIURL, config.CredentialsPath(cfg.DataDir), defaultHTTPClient(), logger)
	if errors.Is(err, api.ErrNotLoggedIn) {
		return nil, errors.New("not logged in: run 'clipproof login' first")
	}

	if err != nil {
		return nil, err
	}

	return auth, nil
}
