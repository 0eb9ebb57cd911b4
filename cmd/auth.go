package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/teemow/inboxmeet/internal/google"
)

func newAuthCmd() *cobra.Command {
	var account string

	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authorize Gmail and Google Calendar access for an account",
		Long: `Print the Google OAuth URL for the account, read the authorization code from
standard input and store the token. MCP clients can use the google_get_auth_url
and google_save_auth_code tools instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if account == "" {
				account = cfg.Account
			}
			return runAuth(cmd, account, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&account, "account", "", "Google account name to authorize (default: the configured account)")
	return cmd
}

func runAuth(cmd *cobra.Command, account string, in io.Reader, out io.Writer) error {
	if google.HasTokenForAccount(account) {
		fmt.Fprintf(out, "Account %q is already authorized; a new code replaces the stored token.\n\n", account)
	}
	fmt.Fprintf(out, "Visit this URL to authorize account %q:\n\n  %s\n\nAuthorization code: ",
		account, google.GetAuthURLForAccount(account))

	code, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return fmt.Errorf("failed to read authorization code: %w", err)
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return fmt.Errorf("no authorization code given")
	}

	if err := google.SaveTokenForAccount(cmd.Context(), account, code); err != nil {
		return fmt.Errorf("failed to save token for account %s: %w", account, err)
	}
	fmt.Fprintf(out, "\nAuthorization successful for account %q.\n", account)
	return nil
}
