package cmd

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sylvie/workspace-broker/internal/accounts"
	"github.com/sylvie/workspace-broker/internal/capability"
	"github.com/sylvie/workspace-broker/internal/config"
	"github.com/sylvie/workspace-broker/internal/google"
	"github.com/sylvie/workspace-broker/internal/storage"
)

func newAccountsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage linked Google accounts",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the YAML config file")

	cmd.AddCommand(newAccountsLinkCmd(&configPath))
	cmd.AddCommand(newAccountsListCmd(&configPath))
	cmd.AddCommand(newAccountsUnlinkCmd(&configPath))
	cmd.AddCommand(newAccountsSetDefaultCmd(&configPath))

	return cmd
}

// openAccountStack opens the database and builds a resolver whose
// unlink hook also drops the account's stored credential.
func openAccountStack(configPath string) (*config.Config, *storage.DB, *accounts.Resolver, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return nil, nil, nil, err
	}
	resolver := accounts.NewResolver(db.Links(),
		accounts.OnUnlink(accounts.UnlinkerFunc(func(ctx context.Context, accountID string) {
			_ = db.Credentials().Delete(ctx, accountID)
		})),
	)
	return cfg, db, resolver, nil
}

func newAccountsLinkCmd(configPath *string) *cobra.Command {
	var (
		user        string
		caps        []string
		makeDefault bool
	)

	cmd := &cobra.Command{
		Use:   "link",
		Short: "Link a Google account via OAuth consent",
		Long: `Runs the OAuth consent flow for the requested capabilities and
stores the resulting credential. Prints a consent URL, then reads the
authorization code from stdin.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, db, resolver, err := openAccountStack(*configPath)
			if err != nil {
				return err
			}
			defer db.Close()

			registry := capability.NewGoogleRegistry()
			requested := make([]capability.Capability, 0, len(caps))
			for _, c := range caps {
				requested = append(requested, capability.Capability(strings.TrimSpace(c)))
			}
			scopes, err := google.ConsentScopes(registry, requested)
			if err != nil {
				return err
			}

			conf := google.OAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL, scopes)
			state := uuid.NewString()

			fmt.Fprintf(cmd.OutOrStdout(), "Visit this URL to authorize access:\n\n%s\n\nAuthorization code: ", google.AuthCodeURL(conf, state))

			reader := bufio.NewReader(cmd.InOrStdin())
			code, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("failed to read authorization code: %w", err)
			}

			ctx := cmd.Context()
			cred, email, err := google.Exchange(ctx, conf, strings.TrimSpace(code))
			if err != nil {
				return err
			}

			cred.AccountID = uuid.NewString()
			if err := db.Credentials().Put(ctx, cred); err != nil {
				return err
			}
			if err := resolver.Link(ctx, user, accounts.Account{
				ID:       cred.AccountID,
				Provider: "google",
				Label:    email,
			}, makeDefault); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Linked %s as account %s\n", email, cred.AccountID)
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "default", "User the account is linked to")
	cmd.Flags().StringSliceVar(&caps, "capabilities", []string{
		string(capability.GmailRead),
		string(capability.CalendarRead),
		string(capability.DriveRead),
		string(capability.DocsRead),
	}, "Capabilities to request consent for")
	cmd.Flags().BoolVar(&makeDefault, "default", false, "Make this the user's default account")

	return cmd
}

func newAccountsListCmd(configPath *string) *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List linked accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, db, resolver, err := openAccountStack(*configPath)
			if err != nil {
				return err
			}
			defer db.Close()

			links, err := resolver.List(cmd.Context(), user)
			if err != nil {
				return err
			}
			if len(links) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No accounts linked for user %q\n", user)
				return nil
			}
			for _, link := range links {
				marker := " "
				if link.Default {
					marker = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s  %s  (%s)\n", marker, link.Account.ID, link.Account.Label, link.Account.Provider)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "default", "User whose accounts to list")
	return cmd
}

func newAccountsUnlinkCmd(configPath *string) *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "unlink <account-id>",
		Short: "Unlink an account and delete its credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, resolver, err := openAccountStack(*configPath)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := resolver.Unlink(cmd.Context(), user, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Unlinked account %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "default", "User the account is linked to")
	return cmd
}

func newAccountsSetDefaultCmd(configPath *string) *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "set-default <account-id>",
		Short: "Mark an account as the user's default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, resolver, err := openAccountStack(*configPath)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := resolver.SetDefault(cmd.Context(), user, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default account for %s is now %s\n", user, args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "default", "User the account is linked to")
	return cmd
}
