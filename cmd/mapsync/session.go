package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mapsync/mapsync/internal/ui"
)

var loginCmd = &cobra.Command{
	Use:     "login",
	GroupID: "session",
	Short:   "Store session tokens for the remote",
	Long: `Store an access/refresh token pair in the replica.

Tokens are read from --access and --refresh, or from the MAPSYNC_ACCESS_TOKEN
and MAPSYNC_REFRESH_TOKEN environment variables, or prompted for when stdin
is a terminal. 'mapsync serve-remote' prints a pair for local development.

The remote is checked before the tokens are saved unless --no-verify is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		access, _ := cmd.Flags().GetString("access")
		refresh, _ := cmd.Flags().GetString("refresh")
		noVerify, _ := cmd.Flags().GetBool("no-verify")
		if access == "" {
			access = os.Getenv("MAPSYNC_ACCESS_TOKEN")
		}
		if refresh == "" {
			refresh = os.Getenv("MAPSYNC_REFRESH_TOKEN")
		}

		if access == "" || refresh == "" {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return errors.New("access and refresh tokens are required")
			}
			var err error
			if access, refresh, err = promptTokens(cmd.Context(), access, refresh); err != nil {
				return err
			}
		}

		return withReplica(cmd.Context(), func(r *replica) error {
			if !noVerify {
				if _, err := r.client.CheckCompatibility(cmd.Context()); err != nil {
					return fmt.Errorf("remote check failed (use --no-verify to skip): %w", err)
				}
			}
			if err := r.session.Set(access, refresh); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Logged in to %s\n", ui.RenderPass("✓"), r.client.BaseURL)
			return nil
		})
	},
}

// promptTokens asks for whichever token is still missing.
func promptTokens(ctx context.Context, access, refresh string) (string, string, error) {
	required := func(s string) error {
		if strings.TrimSpace(s) == "" {
			return errors.New("required")
		}
		return nil
	}
	var fields []huh.Field
	if access == "" {
		fields = append(fields, huh.NewInput().
			Title("Access token").
			EchoMode(huh.EchoModePassword).
			Validate(required).
			Value(&access))
	}
	if refresh == "" {
		fields = append(fields, huh.NewInput().
			Title("Refresh token").
			EchoMode(huh.EchoModePassword).
			Validate(required).
			Value(&refresh))
	}
	if err := huh.NewForm(huh.NewGroup(fields...)).RunWithContext(ctx); err != nil {
		return "", "", err
	}
	return strings.TrimSpace(access), strings.TrimSpace(refresh), nil
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "session",
	Short:   "Forget the stored session",
	Long: `Clear the stored session tokens. Local data and the change log are kept
and will be pushed after the next login.

With --reset-conflicts the pending conflicts are dropped as well.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resetConflicts, _ := cmd.Flags().GetBool("reset-conflicts")
		return withReplica(cmd.Context(), func(r *replica) error {
			if err := r.session.Clear(); err != nil {
				return err
			}
			if resetConflicts {
				if err := r.conflicts.Reset(cmd.Context()); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Logged out\n", ui.RenderPass("✓"))
			return nil
		})
	},
}

func init() {
	loginCmd.Flags().String("access", "", "access token")
	loginCmd.Flags().String("refresh", "", "refresh token")
	loginCmd.Flags().Bool("no-verify", false, "skip the remote compatibility check")
	logoutCmd.Flags().Bool("reset-conflicts", false, "also drop pending conflicts")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}
