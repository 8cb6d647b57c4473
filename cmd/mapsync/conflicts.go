package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mapsync/mapsync/internal/replica/conflict"
	"github.com/mapsync/mapsync/internal/replica/schema"
	"github.com/mapsync/mapsync/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "sync",
	Short:   "List and resolve sync conflicts",
	Long: `A conflict is a record that changed both here and on the remote since
the last sync. Conflicting records are neither pushed nor pulled until they
are resolved:

  local   keep this replica's version; it is pushed on the next sync
  remote  discard the local change; the remote version is fetched on the
          next sync`,
}

var conflictsListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List unresolved conflicts",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withReplica(cmd.Context(), func(r *replica) error {
			list := r.conflicts.List()
			if list == nil {
				list = []schema.Conflict{}
			}
			return emit(cmd.OutOrStdout(), list, func(w io.Writer) {
				fmt.Fprint(w, ui.RenderConflicts(list))
			})
		})
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve [<record-id> <local|remote>]",
	Short: "Resolve one conflict, or all interactively",
	Long: `Resolve the conflict of one record:

  mapsync conflicts resolve 3f2a... local

Without arguments each pending conflict is offered in turn when stdin is a
terminal.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 0 && len(args) != 2 {
			return errors.New("want <record-id> <local|remote>, or no arguments")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		var strategy conflict.Strategy
		if len(args) == 2 {
			var err error
			if strategy, err = conflict.ParseStrategy(args[1]); err != nil {
				return err
			}
		} else if !term.IsTerminal(int(os.Stdin.Fd())) {
			return errors.New("no terminal: pass <record-id> <local|remote>")
		}

		return withReplica(cmd.Context(), func(r *replica) error {
			out := cmd.OutOrStdout()
			if len(args) == 2 {
				if err := r.conflicts.Resolve(cmd.Context(), args[0], strategy); err != nil {
					return err
				}
				fmt.Fprintf(out, "%s Resolved %s with %s\n", ui.RenderPass("✓"), args[0], strategy)
				return nil
			}

			resolved, err := resolveInteractive(cmd.Context(), r.conflicts)
			fmt.Fprintf(out, "%s Resolved %d conflict(s), %d remaining\n",
				ui.RenderPass("✓"), resolved, r.conflicts.Len())
			return err
		})
	},
}

// resolveInteractive offers each pending conflict in a form and applies the
// choices. Skipped conflicts stay pending.
func resolveInteractive(ctx context.Context, surface *conflict.Surface) (int, error) {
	resolved := 0
	for _, c := range surface.List() {
		var choice string
		field := huh.NewSelect[string]().
			Title(fmt.Sprintf("Conflict on %s", c.Key())).
			Description(fmt.Sprintf("Detected %s", schema.FromMillis(c.DetectedAt).Format("2006-01-02 15:04:05"))).
			Options(
				huh.NewOption(fmt.Sprintf("Keep local  v%d %q", c.Local.Version, c.Local.Title), string(conflict.KeepLocal)),
				huh.NewOption(fmt.Sprintf("Use remote  v%d %q", c.Remote.Version, c.Remote.Title), string(conflict.UseRemote)),
				huh.NewOption("Skip", ""),
			).
			Value(&choice)
		if err := huh.NewForm(huh.NewGroup(field)).RunWithContext(ctx); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				return resolved, nil
			}
			return resolved, err
		}
		if choice == "" {
			continue
		}
		if err := surface.Resolve(ctx, c.RecordID, conflict.Strategy(choice)); err != nil {
			return resolved, err
		}
		resolved++
	}
	return resolved, nil
}

var conflictsDismissCmd = &cobra.Command{
	Use:   "dismiss-all",
	Short: "Keep the local version of every conflicting record",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		return withReplica(cmd.Context(), func(r *replica) error {
			n := r.conflicts.Len()
			if n == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s No conflicts\n", ui.RenderPass("✓"))
				return nil
			}
			if !yes && term.IsTerminal(int(os.Stdin.Fd())) {
				confirmed := false
				confirm := huh.NewConfirm().
					Title(fmt.Sprintf("Keep the local version of %d record(s)?", n)).
					Value(&confirmed)
				err := huh.NewForm(huh.NewGroup(confirm)).RunWithContext(cmd.Context())
				if err != nil && !errors.Is(err, huh.ErrUserAborted) {
					return err
				}
				if !confirmed {
					return nil
				}
			}
			if err := r.conflicts.DismissAll(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Kept local version of %d record(s)\n", ui.RenderPass("✓"), n)
			return nil
		})
	},
}

func init() {
	conflictsDismissCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
	conflictsCmd.AddCommand(conflictsListCmd, conflictsResolveCmd, conflictsDismissCmd)
	rootCmd.AddCommand(conflictsCmd)
}
