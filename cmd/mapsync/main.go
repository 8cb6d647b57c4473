package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mapsync/mapsync/internal/ui"
)

var (
	configPath   string
	outputFormat string
	noColor      bool
)

var rootCmd = &cobra.Command{
	Use:   "mapsync",
	Short: "Offline-first replica of maps, nodes and edges",
	Long: `mapsync keeps a local SQLite replica of your maps and synchronizes it
with a remote server.

Every edit is written locally first and recorded in a change log. A sync
pushes the log to the remote, then pulls what other replicas changed.
Records changed on both sides since the last sync become conflicts that
you resolve with 'mapsync conflicts'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			ui.DisableColor()
		}
		if _, err := parseFormat(outputFormat); err != nil {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default .mapsync/config.toml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "text", "output format: text, json or yaml")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "data", Title: "Data Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "session", Title: "Session Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
