package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mapsync/mapsync/internal/config"
	"github.com/mapsync/mapsync/internal/logging"
	"github.com/mapsync/mapsync/internal/ui"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "advanced",
	Short:   "Create a replica and its config file",
	Long: `Create the replica data directory, write a default config.toml and
initialize the database schema.

An existing config file is kept unless --force is given. Running init on an
existing replica is safe: the schema is only created where missing.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		remoteURL, _ := cmd.Flags().GetString("remote")
		policy, _ := cmd.Flags().GetString("policy")
		force, _ := cmd.Flags().GetBool("force")

		cfg := config.Default()
		cfg.DataDir = dataDir
		if remoteURL != "" {
			cfg.RemoteURL = remoteURL
		}
		if policy != "" {
			cfg.ConflictPolicy = policy
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		path := configPath
		if path == "" {
			path = filepath.Join(cfg.DataDir, config.FileName)
		}
		if err := config.WriteDefault(path, cfg, force); err != nil {
			return err
		}

		r, err := newReplica(cmd.Context(), &cfg, logging.New(logging.Options{Quiet: true}))
		if err != nil {
			return err
		}
		defer r.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s Replica initialized\n", ui.RenderPass("✓"))
		fmt.Fprintf(out, "   Config: %s\n", path)
		fmt.Fprintf(out, "   Database: %s\n", cfg.DBPath())
		fmt.Fprintf(out, "   Remote: %s\n", cfg.RemoteURL)
		if path != filepath.Join(config.DefaultDataDir, config.FileName) {
			fmt.Fprintf(out, "\nPass --config %s to other commands.\n", path)
		}
		return nil
	},
}

func init() {
	initCmd.Flags().String("data-dir", config.DefaultDataDir, "replica data directory")
	initCmd.Flags().String("remote", "", "remote API base URL")
	initCmd.Flags().String("policy", "", "conflict policy: manual or last_write_wins")
	initCmd.Flags().Bool("force", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}
