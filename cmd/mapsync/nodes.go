package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mapsync/mapsync/internal/replica/repo"
)

var nodeCmd = &cobra.Command{
	Use:     "node",
	GroupID: "data",
	Short:   "Add, move, edit and delete nodes",
}

var nodeAddCmd = &cobra.Command{
	Use:   "add <map-id> <label>",
	Short: "Add a node to a map",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := repo.NodeFields{MapID: args[0], Label: args[1]}
		f.Content, _ = cmd.Flags().GetString("content")
		f.Color, _ = cmd.Flags().GetString("color")
		f.PosX, _ = cmd.Flags().GetFloat64("x")
		f.PosY, _ = cmd.Flags().GetFloat64("y")
		if parent, _ := cmd.Flags().GetString("parent"); parent != "" {
			f.ParentID = &parent
		}
		return withReplica(cmd.Context(), func(r *replica) error {
			id, err := r.repo.Nodes.Create(cmd.Context(), f)
			if err != nil {
				return err
			}
			return printCreated(cmd, r, "node", id)
		})
	},
}

var nodeMoveCmd = &cobra.Command{
	Use:   "mv <node-id>=<x>,<y>...",
	Short: "Move one or more nodes in a single change",
	Long: `Set canvas positions. All moves are applied in one transaction, so a
drag of several nodes is never half-applied.

  mapsync node mv 3f2a...=120,40 9c1d...=200,40`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		positions, err := parsePositions(args)
		if err != nil {
			return err
		}
		return withReplica(cmd.Context(), func(r *replica) error {
			if err := r.repo.Nodes.UpdatePositions(cmd.Context(), positions); err != nil {
				return err
			}
			return printPending(cmd, r, fmt.Sprintf("Moved %d node(s)", len(positions)))
		})
	},
}

// parsePositions reads "id=x,y" arguments.
func parsePositions(args []string) (map[string]repo.Position, error) {
	positions := make(map[string]repo.Position, len(args))
	for _, arg := range args {
		id, coords, ok := strings.Cut(arg, "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid move %q (want <node-id>=<x>,<y>)", arg)
		}
		xs, ys, ok := strings.Cut(coords, ",")
		if !ok {
			return nil, fmt.Errorf("invalid position %q (want <x>,<y>)", coords)
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(xs), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid x in %q: %w", arg, err)
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(ys), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid y in %q: %w", arg, err)
		}
		positions[id] = repo.Position{X: x, Y: y}
	}
	return positions, nil
}

var nodeEditCmd = &cobra.Command{
	Use:   "edit <node-id>",
	Short: "Change a node's label, content or color",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var patch repo.NodePatch
		for name, dst := range map[string]**string{
			"label":   &patch.Label,
			"content": &patch.Content,
			"color":   &patch.Color,
		} {
			if cmd.Flags().Changed(name) {
				v, _ := cmd.Flags().GetString(name)
				*dst = &v
			}
		}
		return withReplica(cmd.Context(), func(r *replica) error {
			if err := r.repo.Nodes.Update(cmd.Context(), args[0], patch); err != nil {
				return err
			}
			return printPending(cmd, r, "Updated node "+args[0])
		})
	},
}

var nodeRemoveCmd = &cobra.Command{
	Use:     "rm <node-id>",
	Aliases: []string{"delete"},
	Short:   "Delete a node, its subtree and every edge touching them",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withReplica(cmd.Context(), func(r *replica) error {
			if err := r.repo.Nodes.SoftDelete(cmd.Context(), args[0]); err != nil {
				return err
			}
			return printPending(cmd, r, "Deleted node "+args[0])
		})
	},
}

var edgeCmd = &cobra.Command{
	Use:     "edge",
	GroupID: "data",
	Short:   "Link and unlink nodes",
}

var edgeAddCmd = &cobra.Command{
	Use:   "add <map-id> <source-node-id> <target-node-id>",
	Short: "Link two nodes of a map",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := repo.EdgeFields{MapID: args[0], SourceID: args[1], TargetID: args[2]}
		f.Label, _ = cmd.Flags().GetString("label")
		f.Style, _ = cmd.Flags().GetString("style")
		return withReplica(cmd.Context(), func(r *replica) error {
			id, err := r.repo.Edges.Create(cmd.Context(), f)
			if err != nil {
				return err
			}
			return printCreated(cmd, r, "edge", id)
		})
	},
}

var edgeRemoveCmd = &cobra.Command{
	Use:     "rm <edge-id>",
	Aliases: []string{"delete"},
	Short:   "Delete an edge",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withReplica(cmd.Context(), func(r *replica) error {
			if err := r.repo.Edges.SoftDelete(cmd.Context(), args[0]); err != nil {
				return err
			}
			return printPending(cmd, r, "Deleted edge "+args[0])
		})
	},
}

func init() {
	nodeAddCmd.Flags().String("parent", "", "parent node id (omit for a root node)")
	nodeAddCmd.Flags().String("content", "", "node content")
	nodeAddCmd.Flags().String("color", "", "node color")
	nodeAddCmd.Flags().Float64("x", 0, "canvas x position")
	nodeAddCmd.Flags().Float64("y", 0, "canvas y position")
	nodeEditCmd.Flags().String("label", "", "new label")
	nodeEditCmd.Flags().String("content", "", "new content")
	nodeEditCmd.Flags().String("color", "", "new color")
	nodeCmd.AddCommand(nodeAddCmd, nodeMoveCmd, nodeEditCmd, nodeRemoveCmd)

	edgeAddCmd.Flags().String("label", "", "edge label")
	edgeAddCmd.Flags().String("style", "", "edge style")
	edgeCmd.AddCommand(edgeAddCmd, edgeRemoveCmd)

	rootCmd.AddCommand(nodeCmd, edgeCmd)
}
