package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mapsync/mapsync/internal/replica/repo"
	"github.com/mapsync/mapsync/internal/replica/schema"
	"github.com/mapsync/mapsync/internal/ui"
)

var mapCmd = &cobra.Command{
	Use:     "map",
	GroupID: "data",
	Short:   "Create, list and delete maps",
}

var mapCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a map",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		desc, _ := cmd.Flags().GetString("description")
		return withReplica(cmd.Context(), func(r *replica) error {
			id, err := r.repo.Maps.Create(cmd.Context(), repo.MapFields{Title: args[0], Description: desc})
			if err != nil {
				return err
			}
			return printCreated(cmd, r, "map", id)
		})
	},
}

var mapListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List maps",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withReplica(cmd.Context(), func(r *replica) error {
			maps, err := r.repo.Maps.List(cmd.Context())
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), maps, func(w io.Writer) {
				rows := make([][]string, 0, len(maps))
				for _, m := range maps {
					rows = append(rows, []string{m.ID, m.Title, fmt.Sprintf("v%d", m.Version), syncedText(m.Meta)})
				}
				fmt.Fprint(w, ui.RenderTable([]string{"ID", "TITLE", "VERSION", "SYNCED"}, rows))
			})
		})
	},
}

var mapShowCmd = &cobra.Command{
	Use:   "show <map-id>",
	Short: "Print a map's nodes as a tree, followed by its edges",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withReplica(cmd.Context(), func(r *replica) error {
			view, err := loadMapView(cmd.Context(), r.repo, args[0])
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), view, func(w io.Writer) { printMapView(w, view) })
		})
	},
}

var mapEditCmd = &cobra.Command{
	Use:   "edit <map-id>",
	Short: "Change a map's title or description",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var patch repo.MapPatch
		if cmd.Flags().Changed("title") {
			v, _ := cmd.Flags().GetString("title")
			patch.Title = &v
		}
		if cmd.Flags().Changed("description") {
			v, _ := cmd.Flags().GetString("description")
			patch.Description = &v
		}
		return withReplica(cmd.Context(), func(r *replica) error {
			if err := r.repo.Maps.Update(cmd.Context(), args[0], patch); err != nil {
				return err
			}
			return printPending(cmd, r, "Updated map "+args[0])
		})
	},
}

var mapRemoveCmd = &cobra.Command{
	Use:     "rm <map-id>",
	Aliases: []string{"delete"},
	Short:   "Delete a map with all its nodes and edges",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withReplica(cmd.Context(), func(r *replica) error {
			if err := r.repo.Maps.SoftDelete(cmd.Context(), args[0]); err != nil {
				return err
			}
			return printPending(cmd, r, "Deleted map "+args[0])
		})
	},
}

// mapView is a map with its active nodes and edges.
type mapView struct {
	Map   *schema.Map    `json:"map"`
	Nodes []*schema.Node `json:"nodes"`
	Edges []*schema.Edge `json:"edges"`
}

func loadMapView(ctx context.Context, rp *repo.Repository, id string) (*mapView, error) {
	m, err := rp.Maps.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("map %s not found", id)
	}
	nodes, err := rp.Nodes.ListByMap(ctx, id)
	if err != nil {
		return nil, err
	}
	edges, err := rp.Edges.ListByMap(ctx, id)
	if err != nil {
		return nil, err
	}
	return &mapView{Map: m, Nodes: nodes, Edges: edges}, nil
}

func printMapView(w io.Writer, v *mapView) {
	fmt.Fprintf(w, "%s %s\n", ui.RenderAccent(v.Map.Title), ui.RenderMuted(v.Map.ID))
	if v.Map.Description != "" {
		fmt.Fprintf(w, "%s\n", v.Map.Description)
	}

	children := make(map[string][]*schema.Node)
	labels := make(map[string]string, len(v.Nodes))
	var roots []*schema.Node
	for _, n := range v.Nodes {
		labels[n.ID] = n.Label
		if n.ParentID == nil {
			roots = append(roots, n)
			continue
		}
		children[*n.ParentID] = append(children[*n.ParentID], n)
	}
	byLabel := func(ns []*schema.Node) {
		sort.Slice(ns, func(i, j int) bool { return ns[i].Label < ns[j].Label })
	}

	var walk func(n *schema.Node, depth int)
	walk = func(n *schema.Node, depth int) {
		fmt.Fprintf(w, "%s- %s %s\n", strings.Repeat("  ", depth), n.Label, ui.RenderMuted(n.ID))
		kids := children[n.ID]
		byLabel(kids)
		for _, c := range kids {
			walk(c, depth+1)
		}
	}
	byLabel(roots)
	for _, n := range roots {
		walk(n, 0)
	}

	if len(v.Edges) > 0 {
		fmt.Fprintln(w, "\nEdges:")
		for _, e := range v.Edges {
			line := fmt.Sprintf("   %s -> %s", labels[e.SourceID], labels[e.TargetID])
			if e.Label != "" {
				line += fmt.Sprintf(" (%s)", e.Label)
			}
			fmt.Fprintf(w, "%s %s\n", line, ui.RenderMuted(e.ID))
		}
	}
}

func syncedText(m schema.Meta) string {
	if m.IsSynced {
		return ui.RenderPass("yes")
	}
	return ui.RenderWarn("pending")
}

// printCreated reports a new record id.
func printCreated(cmd *cobra.Command, r *replica, kind, id string) error {
	return emit(cmd.OutOrStdout(), map[string]string{"id": id}, func(w io.Writer) {
		fmt.Fprintf(w, "%s Created %s %s\n", ui.RenderPass("✓"), kind, id)
		printPendingLine(cmd.Context(), w, r)
	})
}

// printPending reports a completed mutation and the size of the change log.
func printPending(cmd *cobra.Command, r *replica, msg string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", ui.RenderPass("✓"), msg)
	printPendingLine(cmd.Context(), out, r)
	return nil
}

func printPendingLine(ctx context.Context, w io.Writer, r *replica) {
	if n, err := r.repo.PendingCount(ctx); err == nil {
		fmt.Fprintf(w, "   %s\n", ui.RenderMuted(fmt.Sprintf("%d change(s) pending sync", n)))
	}
}

func init() {
	mapCreateCmd.Flags().String("description", "", "map description")
	mapEditCmd.Flags().String("title", "", "new title")
	mapEditCmd.Flags().String("description", "", "new description")
	mapCmd.AddCommand(mapCreateCmd, mapListCmd, mapShowCmd, mapEditCmd, mapRemoveCmd)
	rootCmd.AddCommand(mapCmd)
}
