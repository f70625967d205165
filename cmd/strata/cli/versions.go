package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/strata/internal/catalog"
	"github.com/felixgeelhaar/strata/internal/lineage"
)

type versionView struct {
	Offset      int       `json:"offset"`
	ID          string    `json:"version_id"`
	CreatedAt   time.Time `json:"created_at"`
	SizeBytes   int64     `json:"size_bytes"`
	ContentHash string    `json:"content_hash"`
	CodeHash    string    `json:"code_hash,omitempty"`
}

var versionsCmd = &cobra.Command{
	Use:   "versions [path]",
	Short: "List the versions of an artifact, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer e.Close()
		return runVersions(cmd.Context(), e, args[0])
	},
}

func runVersions(ctx context.Context, e *env, path string) error {
	vs, err := e.repo.Versions(ctx, path, e.alias)
	if err != nil {
		return err
	}
	views := make([]versionView, len(vs))
	for i, v := range vs {
		views[i] = versionView{
			Offset:      -i,
			ID:          v.ID,
			CreatedAt:   v.CreatedAt,
			SizeBytes:   v.SizeBytes,
			ContentHash: v.ContentHash,
			CodeHash:    v.CodeHash,
		}
	}
	if e.json {
		return e.printJSON(views)
	}
	if len(views) == 0 {
		fmt.Fprintf(e.out, "No versions recorded for %s\n", path)
		return nil
	}
	w := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "OFFSET\tVERSION\tCREATED\tSIZE\tCONTENT")
	for _, v := range views {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", v.Offset, v.ID, humanize.Time(v.CreatedAt),
			humanize.IBytes(uint64(max(v.SizeBytes, 0))), short(v.ContentHash))
	}
	return w.Flush()
}

var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "List the artifacts of an alias",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer e.Close()
		return runArtifacts(cmd.Context(), e)
	},
}

type artifactView struct {
	Path            string    `json:"path"`
	Format          string    `json:"format"`
	LatestVersionID string    `json:"latest_version_id"`
	NVersions       int       `json:"n_versions"`
	LastModified    time.Time `json:"last_modified"`
}

func runArtifacts(ctx context.Context, e *env) error {
	arts, err := e.repo.Artifacts(ctx, e.alias)
	if err != nil {
		return err
	}
	if e.json {
		views := make([]artifactView, len(arts))
		for i, a := range arts {
			views[i] = artifactView{
				Path:            a.Path,
				Format:          a.Format,
				LatestVersionID: a.LatestVersionID,
				NVersions:       a.NVersions,
				LastModified:    a.LastModified,
			}
		}
		return e.printJSON(views)
	}
	w := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tFORMAT\tVERSIONS\tLATEST\tMODIFIED")
	for _, a := range arts {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", a.Path, a.Format, a.NVersions, a.LatestVersionID, modified(a))
	}
	return w.Flush()
}

func modified(a catalog.Artifact) string {
	if a.LastModified.IsZero() {
		return "-"
	}
	return humanize.Time(a.LastModified)
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

var lineageDepth int

var ancestorsCmd = &cobra.Command{
	Use:   "ancestors [path]",
	Short: "Show the versions the latest version of path was derived from",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer e.Close()
		return runLineage(cmd.Context(), e, args[0], lineageDepth, true)
	},
}

var descendantsCmd = &cobra.Command{
	Use:   "descendants [path]",
	Short: "Show the versions derived from the latest version of path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer e.Close()
		return runLineage(cmd.Context(), e, args[0], lineageDepth, false)
	},
}

func runLineage(ctx context.Context, e *env, path string, depth int, up bool) error {
	var (
		edges []lineage.Edge
		err   error
	)
	if up {
		edges, err = e.repo.Ancestors(ctx, path, e.alias, depth)
	} else {
		edges, err = e.repo.Descendants(ctx, path, e.alias, depth)
	}
	if err != nil {
		return err
	}
	if e.json {
		if edges == nil {
			edges = []lineage.Edge{}
		}
		return e.printJSON(edges)
	}
	if len(edges) == 0 {
		fmt.Fprintln(e.out, "No lineage recorded")
		return nil
	}
	for _, edge := range edges {
		fmt.Fprintf(e.out, "%*s%s -> %s\n", 2*(edge.Depth-1), "", edge.Child, edge.Parent)
	}
	return nil
}

func init() {
	RootCmd.AddCommand(versionsCmd)
	RootCmd.AddCommand(artifactsCmd)
	RootCmd.AddCommand(ancestorsCmd)
	RootCmd.AddCommand(descendantsCmd)

	for _, c := range []*cobra.Command{ancestorsCmd, descendantsCmd} {
		c.Flags().IntVarP(&lineageDepth, "depth", "d", 1, "Maximum depth (0 walks the whole graph)")
	}
}
