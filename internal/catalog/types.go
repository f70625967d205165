package catalog

import (
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Artifact is one logical stored item.
type Artifact struct {
	ID              string
	Path            string // Logical, root relative, slash separated
	Format          string
	LatestVersionID string
	NVersions       int
	LastModified    time.Time
}

// Version is one immutable snapshot of an artifact.
type Version struct {
	ID            string
	ArtifactID    string
	ContentHash   string
	CodeHash      string
	SizeBytes     int64
	CreatedAt     time.Time
	SidecarFormat string
}

// Edge is a parent-index entry: child version -> parent version.
type Edge struct {
	ChildArtifactID  string
	ChildVersionID   string
	ChildPath        string
	ParentAlias      string
	ParentArtifactID string
	ParentVersionID  string
	ParentPath       string
}

// VersionKey identifies one version row.
type VersionKey struct {
	ArtifactID string
	VersionID  string
}

// Catalog is the whole registry of one alias: artifacts, versions and the
// parent index. It is a plain value; nothing about it is shared.
type Catalog struct {
	Artifacts []Artifact
	Versions  []Version
	Parents   []Edge
}

// Record is everything RecordVersion needs for one commit.
type Record struct {
	Path          string
	Format        string
	VersionID     string
	ContentHash   string
	CodeHash      string
	SizeBytes     int64
	CreatedAt     time.Time
	SidecarFormat string
	Parents       []Edge // Child fields are filled in by RecordVersion
}

// ArtifactID derives the stable artifact id from a logical path.
func ArtifactID(logicalPath string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(logicalPath))
}

// SortVersions puts versions in canonical order: newest first, ties broken
// by version id descending.
func SortVersions(vs []Version) {
	sort.SliceStable(vs, func(i, j int) bool {
		if !vs[i].CreatedAt.Equal(vs[j].CreatedAt) {
			return vs[i].CreatedAt.After(vs[j].CreatedAt)
		}
		return vs[i].ID > vs[j].ID
	})
}

// VersionsByArtifact groups version rows per artifact, each group in
// canonical order. Sorting happens here once; consumers must not re-sort.
func (c *Catalog) VersionsByArtifact() map[string][]Version {
	out := make(map[string][]Version)
	for _, v := range c.Versions {
		out[v.ArtifactID] = append(out[v.ArtifactID], v)
	}
	for id := range out {
		SortVersions(out[id])
	}
	return out
}
