package pathres

import (
	"path/filepath"
)

// Alias is a named, registered filesystem tree.
type Alias struct {
	Name     string `json:"name" yaml:"name"`
	Root     string `json:"root" yaml:"root"`
	StateDir string `json:"state_dir" yaml:"state_dir"`
}

// CatalogPath is the catalog database inside the state directory.
func (a Alias) CatalogPath() string {
	return filepath.Join(a.StateDir, "catalog.db")
}

// LockPath is the mutation lock file.
func (a Alias) LockPath() string {
	return filepath.Join(a.StateDir, "catalog.lock")
}

// SidecarPath is the current sidecar of the artifact at logical path rel.
func (a Alias) SidecarPath(rel, format string) string {
	if format == "" {
		format = "json"
	}
	return filepath.Join(a.StateDir, "stmeta", filepath.FromSlash(rel)+".meta."+format)
}

// VersionRoot holds every snapshot directory of the artifact at rel.
func (a Alias) VersionRoot(rel string) string {
	return filepath.Join(a.StateDir, "versions", filepath.FromSlash(rel))
}

// SnapshotDir is the directory of one version. It returns "" when either
// component is empty or would step outside the version root.
func (a Alias) SnapshotDir(rel, versionID string) string {
	if rel == "" || versionID == "" || versionID == "." || versionID == ".." ||
		filepath.Base(versionID) != versionID {
		return ""
	}
	root := a.VersionRoot(rel)
	if !within(filepath.Join(a.StateDir, "versions"), root) {
		return ""
	}
	return filepath.Join(root, versionID)
}
