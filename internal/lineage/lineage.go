// Package lineage walks parent pointers between artifact versions, upstream
// through committed parents descriptors and downstream through the parent
// index.
package lineage

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/felixgeelhaar/strata/internal/catalog"
	"github.com/felixgeelhaar/strata/internal/observe"
	"github.com/felixgeelhaar/strata/internal/version"
)

// Space gives the engine access to every registered alias. Aliases sharing a
// root must return the same store.
type Space interface {
	Aliases() []string
	Store(alias string) (*version.Store, error)
}

// Node is one artifact version.
type Node struct {
	Alias     string `json:"alias"`
	Path      string `json:"path"`
	VersionID string `json:"version_id"`
}

func (n Node) String() string {
	return fmt.Sprintf("%s:%s@%s", n.Alias, n.Path, n.VersionID)
}

// Edge links a child version to one of its parents. Depth is 1 for edges
// touching the start node.
type Edge struct {
	Child  Node `json:"child"`
	Parent Node `json:"parent"`
	Depth  int  `json:"depth"`
}

type key struct {
	root       string
	artifactID string
	versionID  string
}

type item struct {
	node  Node
	store *version.Store
	depth int
}

// Engine answers lineage queries.
type Engine struct {
	space Space
	obs   *observe.Observer
}

// New returns an engine over space.
func New(space Space, obs *observe.Observer) *Engine {
	if obs == nil {
		obs = observe.Nop()
	}
	return &Engine{space: space, obs: obs}
}

func (e *Engine) start(ctx context.Context, alias, path string) (*version.Store, Node, error) {
	store, err := e.space.Store(alias)
	if err != nil {
		return nil, Node{}, err
	}
	versions, err := store.Versions(ctx, path)
	if err != nil {
		return nil, Node{}, err
	}
	n := Node{Alias: store.Alias().Name, Path: path}
	if len(versions) > 0 {
		n.VersionID = versions[0].ID
	}
	return store, n, nil
}

func keyOf(store *version.Store, n Node) key {
	return key{root: store.Alias().Root, artifactID: catalog.ArtifactID(n.Path), versionID: n.VersionID}
}

func within(depth, d int) bool {
	return depth <= 0 || d < depth
}

// Ancestors returns the parent edges reachable from the latest version of
// path. depth <= 0 walks the whole graph.
func (e *Engine) Ancestors(ctx context.Context, alias, path string, depth int) ([]Edge, error) {
	ctx, span := e.obs.StartSpan(ctx, "lineage.Ancestors")
	defer span.End()

	store, start, err := e.start(ctx, alias, path)
	if err != nil {
		return nil, err
	}

	visited := map[key]bool{keyOf(store, start): true}
	queue := []item{{node: start, store: store, depth: 1}}
	var edges []Edge

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		parents := e.parentsOf(cur)
		for _, ref := range parents {
			pstore, err := e.resolveAlias(ref.Alias, cur.store)
			if err != nil {
				e.obs.Log().Warn().Str("artifact", ref.Path).Str("alias", ref.Alias).Err(err).Msg("parent alias not registered")
				continue
			}
			parent := Node{Alias: pstore.Alias().Name, Path: ref.Path, VersionID: ref.VersionID}
			edges = append(edges, Edge{Child: cur.node, Parent: parent, Depth: cur.depth})

			k := keyOf(pstore, parent)
			if visited[k] {
				continue
			}
			visited[k] = true
			if within(depth, cur.depth) {
				queue = append(queue, item{node: parent, store: pstore, depth: cur.depth + 1})
			}
		}
	}
	return edges, nil
}

// parentsOf reads the committed parents of one version. Only the start node
// falls back to the current sidecar when nothing was committed.
func (e *Engine) parentsOf(it item) []version.ParentRef {
	if it.node.VersionID != "" {
		refs, err := it.store.ReadParents(it.node.Path, it.node.VersionID)
		switch {
		case err == nil:
			return refs
		case errors.Is(err, version.ErrParentsMalformed):
			e.obs.Log().Warn().Str("artifact", it.node.Path).Str("version", it.node.VersionID).Err(err).
				Msg("treating malformed parents as empty")
			return nil
		case errors.Is(err, os.ErrNotExist):
			if dir := it.store.SnapshotDir(it.node.Path, it.node.VersionID); dir != "" {
				if _, serr := os.Stat(dir); errors.Is(serr, os.ErrNotExist) {
					e.obs.Log().Warn().Str("artifact", it.node.Path).Str("version", it.node.VersionID).
						Err(version.ErrSnapshotMissing).Msg("lineage skipped missing snapshot")
				}
			}
		default:
			e.obs.Log().Warn().Str("artifact", it.node.Path).Err(err).Msg("cannot read parents")
		}
	}
	if it.depth != 1 {
		return nil
	}
	sc, err := it.store.ReadSidecar(it.node.Path)
	if err != nil {
		return nil
	}
	return sc.Parents
}

func (e *Engine) resolveAlias(alias string, fallback *version.Store) (*version.Store, error) {
	if alias == "" || alias == fallback.Alias().Name {
		return fallback, nil
	}
	return e.space.Store(alias)
}

// Descendants returns the child edges reachable from the latest version of
// path. The parent index answers each step; an alias whose index holds no
// rows is scanned through its snapshot directories instead.
func (e *Engine) Descendants(ctx context.Context, alias, path string, depth int) ([]Edge, error) {
	ctx, span := e.obs.StartSpan(ctx, "lineage.Descendants")
	defer span.End()

	store, start, err := e.start(ctx, alias, path)
	if err != nil {
		return nil, err
	}
	if start.VersionID == "" {
		return nil, nil
	}

	idx, err := e.newChildIndex(ctx)
	if err != nil {
		return nil, err
	}

	visited := map[key]bool{keyOf(store, start): true}
	queue := []item{{node: start, store: store, depth: 1}}
	var edges []Edge

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		children, err := idx.children(ctx, cur)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			edges = append(edges, Edge{Child: c.node, Parent: cur.node, Depth: cur.depth})

			k := keyOf(c.store, c.node)
			if visited[k] {
				continue
			}
			visited[k] = true
			if within(depth, cur.depth) {
				queue = append(queue, item{node: c.node, store: c.store, depth: cur.depth + 1})
			}
		}
	}
	return edges, nil
}

// childIndex looks up children across every alias, choosing per alias
// between the catalog parent index and a snapshot scan.
type childIndex struct {
	e       *Engine
	sources []source
}

type source struct {
	store   *version.Store
	indexed bool
	// scanned maps parent key to child nodes for aliases without index rows.
	scanned map[scanKey][]Node
}

type scanKey struct {
	root, path, versionID string
}

func (e *Engine) newChildIndex(ctx context.Context) (*childIndex, error) {
	idx := &childIndex{e: e}
	seen := make(map[string]bool)
	for _, name := range e.space.Aliases() {
		store, err := e.space.Store(name)
		if err != nil {
			return nil, err
		}
		root := store.Alias().Root
		if seen[root] {
			continue
		}
		seen[root] = true

		indexed, err := store.Catalog().HasParentIndex(ctx)
		if err != nil {
			return nil, err
		}
		src := source{store: store, indexed: indexed}
		if !indexed {
			artifacts, err := store.Catalog().Artifacts(ctx)
			if err != nil {
				return nil, err
			}
			if len(artifacts) > 0 {
				e.obs.Log().Debug().Str("alias", store.Alias().Name).Msg("parent index empty, scanning snapshots")
				src.scanned = e.scan(store)
			}
		}
		idx.sources = append(idx.sources, src)
	}
	return idx, nil
}

func (e *Engine) scan(store *version.Store) map[scanKey][]Node {
	out := make(map[scanKey][]Node)
	err := store.ScanParents(func(path, vid string, parents []version.ParentRef) {
		for _, ref := range parents {
			pstore, err := e.resolveAlias(ref.Alias, store)
			if err != nil {
				continue
			}
			k := scanKey{root: pstore.Alias().Root, path: ref.Path, versionID: ref.VersionID}
			out[k] = append(out[k], Node{Alias: store.Alias().Name, Path: path, VersionID: vid})
		}
	})
	if err != nil {
		e.obs.Log().Warn().Str("alias", store.Alias().Name).Err(err).Msg("snapshot scan incomplete")
	}
	return out
}

func (idx *childIndex) children(ctx context.Context, parent item) ([]item, error) {
	var out []item
	root := parent.store.Alias().Root
	for _, src := range idx.sources {
		if !src.indexed {
			for _, n := range src.scanned[scanKey{root: root, path: parent.node.Path, versionID: parent.node.VersionID}] {
				out = append(out, item{node: n, store: src.store})
			}
			continue
		}
		edges, err := src.store.Catalog().Children(ctx, catalog.ArtifactID(parent.node.Path), parent.node.VersionID)
		if err != nil {
			return nil, err
		}
		for _, edge := range edges {
			pstore, err := idx.e.resolveAlias(edge.ParentAlias, src.store)
			if err != nil || pstore.Alias().Root != root || edge.ParentPath != parent.node.Path {
				continue
			}
			out = append(out, item{
				node:  Node{Alias: src.store.Alias().Name, Path: edge.ChildPath, VersionID: edge.ChildVersionID},
				store: src.store,
			})
		}
	}
	return out, nil
}
