// Package repo is the store facade: it routes user paths to the alias that
// owns them and exposes save, load, lineage and prune over every alias.
package repo

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/felixgeelhaar/strata/internal/backend"
	"github.com/felixgeelhaar/strata/internal/catalog"
	"github.com/felixgeelhaar/strata/internal/config"
	"github.com/felixgeelhaar/strata/internal/lineage"
	"github.com/felixgeelhaar/strata/internal/lock"
	"github.com/felixgeelhaar/strata/internal/observe"
	"github.com/felixgeelhaar/strata/internal/pathres"
	"github.com/felixgeelhaar/strata/internal/retention"
	"github.com/felixgeelhaar/strata/internal/version"
)

// Options configure a Repo.
type Options struct {
	Lock          lock.Options
	Policy        version.Policy
	Format        string
	SidecarFormat string
	FileHash      bool
	Backends      *backend.Registry
	Interactive   func() bool
	Picker        version.Picker
}

// Repo is the entry point over all registered aliases.
type Repo struct {
	reg  *pathres.Registry
	obs  *observe.Observer
	opts Options
	bus  *EventBus

	mu     sync.Mutex
	stores map[string]*version.Store // keyed by state dir

	lineage *lineage.Engine
}

// New returns a repo over the aliases in reg.
func New(reg *pathres.Registry, obs *observe.Observer, opts Options) *Repo {
	if obs == nil {
		obs = observe.Nop()
	}
	if opts.Backends == nil {
		opts.Backends = backend.Default()
	}
	if opts.Policy == "" {
		opts.Policy = version.PolicyContent
	}
	r := &Repo{
		reg:    reg,
		obs:    obs,
		opts:   opts,
		bus:    NewEventBus(),
		stores: make(map[string]*version.Store),
	}
	r.lineage = lineage.New(r, obs)
	return r
}

// Open builds a registry and repo from a configuration.
func Open(cfg *config.Config, obs *observe.Observer) (*Repo, error) {
	reg, err := RegistryFromConfig(cfg, obs)
	if err != nil {
		return nil, err
	}
	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return New(reg, obs, opts), nil
}

// RegistryFromConfig registers every configured alias.
func RegistryFromConfig(cfg *config.Config, obs *observe.Observer) (*pathres.Registry, error) {
	if res := cfg.Validate(); !res.Valid {
		return nil, fmt.Errorf("invalid configuration: %v", res.Errors)
	}
	reg := pathres.NewRegistry(obs)
	for _, name := range cfg.AliasNames() {
		if _, err := reg.Register(name, cfg.Aliases[name], cfg.StateDir); err != nil {
			return nil, err
		}
	}
	if cfg.DefaultAlias != "" {
		if err := reg.SetDefault(cfg.DefaultAlias); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// OptionsFromConfig maps the configuration onto repo options. Interactive
// selection is left unset.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	lockOpts, err := cfg.LockOptions()
	if err != nil {
		return Options{}, err
	}
	return Options{
		Lock:          lockOpts,
		Policy:        cfg.VersioningPolicy(),
		Format:        cfg.Format,
		SidecarFormat: cfg.SidecarFormat,
		FileHash:      cfg.FileHash,
	}, nil
}

// Registry returns the alias registry.
func (r *Repo) Registry() *pathres.Registry { return r.reg }

// Events returns the event bus.
func (r *Repo) Events() *EventBus { return r.bus }

// Aliases lists every registered alias name.
func (r *Repo) Aliases() []string {
	list := r.reg.List()
	names := make([]string, len(list))
	for i, a := range list {
		names[i] = a.Name
	}
	return names
}

// Store returns the version store of an alias. Aliases sharing a root share
// one store.
func (r *Repo) Store(alias string) (*version.Store, error) {
	var (
		a   pathres.Alias
		err error
	)
	if alias == "" {
		a, err = r.reg.Default()
		if err != nil {
			return nil, err
		}
	} else {
		var ok bool
		if a, ok = r.reg.Get(alias); !ok {
			return nil, &pathres.PathError{Alias: alias, Err: pathres.ErrUnknownAlias}
		}
	}
	return r.storeFor(a), nil
}

func (r *Repo) storeFor(a pathres.Alias) *version.Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[a.StateDir]; ok {
		return s
	}
	s := version.NewStore(a, catalog.NewStore(a.CatalogPath()), r.opts.Backends, r.obs, version.Options{
		Lock:          r.opts.Lock,
		SidecarFormat: r.opts.SidecarFormat,
		FileHash:      r.opts.FileHash,
		Interactive:   r.opts.Interactive,
		Picker:        r.opts.Picker,
	})
	r.stores[a.StateDir] = s
	return s
}

// resolve maps a user path to its logical path and owning store.
func (r *Repo) resolve(path, alias string, mustExist bool) (pathres.Resolved, *version.Store, error) {
	res, err := r.reg.Resolve(path, alias, mustExist)
	if err != nil {
		return pathres.Resolved{}, nil, err
	}
	return res, r.storeFor(res.Alias), nil
}

// Parent names an upstream artifact. Version is a version spec; empty means
// the parent's latest version at save time.
type Parent struct {
	Path    string
	Alias   string
	Version string
}

// SaveOptions tune one save.
type SaveOptions struct {
	Alias      string
	Format     string
	Code       string
	CodeLabel  string
	Parents    []Parent
	Force      bool
	Policy     version.Policy
	Attrs      map[string]any
	PrimaryKey []string
	Schema     map[string]any
}

// SaveResult reports the outcome of Save.
type SaveResult struct {
	Alias     string           `json:"alias"`
	Path      string           `json:"path"`
	VersionID string           `json:"version_id,omitempty"`
	Committed bool             `json:"committed"`
	Reason    version.Reason   `json:"reason"`
	Sidecar   *version.Sidecar `json:"sidecar,omitempty"`
}

// Save writes value to path and records a version when the policy says so.
func (r *Repo) Save(ctx context.Context, path string, value any, opts SaveOptions) (SaveResult, error) {
	ctx, span := r.obs.StartSpan(ctx, "repo.Save")
	defer span.End()

	res, store, err := r.resolve(path, opts.Alias, false)
	if err != nil {
		return SaveResult{}, err
	}
	parents, err := r.resolveParents(ctx, opts.Parents, res.Alias.Name)
	if err != nil {
		return SaveResult{}, err
	}
	policy := opts.Policy
	if policy == "" {
		policy = r.opts.Policy
	}
	format := opts.Format
	if format == "" {
		if _, ok := r.opts.Backends.ForPath(res.LogicalPath); !ok {
			format = r.opts.Format
		}
	}

	out, err := store.Save(ctx, version.Request{
		Path:       res.LogicalPath,
		Value:      value,
		Format:     format,
		Code:       opts.Code,
		CodeLabel:  opts.CodeLabel,
		Parents:    parents,
		Attrs:      opts.Attrs,
		PrimaryKey: opts.PrimaryKey,
		Schema:     opts.Schema,
		Policy:     policy,
		Force:      opts.Force,
	})
	if err != nil {
		return SaveResult{}, err
	}

	sr := SaveResult{
		Alias:     res.Alias.Name,
		Path:      res.LogicalPath,
		VersionID: out.VersionID,
		Committed: out.Committed,
		Reason:    out.Decision.Reason,
		Sidecar:   out.Sidecar,
	}
	data := map[string]interface{}{"version": sr.VersionID, "reason": string(sr.Reason)}
	if sr.Committed {
		r.bus.PublishWithData(EventVersionCommitted, sr.Alias, sr.Path, data)
	} else {
		r.bus.PublishWithData(EventSaveSkipped, sr.Alias, sr.Path, data)
	}
	return sr, nil
}

func (r *Repo) resolveParents(ctx context.Context, parents []Parent, childAlias string) ([]version.ParentRef, error) {
	refs := make([]version.ParentRef, 0, len(parents))
	for _, p := range parents {
		alias := p.Alias
		if alias == "" && !filepath.IsAbs(p.Path) {
			alias = childAlias
		}
		res, store, err := r.resolve(p.Path, alias, false)
		if err != nil {
			return nil, fmt.Errorf("parent %s: %w", p.Path, err)
		}
		vid, err := store.ResolveVersion(ctx, res.LogicalPath, version.ParseSpec(p.Version))
		if err != nil {
			return nil, fmt.Errorf("parent %s: %w", p.Path, err)
		}
		refs = append(refs, version.ParentRef{Alias: res.Alias.Name, Path: res.LogicalPath, VersionID: vid})
	}
	return refs, nil
}

// Load returns the value of path at spec. When the artifact has no versions
// and the latest is asked for, the live bytes are read instead.
func (r *Repo) Load(ctx context.Context, path, alias string, spec version.Spec) (any, *version.Sidecar, error) {
	ctx, span := r.obs.StartSpan(ctx, "repo.Load")
	defer span.End()

	res, store, err := r.resolve(path, alias, false)
	if err != nil {
		return nil, nil, err
	}
	vid, err := store.ResolveVersion(ctx, res.LogicalPath, spec)
	if errors.Is(err, version.ErrNoVersions) && spec.Kind == version.SpecLatest {
		value, lerr := store.LoadLive(res.LogicalPath)
		if lerr != nil {
			return nil, nil, fmt.Errorf("%s: %w", res.LogicalPath, lerr)
		}
		sc, _ := store.ReadSidecar(res.LogicalPath)
		return value, sc, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return store.LoadVersion(ctx, res.LogicalPath, vid)
}

// ResolveVersion resolves spec for path.
func (r *Repo) ResolveVersion(ctx context.Context, path, alias string, spec version.Spec) (string, error) {
	res, store, err := r.resolve(path, alias, false)
	if err != nil {
		return "", err
	}
	return store.ResolveVersion(ctx, res.LogicalPath, spec)
}

// Versions lists the versions of path, newest first.
func (r *Repo) Versions(ctx context.Context, path, alias string) ([]catalog.Version, error) {
	res, store, err := r.resolve(path, alias, false)
	if err != nil {
		return nil, err
	}
	return store.Versions(ctx, res.LogicalPath)
}

// Artifacts lists the artifacts of an alias.
func (r *Repo) Artifacts(ctx context.Context, alias string) ([]catalog.Artifact, error) {
	store, err := r.Store(alias)
	if err != nil {
		return nil, err
	}
	return store.Catalog().Artifacts(ctx)
}

// Ancestors walks upstream from the latest version of path.
func (r *Repo) Ancestors(ctx context.Context, path, alias string, depth int) ([]lineage.Edge, error) {
	res, _, err := r.resolve(path, alias, false)
	if err != nil {
		return nil, err
	}
	return r.lineage.Ancestors(ctx, res.Alias.Name, res.LogicalPath, depth)
}

// Descendants walks downstream from the latest version of path.
func (r *Repo) Descendants(ctx context.Context, path, alias string, depth int) ([]lineage.Edge, error) {
	res, _, err := r.resolve(path, alias, false)
	if err != nil {
		return nil, err
	}
	return r.lineage.Descendants(ctx, res.Alias.Name, res.LogicalPath, depth)
}

// Prune applies a retention policy to one alias.
func (r *Repo) Prune(ctx context.Context, alias string, req retention.Request) (retention.Result, error) {
	store, err := r.Store(alias)
	if err != nil {
		return retention.Result{}, err
	}
	name := store.Alias().Name
	next := req.OnOutcome
	req.OnOutcome = func(o retention.Outcome) {
		data := map[string]interface{}{"version": o.Candidate.VersionID, "status": string(o.Status)}
		if o.Succeeded() {
			r.bus.PublishWithData(EventVersionPruned, name, o.Candidate.Path, data)
		} else {
			data["error"] = o.Err.Error()
			r.bus.PublishWithData(EventPruneFailed, name, o.Candidate.Path, data)
		}
		if next != nil {
			next(o)
		}
	}

	res, err := retention.New(store, r.obs).Prune(ctx, req)
	if err != nil {
		return retention.Result{}, err
	}
	if !res.DryRun {
		r.bus.PublishWithData(EventPruneComplete, name, "", map[string]interface{}{
			"succeeded": res.Succeeded,
			"failed":    res.Failed,
		})
	}
	return res, nil
}

// Close releases every catalog handle.
func (r *Repo) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, s := range r.stores {
		if err := s.Catalog().Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
