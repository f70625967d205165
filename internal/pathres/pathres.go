// Package pathres maps user supplied paths onto registered roots (aliases).
//
// A resolved path has three coordinated forms: the logical path used as the
// catalog identity, the storage path where bytes live, and the rel path used
// to derive metadata and version directory names.
package pathres

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/felixgeelhaar/strata/internal/observe"
)

// DefaultStateDir is the state directory name created under every root.
const DefaultStateDir = ".strata"

var (
	ErrOutsideRoots  = errors.New("path is outside every registered root")
	ErrUnknownAlias  = errors.New("unknown alias")
	ErrNoAlias       = errors.New("no alias given and no default alias registered")
	ErrMalformedPath = errors.New("malformed path")
	ErrNotExist      = errors.New("path does not exist")
	ErrAliasConflict = errors.New("alias already registered to a different root")
)

// PathError records a failed resolution.
type PathError struct {
	Path  string
	Alias string
	Err   error
}

func (e *PathError) Error() string {
	if e.Alias != "" {
		return fmt.Sprintf("resolve %q (alias %s): %v", e.Path, e.Alias, e.Err)
	}
	return fmt.Sprintf("resolve %q: %v", e.Path, e.Err)
}

func (e *PathError) Unwrap() error { return e.Err }

// Resolved holds the coordinated path forms for one artifact.
type Resolved struct {
	// LogicalPath is the slash separated, root relative catalog identity.
	LogicalPath string
	// StoragePath is the absolute location of the live artifact bytes.
	StoragePath string
	// RelPath is LogicalPath in OS separator form.
	RelPath    string
	Alias      Alias
	IsAbsolute bool
	StorageDir string
}

// Registry holds the registered aliases.
type Registry struct {
	mu           sync.RWMutex
	aliases      map[string]Alias
	defaultAlias string
	obs          *observe.Observer
}

// NewRegistry returns an empty registry.
func NewRegistry(obs *observe.Observer) *Registry {
	if obs == nil {
		obs = observe.Nop()
	}
	return &Registry{aliases: make(map[string]Alias), obs: obs}
}

// Register adds an alias. Re-registering the same name with the same root is
// a no-op; pointing an existing name at a different root fails. The first
// registered alias becomes the default.
func (r *Registry) Register(name, root, stateDir string) (Alias, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, `/\:`) {
		return Alias{}, &PathError{Path: root, Alias: name, Err: fmt.Errorf("%w: invalid alias name", ErrMalformedPath)}
	}
	if strings.TrimSpace(root) == "" {
		return Alias{}, &PathError{Path: root, Alias: name, Err: fmt.Errorf("%w: empty root", ErrMalformedPath)}
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return Alias{}, &PathError{Path: root, Alias: name, Err: err}
	}
	abs = normalize(abs)
	if stateDir == "" {
		stateDir = DefaultStateDir
	}
	if strings.ContainsAny(stateDir, `/\`) || stateDir == "." || stateDir == ".." {
		return Alias{}, &PathError{Path: stateDir, Alias: name, Err: fmt.Errorf("%w: state dir must be a plain name", ErrMalformedPath)}
	}
	a := Alias{Name: name, Root: abs, StateDir: filepath.Join(abs, stateDir)}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.aliases[name]; ok {
		if existing.Root != a.Root {
			return Alias{}, &PathError{Path: root, Alias: name,
				Err: fmt.Errorf("%w: %s is %s", ErrAliasConflict, name, existing.Root)}
		}
		return existing, nil
	}
	for _, other := range r.aliases {
		if other.Root == a.Root {
			r.obs.Log().Warn().
				Str("alias", name).
				Str("shares_with", other.Name).
				Str("root", a.Root).
				Msg("root registered under more than one alias")
		}
	}
	r.aliases[name] = a
	if r.defaultAlias == "" {
		r.defaultAlias = name
	}
	return a, nil
}

// SetDefault selects the alias used for relative paths without an alias.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.aliases[name]; !ok {
		return &PathError{Alias: name, Err: ErrUnknownAlias}
	}
	r.defaultAlias = name
	return nil
}

// Get returns the alias registered under name.
func (r *Registry) Get(name string) (Alias, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.aliases[name]
	return a, ok
}

// Default returns the default alias.
func (r *Registry) Default() (Alias, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.defaultAlias == "" {
		return Alias{}, &PathError{Err: ErrNoAlias}
	}
	return r.aliases[r.defaultAlias], nil
}

// List returns all aliases sorted by name.
func (r *Registry) List() []Alias {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Alias, 0, len(r.aliases))
	for _, a := range r.aliases {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Detect returns the alias whose root contains abs. When roots nest, the
// deepest root wins; ties between names sharing a root go to the
// lexically first name.
func (r *Registry) Detect(abs string) (Alias, bool) {
	abs = normalize(abs)
	var best Alias
	found := false
	for _, a := range r.List() {
		if !within(a.Root, abs) {
			continue
		}
		if !found || len(a.Root) > len(best.Root) {
			best = a
			found = true
		}
	}
	return best, found
}

// Resolve turns a user path plus optional alias into its path forms.
func (r *Registry) Resolve(userPath, alias string, mustExist bool) (Resolved, error) {
	if strings.TrimSpace(userPath) == "" || strings.ContainsRune(userPath, 0) {
		return Resolved{}, &PathError{Path: userPath, Alias: alias, Err: fmt.Errorf("%w: empty path", ErrMalformedPath)}
	}

	var requested Alias
	if alias != "" {
		a, ok := r.Get(alias)
		if !ok {
			return Resolved{}, &PathError{Path: userPath, Alias: alias,
				Err: fmt.Errorf("%w (known: %s)", ErrUnknownAlias, strings.Join(r.names(), ", "))}
		}
		requested = a
	}

	var (
		owner   Alias
		storage string
		isAbs   = filepath.IsAbs(userPath)
	)
	if isAbs {
		storage = normalize(userPath)
		detected, ok := r.Detect(storage)
		if !ok {
			return Resolved{}, &PathError{Path: userPath, Alias: alias, Err: ErrOutsideRoots}
		}
		if alias != "" && detected.Root != requested.Root {
			r.obs.Log().Warn().
				Str("path", userPath).
				Str("requested", requested.Name).
				Str("detected", detected.Name).
				Msg("path belongs to a different root; using detected alias")
		}
		owner = detected
		if alias != "" && detected.Root == requested.Root {
			owner = requested
		}
	} else {
		if alias == "" {
			def, err := r.Default()
			if err != nil {
				return Resolved{}, &PathError{Path: userPath, Err: ErrNoAlias}
			}
			requested = def
		}
		owner = requested
		storage = normalize(filepath.Join(owner.Root, filepath.FromSlash(userPath)))
		if !within(owner.Root, storage) {
			return Resolved{}, &PathError{Path: userPath, Alias: owner.Name,
				Err: fmt.Errorf("%w: escapes root %s", ErrMalformedPath, owner.Root)}
		}
	}

	rel, err := filepath.Rel(owner.Root, storage)
	if err != nil {
		return Resolved{}, &PathError{Path: userPath, Alias: owner.Name, Err: err}
	}
	logical := filepath.ToSlash(rel)
	if logical == "." || logical == "" {
		return Resolved{}, &PathError{Path: userPath, Alias: owner.Name,
			Err: fmt.Errorf("%w: path names the root itself", ErrMalformedPath)}
	}
	stateName := filepath.Base(owner.StateDir)
	if logical == stateName || strings.HasPrefix(logical, stateName+"/") {
		return Resolved{}, &PathError{Path: userPath, Alias: owner.Name,
			Err: fmt.Errorf("%w: path is inside the state directory", ErrMalformedPath)}
	}

	if mustExist {
		if _, err := os.Stat(storage); err != nil {
			return Resolved{}, &PathError{Path: userPath, Alias: owner.Name, Err: ErrNotExist}
		}
	}

	return Resolved{
		LogicalPath: path.Clean(logical),
		StoragePath: storage,
		RelPath:     rel,
		Alias:       owner,
		IsAbsolute:  isAbs,
		StorageDir:  filepath.Dir(storage),
	}, nil
}

func (r *Registry) names() []string {
	list := r.List()
	names := make([]string, len(list))
	for i, a := range list {
		names[i] = a.Name
	}
	return names
}

// within reports whether p equals root or lies below it. The comparison uses
// root plus a trailing separator so /p/projA never claims /p/projA2.
func within(root, p string) bool {
	if p == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(p, prefix)
}

func normalize(p string) string {
	p = filepath.Clean(filepath.FromSlash(p))
	if runtime.GOOS == "windows" {
		p = strings.ToLower(p)
	}
	return p
}
