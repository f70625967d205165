package version

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/felixgeelhaar/strata/internal/backend"
	"github.com/felixgeelhaar/strata/internal/catalog"
	"github.com/felixgeelhaar/strata/internal/lock"
	"github.com/felixgeelhaar/strata/internal/observe"
	"github.com/felixgeelhaar/strata/internal/pathres"
	"github.com/felixgeelhaar/strata/internal/sanitize"
	"github.com/felixgeelhaar/strata/internal/ui"
)

// Picker chooses one version interactively and returns its id.
type Picker func(ctx context.Context, path string, versions []catalog.Version) (string, error)

// Options configure a Store.
type Options struct {
	Lock          lock.Options
	SidecarFormat string
	// FileHash records a sha256 of the written bytes in every sidecar.
	FileHash    bool
	Interactive func() bool
	Picker      Picker
	Now         func() time.Time
}

// Store owns the live bytes, sidecars and snapshot directories of one alias.
type Store struct {
	alias    pathres.Alias
	catalog  *catalog.Store
	locker   *lock.Locker
	backends *backend.Registry
	obs      *observe.Observer

	sidecarFormat string
	fileHash      bool
	interactive   func() bool
	picker        Picker
	now           func() time.Time
}

// NewStore wires a version store for alias.
func NewStore(alias pathres.Alias, cat *catalog.Store, backends *backend.Registry, obs *observe.Observer, opts Options) *Store {
	if obs == nil {
		obs = observe.Nop()
	}
	if backends == nil {
		backends = backend.Default()
	}
	if opts.SidecarFormat != SidecarYAML {
		opts.SidecarFormat = SidecarJSON
	}
	if opts.Interactive == nil {
		opts.Interactive = ui.IsInteractive
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		alias:         alias,
		catalog:       cat,
		locker:        lock.New(alias.LockPath(), opts.Lock, obs),
		backends:      backends,
		obs:           obs,
		sidecarFormat: opts.SidecarFormat,
		fileHash:      opts.FileHash,
		interactive:   opts.Interactive,
		picker:        opts.Picker,
		now:           opts.Now,
	}
}

// Alias returns the alias this store serves.
func (s *Store) Alias() pathres.Alias { return s.alias }

// Catalog returns the catalog store of the alias.
func (s *Store) Catalog() *catalog.Store { return s.catalog }

// Locker returns the mutation lock of the alias.
func (s *Store) Locker() *lock.Locker { return s.locker }

// Request describes one save. Path is the logical path inside the alias.
type Request struct {
	Path       string
	Value      any
	Format     string
	Code       string
	CodeLabel  string
	Parents    []ParentRef
	Attrs      map[string]any
	PrimaryKey []string
	Schema     map[string]any
	Policy     Policy
	Force      bool
	// VersionID pins the id of the committed version; empty generates one.
	VersionID string
}

// Result reports what a save did.
type Result struct {
	Decision  Decision
	Committed bool
	VersionID string
	Sidecar   *Sidecar
}

// ShouldSave compares value and code against the current sidecar. A sidecar
// naming a version the catalog does not hold counts as missing.
func (s *Store) ShouldSave(ctx context.Context, path string, value any, code string, policy Policy, force bool) (Decision, error) {
	contentHash, err := sanitize.Hash(value)
	if err != nil {
		return Decision{}, fmt.Errorf("hash %s: %w", path, err)
	}
	d := Decision{ContentHash: contentHash, CodeHash: sanitize.HashCode(code)}

	if force {
		d.Save, d.Reason = true, ReasonForced
		return d, nil
	}

	current, err := s.ReadSidecar(path)
	switch {
	case isNotExist(err):
		d.Reason = ReasonMissingMetadata
	case err != nil:
		s.obs.Log().Warn().Str("artifact", path).Err(err).Msg("unreadable sidecar, treating as missing")
		d.Reason = ReasonMissingMetadata
	case !s.recorded(ctx, path, current.VersionID):
		s.obs.Log().Warn().Str("artifact", path).Str("version", current.VersionID).Msg("sidecar names an unrecorded version, treating as missing")
		d.Reason = ReasonMissingMetadata
	case current.ContentHash != d.ContentHash:
		d.Reason = ReasonContentChanged
	case current.CodeHash != d.CodeHash:
		d.Reason = ReasonCodeChanged
	default:
		d.Reason = ReasonNoChange
	}

	switch policy {
	case PolicyOff:
		d.Save = false
	case PolicyTimestamp:
		d.Save = true
		if d.Reason == ReasonNoChange {
			d.Reason = ReasonTimestamp
		}
	default:
		d.Save = d.Reason != ReasonNoChange
	}
	return d, nil
}

// recorded reports whether the catalog holds vid. An empty id is a sidecar
// written before any version existed.
func (s *Store) recorded(ctx context.Context, path, vid string) bool {
	if vid == "" {
		return true
	}
	_, err := s.catalog.Version(ctx, catalog.ArtifactID(path), vid)
	return !errors.Is(err, catalog.ErrVersionNotFound)
}

// Save decides and, when warranted, commits a new version. Without a commit
// the live bytes and current sidecar are still refreshed. The decision and
// the write happen under one lock acquisition.
func (s *Store) Save(ctx context.Context, req Request) (Result, error) {
	ctx, span := s.obs.StartSpan(ctx, "version.Save")
	defer span.End()

	var res Result
	err := s.locker.WithLock(ctx, func() error {
		d, err := s.ShouldSave(ctx, req.Path, req.Value, req.Code, req.Policy, req.Force)
		if err != nil {
			return err
		}
		res.Decision = d
		if d.Save {
			res.VersionID, res.Sidecar, err = s.commitLocked(ctx, req, d)
			res.Committed = err == nil
			return err
		}
		res.Sidecar, err = s.refreshLocked(ctx, req, d)
		if err == nil {
			res.VersionID = res.Sidecar.VersionID
		}
		return err
	})
	if err != nil {
		return Result{}, err
	}

	s.obs.Log().Debug().
		Str("artifact", req.Path).
		Str("reason", string(res.Decision.Reason)).
		Str("version", res.VersionID).
		Msg("save")
	return res, nil
}

// Commit always records a new version, whatever the policy says.
func (s *Store) Commit(ctx context.Context, req Request) (Result, error) {
	ctx, span := s.obs.StartSpan(ctx, "version.Commit")
	defer span.End()

	var res Result
	err := s.locker.WithLock(ctx, func() error {
		contentHash, err := sanitize.Hash(req.Value)
		if err != nil {
			return fmt.Errorf("hash %s: %w", req.Path, err)
		}
		res.Decision = Decision{Save: true, Reason: ReasonForced, ContentHash: contentHash, CodeHash: sanitize.HashCode(req.Code)}
		res.VersionID, res.Sidecar, err = s.commitLocked(ctx, req, res.Decision)
		res.Committed = err == nil
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (s *Store) backendFor(req Request) (backend.Backend, error) {
	if req.Format != "" {
		return s.backends.Get(req.Format)
	}
	if b, ok := s.backends.ForPath(req.Path); ok {
		return b, nil
	}
	return s.backends.ForValue(req.Value)
}

// writeLive encodes the value to a temp file beside the live path and renames
// it into place.
func (s *Store) writeLive(req Request, b backend.Backend) (string, int64, error) {
	live := filepath.Join(s.alias.Root, filepath.FromSlash(req.Path))
	if err := os.MkdirAll(filepath.Dir(live), 0750); err != nil {
		return "", 0, fmt.Errorf("create directory for %s: %w", req.Path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(live), "."+filepath.Base(live)+".tmp-*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp file for %s: %w", req.Path, err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()

	size, err := b.Write(req.Value, tmpPath)
	if err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, fmt.Errorf("write %s as %s: %w", req.Path, b.Name(), err)
	}
	if err := os.Rename(tmpPath, live); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, fmt.Errorf("replace %s: %w", req.Path, err)
	}
	return live, size, nil
}

func (s *Store) buildSidecar(req Request, b backend.Backend, d Decision, live string, size int64, at time.Time) (*Sidecar, error) {
	sc := &Sidecar{
		Path:        req.Path,
		Format:      b.Name(),
		CreatedAt:   at,
		SizeBytes:   size,
		ContentHash: d.ContentHash,
		CodeHash:    d.CodeHash,
		CodeLabel:   req.CodeLabel,
		Parents:     req.Parents,
		Attrs:       req.Attrs,
		PrimaryKey:  req.PrimaryKey,
		Schema:      req.Schema,
	}
	if s.fileHash {
		raw, err := os.ReadFile(live) // #nosec G304
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", req.Path, err)
		}
		sc.FileHash = sanitize.HashBytes(raw)
	}
	return sc, nil
}

func (s *Store) writeSidecar(sc *Sidecar) error {
	b, err := encodeSidecar(sc, s.sidecarFormat)
	if err != nil {
		return fmt.Errorf("encode sidecar for %s: %w", sc.Path, err)
	}
	if err := writeFileAtomic(s.alias.SidecarPath(sc.Path, s.sidecarFormat), b); err != nil {
		return fmt.Errorf("write sidecar for %s: %w", sc.Path, err)
	}
	other := SidecarJSON
	if s.sidecarFormat == SidecarJSON {
		other = SidecarYAML
	}
	_ = os.Remove(s.alias.SidecarPath(sc.Path, other))
	return nil
}

func (s *Store) refreshLocked(ctx context.Context, req Request, d Decision) (*Sidecar, error) {
	b, err := s.backendFor(req)
	if err != nil {
		return nil, err
	}
	live, size, err := s.writeLive(req, b)
	if err != nil {
		return nil, err
	}
	sc, err := s.buildSidecar(req, b, d, live, size, s.now().UTC().Truncate(time.Millisecond))
	if err != nil {
		return nil, err
	}
	if prev, err := s.ReadSidecar(req.Path); err == nil {
		sc.VersionID = prev.VersionID
	} else if a, err := s.catalog.Artifact(ctx, req.Path); err == nil {
		sc.VersionID = a.LatestVersionID
	}
	return sc, s.writeSidecar(sc)
}

// commitLocked runs the commit sequence: live bytes, snapshot directory,
// catalog row, current sidecar. The current sidecar only ever names a
// recorded version. The caller holds the lock.
func (s *Store) commitLocked(ctx context.Context, req Request, d Decision) (string, *Sidecar, error) {
	b, err := s.backendFor(req)
	if err != nil {
		return "", nil, err
	}

	existing, err := s.catalog.Versions(ctx, catalog.ArtifactID(req.Path))
	if err != nil {
		return "", nil, err
	}
	at := s.now().UTC().Truncate(time.Millisecond)
	if len(existing) > 0 && !at.After(existing[0].CreatedAt) {
		at = existing[0].CreatedAt.Add(time.Millisecond)
	}
	known := make(map[string]bool, len(existing))
	for _, v := range existing {
		known[v.ID] = true
	}
	vid := req.VersionID
	if vid == "" {
		vid = NewID(at, d.ContentHash)
		for known[vid] {
			vid = NewID(at, d.ContentHash)
		}
	} else if known[vid] || s.alias.SnapshotDir(req.Path, vid) == "" {
		return "", nil, fmt.Errorf("%s: cannot commit version %q: %w", req.Path, vid, ErrInvalidVersionSpec)
	}

	live, size, err := s.writeLive(req, b)
	if err != nil {
		return "", nil, err
	}
	sc, err := s.buildSidecar(req, b, d, live, size, at)
	if err != nil {
		return "", nil, err
	}
	sc.VersionID = vid

	snapshot, err := s.writeSnapshot(req.Path, vid, live, b.Ext(), sc)
	if err != nil {
		return "", nil, err
	}

	edges := make([]catalog.Edge, 0, len(req.Parents))
	for _, p := range req.Parents {
		alias := p.Alias
		if alias == "" {
			alias = s.alias.Name
		}
		edges = append(edges, catalog.Edge{
			ParentAlias:      alias,
			ParentArtifactID: catalog.ArtifactID(p.Path),
			ParentVersionID:  p.VersionID,
			ParentPath:       p.Path,
		})
	}
	err = s.catalog.RecordVersion(ctx, catalog.Record{
		Path:          req.Path,
		Format:        b.Name(),
		VersionID:     vid,
		ContentHash:   d.ContentHash,
		CodeHash:      d.CodeHash,
		SizeBytes:     size,
		CreatedAt:     at,
		SidecarFormat: s.sidecarFormat,
		Parents:       edges,
	})
	if err != nil {
		_ = os.RemoveAll(snapshot)
		return "", nil, fmt.Errorf("record version %s of %s: %w", vid, req.Path, err)
	}
	if err := s.writeSidecar(sc); err != nil {
		return "", nil, err
	}

	s.obs.Log().Info().
		Str("artifact", req.Path).
		Str("version", vid).
		Str("reason", string(d.Reason)).
		Int("parents", len(req.Parents)).
		Msg("version committed")
	return vid, sc, nil
}

// writeSnapshot builds the snapshot in a temp directory and renames it into
// place so a snapshot directory is either complete or absent.
func (s *Store) writeSnapshot(path, vid, live, ext string, sc *Sidecar) (string, error) {
	final := s.alias.SnapshotDir(path, vid)
	if final == "" {
		return "", fmt.Errorf("%s: unsafe snapshot location for version %q", path, vid)
	}
	root := filepath.Dir(final)
	if err := os.MkdirAll(root, 0750); err != nil {
		return "", fmt.Errorf("create version root for %s: %w", path, err)
	}
	tmp, err := os.MkdirTemp(root, ".tmp-"+vid+"-")
	if err != nil {
		return "", fmt.Errorf("create snapshot for %s: %w", path, err)
	}
	cleanup := func(err error) (string, error) {
		_ = os.RemoveAll(tmp)
		return "", fmt.Errorf("snapshot %s of %s: %w", vid, path, err)
	}

	if err := copyFile(live, filepath.Join(tmp, "artifact"+ext)); err != nil {
		return cleanup(err)
	}
	body, err := encodeSidecar(sc, s.sidecarFormat)
	if err != nil {
		return cleanup(err)
	}
	if err := os.WriteFile(filepath.Join(tmp, "sidecar."+s.sidecarFormat), body, 0600); err != nil {
		return cleanup(err)
	}
	if len(sc.Parents) > 0 {
		pb, err := json.MarshalIndent(sc.Parents, "", "  ")
		if err != nil {
			return cleanup(err)
		}
		if err := os.WriteFile(filepath.Join(tmp, parentsFile), append(pb, '\n'), 0600); err != nil {
			return cleanup(err)
		}
	}
	if err := os.Rename(tmp, final); err != nil {
		return cleanup(err)
	}
	return final, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600) // #nosec G304
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// ReadSidecar reads the current sidecar of path in whichever format exists.
func (s *Store) ReadSidecar(path string) (*Sidecar, error) {
	var firstErr error
	for _, format := range []string{s.sidecarFormat, SidecarJSON, SidecarYAML} {
		sc, err := readSidecarFile(s.alias.SidecarPath(path, format))
		if err == nil {
			return sc, nil
		}
		if !isNotExist(err) {
			return nil, err
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

// SnapshotDir returns the directory of one version, or "" when it cannot be
// derived safely.
func (s *Store) SnapshotDir(path, vid string) string {
	return s.alias.SnapshotDir(path, vid)
}

// ReadSnapshotSidecar reads the immutable sidecar of one version.
func (s *Store) ReadSnapshotSidecar(path, vid string) (*Sidecar, error) {
	dir := s.alias.SnapshotDir(path, vid)
	if dir == "" {
		return nil, fmt.Errorf("%s: %w: %q", path, ErrVersionNotFound, vid)
	}
	for _, format := range []string{SidecarJSON, SidecarYAML} {
		sc, err := readSidecarFile(filepath.Join(dir, "sidecar."+format))
		if err == nil || !isNotExist(err) {
			return sc, err
		}
	}
	if _, err := os.Stat(dir); isNotExist(err) {
		return nil, fmt.Errorf("%s@%s: %w", path, vid, ErrSnapshotMissing)
	}
	return nil, fmt.Errorf("%s@%s: snapshot has no sidecar: %w", path, vid, os.ErrNotExist)
}

// ReadParents reads the committed parents descriptor of one version. An
// absent descriptor returns an error matching fs.ErrNotExist; an unparsable
// one returns ErrParentsMalformed.
func (s *Store) ReadParents(path, vid string) ([]ParentRef, error) {
	dir := s.alias.SnapshotDir(path, vid)
	if dir == "" {
		return nil, fmt.Errorf("%s: %w: %q", path, ErrVersionNotFound, vid)
	}
	b, err := os.ReadFile(filepath.Join(dir, parentsFile)) // #nosec G304
	if err != nil {
		return nil, err
	}
	refs, err := decodeParents(b)
	if err != nil {
		return nil, fmt.Errorf("%s@%s: %w", path, vid, err)
	}
	return refs, nil
}

// ScanParents walks every snapshot directory of the alias and calls fn with
// each version that has a readable parents descriptor. Malformed descriptors
// are logged and skipped.
func (s *Store) ScanParents(fn func(path, vid string, parents []ParentRef)) error {
	root := filepath.Join(s.alias.StateDir, "versions")
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if isNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || d.Name() != parentsFile {
			return nil
		}
		dir := filepath.Dir(p)
		if strings.HasPrefix(filepath.Base(dir), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(root, filepath.Dir(dir))
		if err != nil {
			return nil
		}
		b, err := os.ReadFile(p) // #nosec G304
		if err != nil {
			return nil
		}
		refs, err := decodeParents(b)
		if err != nil {
			s.obs.Log().Warn().Str("file", p).Err(err).Msg("skipping malformed parents descriptor")
			return nil
		}
		fn(filepath.ToSlash(rel), filepath.Base(dir), refs)
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
