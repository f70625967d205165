package version

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/felixgeelhaar/strata/internal/backend"
	"github.com/felixgeelhaar/strata/internal/catalog"
	"github.com/felixgeelhaar/strata/internal/sanitize"
)

// SpecKind is the form of a version spec.
type SpecKind int

const (
	SpecLatest SpecKind = iota
	SpecOffset
	SpecID
	SpecPick
)

// Spec selects one version of an artifact.
type Spec struct {
	Kind SpecKind
	// Offset is the signed integer given; only values <= 0 are valid.
	Offset int
	ID     string
	raw    string
}

// Latest selects the newest version.
func Latest() Spec { return Spec{Kind: SpecLatest, raw: "latest"} }

// Back selects the version k saves before latest.
func Back(k int) Spec { return Spec{Kind: SpecOffset, Offset: -k, raw: strconv.Itoa(-k)} }

// ID selects a version by exact id.
func ID(id string) Spec { return Spec{Kind: SpecID, ID: id, raw: id} }

// ParseSpec reads the textual spec surface: "", "0" and "latest" select the
// newest version, "-k" steps back, "?" or "pick" asks the picker, anything
// else is an exact id. Positive integers parse but never resolve.
func ParseSpec(s string) Spec {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "latest":
		return Spec{Kind: SpecLatest, raw: s}
	case "?", "pick":
		return Spec{Kind: SpecPick, raw: s}
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n == 0 {
			return Spec{Kind: SpecLatest, raw: s}
		}
		return Spec{Kind: SpecOffset, Offset: n, raw: s}
	}
	return Spec{Kind: SpecID, ID: s, raw: s}
}

func (sp Spec) String() string {
	if sp.raw != "" {
		return sp.raw
	}
	switch sp.Kind {
	case SpecOffset:
		return strconv.Itoa(sp.Offset)
	case SpecID:
		return sp.ID
	case SpecPick:
		return "pick"
	default:
		return "latest"
	}
}

// Versions lists the versions of path in canonical order.
func (s *Store) Versions(ctx context.Context, path string) ([]catalog.Version, error) {
	return s.catalog.Versions(ctx, catalog.ArtifactID(path))
}

// ResolveVersion turns spec into a concrete version id.
func (s *Store) ResolveVersion(ctx context.Context, path string, spec Spec) (string, error) {
	versions, err := s.Versions(ctx, path)
	if err != nil {
		return "", err
	}
	specErr := func(err error) error {
		return &SpecError{Path: path, Spec: spec.String(), Err: err, Available: len(versions), Known: ids(versions)}
	}

	switch spec.Kind {
	case SpecPick:
		if !s.interactive() || s.picker == nil {
			return "", specErr(ErrNotInteractive)
		}
		if len(versions) == 0 {
			return "", specErr(ErrNoVersions)
		}
		id, err := s.picker(ctx, path, versions)
		if err != nil {
			return "", err
		}
		return s.ResolveVersion(ctx, path, ID(id))
	case SpecID:
		for _, v := range versions {
			if v.ID == spec.ID {
				return v.ID, nil
			}
		}
		return "", specErr(ErrVersionNotFound)
	case SpecOffset:
		if spec.Offset > 0 {
			return "", specErr(ErrInvalidVersionSpec)
		}
		k := -spec.Offset
		if len(versions) == 0 {
			return "", specErr(ErrNoVersions)
		}
		if k >= len(versions) {
			return "", specErr(ErrVersionOutOfRange)
		}
		return versions[k].ID, nil
	default:
		if len(versions) == 0 {
			return "", specErr(ErrNoVersions)
		}
		return versions[0].ID, nil
	}
}

// LoadVersion reads one snapshot and restores its value.
func (s *Store) LoadVersion(ctx context.Context, path, vid string) (any, *Sidecar, error) {
	_, span := s.obs.StartSpan(ctx, "version.Load")
	defer span.End()

	if _, err := s.catalog.Version(ctx, catalog.ArtifactID(path), vid); err != nil {
		if !errors.Is(err, catalog.ErrVersionNotFound) {
			return nil, nil, err
		}
		versions, lerr := s.Versions(ctx, path)
		if lerr != nil {
			return nil, nil, lerr
		}
		return nil, nil, &SpecError{Path: path, Spec: vid, Err: ErrVersionNotFound, Available: len(versions), Known: ids(versions)}
	}

	dir := s.alias.SnapshotDir(path, vid)
	if dir == "" {
		return nil, nil, &SpecError{Path: path, Spec: vid, Err: ErrInvalidVersionSpec}
	}
	if _, err := os.Stat(dir); err != nil {
		if isNotExist(err) {
			return nil, nil, fmt.Errorf("%s@%s: %w: %s", path, vid, ErrSnapshotMissing, dir)
		}
		return nil, nil, err
	}

	sc, err := s.ReadSnapshotSidecar(path, vid)
	if err != nil {
		return nil, nil, err
	}
	b, err := s.backends.Get(sc.Format)
	if err != nil {
		return nil, nil, fmt.Errorf("%s@%s: %w", path, vid, err)
	}
	value, err := b.Read(filepath.Join(dir, "artifact"+b.Ext()))
	if err != nil {
		return nil, nil, fmt.Errorf("%s@%s: read snapshot: %w", path, vid, err)
	}
	return sanitize.Restore(value), sc, nil
}

// LoadLive reads the live artifact bytes of path using the current sidecar's
// format, or the format implied by the extension.
func (s *Store) LoadLive(path string) (any, error) {
	live := filepath.Join(s.alias.Root, filepath.FromSlash(path))
	format := ""
	if sc, err := s.ReadSidecar(path); err == nil {
		format = sc.Format
	}
	var (
		b   backend.Backend
		err error
	)
	if format != "" {
		b, err = s.backends.Get(format)
	} else if found, ok := s.backends.ForPath(path); ok {
		b = found
	} else {
		err = fmt.Errorf("%s: cannot infer format", path)
	}
	if err != nil {
		return nil, err
	}
	return b.Read(live)
}

func ids(vs []catalog.Version) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.ID
	}
	return out
}
