package version

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/felixgeelhaar/strata/internal/catalog"
	"github.com/felixgeelhaar/strata/internal/pathres"
	"github.com/felixgeelhaar/strata/internal/sanitize"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	root := t.TempDir()
	alias := pathres.Alias{Name: "main", Root: root, StateDir: filepath.Join(root, pathres.DefaultStateDir)}
	cat := catalog.NewStore(alias.CatalogPath())
	t.Cleanup(func() { _ = cat.Close() })
	if opts.Now == nil {
		c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
		opts.Now = c.now
	}
	if opts.Interactive == nil {
		opts.Interactive = func() bool { return false }
	}
	return NewStore(alias, cat, nil, nil, opts)
}

func save(t *testing.T, s *Store, path string, value any, policy Policy) Result {
	t.Helper()
	res, err := s.Save(context.Background(), Request{Path: path, Value: value, Policy: policy})
	require.NoError(t, err)
	return res
}

func TestSave_IdenticalContentOnce(t *testing.T) {
	s := newTestStore(t, Options{})
	first := save(t, s, "x.json", map[string]any{"a": 1}, PolicyContent)
	second := save(t, s, "x.json", map[string]any{"a": 1}, PolicyContent)

	assert.True(t, first.Committed)
	assert.Equal(t, ReasonMissingMetadata, first.Decision.Reason)
	assert.False(t, second.Committed)
	assert.Equal(t, ReasonNoChange, second.Decision.Reason)
	assert.Equal(t, first.VersionID, second.VersionID)

	vs, err := s.Versions(context.Background(), "x.json")
	require.NoError(t, err)
	assert.Len(t, vs, 1)
}

func TestSave_TimestampAlwaysSaves(t *testing.T) {
	s := newTestStore(t, Options{})
	save(t, s, "x.json", map[string]any{"a": 1}, PolicyTimestamp)
	res := save(t, s, "x.json", map[string]any{"a": 1}, PolicyTimestamp)
	assert.True(t, res.Committed)
	assert.Equal(t, ReasonTimestamp, res.Decision.Reason)

	vs, err := s.Versions(context.Background(), "x.json")
	require.NoError(t, err)
	assert.Len(t, vs, 2)
}

func TestSave_CodeChange(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()
	_, err := s.Save(ctx, Request{Path: "x.json", Value: 1, Code: "v1"})
	require.NoError(t, err)
	res, err := s.Save(ctx, Request{Path: "x.json", Value: 1, Code: "v2"})
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Equal(t, ReasonCodeChanged, res.Decision.Reason)
}

func TestSave_OffOnlyForced(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	res := save(t, s, "x.json", map[string]any{"a": 1}, PolicyOff)
	assert.False(t, res.Committed)
	assert.Equal(t, ReasonMissingMetadata, res.Decision.Reason)

	_, err := os.Stat(filepath.Join(s.Alias().Root, "x.json"))
	require.NoError(t, err, "live bytes are written even without a version")
	sc, err := s.ReadSidecar("x.json")
	require.NoError(t, err)
	assert.Empty(t, sc.VersionID)

	res, err = s.Save(ctx, Request{Path: "x.json", Value: map[string]any{"a": 2}, Policy: PolicyOff, Force: true})
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Equal(t, ReasonForced, res.Decision.Reason)
}

func TestSave_FailedRecordKeepsSidecar(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()
	v1 := save(t, s, "x.json", map[string]any{"a": 1}, PolicyContent).VersionID

	db, err := sql.Open("sqlite", s.Alias().CatalogPath())
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`CREATE TRIGGER reject_versions BEFORE INSERT ON versions
		BEGIN SELECT RAISE(ABORT, 'insert rejected'); END`)
	require.NoError(t, err)

	_, err = s.Save(ctx, Request{Path: "x.json", Value: map[string]any{"a": 2}, Policy: PolicyContent})
	require.Error(t, err)

	sc, err := s.ReadSidecar("x.json")
	require.NoError(t, err)
	assert.Equal(t, v1, sc.VersionID, "sidecar still names the last recorded version")

	_, err = db.Exec(`DROP TRIGGER reject_versions`)
	require.NoError(t, err)

	res := save(t, s, "x.json", map[string]any{"a": 2}, PolicyContent)
	assert.True(t, res.Committed)
	assert.Equal(t, ReasonContentChanged, res.Decision.Reason)

	vs, err := s.Versions(ctx, "x.json")
	require.NoError(t, err)
	assert.Len(t, vs, 2)

	entries, err := os.ReadDir(filepath.Dir(s.SnapshotDir("x.json", v1)))
	require.NoError(t, err)
	assert.Len(t, entries, 2, "the rejected snapshot was removed")
}

func TestSave_UnrecordedSidecarVersion(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()
	save(t, s, "x.json", map[string]any{"a": 1}, PolicyContent)

	sc, err := s.ReadSidecar("x.json")
	require.NoError(t, err)
	sc.VersionID = "20260101T000000.000Z-deadbeef"
	require.NoError(t, s.writeSidecar(sc))

	d, err := s.ShouldSave(ctx, "x.json", map[string]any{"a": 1}, "", PolicyContent, false)
	require.NoError(t, err)
	assert.True(t, d.Save)
	assert.Equal(t, ReasonMissingMetadata, d.Reason)
}

func TestResolveVersion_Offsets(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()
	v1 := save(t, s, "x.json", map[string]any{"a": 1}, PolicyContent).VersionID
	v2 := save(t, s, "x.json", map[string]any{"a": 2}, PolicyContent).VersionID

	got, err := s.ResolveVersion(ctx, "x.json", ParseSpec("0"))
	require.NoError(t, err)
	assert.Equal(t, v2, got)

	got, err = s.ResolveVersion(ctx, "x.json", Back(1))
	require.NoError(t, err)
	assert.Equal(t, v1, got)

	_, err = s.ResolveVersion(ctx, "x.json", Back(2))
	assert.ErrorIs(t, err, ErrVersionOutOfRange)
	assert.Contains(t, err.Error(), "0 (latest) through -1")

	_, err = s.ResolveVersion(ctx, "x.json", ParseSpec("3"))
	assert.ErrorIs(t, err, ErrInvalidVersionSpec)
	assert.Contains(t, err.Error(), "through -1")

	got, err = s.ResolveVersion(ctx, "x.json", ID(v1))
	require.NoError(t, err)
	assert.Equal(t, v1, got)

	_, err = s.ResolveVersion(ctx, "x.json", ID("nope"))
	assert.ErrorIs(t, err, ErrVersionNotFound)
	assert.Contains(t, err.Error(), v1, "error lists known ids")
}

func TestResolveVersion_Pick(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	save(t, s, "x.json", 1, PolicyContent)

	_, err := s.ResolveVersion(ctx, "x.json", ParseSpec("?"))
	assert.ErrorIs(t, err, ErrNotInteractive)

	var offered []catalog.Version
	s = newTestStore(t, Options{
		Interactive: func() bool { return true },
		Picker: func(_ context.Context, _ string, vs []catalog.Version) (string, error) {
			offered = vs
			return vs[len(vs)-1].ID, nil
		},
	})
	first := save(t, s, "x.json", 1, PolicyContent).VersionID
	save(t, s, "x.json", 2, PolicyContent)

	got, err := s.ResolveVersion(ctx, "x.json", ParseSpec("pick"))
	require.NoError(t, err)
	assert.Equal(t, first, got)
	assert.Len(t, offered, 2)
}

func TestCommit_Layout(t *testing.T) {
	s := newTestStore(t, Options{FileHash: true})
	ctx := context.Background()
	res, err := s.Commit(ctx, Request{
		Path:      "data/a.json",
		Value:     map[string]any{"k": "v"},
		CodeLabel: "etl@1",
		Parents:   []ParentRef{{Path: "raw/src.json", VersionID: "20260101T000000.000Z-00000000"}},
		Attrs:     map[string]any{"owner": "ops"},
	})
	require.NoError(t, err)

	dir := s.SnapshotDir("data/a.json", res.VersionID)
	assert.FileExists(t, filepath.Join(dir, "artifact.json"))
	assert.FileExists(t, filepath.Join(dir, "sidecar.json"))
	assert.FileExists(t, filepath.Join(dir, "parents.json"))
	assert.FileExists(t, filepath.Join(s.Alias().Root, "data", "a.json"))

	sc, err := s.ReadSidecar("data/a.json")
	require.NoError(t, err)
	assert.Equal(t, res.VersionID, sc.VersionID)
	assert.Equal(t, "etl@1", sc.CodeLabel)
	assert.NotEmpty(t, sc.FileHash)
	assert.Equal(t, "ops", sc.Attrs["owner"])

	parents, err := s.ReadParents("data/a.json", res.VersionID)
	require.NoError(t, err)
	require.Len(t, parents, 1)
	assert.Equal(t, "raw/src.json", parents[0].Path)

	entries, err := os.ReadDir(filepath.Dir(dir))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".tmp-"), "no temp dirs left behind")
	}
}

func TestCommit_NoParentsNoDescriptor(t *testing.T) {
	s := newTestStore(t, Options{})
	res := save(t, s, "x.json", 1, PolicyContent)
	_, err := s.ReadParents("x.json", res.VersionID)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestCommit_MonotonicTimestamps(t *testing.T) {
	fixed := time.Date(2026, 2, 2, 2, 2, 2, 0, time.UTC)
	s := newTestStore(t, Options{Now: func() time.Time { return fixed }})
	for i := 0; i < 5; i++ {
		save(t, s, "x.json", i, PolicyContent)
	}
	vs, err := s.Versions(context.Background(), "x.json")
	require.NoError(t, err)
	require.Len(t, vs, 5)
	for i := 1; i < len(vs); i++ {
		assert.True(t, vs[i-1].CreatedAt.After(vs[i].CreatedAt))
		assert.Greater(t, vs[i-1].ID, vs[i].ID, "ids sort by time")
	}
}

func TestLoadVersion(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()
	v1 := save(t, s, "x.json", map[string]any{"a": "one"}, PolicyContent).VersionID
	save(t, s, "x.json", map[string]any{"a": "two"}, PolicyContent)

	got, sc, err := s.LoadVersion(ctx, "x.json", v1)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "one"}, got)
	assert.Equal(t, v1, sc.VersionID)

	_, _, err = s.LoadVersion(ctx, "x.json", "missing")
	assert.ErrorIs(t, err, ErrVersionNotFound)

	require.NoError(t, os.RemoveAll(s.SnapshotDir("x.json", v1)))
	_, _, err = s.LoadVersion(ctx, "x.json", v1)
	assert.ErrorIs(t, err, ErrSnapshotMissing)
	assert.NotErrorIs(t, err, ErrVersionNotFound)
}

func TestLoadVersion_Table(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()
	tbl := &sanitize.Table{
		Columns: []sanitize.Column{{Name: "n", Values: []any{"a", "b"}}},
		Index:   []any{"r1", "r2"},
	}
	res, err := s.Save(ctx, Request{Path: "t.table.json", Value: tbl})
	require.NoError(t, err)

	got, _, err := s.LoadVersion(ctx, "t.table.json", res.VersionID)
	require.NoError(t, err)
	loaded, ok := got.(*sanitize.Table)
	require.True(t, ok, "got %T", got)
	assert.Equal(t, []any{"r1", "r2"}, loaded.Index)

	h, err := sanitize.Hash(loaded)
	require.NoError(t, err)
	assert.Equal(t, res.Decision.ContentHash, h)
}

func TestYAMLSidecar(t *testing.T) {
	s := newTestStore(t, Options{SidecarFormat: SidecarYAML})
	res := save(t, s, "x.json", map[string]any{"a": 1}, PolicyContent)

	assert.FileExists(t, s.Alias().SidecarPath("x.json", SidecarYAML))
	assert.FileExists(t, filepath.Join(s.SnapshotDir("x.json", res.VersionID), "sidecar.yaml"))

	sc, err := s.ReadSidecar("x.json")
	require.NoError(t, err)
	assert.Equal(t, res.VersionID, sc.VersionID)
	assert.Equal(t, res.Sidecar.CreatedAt, sc.CreatedAt)

	again := save(t, s, "x.json", map[string]any{"a": 1}, PolicyContent)
	assert.False(t, again.Committed)
}

func TestSidecar_CreatedAtMillis(t *testing.T) {
	sc := &Sidecar{Path: "x", CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 678_900_000, time.UTC)}
	b, err := encodeSidecar(sc, SidecarJSON)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"created_at": "2026-01-02T03:04:05.678Z"`)
	assert.Contains(t, string(b), `"parents": []`)

	back, err := decodeSidecar(b, SidecarJSON)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 678_000_000, time.UTC), back.CreatedAt)
}

func TestDecodeParents_Malformed(t *testing.T) {
	_, err := decodeParents([]byte("{not json"))
	assert.ErrorIs(t, err, ErrParentsMalformed)
	_, err = decodeParents([]byte(`[{"path":""}]`))
	assert.ErrorIs(t, err, ErrParentsMalformed)
}

func TestParseSpec(t *testing.T) {
	tests := []struct {
		in   string
		kind SpecKind
	}{
		{"", SpecLatest},
		{"0", SpecLatest},
		{"latest", SpecLatest},
		{"-3", SpecOffset},
		{"4", SpecOffset},
		{"?", SpecPick},
		{"pick", SpecPick},
		{"20260101T000000.000Z-deadbeef", SpecID},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.kind, ParseSpec(tt.in).Kind, tt.in)
	}
}

func TestNewID(t *testing.T) {
	at := time.Date(2026, 7, 8, 9, 10, 11, 123_000_000, time.UTC)
	id := NewID(at, "abc")
	assert.Regexp(t, `^20260708T091011\.123Z-[0-9a-f]{8}$`, id)
	got, ok := IDTime(id)
	require.True(t, ok)
	assert.Equal(t, at, got)
	assert.NotEqual(t, id, NewID(at, "abc"))
}

func TestProperty_VersionOrdering(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(rt, "n")
		s := newTestStore(t, Options{})
		ctx := context.Background()

		ids := make([]string, n)
		for i := 0; i < n; i++ {
			res, err := s.Save(ctx, Request{Path: "x.json", Value: i})
			if err != nil {
				rt.Fatalf("save %d: %v", i, err)
			}
			ids[i] = res.VersionID
		}
		for k := 0; k < n; k++ {
			got, err := s.ResolveVersion(ctx, "x.json", Back(k))
			if err != nil {
				rt.Fatalf("resolve -%d: %v", k, err)
			}
			if got != ids[n-1-k] {
				rt.Fatalf("resolve -%d: got %s want %s", k, got, ids[n-1-k])
			}
		}
		if _, err := s.ResolveVersion(ctx, "x.json", Back(n)); !errors.Is(err, ErrVersionOutOfRange) {
			rt.Fatalf("resolve -%d: expected out of range, got %v", n, err)
		}
		pos := rapid.IntRange(1, 100).Draw(rt, "pos")
		if _, err := s.ResolveVersion(ctx, "x.json", Spec{Kind: SpecOffset, Offset: pos}); !errors.Is(err, ErrInvalidVersionSpec) {
			rt.Fatalf("resolve +%d: expected invalid spec, got %v", pos, err)
		}
	})
}
