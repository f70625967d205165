package catalog

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(filepath.Join(t.TempDir(), ".strata", "catalog.db"))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(path, vid string, at time.Time, parents ...Edge) Record {
	return Record{
		Path:          path,
		Format:        "json",
		VersionID:     vid,
		ContentHash:   "h-" + vid,
		SizeBytes:     10,
		CreatedAt:     at,
		SidecarFormat: "json",
		Parents:       parents,
	}
}

func TestStore_ReadMissingIsEmpty(t *testing.T) {
	s := newTestStore(t)
	c, err := s.Read(context.Background())
	require.NoError(t, err)
	assert.Empty(t, c.Artifacts)
	assert.Empty(t, c.Versions)
	assert.Empty(t, c.Parents)

	_, err = os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err), "read must not create the catalog")
}

func TestStore_RecordVersion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, s.RecordVersion(ctx, record("data/a.json", "v1", t0)))
	require.NoError(t, s.RecordVersion(ctx, record("data/a.json", "v2", t0.Add(time.Second),
		Edge{ParentPath: "raw/src.json", ParentVersionID: "p1"})))

	a, err := s.Artifact(ctx, "data/a.json")
	require.NoError(t, err)
	assert.Equal(t, ArtifactID("data/a.json"), a.ID)
	assert.Equal(t, "v2", a.LatestVersionID)
	assert.Equal(t, 2, a.NVersions)

	vs, err := s.Versions(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, vs, 2)
	assert.Equal(t, "v2", vs[0].ID)
	assert.Equal(t, t0.Add(time.Second), vs[0].CreatedAt)

	children, err := s.Children(ctx, ArtifactID("raw/src.json"), "p1")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "data/a.json", children[0].ChildPath)
	assert.Equal(t, "v2", children[0].ChildVersionID)

	has, err := s.HasParentIndex(ctx)
	require.NoError(t, err)
	assert.True(t, has)

	assert.Error(t, s.RecordVersion(ctx, record("data/a.json", "v2", t0)), "duplicate version id")
}

func TestStore_VersionOrderTieBreak(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for _, vid := range []string{"b", "a", "c"} {
		require.NoError(t, s.RecordVersion(ctx, record("x.json", vid, at)))
	}

	a, err := s.Artifact(ctx, "x.json")
	require.NoError(t, err)
	assert.Equal(t, "c", a.LatestVersionID)

	vs, err := s.Versions(ctx, a.ID)
	require.NoError(t, err)
	ids := []string{vs[0].ID, vs[1].ID, vs[2].ID}
	assert.Equal(t, []string{"c", "b", "a"}, ids)
}

func TestStore_RemoveVersionsRecomputes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordVersion(ctx, record("p.json", "p1", t0)))
	require.NoError(t, s.RecordVersion(ctx, record("c.json", "c1", t0,
		Edge{ParentPath: "p.json", ParentVersionID: "p1"})))
	require.NoError(t, s.RecordVersion(ctx, record("c.json", "c2", t0.Add(time.Minute))))
	require.NoError(t, s.RecordVersion(ctx, record("c.json", "c3", t0.Add(2*time.Minute))))

	cid := ArtifactID("c.json")
	require.NoError(t, s.RemoveVersions(ctx, []VersionKey{
		{ArtifactID: cid, VersionID: "c1"},
		{ArtifactID: cid, VersionID: "c3"},
	}))

	a, err := s.Artifact(ctx, "c.json")
	require.NoError(t, err)
	assert.Equal(t, 1, a.NVersions)
	assert.Equal(t, "c2", a.LatestVersionID)

	n, err := s.EdgeCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "edges of removed versions are gone")

	p, err := s.Artifact(ctx, "p.json")
	require.NoError(t, err)
	assert.Equal(t, 1, p.NVersions, "untouched artifacts keep their counters")
}

func TestStore_RemoveAllVersionsClearsLatest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.RecordVersion(ctx, record("x.json", "v1", time.Now())))

	require.NoError(t, s.RemoveVersions(ctx, []VersionKey{{ArtifactID: ArtifactID("x.json"), VersionID: "v1"}}))
	a, err := s.Artifact(ctx, "x.json")
	require.NoError(t, err)
	assert.Zero(t, a.NVersions)
	assert.Empty(t, a.LatestVersionID)
}

func TestStore_WriteReplacesAll(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.RecordVersion(ctx, record("old.json", "v1", time.Now())))

	at := time.Date(2026, 3, 3, 3, 3, 3, 3_000_000, time.UTC)
	want := &Catalog{
		Artifacts: []Artifact{{ID: ArtifactID("new.json"), Path: "new.json", Format: "json", LatestVersionID: "n1", NVersions: 1, LastModified: at}},
		Versions:  []Version{{ID: "n1", ArtifactID: ArtifactID("new.json"), ContentHash: "h", SizeBytes: 3, CreatedAt: at, SidecarFormat: "json"}},
	}
	require.NoError(t, s.Write(ctx, want))

	got, err := s.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, want.Artifacts, got.Artifacts)
	assert.Equal(t, want.Versions, got.Versions)
	assert.Empty(t, got.Parents)

	_, err = s.Artifact(ctx, "old.json")
	assert.ErrorIs(t, err, ErrArtifactNotFound)
}

func TestStore_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.db")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("not a database "), 512), 0600))

	s := NewStore(path)
	defer s.Close()

	_, err := s.Read(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCatalogCorrupt), "got %v", err)
	assert.Contains(t, err.Error(), path)

	err = s.RecordVersion(context.Background(), record("x.json", "v1", time.Now()))
	assert.ErrorIs(t, err, ErrCatalogCorrupt, "mutations are refused")
}

func TestStore_ArtifactNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Artifact(context.Background(), "nope.json")
	assert.ErrorIs(t, err, ErrArtifactNotFound)
	_, err = s.Version(context.Background(), "x", "y")
	assert.ErrorIs(t, err, ErrVersionNotFound)
}

func TestSortVersions(t *testing.T) {
	t0 := time.Unix(100, 0)
	vs := []Version{
		{ID: "a", CreatedAt: t0},
		{ID: "z", CreatedAt: t0.Add(-time.Second)},
		{ID: "b", CreatedAt: t0},
	}
	SortVersions(vs)
	assert.Equal(t, "b", vs[0].ID)
	assert.Equal(t, "a", vs[1].ID)
	assert.Equal(t, "z", vs[2].ID)
}

func TestArtifactID(t *testing.T) {
	id := ArtifactID("data/a.json")
	assert.Len(t, id, 16)
	assert.Equal(t, id, ArtifactID("data/a.json"))
	assert.NotEqual(t, id, ArtifactID("data/b.json"))
}
