package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/strata/internal/config"
	"github.com/felixgeelhaar/strata/internal/observe"
	"github.com/felixgeelhaar/strata/internal/repo"
)

func testEnv(t *testing.T, aliases ...string) (*env, *bytes.Buffer, map[string]string) {
	t.Helper()
	cfg := config.Default()
	roots := map[string]string{}
	for _, a := range aliases {
		roots[a] = t.TempDir()
		cfg.Aliases[a] = roots[a]
	}
	cfg.Retention = 1
	obs := observe.Nop()
	r, err := repo.Open(cfg, obs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	out := &bytes.Buffer{}
	return &env{repo: r, cfg: cfg, obs: obs, out: out}, out, roots
}

func TestCLI_Root(t *testing.T) {
	names := map[string]bool{}
	for _, cmd := range RootCmd.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"save", "load", "versions", "artifacts", "ancestors", "descendants", "prune", "alias", "config"} {
		assert.True(t, names[want], "missing command %s", want)
	}
	for _, flag := range []string{"config", "alias", "verbose", "json"} {
		assert.NotNil(t, RootCmd.PersistentFlags().Lookup(flag), flag)
	}
}

func TestCLI_Config(t *testing.T) {
	found := false
	for _, cmd := range RootCmd.Commands() {
		if cmd.Name() == "config" {
			found = true
			assert.Len(t, cmd.Commands(), 2, "show and validate")
		}
	}
	assert.True(t, found, "config command not found")
}

func TestSaveLoadVersions(t *testing.T) {
	ctx := context.Background()
	e, out, _ := testEnv(t, "main")

	require.NoError(t, runSave(ctx, e, "x.json", strings.NewReader(`{"a": 1}`), saveFlags{}))
	assert.Contains(t, out.String(), "Saved main:x.json as version")
	out.Reset()

	require.NoError(t, runSave(ctx, e, "x.json", strings.NewReader(`{"a": 1}`), saveFlags{}))
	assert.Contains(t, out.String(), "no new version (no_change)")
	out.Reset()

	require.NoError(t, runSave(ctx, e, "x.json", strings.NewReader("a: 2\n"), saveFlags{}))
	out.Reset()

	require.NoError(t, runVersions(ctx, e, "x.json"))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3, "header plus two versions")
	assert.True(t, strings.HasPrefix(lines[1], "0 "))
	assert.True(t, strings.HasPrefix(lines[2], "-1 "))
	out.Reset()

	require.NoError(t, runLoad(ctx, e, "x.json", "-1"))
	var v map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &v))
	assert.Equal(t, float64(1), v["a"])
	out.Reset()

	err := runLoad(ctx, e, "x.json", "-2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0 (latest) through -1")

	err = runLoad(ctx, e, "x.json", "?")
	assert.Error(t, err, "picking needs a terminal")
}

func TestSaveParentsAndLineage(t *testing.T) {
	ctx := context.Background()
	e, out, _ := testEnv(t, "raw", "models")
	e.json = true
	e.alias = "raw"

	require.NoError(t, runSave(ctx, e, "in.json", strings.NewReader(`[1, 2, 3]`), saveFlags{}))
	var parent repo.SaveResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &parent))
	out.Reset()

	e.alias = "models"
	require.NoError(t, runSave(ctx, e, "m.json", strings.NewReader(`{"w": 1}`), saveFlags{
		parents: []string{"raw:in.json"},
		attrs:   []string{"stage=train"},
	}))
	out.Reset()

	require.NoError(t, runLineage(ctx, e, "m.json", 1, true))
	var edges []struct {
		Parent struct {
			Alias     string `json:"alias"`
			Path      string `json:"path"`
			VersionID string `json:"version_id"`
		} `json:"parent"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &edges))
	require.Len(t, edges, 1)
	assert.Equal(t, "raw", edges[0].Parent.Alias)
	assert.Equal(t, parent.VersionID, edges[0].Parent.VersionID)
	out.Reset()

	e.alias = "raw"
	require.NoError(t, runLineage(ctx, e, "in.json", 1, false))
	assert.Contains(t, out.String(), `"alias": "models"`)

	err := runSave(ctx, e, "z.json", strings.NewReader(`1`), saveFlags{attrs: []string{"novalue"}})
	assert.Error(t, err)
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	e, out, roots := testEnv(t, "main")
	for _, body := range []string{`1`, `2`, `3`} {
		require.NoError(t, runSave(ctx, e, "x.json", strings.NewReader(body), saveFlags{}))
	}
	out.Reset()

	require.NoError(t, runPrune(ctx, e, pruneFlags{keep: "1", dryRun: true}))
	assert.Contains(t, out.String(), "2 versions would be removed")
	out.Reset()

	// Falls back to the configured policy.
	require.NoError(t, runPrune(ctx, e, pruneFlags{}))
	assert.Contains(t, out.String(), "2 removed, 0 failed")
	assert.Equal(t, 2, strings.Count(out.String(), "removed x.json@"))

	vs, err := e.repo.Versions(ctx, "x.json", "")
	require.NoError(t, err)
	assert.Len(t, vs, 1)
	assert.FileExists(t, filepath.Join(roots["main"], "x.json"))

	assert.Error(t, runPrune(ctx, e, pruneFlags{keep: "soon"}))
}

func TestParseParent(t *testing.T) {
	tests := []struct {
		in   string
		want repo.Parent
	}{
		{"a.json", repo.Parent{Path: "a.json"}},
		{"raw:a.json", repo.Parent{Alias: "raw", Path: "a.json"}},
		{"raw:dir/a.json@-1", repo.Parent{Alias: "raw", Path: "dir/a.json", Version: "-1"}},
		{"/abs/a.json@20260101T000000.000Z-0123abcd", repo.Parent{Path: "/abs/a.json", Version: "20260101T000000.000Z-0123abcd"}},
		{"data/user@host.json", repo.Parent{Path: "data/user@host.json"}},
		{"raw:ops@v2/a.json@latest", repo.Parent{Alias: "raw", Path: "ops@v2/a.json", Version: "latest"}},
		{"a.json@?", repo.Parent{Path: "a.json", Version: "?"}},
		{"a.json@", repo.Parent{Path: "a.json@"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseParent(tt.in), tt.in)
	}
}

func TestReadValue(t *testing.T) {
	v, err := readValue(strings.NewReader("raw bytes"), "bytes", "x")
	require.NoError(t, err)
	assert.Equal(t, []byte("raw bytes"), v)

	v, err = readValue(strings.NewReader("k: v\n"), "", "x.yaml")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "v"}, v)

	_, err = readValue(strings.NewReader("{not: [valid"), "", "x.json")
	assert.Error(t, err)
}

func TestConfigCommands(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strata.yaml")
	require.NoError(t, os.WriteFile(path, []byte("aliases:\n  data: .\nretention: 3\n"), 0600))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, showConfig(&out, cfg))
	assert.Contains(t, out.String(), "# "+path)
	assert.Contains(t, out.String(), "data: "+dir)

	out.Reset()
	require.NoError(t, validateConfig(&out, cfg))
	assert.Contains(t, out.String(), "Configuration is valid")

	cfg.Versioning = "never"
	out.Reset()
	assert.Error(t, validateConfig(&out, cfg))
	assert.Contains(t, out.String(), "error: Versioning")
}

func TestAliasList(t *testing.T) {
	e, out, roots := testEnv(t, "a", "b")
	require.NoError(t, listAliases(e))
	assert.Contains(t, out.String(), roots["a"])
	assert.Contains(t, out.String(), roots["b"])
	assert.Contains(t, out.String(), "*")
}
