package e2e

import (
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildBinary(t *testing.T) string {
	t.Helper()
	rootDir, err := filepath.Abs("../../")
	require.NoError(t, err)
	binPath := filepath.Join(t.TempDir(), "strata_e2e")

	buildCmd := exec.Command("go", "build", "-o", binPath, "github.com/felixgeelhaar/strata/cmd/strata")
	buildCmd.Dir = rootDir
	if out, err := buildCmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build strata: %v\n%s", err, out)
	}
	return binPath
}

func TestE2E_SaveVersionsPrune(t *testing.T) {
	if testing.Short() {
		t.Skip("builds the binary")
	}
	bin := buildBinary(t)

	home := t.TempDir()
	root := filepath.Join(home, "data")
	require.NoError(t, os.Mkdir(root, 0750))
	cfgPath := filepath.Join(home, "strata.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("aliases:\n  data: ./data\nretention: 1\n"), 0600))

	run := func(stdin string, args ...string) string {
		t.Helper()
		cmd := exec.Command(bin, append([]string{"--config", cfgPath}, args...)...)
		cmd.Env = append(os.Environ(), "HOME="+home)
		cmd.Stdin = strings.NewReader(stdin)
		var stdout, stderr bytes.Buffer
		cmd.Stdout, cmd.Stderr = &stdout, &stderr
		require.NoError(t, cmd.Run(), "strata %v:\n%s", args, stderr.String())
		return stdout.String()
	}

	out := run(`{"a": 1}`, "save", "x.json")
	assert.Contains(t, out, "Saved data:x.json as version")
	out = run(`{"a": 1}`, "save", "x.json")
	assert.Contains(t, out, "no new version")
	run(`{"a": 2}`, "save", "x.json")
	run(`{"a": 3}`, "save", "x.json")
	run(`{"m": true}`, "save", "model.json", "--parent", "x.json")

	var versions []map[string]any
	require.NoError(t, json.Unmarshal([]byte(run("", "--json", "versions", "x.json")), &versions))
	require.Len(t, versions, 3)

	out = run("", "load", "x.json", "--version", "-2")
	assert.Contains(t, out, `"a": 1`)

	out = run("", "ancestors", "model.json")
	assert.Contains(t, out, "data:model.json@")
	assert.Contains(t, out, "-> data:x.json@")

	out = run("", "prune", "--dry-run")
	assert.Contains(t, out, "2 versions would be removed")

	out = run("", "prune")
	assert.Contains(t, out, "2 removed, 0 failed")

	require.NoError(t, json.Unmarshal([]byte(run("", "--json", "versions", "x.json")), &versions))
	assert.Len(t, versions, 1)
	assert.FileExists(t, filepath.Join(root, "x.json"))
	assert.FileExists(t, filepath.Join(root, ".strata", "catalog.db"))

	cmd := exec.Command(bin, "--config", cfgPath, "load", "x.json", "--version", "-5")
	out2, err := cmd.CombinedOutput()
	assert.Error(t, err)
	assert.Contains(t, string(out2), "valid range")
}
