package gate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeManifestFile(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(body), 0o644))
}

func TestLoadManifestParsesGates(t *testing.T) {
	dir := t.TempDir()
	writeManifestFile(t, dir, `{
		"gates": [
			{"name": "unit-tests", "class": "A", "cmd": ["go", "test", "./..."]},
			{"name": "lint", "class": "B", "cmd": ["golangci-lint", "run"], "cwd": "."}
		]
	}`)

	specs, err := LoadManifest(dir)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	require.Equal(t, "unit-tests", specs[0].Name)
	require.Equal(t, ClassA, specs[0].Class)
	require.Equal(t, ".", specs[1].Cwd)
}

func TestLoadManifestRejectsEmptyGates(t *testing.T) {
	dir := t.TempDir()
	writeManifestFile(t, dir, `{"gates": []}`)

	_, err := LoadManifest(dir)
	require.Error(t, err)
}

func TestLoadManifestRejectsInvalidClass(t *testing.T) {
	dir := t.TempDir()
	writeManifestFile(t, dir, `{"gates": [{"name": "x", "class": "Z", "cmd": ["true"]}]}`)

	_, err := LoadManifest(dir)
	require.Error(t, err)
}

func TestLoadManifestRejectsMissingCommand(t *testing.T) {
	dir := t.TempDir()
	writeManifestFile(t, dir, `{"gates": [{"name": "x", "class": "A"}]}`)

	_, err := LoadManifest(dir)
	require.Error(t, err)
}

func TestLoadManifestMissingFile(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadManifest(dir)
	require.Error(t, err)
}
