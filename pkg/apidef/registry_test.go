package apidef

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDefinition(t *testing.T, dir, file, name string) {
	t.Helper()
	content := "name: " + name + "\ndescription: test\nprompt: do the " + name + " thing\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0644))
}

func TestRegistryLoad(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "a.yaml", "create_invoice")
	writeDefinition(t, dir, "b.yml", "read_balance")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	r, err := NewRegistry(dir)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, []string{"create_invoice", "read_balance"}, r.Names())

	d, err := r.Get("create_invoice")
	require.NoError(t, err)
	assert.Equal(t, "create_invoice", d.Name)

	_, err = r.Get("unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistrySkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "good.yaml", "good_api")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("prompt: no name"), 0644))

	r, err := NewRegistry(dir)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, []string{"good_api"}, r.Names())
}

func TestRegistryDuplicateNamesKeepFirst(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "a.yaml", "same_name")
	writeDefinition(t, dir, "b.yaml", "same_name")

	r, err := NewRegistry(dir)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, []string{"same_name"}, r.Names())
}

func TestRegistryMissingDir(t *testing.T) {
	_, err := NewRegistry(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.Error(t, err)
}

func TestRegistryReload(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "a.yaml", "first")

	r, err := NewRegistry(dir)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, []string{"first"}, r.Names())

	writeDefinition(t, dir, "b.yaml", "second")
	require.NoError(t, r.Reload())
	assert.Equal(t, []string{"first", "second"}, r.Names())
}

func TestRegistryWatch(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "a.yaml", "first")

	r, err := NewRegistry(dir)
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.Watch())

	writeDefinition(t, dir, "b.yaml", "second")

	// Reload is debounced; poll until it lands
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(r.Names()) == 2 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	assert.Equal(t, []string{"first", "second"}, r.Names())
}

func TestRegistryCloseIdempotent(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRegistry(dir)
	require.NoError(t, err)
	require.NoError(t, r.Watch())

	assert.NoError(t, r.Close())
	assert.NoError(t, r.Close())
}
