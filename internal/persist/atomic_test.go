package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestWriteReadJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	require.NoError(t, WriteJSON(path, sample{Name: "a", Count: 3}))

	var out sample
	require.NoError(t, ReadJSON(path, &out))
	assert.Equal(t, sample{Name: "a", Count: 3}, out)
}

func TestReadJSONMissingFileIsNotError(t *testing.T) {
	dir := t.TempDir()
	var out sample
	require.NoError(t, ReadJSON(filepath.Join(dir, "missing.json"), &out))
	assert.Equal(t, sample{}, out)
}

func TestWriteJSONLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, WriteJSON(path, sample{Name: "b"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())
}

func TestWriteJSONOverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, WriteJSON(path, sample{Name: "first"}))
	require.NoError(t, WriteJSON(path, sample{Name: "second"}))

	var out sample
	require.NoError(t, ReadJSON(path, &out))
	assert.Equal(t, "second", out.Name)
}

func TestAppendLineCreatesAndAppends(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.ndjson")

	require.NoError(t, AppendLine(path, []byte(`{"a":1}`)))
	require.NoError(t, AppendLine(path, []byte(`{"a":2}`)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":1}\n{\"a\":2}\n", string(data))
}
