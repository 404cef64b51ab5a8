package opmode

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-trade/execution-core/internal/eventlog"
	"github.com/aegis-trade/execution-core/internal/model"
)

func TestNewDefaultsToPaper(t *testing.T) {
	dir := t.TempDir()
	sw := New(filepath.Join(dir, "operation_mode.json"), nil)
	assert.Equal(t, model.ModePaper, sw.Current())
}

func TestTransitionPersistsAndEmits(t *testing.T) {
	dir := t.TempDir()
	events := eventlog.New(dir)
	path := filepath.Join(dir, "operation_mode.json")
	sw := New(path, events)

	require.NoError(t, sw.Transition(model.ModeLive, "operator promoted after review"))
	assert.Equal(t, model.ModeLive, sw.Current())

	recent := events.GetRecent(10)
	require.Len(t, recent, 1)
	assert.Equal(t, model.EventModeChanged, recent[0].EventType)
	assert.Equal(t, model.ModeLive, recent[0].Mode)
	assert.Equal(t, model.ModeLive, recent[0].Data["new_mode"])
	assert.Equal(t, model.ModePaper, recent[0].Data["previous_mode"])
}

func TestLoadRestoresPersistedMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "operation_mode.json")

	sw := New(path, nil)
	require.NoError(t, sw.Transition(model.ModeLive, "go live"))

	reloaded := New(path, nil)
	require.NoError(t, reloaded.Load())
	assert.Equal(t, model.ModeLive, reloaded.Current())
}

func TestLoadWithNoFileStaysPaper(t *testing.T) {
	dir := t.TempDir()
	sw := New(filepath.Join(dir, "absent.json"), nil)
	require.NoError(t, sw.Load())
	assert.Equal(t, model.ModePaper, sw.Current())
}
