package failuretracker

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordSuccessResetsStreak(t *testing.T) {
	dir := t.TempDir()
	tr := New(filepath.Join(dir, "failure_count.json"), 3)

	tr.RecordFailure()
	tr.RecordFailure()
	assert.Equal(t, 2, tr.ConsecutiveFailures())

	tr.RecordSuccess()
	assert.Equal(t, 0, tr.ConsecutiveFailures())
	assert.False(t, tr.SafeModeTriggered())
}

func TestRecordFailureFiresExactlyOnceAtThreshold(t *testing.T) {
	dir := t.TempDir()
	tr := New(filepath.Join(dir, "failure_count.json"), 3)

	fired := 0
	tr.OnSafeModeTriggered(func(reason string) {
		fired++
		assert.Equal(t, "consecutive_failures", reason)
	})

	tr.RecordFailure()
	tr.RecordFailure()
	assert.Equal(t, 0, fired)

	tr.RecordFailure()
	assert.Equal(t, 1, fired)
	assert.True(t, tr.SafeModeTriggered())

	// A fourth failure must not re-fire the callback.
	tr.RecordFailure()
	assert.Equal(t, 1, fired)
}

func TestResetAllowsFutureBreachToFireAgain(t *testing.T) {
	dir := t.TempDir()
	tr := New(filepath.Join(dir, "failure_count.json"), 2)

	fired := 0
	tr.OnSafeModeTriggered(func(string) { fired++ })

	tr.RecordFailure()
	tr.RecordFailure()
	assert.Equal(t, 1, fired)

	tr.Reset()
	assert.False(t, tr.SafeModeTriggered())
	assert.Equal(t, 0, tr.ConsecutiveFailures())

	tr.RecordFailure()
	tr.RecordFailure()
	assert.Equal(t, 2, fired)
}

func TestLoadAboveThresholdInitializesTriggeredWithoutFiring(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "failure_count.json")

	seed := New(path, 2)
	seed.RecordFailure()
	seed.RecordFailure()

	fired := 0
	reloaded := New(path, 2)
	reloaded.OnSafeModeTriggered(func(string) { fired++ })
	require.NoError(t, reloaded.Load())

	assert.True(t, reloaded.SafeModeTriggered())
	assert.Equal(t, 0, fired, "Load must not invoke the callback directly")
}
