package operator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-trade/execution-core/internal/eventlog"
	"github.com/aegis-trade/execution-core/internal/model"
	"github.com/aegis-trade/execution-core/internal/opmode"
	"github.com/aegis-trade/execution-core/internal/registry"
	"github.com/aegis-trade/execution-core/internal/safemode"
	"github.com/aegis-trade/execution-core/internal/schedule"
	"github.com/aegis-trade/execution-core/internal/strategy"
)

func newSurface(t *testing.T) (*Surface, string) {
	t.Helper()
	dir := t.TempDir()
	events := eventlog.New(dir)
	om := opmode.New(filepath.Join(dir, "operation_mode.json"), events)

	key, err := totp.Generate(totp.GenerateOpts{Issuer: "execution-core", AccountName: "test-operator"})
	require.NoError(t, err)

	sm := safemode.New(filepath.Join(dir, "safe_mode.json"), events, nil, nil)
	reg := registry.New(filepath.Join(dir, "positions.json"), filepath.Join(dir, "trades.json"), events)
	require.NoError(t, reg.Load())
	sched := schedule.New()
	svc := strategy.New(filepath.Join(dir, "strategy.json"), 10*time.Millisecond, events, sched)

	s := New([]byte("test-jwt-secret"), key.Secret(), om, sm, svc, reg, events)
	return s, key.Secret()
}

func TestGetStatusRequiresNoAuth(t *testing.T) {
	s, _ := newSurface(t)
	status := s.GetStatus()
	assert.Equal(t, model.ModePaper, status.Mode)
	assert.False(t, status.SafeModeActive)
}

func TestActivateSafeModeRejectsBadToken(t *testing.T) {
	s, _ := newSurface(t)
	err := s.ActivateSafeMode(context.Background(), "not-a-valid-token", "note")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestActivateSafeModeSucceedsWithValidToken(t *testing.T) {
	s, _ := newSurface(t)
	token, err := s.IssueToken("alice", time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.ActivateSafeMode(context.Background(), token, "manual activation"))
	assert.True(t, s.GetStatus().SafeModeActive)
}

func TestPromoteToLiveRequiresTOTP(t *testing.T) {
	s, secret := newSurface(t)
	token, err := s.IssueToken("alice", time.Minute)
	require.NoError(t, err)

	err = s.PromoteToLive(context.Background(), token, "000000", "go live")
	assert.ErrorIs(t, err, ErrInvalidTOTP)

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.PromoteToLive(context.Background(), token, code, "go live"))
	assert.Equal(t, model.ModeLive, s.GetStatus().Mode)
}

func TestDeactivateSafeModeRequiresTOTP(t *testing.T) {
	s, secret := newSurface(t)
	token, err := s.IssueToken("alice", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.ActivateSafeMode(context.Background(), token, "trip"))

	err = s.DeactivateSafeMode(context.Background(), token, "bad-code", "recovered")
	assert.ErrorIs(t, err, ErrInvalidTOTP)
	assert.True(t, s.GetStatus().SafeModeActive)

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.DeactivateSafeMode(context.Background(), token, code, "recovered"))
	assert.False(t, s.GetStatus().SafeModeActive)
}
