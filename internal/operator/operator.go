// Package operator implements the transport-agnostic Operator Surface
// commands: read status, activate/deactivate safe mode, promote/demote
// operation mode, and force a strategy reload. No HTTP router sits on
// top of it, so a caller (CLI, HTTP handler, message-queue consumer)
// wraps Surface however the surrounding system needs.
package operator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/aegis-trade/execution-core/internal/eventlog"
	"github.com/aegis-trade/execution-core/internal/logx"
	"github.com/aegis-trade/execution-core/internal/model"
	"github.com/aegis-trade/execution-core/internal/opmode"
	"github.com/aegis-trade/execution-core/internal/registry"
	"github.com/aegis-trade/execution-core/internal/safemode"
	"github.com/aegis-trade/execution-core/internal/strategy"
)

// ErrUnauthorized is returned when the bearer token fails verification.
var ErrUnauthorized = errors.New("operator: invalid or expired bearer token")

// ErrInvalidTOTP is returned when a command requiring 2FA gets a bad
// or missing TOTP code.
var ErrInvalidTOTP = errors.New("operator: invalid TOTP code")

// Claims is the bearer token payload. Operator identifies the operator
// named in every command event.
type Claims struct {
	jwt.RegisteredClaims
	Operator string `json:"operator"`
}

// Status is the read-only snapshot of the running service.
type Status struct {
	Mode              model.Mode `json:"mode"`
	SafeModeActive    bool       `json:"safe_mode_active"`
	StrategyID        string     `json:"strategy_id"`
	StrategyState     string     `json:"strategy_state"`
	OpenPositionCount int        `json:"open_position_count"`
}

// Surface is the operator-facing command set. All mutating commands
// require a valid bearer token; deactivating safe mode and promoting
// to live additionally require a valid TOTP code.
type Surface struct {
	jwtSecret  []byte
	totpSecret string

	opMode      *opmode.Switch
	safeMode    *safemode.Controller
	strategySvc *strategy.Service
	registry    *registry.Registry
	events      *eventlog.Log
	log         *logx.Logger
}

// New creates a Surface. jwtSecret signs/verifies bearer tokens;
// totpSecret is the shared TOTP secret operators enroll with to
// produce the 2FA code required for high-risk commands.
func New(jwtSecret []byte, totpSecret string, opMode *opmode.Switch, safeModeCtl *safemode.Controller, strategySvc *strategy.Service, reg *registry.Registry, events *eventlog.Log) *Surface {
	return &Surface{
		jwtSecret:   jwtSecret,
		totpSecret:  totpSecret,
		opMode:      opMode,
		safeMode:    safeModeCtl,
		strategySvc: strategySvc,
		registry:    reg,
		events:      events,
		log:         logx.New().With("component", "operator"),
	}
}

// IssueToken mints a bearer token for operator, valid for ttl. Intended
// for an out-of-band enrollment flow (CLI login, admin console) — not
// exercised by the trading loop itself.
func (s *Surface) IssueToken(operatorName string, ttl time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Operator: operatorName,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *Surface) verify(bearerToken string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(bearerToken, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

func (s *Surface) verifyTOTP(code string) error {
	if code == "" || s.totpSecret == "" {
		return ErrInvalidTOTP
	}
	ok, err := totp.ValidateCustom(code, s.totpSecret, time.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    6,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !ok {
		return ErrInvalidTOTP
	}
	return nil
}

// GetStatus returns the current service status. No authorization
// required — read-only.
func (s *Surface) GetStatus() Status {
	current := s.strategySvc.Current()
	strategyID := ""
	if current != nil {
		strategyID = current.StrategyID
	}
	return Status{
		Mode:              s.opMode.Current(),
		SafeModeActive:    s.safeMode.Active(),
		StrategyID:        strategyID,
		StrategyState:     string(s.strategySvc.State()),
		OpenPositionCount: len(s.registry.OpenPositions()),
	}
}

// ActivateSafeMode engages safe mode with an operator note.
func (s *Surface) ActivateSafeMode(ctx context.Context, bearerToken, note string) error {
	claims, err := s.verify(bearerToken)
	if err != nil {
		return err
	}
	mode := s.opMode.Current()
	s.safeMode.Activate(ctx, "operator_command", mode)
	s.emitCommand(mode, "activate_safe_mode", claims.Operator, note)
	return nil
}

// DeactivateSafeMode disengages safe mode. Requires a valid TOTP code
// in addition to the bearer token.
func (s *Surface) DeactivateSafeMode(ctx context.Context, bearerToken, totpCode, note string) error {
	claims, err := s.verify(bearerToken)
	if err != nil {
		return err
	}
	if err := s.verifyTOTP(totpCode); err != nil {
		return err
	}
	mode := s.opMode.Current()
	s.safeMode.Deactivate(mode)
	s.emitCommand(mode, "deactivate_safe_mode", claims.Operator, note)
	return nil
}

// PromoteToLive switches operation mode to live. Requires TOTP — the
// highest-risk transition this surface exposes.
func (s *Surface) PromoteToLive(ctx context.Context, bearerToken, totpCode, note string) error {
	claims, err := s.verify(bearerToken)
	if err != nil {
		return err
	}
	if err := s.verifyTOTP(totpCode); err != nil {
		return err
	}
	if err := s.opMode.Transition(model.ModeLive, note); err != nil {
		return err
	}
	s.emitCommand(model.ModeLive, "promote_to_live", claims.Operator, note)
	return nil
}

// DemoteToPaper switches operation mode back to paper.
func (s *Surface) DemoteToPaper(ctx context.Context, bearerToken, note string) error {
	claims, err := s.verify(bearerToken)
	if err != nil {
		return err
	}
	if err := s.opMode.Transition(model.ModePaper, note); err != nil {
		return err
	}
	s.emitCommand(model.ModePaper, "demote_to_paper", claims.Operator, note)
	return nil
}

// ForceStrategyReload re-reads and re-validates the strategy file
// immediately instead of waiting for the file watcher's debounce.
func (s *Surface) ForceStrategyReload(ctx context.Context, bearerToken string) error {
	claims, err := s.verify(bearerToken)
	if err != nil {
		return err
	}
	mode := s.opMode.Current()
	s.strategySvc.ForceReload()
	s.emitCommand(mode, "force_strategy_reload", claims.Operator, "")
	return nil
}

func (s *Surface) emitCommand(mode model.Mode, command, operatorName, note string) {
	if s.events == nil {
		return
	}
	s.events.Append(mode, model.EventOperatorCommand, map[string]interface{}{
		"command":       command,
		"operator":      operatorName,
		"operator_note": note,
	})
}

// LoadTOTPSecretFromEnv reads the shared TOTP secret from the
// EXECUTION_OPERATOR_TOTP_SECRET environment variable, matching the
// ambient viper/godotenv configuration layer's never-hot-reloaded
// contract for exchange/operator credentials.
func LoadTOTPSecretFromEnv() string {
	return os.Getenv("EXECUTION_OPERATOR_TOTP_SECRET")
}
