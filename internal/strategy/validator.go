package strategy

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/shopspring/decimal"

	"github.com/aegis-trade/execution-core/internal/model"
)

var closePctTolerance = decimal.NewFromFloat(1e-6)

// Validate checks a strategy document against every structural rule,
// returning an aggregated error when any rule fails.
func Validate(doc model.StrategyDocument, now time.Time) error {
	var result *multierror.Error

	switch doc.Mode {
	case model.ModePaper, model.ModeLive:
	default:
		result = multierror.Append(result, fmt.Errorf("mode must be paper or live, got %q", doc.Mode))
	}

	switch doc.Posture {
	case model.PostureAggressive, model.PostureModerate, model.PostureDefensive, model.PostureFlat, model.PostureExitAll:
	default:
		result = multierror.Append(result, fmt.Errorf("posture %q is not a recognized value", doc.Posture))
	}

	if !doc.ValidityWindow.After(now) {
		result = multierror.Append(result, fmt.Errorf("validity_window %s must be in the future", doc.ValidityWindow))
	}

	pr := doc.PortfolioRisk
	if pr.MaxDrawdownPct.LessThanOrEqual(decimal.Zero) || pr.MaxDrawdownPct.GreaterThan(decimal.NewFromInt(1)) {
		result = multierror.Append(result, fmt.Errorf("max_drawdown_pct must be in (0,1], got %s", pr.MaxDrawdownPct))
	}
	if pr.MaxTotalExposurePct.LessThan(decimal.Zero) || pr.MaxTotalExposurePct.GreaterThan(decimal.NewFromInt(1)) {
		result = multierror.Append(result, fmt.Errorf("max_total_exposure_pct must be in [0,1], got %s", pr.MaxTotalExposurePct))
	}
	if pr.MaxPerPositionPct.LessThanOrEqual(decimal.Zero) || pr.MaxPerPositionPct.GreaterThan(decimal.NewFromInt(1)) {
		result = multierror.Append(result, fmt.Errorf("max_per_position_pct must be in (0,1], got %s", pr.MaxPerPositionPct))
	}
	if pr.DailyLossLimitUSD.LessThan(decimal.Zero) {
		result = multierror.Append(result, fmt.Errorf("daily_loss_limit_usd must be >= 0, got %s", pr.DailyLossLimitUSD))
	}

	seenIDs := make(map[string]bool)
	for i, pos := range doc.Positions {
		if err := validatePosition(i, pos, seenIDs); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

func validatePosition(idx int, pos model.StrategyPosition, seenIDs map[string]bool) error {
	var result *multierror.Error
	label := fmt.Sprintf("positions[%d]", idx)

	if pos.ID == "" {
		result = multierror.Append(result, fmt.Errorf("%s: id must not be empty", label))
	} else if seenIDs[pos.ID] {
		result = multierror.Append(result, fmt.Errorf("%s: duplicate position id %q", label, pos.ID))
	} else {
		seenIDs[pos.ID] = true
	}
	if pos.Asset == "" {
		result = multierror.Append(result, fmt.Errorf("%s: asset must not be empty", label))
	}
	switch pos.Direction {
	case model.DirectionLong, model.DirectionShort:
	default:
		result = multierror.Append(result, fmt.Errorf("%s: direction must be long or short, got %q", label, pos.Direction))
	}
	if pos.AllocationPct.LessThanOrEqual(decimal.Zero) || pos.AllocationPct.GreaterThan(decimal.NewFromInt(1)) {
		result = multierror.Append(result, fmt.Errorf("%s: allocation_pct must be in (0,1], got %s", label, pos.AllocationPct))
	}

	switch pos.EntryType {
	case model.EntryMarket, model.EntryLimit, model.EntryConditional:
	default:
		result = multierror.Append(result, fmt.Errorf("%s: entry_type %q is not recognized", label, pos.EntryType))
	}
	if pos.EntryType == model.EntryConditional && pos.EntryCondition == "" {
		result = multierror.Append(result, fmt.Errorf("%s: conditional entry requires entry_condition", label))
	}
	if pos.EntryType == model.EntryLimit && pos.EntryLimitPrice.LessThanOrEqual(decimal.Zero) {
		result = multierror.Append(result, fmt.Errorf("%s: limit entry requires a positive entry_limit_price", label))
	}

	sumClosePct := decimal.Zero
	for _, tp := range pos.TakeProfitTargets {
		sumClosePct = sumClosePct.Add(tp.ClosePct)
	}
	if sumClosePct.GreaterThan(decimal.NewFromInt(1).Add(closePctTolerance)) {
		result = multierror.Append(result, fmt.Errorf("%s: take_profit_targets close_pct sums to %s, must be <= 1", label, sumClosePct))
	}
	// Targets fire strictly in order, so the document must list them
	// ordered by price: ascending for long, descending for short.
	for i := 1; i < len(pos.TakeProfitTargets); i++ {
		prev := pos.TakeProfitTargets[i-1].Price
		cur := pos.TakeProfitTargets[i].Price
		ordered := cur.GreaterThan(prev)
		if pos.Direction == model.DirectionShort {
			ordered = cur.LessThan(prev)
		}
		if !ordered {
			result = multierror.Append(result, fmt.Errorf("%s: take_profit_targets[%d] price %s breaks price ordering (%s direction requires %s prices)",
				label, i, cur, pos.Direction, orderingWord(pos.Direction)))
			break
		}
	}

	switch pos.StopLoss.Kind {
	case model.StopLossHard:
		if pos.StopLoss.Price.LessThanOrEqual(decimal.Zero) {
			result = multierror.Append(result, fmt.Errorf("%s: hard stop_loss requires a positive price", label))
		}
	case model.StopLossTrailing:
		if pos.StopLoss.TrailPct.LessThanOrEqual(decimal.Zero) {
			result = multierror.Append(result, fmt.Errorf("%s: trailing stop_loss requires a positive trail_pct", label))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("%s: stop_loss.kind must be hard or trailing, got %q", label, pos.StopLoss.Kind))
	}

	return result.ErrorOrNil()
}

func orderingWord(dir model.Direction) string {
	if dir == model.DirectionShort {
		return "descending"
	}
	return "ascending"
}
