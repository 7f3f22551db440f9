// Package calculator implements the proportional-margin sizing algorithm
// with leverage elevation, ported from
// _examples/original_source/utils/calculator.py:calculate_follower_amount.
package calculator

import (
	"context"
	"math"

	"copycore/internal/adapter"
	"copycore/internal/model"
)

// FollowerMaxLeverage is the hard ceiling a follower may be elevated to.
const FollowerMaxLeverage = 50

// FollowerBudgetUsage is the fraction of follower equity treated as
// available margin budget.
const FollowerBudgetUsage = 0.90

// leverageHeadroom is added atop the minimum leverage computed to keep a
// trade feasible, as a buffer against price drift between calculation and
// fill. It is a tunable magic constant carried over from the source
// without a derivation (see DESIGN.md open-question notes).
const leverageHeadroom = 2

// liftMargin is the multiplicative buffer applied when lifting an amount
// to satisfy a cost minimum on the proportional-sizing path — larger than
// package symbol's open-position lift (1.01) because the proportional
// amount starts further from the exchange's floor.
const liftMargin = 1.05

// minEquityUSDT is the guard floor below which sizing is refused outright.
const minEquityUSDT = 1.0

// Result is the calculator's successful output.
type Result struct {
	Amount   float64
	Leverage int
}

// Calculate runs the sizing algorithm (spec §4.4) for one follower.
//
// leaderPosition is the leader's current position for the symbol (Symbol,
// Contracts and EntryPrice are read; MarkPrice is the price fallback when
// the follower's ticker yields no price). leaderLeverage is the leader's *intended*
// leverage (command_details), not necessarily the position's reported
// leverage. ok is false on any rejection path; callers must treat that as
// "skip this follower", never as an error.
func Calculate(
	ctx context.Context,
	followerAdapter adapter.Adapter,
	leaderPosition model.Position,
	followerEquity float64,
	leaderEquity float64,
	leaderLeverage int,
) (Result, bool) {
	// 1. Guard.
	if leaderEquity <= minEquityUSDT || followerEquity <= minEquityUSDT {
		return Result{}, false
	}
	if leaderLeverage <= 0 {
		return Result{}, false
	}

	symbolName := leaderPosition.Symbol
	reader := adapter.AmountReaderFor{Ctx: ctx, A: followerAdapter}

	costMin, amountMin, haveLimits := reader.MarketLimits(symbolName)
	if !haveLimits {
		return Result{}, false
	}
	price := leaderPosition.MarkPrice
	if t, err := followerAdapter.GetTicker(ctx, symbolName); err == nil && t.LastOrMark() > 0 {
		price = t.LastOrMark()
	}
	if price <= 0 {
		return Result{}, false
	}

	// 2. Proportional amount.
	leaderNotional := leaderPosition.Contracts * leaderPosition.EntryPrice
	leaderMarginUsed := leaderNotional / float64(leaderLeverage)
	marginRatio := leaderMarginUsed / leaderEquity
	followerMargin := followerEquity * marginRatio
	followerNotional := followerMargin * float64(leaderLeverage)
	amount := followerNotional / price

	// 3. Constraint lift.
	if amountMin > 0 && amount < amountMin {
		amount = amountMin
	}
	if costMin > 0 && amount*price < costMin {
		amount = (costMin / price) * liftMargin
	}

	// 4. Budget feasibility.
	budget := followerEquity * FollowerBudgetUsage
	requiredMargin := amount * price / float64(leaderLeverage)

	effectiveLeverage := leaderLeverage
	if requiredMargin > budget {
		minLeverageNeeded := (amount * price) / budget
		if minLeverageNeeded > FollowerMaxLeverage {
			return Result{}, false
		}
		effectiveLeverage = int(math.Min(FollowerMaxLeverage, float64(int(minLeverageNeeded))+leverageHeadroom))
		if effectiveLeverage < 1 {
			effectiveLeverage = 1
		}
	}

	// 5. Final gate.
	finalRequiredMargin := amount * price / float64(effectiveLeverage)
	if finalRequiredMargin > budget {
		return Result{}, false
	}

	// 6. Normalize.
	normalized, err := followerAdapter.NormalizeAmount(symbolName, amount)
	if err != nil || normalized <= 0 {
		return Result{}, false
	}

	return Result{Amount: normalized, Leverage: effectiveLeverage}, true
}
