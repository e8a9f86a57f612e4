package strategy

import (
	"SignalDesk/internal/model"

	"github.com/shopspring/decimal"
)

// Reached reports whether price has reached a take-profit level.
// Long trades profit upwards (price >= level), short trades downwards (price <= level).
func Reached(side model.Side, level, price decimal.Decimal) bool {
	switch side {
	case model.SideLong:
		return price.GreaterThanOrEqual(level)
	case model.SideShort:
		return price.LessThanOrEqual(level)
	}
	return false
}

// StopReached reports whether price has crossed the stop-loss, which sits on
// the opposite side of entry from the take-profits.
func StopReached(side model.Side, sl, price decimal.Decimal) bool {
	switch side {
	case model.SideLong:
		return price.LessThanOrEqual(sl)
	case model.SideShort:
		return price.GreaterThanOrEqual(sl)
	}
	return false
}

// BreakEvenReached reports whether price has come back to entry.
func BreakEvenReached(side model.Side, entry, price decimal.Decimal) bool {
	return StopReached(side, entry, price)
}
