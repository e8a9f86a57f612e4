package calculator

import (
	"errors"

	"SignalDesk/internal/model"

	"github.com/shopspring/decimal"
)

// Pip distances from entry for TP1, TP2, TP3 and SL.
var (
	TP1Pips = decimal.NewFromInt(20)
	TP2Pips = decimal.NewFromInt(40)
	TP3Pips = decimal.NewFromInt(70)
	SLPips  = decimal.NewFromInt(50)
)

// Levels holds the derived price levels of a trade.
type Levels struct {
	TP1 decimal.Decimal
	TP2 decimal.Decimal
	TP3 decimal.Decimal
	SL  decimal.Decimal
}

// CalculateLevels derives TP1/TP2/TP3/SL from entry: entry ± {20,40,70} pips on
// the profit side and 50 pips on the loss side.
func CalculateLevels(entry decimal.Decimal, side model.Side, sym model.Symbol) (Levels, error) {
	if !sym.Pip.IsPositive() {
		return Levels{}, errors.New("pip must be positive")
	}
	if !entry.IsPositive() {
		return Levels{}, errors.New("entry must be positive")
	}
	dir := decimal.NewFromInt(1)
	switch side {
	case model.SideLong:
	case model.SideShort:
		dir = dir.Neg()
	default:
		return Levels{}, errors.New("unknown side")
	}
	step := func(pips decimal.Decimal) decimal.Decimal {
		return RoundPrice(entry.Add(pips.Mul(sym.Pip).Mul(dir)), sym.Digits)
	}
	lv := Levels{
		TP1: step(TP1Pips),
		TP2: step(TP2Pips),
		TP3: step(TP3Pips),
		SL:  step(SLPips.Neg()),
	}
	if !lv.SL.IsPositive() {
		return Levels{}, errors.New("stop-loss below zero")
	}
	return lv, nil
}

// NewTrade builds an active trade with levels derived from the symbol descriptor.
func NewTrade(id model.TradeID, sym model.Symbol, side model.Side, entry decimal.Decimal) (*model.Trade, error) {
	entry = RoundPrice(entry, sym.Digits)
	lv, err := CalculateLevels(entry, side, sym)
	if err != nil {
		return nil, err
	}
	return &model.Trade{
		ID:     id,
		Symbol: sym.Name,
		Side:   side,
		Entry:  entry,
		TP1:    lv.TP1,
		TP2:    lv.TP2,
		TP3:    lv.TP3,
		SL:     lv.SL,
		Status: model.StatusActive,
	}, nil
}

// RoundPrice rounds a quote to the symbol's decimal places.
func RoundPrice(price decimal.Decimal, digits int32) decimal.Decimal {
	return price.Round(digits)
}
