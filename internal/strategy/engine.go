package strategy

import (
	"fmt"

	"SignalDesk/internal/model"

	"github.com/shopspring/decimal"
)

// Result is the outcome of evaluating one price sample against a trade.
type Result struct {
	Transitions []model.Transition
	Trade       model.Trade
}

// Changed reports whether any transition fired.
func (r Result) Changed() bool {
	return len(r.Transitions) > 0
}

// Evaluate decides which transitions a price sample fires on a trade.
// Priority: an armed break-even wins, then the stop-loss, then take-profits in
// ascending order so that a sample jumping several levels emits each of them.
// The input trade is not modified; the updated copy is returned in the result.
// Price is expected to be rounded to the symbol's precision already.
func Evaluate(trade model.Trade, price decimal.Decimal) (Result, error) {
	res := Result{Trade: trade}
	if trade.Closed() {
		return res, nil
	}
	next := trade

	if next.BreakEvenArmed && BreakEvenReached(next.Side, next.Entry, price) {
		if err := next.Close(model.ReasonBreakEven); err != nil {
			return Result{Trade: trade}, err
		}
		res.Trade = next
		res.Transitions = []model.Transition{{Kind: model.TransitionBreakEvenHit, Price: price}}
		return res, nil
	}

	if StopReached(next.Side, next.SL, price) {
		if err := next.Close(model.ReasonStopLoss); err != nil {
			return Result{Trade: trade}, err
		}
		res.Trade = next
		res.Transitions = []model.Transition{{Kind: model.TransitionStopLossHit, Price: price}}
		return res, nil
	}

	for k := highestHit(&next) + 1; k <= 3; k++ {
		if !Reached(next.Side, next.TP(k), price) {
			break
		}
		if err := next.MarkHit(k); err != nil {
			return Result{Trade: trade}, fmt.Errorf("trade %s: %w", trade.ID, err)
		}
		res.Transitions = append(res.Transitions, model.Transition{Kind: model.TransitionTPHit, Level: k, Price: price})
	}
	res.Trade = next
	return res, nil
}

func highestHit(t *model.Trade) int {
	for k := 3; k >= 1; k-- {
		if t.HasHit(k) {
			return k
		}
	}
	return 0
}
