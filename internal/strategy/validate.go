package strategy

import (
	"sort"
	"time"

	"SignalDesk/internal/model"

	"github.com/shopspring/decimal"
)

// Observation is a raw hit seen at some point in time, before validation.
type Observation struct {
	Kind  model.TransitionKind
	Level int
	Price decimal.Decimal
	At    time.Time
}

// ObservationsFromHits converts stored audit rows.
func ObservationsFromHits(hits []model.TradeHit) []Observation {
	out := make([]Observation, len(hits))
	for i, h := range hits {
		out[i] = Observation{Kind: h.Kind, Level: h.Level, Price: h.Price, At: h.ObservedAt}
	}
	return out
}

// ValidateSequence applies the rulebook's chronological rules to a history of
// raw observations. Once the stop-loss has fired, later take-profits are
// dropped; once TP2 or TP3 has fired the trade is risk-free and a later
// stop-loss is dropped. Nothing survives after a terminal event, a break-even
// needs TP2 first, and a take-profit at or below one already seen is dropped.
func ValidateSequence(obs []Observation) (kept, discarded []Observation) {
	sorted := make([]Observation, len(obs))
	copy(sorted, obs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].At.Before(sorted[j].At) })

	var (
		terminal bool
		riskFree bool
		highest  int
	)
	for _, o := range sorted {
		if terminal {
			discarded = append(discarded, o)
			continue
		}
		switch o.Kind {
		case model.TransitionStopLossHit:
			if riskFree {
				discarded = append(discarded, o)
				continue
			}
			terminal = true
		case model.TransitionBreakEvenHit:
			if !riskFree {
				discarded = append(discarded, o)
				continue
			}
			terminal = true
		case model.TransitionTPHit:
			if o.Level <= highest || o.Level > 3 {
				discarded = append(discarded, o)
				continue
			}
			highest = o.Level
			if o.Level >= 2 {
				riskFree = true
			}
			if o.Level == 3 {
				terminal = true
			}
		default:
			discarded = append(discarded, o)
			continue
		}
		kept = append(kept, o)
	}
	return kept, discarded
}
