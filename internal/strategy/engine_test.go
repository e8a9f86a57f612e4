package strategy

import (
	"math/rand"
	"testing"
	"time"

	"SignalDesk/internal/calculator"
	"SignalDesk/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func eurusdLong(t *testing.T) model.Trade {
	t.Helper()
	sym := model.Symbol{Name: "EURUSD", Digits: 5, Pip: d("0.0001")}
	tr, err := calculator.NewTrade(model.TradeID{ChannelID: -1001, MessageID: 1}, sym, model.SideLong, d("1.10000"))
	require.NoError(t, err)
	return *tr
}

func usdjpyShort(t *testing.T) model.Trade {
	t.Helper()
	sym := model.Symbol{Name: "USDJPY", Digits: 3, Pip: d("0.01")}
	tr, err := calculator.NewTrade(model.TradeID{ChannelID: -1001, MessageID: 2}, sym, model.SideShort, d("150.000"))
	require.NoError(t, err)
	return *tr
}

func feed(t *testing.T, tr model.Trade, prices ...string) (model.Trade, [][]model.Transition) {
	t.Helper()
	var all [][]model.Transition
	for _, p := range prices {
		res, err := Evaluate(tr, d(p))
		require.NoError(t, err)
		all = append(all, res.Transitions)
		tr = res.Trade
	}
	return tr, all
}

func TestEvaluate_LongTP1ThenTP2ThenBreakEven(t *testing.T) {
	tr, steps := feed(t, eurusdLong(t), "1.10100", "1.10250", "1.10450", "1.09999")

	assert.Empty(t, steps[0])
	require.Len(t, steps[1], 1)
	assert.Equal(t, "TP1", steps[1][0].String())
	require.Len(t, steps[2], 1)
	assert.Equal(t, "TP2", steps[2][0].String())
	require.Len(t, steps[3], 1)
	assert.Equal(t, model.TransitionBreakEvenHit, steps[3][0].Kind)

	assert.True(t, tr.Closed())
	assert.Equal(t, model.ReasonBreakEven, tr.CloseReason)
	assert.Equal(t, []int{1, 2}, tr.HitSet())
}

func TestEvaluate_JumpPastTwoTPs(t *testing.T) {
	tr, steps := feed(t, eurusdLong(t), "1.10000", "1.10500")

	assert.Empty(t, steps[0])
	require.Len(t, steps[1], 2)
	assert.Equal(t, 1, steps[1][0].Level)
	assert.Equal(t, 2, steps[1][1].Level)
	assert.True(t, tr.BreakEvenArmed)
	assert.False(t, tr.Closed())
}

func TestEvaluate_ShortStopOut(t *testing.T) {
	tr, steps := feed(t, usdjpyShort(t), "150.200", "150.500", "149.800")

	assert.Empty(t, steps[0])
	require.Len(t, steps[1], 1)
	assert.Equal(t, model.TransitionStopLossHit, steps[1][0].Kind)
	assert.Empty(t, steps[2])
	assert.True(t, tr.Closed())
	assert.Equal(t, model.ReasonStopLoss, tr.CloseReason)
	assert.Empty(t, tr.HitSet())
}

func TestEvaluate_ShortTakeProfitsUseInvertedComparison(t *testing.T) {
	tr, steps := feed(t, usdjpyShort(t), "149.900", "149.800", "149.250")
	assert.Empty(t, steps[0])
	require.Len(t, steps[1], 1)
	assert.Equal(t, 1, steps[1][0].Level)
	require.Len(t, steps[2], 2)
	assert.Equal(t, []int{2, 3}, []int{steps[2][0].Level, steps[2][1].Level})
	assert.True(t, tr.Closed())
	assert.Equal(t, model.ReasonTP3, tr.CloseReason)
}

func TestEvaluate_BreakEvenBeatsStopLoss(t *testing.T) {
	tr, _ := feed(t, eurusdLong(t), "1.10450")
	res, err := Evaluate(tr, d("1.09000"))
	require.NoError(t, err)
	require.Len(t, res.Transitions, 1)
	assert.Equal(t, model.TransitionBreakEvenHit, res.Transitions[0].Kind)
}

func TestEvaluate_DoesNotMutateInput(t *testing.T) {
	tr := eurusdLong(t)
	_, err := Evaluate(tr, d("1.10800"))
	require.NoError(t, err)
	assert.Empty(t, tr.HitSet())
	assert.False(t, tr.Closed())
}

func TestEvaluate_SkipsTPsBelowOverride(t *testing.T) {
	tr := eurusdLong(t)
	tr.Hits[1] = true // TP2 forced by an operator
	tr.BreakEvenArmed = true
	res, err := Evaluate(tr, d("1.10250"))
	require.NoError(t, err)
	assert.Empty(t, res.Transitions)
}

// Random walks must only ever produce ascending TP hits and nothing after a terminal event.
func TestEvaluate_RandomWalkProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for run := 0; run < 200; run++ {
		tr := eurusdLong(t)
		if run%2 == 1 {
			tr = usdjpyShort(t)
		}
		price := tr.Entry
		step := d("0.0007")
		if tr.Side == model.SideShort {
			step = d("0.07")
		}
		lastTP := 0
		terminal := false
		for i := 0; i < 60; i++ {
			price = price.Add(step.Mul(decimal.NewFromInt(int64(rng.Intn(5) - 2))))
			res, err := Evaluate(tr, price)
			require.NoError(t, err)
			if terminal {
				require.Empty(t, res.Transitions, "transition after terminal")
			}
			for _, x := range res.Transitions {
				if x.Kind == model.TransitionTPHit {
					require.Greater(t, x.Level, lastTP)
					lastTP = x.Level
				}
				if x.Terminal() {
					terminal = true
				}
			}
			require.Equal(t, terminal, res.Trade.Closed())
			tr = res.Trade
		}
	}
}

func TestValidateSequence(t *testing.T) {
	t0 := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	obs := func(kind model.TransitionKind, level int, minutes int) Observation {
		return Observation{Kind: kind, Level: level, At: t0.Add(time.Duration(minutes) * time.Minute)}
	}
	tests := []struct {
		name      string
		in        []Observation
		kept      int
		discarded int
	}{
		{
			name: "tp after sl dropped",
			in: []Observation{
				obs(model.TransitionStopLossHit, 0, 1),
				obs(model.TransitionTPHit, 1, 2),
				obs(model.TransitionTPHit, 3, 3),
			},
			kept: 1, discarded: 2,
		},
		{
			name: "sl after tp2 dropped",
			in: []Observation{
				obs(model.TransitionTPHit, 1, 1),
				obs(model.TransitionTPHit, 2, 2),
				obs(model.TransitionStopLossHit, 0, 3),
			},
			kept: 2, discarded: 1,
		},
		{
			name: "sl after tp1 kept",
			in: []Observation{
				obs(model.TransitionTPHit, 1, 1),
				obs(model.TransitionStopLossHit, 0, 2),
			},
			kept: 2, discarded: 0,
		},
		{
			name: "out of order input is sorted first",
			in: []Observation{
				obs(model.TransitionStopLossHit, 0, 5),
				obs(model.TransitionTPHit, 2, 2),
				obs(model.TransitionTPHit, 1, 1),
			},
			kept: 2, discarded: 1,
		},
		{
			name: "duplicate tp and unarmed break-even dropped",
			in: []Observation{
				obs(model.TransitionTPHit, 1, 1),
				obs(model.TransitionTPHit, 1, 2),
				obs(model.TransitionBreakEvenHit, 0, 3),
			},
			kept: 1, discarded: 2,
		},
	}
	for _, tt := range tests {
		kept, discarded := ValidateSequence(tt.in)
		assert.Len(t, kept, tt.kept, tt.name)
		assert.Len(t, discarded, tt.discarded, tt.name)
	}
}
