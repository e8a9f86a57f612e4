// Package tracker runs the trade tracking loop: poll open trades, price them,
// detect hits and post results back to the signal channel.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"SignalDesk/internal/calculator"
	"SignalDesk/internal/calendar"
	"SignalDesk/internal/dispatch"
	"SignalDesk/internal/metrics"
	"SignalDesk/internal/model"
	"SignalDesk/internal/notifier"
	"SignalDesk/internal/store"
	"SignalDesk/internal/strategy"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Store is the slice of the persistent store the tracker needs.
type Store interface {
	OpenTrades(ctx context.Context) ([]model.Trade, error)
	SaveTrade(ctx context.Context, t *model.Trade) error
	ApplyTrade(ctx context.Context, t *model.Trade, hits []model.TradeHit) error
	TradeHits(ctx context.Context, id model.TradeID) ([]model.TradeHit, error)
}

// Quoter returns the current price of a symbol, ok=false when none is available.
type Quoter interface {
	Quote(ctx context.Context, symbol string) (decimal.Decimal, bool)
}

// Sender is the outbound dispatcher.
type Sender interface {
	Send(ctx context.Context, msg dispatch.Message) (dispatch.Outcome, error)
	NotifyOperator(ctx context.Context, text string)
}

// Tracker is the trade tracking loop. Each Run is one pass.
type Tracker struct {
	store   Store
	quotes  Quoter
	sender  Sender
	cal     *calendar.Calendar
	clock   calendar.Clock
	symbols map[string]model.Symbol
	pacing  time.Duration
	logger  *zap.Logger

	audited bool
	sleep   func(ctx context.Context, d time.Duration) error
}

func New(st Store, quotes Quoter, sender Sender, cal *calendar.Calendar, clock calendar.Clock,
	symbols []model.Symbol, pacing time.Duration, logger *zap.Logger) *Tracker {
	bySymbol := make(map[string]model.Symbol, len(symbols))
	for _, s := range symbols {
		bySymbol[s.Name] = s
	}
	return &Tracker{
		store:   st,
		quotes:  quotes,
		sender:  sender,
		cal:     cal,
		clock:   clock,
		symbols: bySymbol,
		pacing:  pacing,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (t *Tracker) Name() string { return "tracker" }

// Run performs one pass over the open trades. Inside the closed-market window
// it returns without touching any provider; a pass that runs into the window
// stops at the next trade.
func (t *Tracker) Run(ctx context.Context) error {
	now := t.clock.Now()
	if t.cal.MarketClosed(now) {
		t.logger.Debug("market closed, skipping pass", zap.Time("now", now))
		return nil
	}

	trades, err := t.store.OpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("load open trades: %w", err)
	}
	metrics.OpenTrades.Set(float64(len(trades)))

	if !t.audited {
		t.audit(ctx, trades)
		t.audited = true
	}

	for i := range trades {
		if i > 0 {
			if err := t.sleep(ctx, t.pacing); err != nil {
				return nil
			}
			if now := t.clock.Now(); t.cal.MarketClosed(now) {
				t.logger.Info("market closed mid-pass, stopping", zap.Time("now", now), zap.Int("remaining", len(trades)-i))
				return nil
			}
		}
		t.check(ctx, trades[i])
	}
	return nil
}

func (t *Tracker) digits(symbol string) int32 {
	if s, ok := t.symbols[symbol]; ok {
		return s.Digits
	}
	return 5
}

func (t *Tracker) check(ctx context.Context, tr model.Trade) {
	log := t.logger.With(zap.String("trade", tr.ID.String()), zap.String("symbol", tr.Symbol))

	price, ok := t.quotes.Quote(ctx, tr.Symbol)
	if !ok {
		return
	}
	price = calculator.RoundPrice(price, t.digits(tr.Symbol))

	res, err := strategy.Evaluate(tr, price)
	if err != nil {
		t.violation(ctx, log, "hit detector", err)
		return
	}
	if !res.Changed() {
		return
	}

	now := t.clock.Now()
	updated := res.Trade
	updated.UpdatedAt = now
	hits := make([]model.TradeHit, len(res.Transitions))
	for i, tn := range res.Transitions {
		hits[i] = model.TradeHit{TradeID: tr.ID, Kind: tn.Kind, Level: tn.Level, Price: tn.Price, ObservedAt: now}
	}

	if err := t.store.ApplyTrade(ctx, &updated, hits); err != nil {
		switch {
		case errors.Is(err, store.ErrConflict):
			// Another writer got there first; the next pass reads fresh state.
			log.Warn("trade changed concurrently, dropping this sample", zap.Error(err))
		case errors.Is(err, model.ErrInvalidLevels), errors.Is(err, model.ErrTradeClosed), errors.Is(err, model.ErrHitOrder):
			t.violation(ctx, log, "tracker", err)
		default:
			log.Error("persist trade", zap.Error(err))
		}
		return
	}

	for _, tn := range res.Transitions {
		metrics.TradeTransitionsTotal.WithLabelValues(string(tn.Kind)).Inc()
		log.Info("trade transition", zap.Stringer("transition", tn), zap.String("price", price.String()),
			zap.Bool("closed", updated.Closed()))
		_, err := t.sender.Send(ctx, dispatch.Message{
			RecipientID: tr.ID.ChannelID,
			ReplyTo:     tr.ID.MessageID,
			Text:        notifier.FormatTransition(updated, tn, t.digits(tr.Symbol)),
			Kind:        "trade_result",
		})
		if err != nil {
			log.Error("post trade result", zap.Error(err))
		}
	}
}

// audit replays the stored hit history of each trade through the
// chronological rules and reports anything they reject.
func (t *Tracker) audit(ctx context.Context, trades []model.Trade) {
	for _, tr := range trades {
		hits, err := t.store.TradeHits(ctx, tr.ID)
		if err != nil {
			t.logger.Warn("load trade hits", zap.String("trade", tr.ID.String()), zap.Error(err))
			continue
		}
		_, discarded := strategy.ValidateSequence(strategy.ObservationsFromHits(hits))
		for _, o := range discarded {
			t.violation(ctx, t.logger.With(zap.String("trade", tr.ID.String())), "audit",
				fmt.Errorf("out-of-order %s level %d at %s", o.Kind, o.Level, o.At.Format(time.RFC3339)))
		}
	}
}

func (t *Tracker) violation(ctx context.Context, log *zap.Logger, component string, err error) {
	metrics.InvariantViolationsTotal.WithLabelValues(component).Inc()
	log.Error("invariant violation, update refused", zap.String("component", component), zap.Error(err))
	t.sender.NotifyOperator(ctx, notifier.FormatInvariantNotice(component, err.Error()))
}
