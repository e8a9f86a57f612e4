package tracker

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"SignalDesk/internal/calculator"
	"SignalDesk/internal/dispatch"
	"SignalDesk/internal/model"
	"SignalDesk/internal/notifier"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrNotSignal     = errors.New("not a signal post")
	ErrUnknownSymbol = errors.New("unknown symbol")
)

// "EURUSD BUY 1.10000", "usdjpy sell @ 150.000"
var signalRe = regexp.MustCompile(`(?i)^\s*([A-Z0-9]{3,10})\s+(BUY|SELL|LONG|SHORT)\s*@?\s*([0-9]+(?:\.[0-9]+)?)\s*$`)

// Signal is a parsed channel post.
type Signal struct {
	Symbol string
	Side   model.Side
	Entry  decimal.Decimal
}

// ParseSignal reads the first line of a channel post.
func ParseSignal(text string) (Signal, error) {
	line := strings.SplitN(strings.TrimSpace(text), "\n", 2)[0]
	m := signalRe.FindStringSubmatch(line)
	if m == nil {
		return Signal{}, ErrNotSignal
	}
	entry, err := decimal.NewFromString(m[3])
	if err != nil {
		return Signal{}, fmt.Errorf("entry %q: %w", m[3], err)
	}
	side := model.SideLong
	switch strings.ToUpper(m[2]) {
	case "SELL", "SHORT":
		side = model.SideShort
	}
	return Signal{Symbol: strings.ToUpper(m[1]), Side: side, Entry: entry}, nil
}

// OpenFromPost turns a signal post into a tracked trade and replies with its levels.
func (t *Tracker) OpenFromPost(ctx context.Context, channelID, messageID int64, text string, at time.Time) (*model.Trade, error) {
	sig, err := ParseSignal(text)
	if err != nil {
		return nil, err
	}
	sym, ok := t.symbols[sig.Symbol]
	if !ok {
		return nil, fmt.Errorf("%s: %w", sig.Symbol, ErrUnknownSymbol)
	}
	tr, err := calculator.NewTrade(model.TradeID{ChannelID: channelID, MessageID: messageID}, sym, sig.Side, sig.Entry)
	if err != nil {
		return nil, fmt.Errorf("levels for %s: %w", sig.Symbol, err)
	}
	tr.OpenedAt, tr.UpdatedAt = at, at
	if err := t.store.SaveTrade(ctx, tr); err != nil {
		return nil, fmt.Errorf("save trade: %w", err)
	}
	t.logger.Info("trade opened", zap.String("trade", tr.ID.String()), zap.String("symbol", tr.Symbol),
		zap.String("side", string(tr.Side)), zap.String("entry", tr.Entry.String()))

	if _, err := t.sender.Send(ctx, dispatch.Message{
		RecipientID: channelID,
		ReplyTo:     messageID,
		Text:        notifier.FormatTradeCard(*tr, sym.Digits),
		Kind:        "trade_card",
	}); err != nil {
		t.logger.Error("post trade card", zap.String("trade", tr.ID.String()), zap.Error(err))
	}
	return tr, nil
}
