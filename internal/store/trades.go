package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"SignalDesk/internal/model"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

type tradeRow struct {
	ChannelID      int64           `db:"channel_id"`
	MessageID      int64           `db:"message_id"`
	Symbol         string          `db:"symbol"`
	Side           string          `db:"side"`
	Entry          decimal.Decimal `db:"entry"`
	TP1            decimal.Decimal `db:"tp1"`
	TP2            decimal.Decimal `db:"tp2"`
	TP3            decimal.Decimal `db:"tp3"`
	SL             decimal.Decimal `db:"sl"`
	Hit1           bool            `db:"hit1"`
	Hit2           bool            `db:"hit2"`
	Hit3           bool            `db:"hit3"`
	BreakEvenArmed bool            `db:"be_armed"`
	OpenedAt       Timestamp       `db:"opened_at"`
	UpdatedAt      Timestamp       `db:"updated_at"`
	Version        int64           `db:"version"`
}

type closedTradeRow struct {
	tradeRow
	CloseReason string `db:"close_reason"`
}

const tradeColumns = `channel_id, message_id, symbol, side, entry, tp1, tp2, tp3, sl,
	hit1, hit2, hit3, be_armed, opened_at, updated_at, version`

func toTradeRow(t *model.Trade) tradeRow {
	return tradeRow{
		ChannelID: t.ID.ChannelID, MessageID: t.ID.MessageID,
		Symbol: t.Symbol, Side: string(t.Side),
		Entry: t.Entry, TP1: t.TP1, TP2: t.TP2, TP3: t.TP3, SL: t.SL,
		Hit1: t.Hits[0], Hit2: t.Hits[1], Hit3: t.Hits[2],
		BreakEvenArmed: t.BreakEvenArmed,
		OpenedAt:       ts(t.OpenedAt), UpdatedAt: ts(t.UpdatedAt),
		Version: t.Version,
	}
}

func (s *Store) toTrade(r tradeRow) model.Trade {
	return model.Trade{
		ID:     model.TradeID{ChannelID: r.ChannelID, MessageID: r.MessageID},
		Symbol: r.Symbol, Side: model.Side(r.Side),
		Entry: r.Entry, TP1: r.TP1, TP2: r.TP2, TP3: r.TP3, SL: r.SL,
		Hits:           [3]bool{r.Hit1, r.Hit2, r.Hit3},
		BreakEvenArmed: r.BreakEvenArmed,
		Status:         model.StatusActive,
		OpenedAt:       s.in(r.OpenedAt), UpdatedAt: s.in(r.UpdatedAt),
		Version: r.Version,
	}
}

// SaveTrade inserts a new open trade. ErrConflict if the signal is already tracked.
func (s *Store) SaveTrade(ctx context.Context, t *model.Trade) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.Closed() {
		return model.ErrTradeClosed
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var n int
		if err := tx.GetContext(ctx, &n, tx.Rebind(`SELECT COUNT(*) FROM closed_trades WHERE channel_id = ? AND message_id = ?`),
			t.ID.ChannelID, t.ID.MessageID); err != nil {
			return fmt.Errorf("check closed trade: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("trade %s already closed: %w", t.ID, ErrConflict)
		}
		res, err := tx.NamedExecContext(ctx, `INSERT INTO trades (`+tradeColumns+`)
			VALUES (:channel_id, :message_id, :symbol, :side, :entry, :tp1, :tp2, :tp3, :sl,
				:hit1, :hit2, :hit3, :be_armed, :opened_at, :updated_at, :version)
			ON CONFLICT (channel_id, message_id) DO NOTHING`, toTradeRow(t))
		ok, err := claimed(res, err)
		if err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
		if !ok {
			return fmt.Errorf("trade %s: %w", t.ID, ErrConflict)
		}
		return nil
	})
}

// OpenTrades returns a fresh snapshot of every active trade.
func (s *Store) OpenTrades(ctx context.Context) ([]model.Trade, error) {
	var rows []tradeRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+tradeColumns+` FROM trades ORDER BY channel_id, message_id`); err != nil {
		return nil, fmt.Errorf("select trades: %w", err)
	}
	out := make([]model.Trade, len(rows))
	for i, r := range rows {
		out[i] = s.toTrade(r)
	}
	return out, nil
}

// Trade loads one open trade.
func (s *Store) Trade(ctx context.Context, id model.TradeID) (model.Trade, error) {
	var r tradeRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT `+tradeColumns+` FROM trades WHERE channel_id = ? AND message_id = ?`),
		id.ChannelID, id.MessageID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Trade{}, ErrNotFound
	}
	if err != nil {
		return model.Trade{}, fmt.Errorf("select trade: %w", err)
	}
	return s.toTrade(r), nil
}

// ClosedTrade loads a trade from the closed set.
func (s *Store) ClosedTrade(ctx context.Context, id model.TradeID) (model.Trade, error) {
	var r closedTradeRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT `+tradeColumns+`, close_reason FROM closed_trades WHERE channel_id = ? AND message_id = ?`),
		id.ChannelID, id.MessageID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Trade{}, ErrNotFound
	}
	if err != nil {
		return model.Trade{}, fmt.Errorf("select closed trade: %w", err)
	}
	t := s.toTrade(r.tradeRow)
	t.Status = model.StatusClosed
	t.CloseReason = model.CloseReason(r.CloseReason)
	return t, nil
}

// ApplyTrade persists t together with the transitions that produced it.
// t.Version must match the stored version, otherwise ErrConflict. A closed
// trade moves to closed_trades. On success t.Version is bumped.
func (s *Store) ApplyTrade(ctx context.Context, t *model.Trade, hits []model.TradeHit) error {
	if err := t.Validate(); err != nil {
		return err
	}
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		row := toTradeRow(t)
		row.Version++
		if t.Closed() {
			if err := moveToClosed(ctx, tx, row, t); err != nil {
				return err
			}
		} else {
			res, err := tx.NamedExecContext(ctx, `UPDATE trades SET
				hit1 = :hit1, hit2 = :hit2, hit3 = :hit3, be_armed = :be_armed,
				updated_at = :updated_at, version = :version
				WHERE channel_id = :channel_id AND message_id = :message_id AND version = :version - 1`, row)
			ok, err := claimed(res, err)
			if err != nil {
				return fmt.Errorf("update trade: %w", err)
			}
			if !ok {
				return fmt.Errorf("trade %s version %d: %w", t.ID, t.Version, ErrConflict)
			}
		}
		for _, h := range hits {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO trade_hits
				(channel_id, message_id, kind, level, price, observed_at) VALUES (?, ?, ?, ?, ?, ?)`),
				h.TradeID.ChannelID, h.TradeID.MessageID, string(h.Kind), h.Level, h.Price, ts(h.ObservedAt)); err != nil {
				return fmt.Errorf("insert trade hit: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	t.Version++
	return nil
}

func moveToClosed(ctx context.Context, tx *sqlx.Tx, row tradeRow, t *model.Trade) error {
	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM trades WHERE channel_id = ? AND message_id = ? AND version = ?`),
		t.ID.ChannelID, t.ID.MessageID, t.Version)
	ok, err := claimed(res, err)
	if err != nil {
		return fmt.Errorf("delete trade: %w", err)
	}
	if !ok {
		return fmt.Errorf("trade %s version %d: %w", t.ID, t.Version, ErrConflict)
	}
	_, err = tx.NamedExecContext(ctx, `INSERT INTO closed_trades (`+tradeColumns+`, close_reason)
		VALUES (:channel_id, :message_id, :symbol, :side, :entry, :tp1, :tp2, :tp3, :sl,
			:hit1, :hit2, :hit3, :be_armed, :opened_at, :updated_at, :version, :close_reason)`,
		closedTradeRow{tradeRow: row, CloseReason: string(t.CloseReason)})
	if err != nil {
		return fmt.Errorf("insert closed trade: %w", err)
	}
	return nil
}

// CloseTrade closes an open trade outside the hit detector, e.g. on operator request.
func (s *Store) CloseTrade(ctx context.Context, id model.TradeID, reason model.CloseReason) (model.Trade, error) {
	t, err := s.Trade(ctx, id)
	if err != nil {
		return model.Trade{}, err
	}
	if err := t.Close(reason); err != nil {
		return model.Trade{}, err
	}
	if err := s.ApplyTrade(ctx, &t, nil); err != nil {
		return model.Trade{}, err
	}
	return t, nil
}

type tradeHitRow struct {
	ChannelID  int64           `db:"channel_id"`
	MessageID  int64           `db:"message_id"`
	Kind       string          `db:"kind"`
	Level      int             `db:"level"`
	Price      decimal.Decimal `db:"price"`
	ObservedAt Timestamp       `db:"observed_at"`
}

// TradeHits returns the audit trail of a trade in insertion order.
func (s *Store) TradeHits(ctx context.Context, id model.TradeID) ([]model.TradeHit, error) {
	var rows []tradeHitRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT channel_id, message_id, kind, level, price, observed_at
		FROM trade_hits WHERE channel_id = ? AND message_id = ? ORDER BY id`), id.ChannelID, id.MessageID)
	if err != nil {
		return nil, fmt.Errorf("select trade hits: %w", err)
	}
	out := make([]model.TradeHit, len(rows))
	for i, r := range rows {
		out[i] = model.TradeHit{
			TradeID:    model.TradeID{ChannelID: r.ChannelID, MessageID: r.MessageID},
			Kind:       model.TransitionKind(r.Kind),
			Level:      r.Level,
			Price:      r.Price,
			ObservedAt: s.in(r.ObservedAt),
		}
	}
	return out, nil
}
