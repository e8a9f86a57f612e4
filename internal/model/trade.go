package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Valid reports whether s is one of the known sides.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// TradeStatus is the lifecycle state of a trade.
type TradeStatus string

const (
	StatusActive TradeStatus = "ACTIVE"
	StatusClosed TradeStatus = "CLOSED"
)

// CloseReason records why a trade left the active set.
type CloseReason string

const (
	ReasonNone      CloseReason = ""
	ReasonTP3       CloseReason = "TP3"
	ReasonStopLoss  CloseReason = "STOP_LOSS"
	ReasonBreakEven CloseReason = "BREAK_EVEN"
	ReasonManual    CloseReason = "MANUAL"
)

var (
	ErrTradeClosed   = errors.New("trade is closed")
	ErrHitOrder      = errors.New("take-profit hit out of order")
	ErrInvalidLevels = errors.New("invalid trade levels")
)

// TradeID identifies a trade by the signal post it originated from.
type TradeID struct {
	ChannelID int64
	MessageID int64
}

func (id TradeID) String() string {
	return fmt.Sprintf("%d/%d", id.ChannelID, id.MessageID)
}

// Trade is an open directional bet with three take-profits and a stop-loss.
type Trade struct {
	ID             TradeID
	Symbol         string
	Side           Side
	Entry          decimal.Decimal
	TP1            decimal.Decimal
	TP2            decimal.Decimal
	TP3            decimal.Decimal
	SL             decimal.Decimal
	Hits           [3]bool // TP1..TP3
	BreakEvenArmed bool
	Status         TradeStatus
	CloseReason    CloseReason
	OpenedAt       time.Time
	UpdatedAt      time.Time
	Version        int64 // optimistic lock, bumped on every persisted change
}

// TP returns take-profit k (1..3).
func (t *Trade) TP(k int) decimal.Decimal {
	switch k {
	case 1:
		return t.TP1
	case 2:
		return t.TP2
	case 3:
		return t.TP3
	}
	return decimal.Zero
}

// HasHit reports whether TPk is in the hit set.
func (t *Trade) HasHit(k int) bool {
	if k < 1 || k > 3 {
		return false
	}
	return t.Hits[k-1]
}

// HitSet lists the hit take-profits in ascending order.
func (t *Trade) HitSet() []int {
	var out []int
	for k := 1; k <= 3; k++ {
		if t.Hits[k-1] {
			out = append(out, k)
		}
	}
	return out
}

// Closed reports whether the trade is terminal.
func (t *Trade) Closed() bool {
	return t.Status == StatusClosed
}

// MarkHit adds TPk to the hit set. An insertion below an already-hit TP is refused,
// as is any mutation of a closed trade. TP2 arms break-even, TP3 closes the trade.
func (t *Trade) MarkHit(k int) error {
	if t.Closed() {
		return ErrTradeClosed
	}
	if k < 1 || k > 3 {
		return fmt.Errorf("take-profit %d: %w", k, ErrHitOrder)
	}
	if t.Hits[k-1] {
		return fmt.Errorf("take-profit %d already hit: %w", k, ErrHitOrder)
	}
	for j := k + 1; j <= 3; j++ {
		if t.Hits[j-1] {
			return fmt.Errorf("take-profit %d after %d: %w", k, j, ErrHitOrder)
		}
	}
	t.Hits[k-1] = true
	if k >= 2 {
		t.BreakEvenArmed = true
	}
	if k == 3 {
		t.Status = StatusClosed
		t.CloseReason = ReasonTP3
	}
	return nil
}

// Close moves the trade to its terminal state.
func (t *Trade) Close(reason CloseReason) error {
	if t.Closed() {
		return ErrTradeClosed
	}
	t.Status = StatusClosed
	t.CloseReason = reason
	return nil
}

// Validate checks the structural invariants of the trade.
func (t *Trade) Validate() error {
	if !t.Side.Valid() {
		return fmt.Errorf("side %q: %w", t.Side, ErrInvalidLevels)
	}
	var monotone, slOpposite bool
	switch t.Side {
	case SideLong:
		monotone = t.Entry.LessThan(t.TP1) && t.TP1.LessThan(t.TP2) && t.TP2.LessThan(t.TP3)
		slOpposite = t.SL.LessThan(t.Entry)
	case SideShort:
		monotone = t.Entry.GreaterThan(t.TP1) && t.TP1.GreaterThan(t.TP2) && t.TP2.GreaterThan(t.TP3)
		slOpposite = t.SL.GreaterThan(t.Entry)
	}
	if !monotone {
		return fmt.Errorf("take-profits not monotone for %s: %w", t.Side, ErrInvalidLevels)
	}
	if !slOpposite {
		return fmt.Errorf("stop-loss on the wrong side for %s: %w", t.Side, ErrInvalidLevels)
	}
	if t.BreakEvenArmed && !t.Hits[1] {
		return fmt.Errorf("break-even armed without TP2: %w", ErrInvalidLevels)
	}
	return nil
}

// TransitionKind names a state change emitted by the hit detector.
type TransitionKind string

const (
	TransitionTPHit        TransitionKind = "TP_HIT"
	TransitionStopLossHit  TransitionKind = "STOP_LOSS_HIT"
	TransitionBreakEvenHit TransitionKind = "BREAK_EVEN_HIT"
)

// Transition is one emitted state change. Level is the TP index for TP hits.
type Transition struct {
	Kind  TransitionKind
	Level int
	Price decimal.Decimal
}

// Terminal reports whether the transition closes the trade.
func (tr Transition) Terminal() bool {
	switch tr.Kind {
	case TransitionStopLossHit, TransitionBreakEvenHit:
		return true
	case TransitionTPHit:
		return tr.Level == 3
	}
	return false
}

func (tr Transition) String() string {
	if tr.Kind == TransitionTPHit {
		return fmt.Sprintf("TP%d", tr.Level)
	}
	return string(tr.Kind)
}

// TradeHit is an audit row for one transition observed on a trade.
type TradeHit struct {
	TradeID    TradeID
	Kind       TransitionKind
	Level      int
	Price      decimal.Decimal
	ObservedAt time.Time
}
