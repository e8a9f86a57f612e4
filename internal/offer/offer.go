// Package offer sends the daily promotional offer to free-tier members.
package offer

import (
	"context"
	"fmt"
	"time"

	"SignalDesk/internal/calendar"
	"SignalDesk/internal/dispatch"
	"SignalDesk/internal/model"
	"SignalDesk/internal/notifier"

	"go.uber.org/zap"
)

const DefaultCooldown = 40 * time.Hour

// Window is how long after the configured minute a sweep may still start.
const Window = 2 * time.Minute

type Store interface {
	FreeMembers(ctx context.Context) ([]model.Member, error)
	HasTrialHistory(ctx context.Context, userID int64) (bool, error)
	ClaimOffer(ctx context.Context, userID int64, now time.Time, cooldown time.Duration) (bool, error)
	MarkDiscountSent(ctx context.Context, userID int64) error
}

type Membership interface {
	IsMember(ctx context.Context, chatID, userID int64) (bool, error)
}

type Sender interface {
	Send(ctx context.Context, msg dispatch.Message) (dispatch.Outcome, error)
}

type Options struct {
	Hour      int
	Minute    int
	Cooldown  time.Duration
	VIPChatID int64
}

// Loop sweeps free-tier members once per calendar day.
type Loop struct {
	store     Store
	members   Membership
	sender    Sender
	cal       *calendar.Calendar
	clock     calendar.Clock
	opts      Options
	logger    *zap.Logger
	lastSweep string
}

func New(st Store, members Membership, sender Sender, cal *calendar.Calendar, clock calendar.Clock, opts Options, logger *zap.Logger) *Loop {
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	return &Loop{store: st, members: members, sender: sender, cal: cal, clock: clock, opts: opts, logger: logger}
}

func (l *Loop) Name() string { return "daily_offer" }

// Run sweeps when now falls inside today's window and today has not been swept.
func (l *Loop) Run(ctx context.Context) error {
	now := l.cal.In(l.clock.Now())
	start := time.Date(now.Year(), now.Month(), now.Day(), l.opts.Hour, l.opts.Minute, 0, 0, now.Location())
	if now.Before(start) || !now.Before(start.Add(Window)) {
		return nil
	}
	day := now.Format(time.DateOnly)
	if l.lastSweep == day {
		return nil
	}
	l.lastSweep = day

	members, err := l.store.FreeMembers(ctx)
	if err != nil {
		return fmt.Errorf("load members: %w", err)
	}
	var sent, skipped int
	for _, m := range members {
		if ctx.Err() != nil {
			break
		}
		ok, err := l.offer(ctx, m.UserID, now)
		if err != nil {
			l.logger.Error("offer", zap.Int64("user_id", m.UserID), zap.Error(err))
			continue
		}
		if ok {
			sent++
		} else {
			skipped++
		}
	}
	l.logger.Info("offer sweep done", zap.String("day", day), zap.Int("sent", sent), zap.Int("skipped", skipped))
	return nil
}

func (l *Loop) offer(ctx context.Context, userID int64, now time.Time) (bool, error) {
	used, err := l.store.HasTrialHistory(ctx, userID)
	if err != nil || used {
		return false, err
	}
	vip, err := l.members.IsMember(ctx, l.opts.VIPChatID, userID)
	if err != nil {
		return false, fmt.Errorf("check vip membership: %w", err)
	}
	if vip {
		return false, nil
	}
	won, err := l.store.ClaimOffer(ctx, userID, now, l.opts.Cooldown)
	if err != nil || !won {
		return false, err
	}
	if _, err := l.sender.Send(ctx, dispatch.Message{RecipientID: userID, Text: notifier.FormatOffer(), Kind: "offer"}); err != nil {
		return false, fmt.Errorf("send offer: %w", err)
	}
	if err := l.store.MarkDiscountSent(ctx, userID); err != nil {
		return true, err
	}
	return true, nil
}
