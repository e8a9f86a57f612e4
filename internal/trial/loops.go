package trial

import (
	"context"
	"fmt"
	"time"

	"SignalDesk/internal/model"
	"SignalDesk/internal/notifier"

	"go.uber.org/zap"
)

// Notice windows on time left before expiry, lower bound exclusive.
var (
	warn24hFrom, warn24hTo = 23 * time.Hour, 24 * time.Hour
	warn3hFrom, warn3hTo   = 2*time.Hour + 54*time.Minute, 3 * time.Hour
)

// ExpiryLoop expires trials whose deadline has passed.
type ExpiryLoop struct{ Deps }

func NewExpiryLoop(d Deps) *ExpiryLoop { return &ExpiryLoop{Deps: d} }

func (l *ExpiryLoop) Name() string { return "trial_expiry" }

func (l *ExpiryLoop) Run(ctx context.Context) error {
	now := l.Clock.Now()
	trials, err := l.Store.ActiveTrials(ctx)
	if err != nil {
		return fmt.Errorf("load trials: %w", err)
	}
	for _, t := range trials {
		if t.ExpiresAt.After(now) {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		log := l.Logger.With(zap.Int64("user_id", t.UserID))

		// The store is authoritative; a failed kick must not keep the trial alive.
		if err := l.Members.RemoveMember(ctx, l.VIPChatID, t.UserID); err != nil {
			log.Warn("remove from VIP failed", zap.Error(err))
		}
		expired, err := l.Store.ExpireTrial(ctx, t.UserID, now)
		if err != nil {
			log.Error("expire trial", zap.Error(err))
			continue
		}
		if !expired {
			continue
		}
		log.Info("trial expired", zap.Time("expires_at", t.ExpiresAt))
		send(ctx, l.Deps, t.UserID, "trial_expired", notifier.FormatTrialExpired())
	}
	return nil
}

// Warner sends the 24h and 3h pre-expiry notices, once each.
type Warner struct{ Deps }

func NewWarner(d Deps) *Warner { return &Warner{Deps: d} }

func (w *Warner) Name() string { return "trial_warner" }

func (w *Warner) Run(ctx context.Context) error {
	now := w.Clock.Now()
	trials, err := w.Store.ActiveTrials(ctx)
	if err != nil {
		return fmt.Errorf("load trials: %w", err)
	}
	for _, t := range trials {
		left := t.ExpiresAt.Sub(now)
		switch {
		case !t.Warned24h && left > warn24hFrom && left <= warn24hTo:
			w.notify(ctx, t, model.Notice24h, now)
		case !t.Warned3h && left > warn3hFrom && left <= warn3hTo:
			w.notify(ctx, t, model.Notice3h, now)
		}
	}
	return nil
}

func (w *Warner) notify(ctx context.Context, t model.Trial, n model.Notice, now time.Time) {
	won, err := w.Store.ClaimTrialNotice(ctx, t.UserID, n)
	if err != nil {
		w.Logger.Error("claim notice", zap.Int64("user_id", t.UserID), zap.String("notice", string(n)), zap.Error(err))
		return
	}
	if !won {
		return
	}
	send(ctx, w.Deps, t.UserID, "trial_warning_"+string(n), notifier.FormatTrialWarning(t, n, now))
}

// FollowUpLoop nudges expired-trial users at +3d, +7d and +14d unless they
// have rejoined VIP.
type FollowUpLoop struct{ Deps }

func NewFollowUpLoop(d Deps) *FollowUpLoop { return &FollowUpLoop{Deps: d} }

func (l *FollowUpLoop) Name() string { return "trial_follow_up" }

func (l *FollowUpLoop) Run(ctx context.Context) error {
	now := l.Clock.Now()
	due, err := l.Store.DueFollowUps(ctx, now)
	if err != nil {
		return fmt.Errorf("load follow-ups: %w", err)
	}
	for _, f := range due {
		log := l.Logger.With(zap.Int64("user_id", f.UserID))
		member, err := l.Members.IsMember(ctx, l.VIPChatID, f.UserID)
		if err != nil {
			log.Warn("membership lookup failed, retrying next tick", zap.Error(err))
			continue
		}
		for _, stage := range model.FollowUpStages {
			if !f.Due(stage, now) {
				continue
			}
			won, err := l.Store.ClaimFollowUp(ctx, f.UserID, stage)
			if err != nil {
				log.Error("claim follow-up", zap.Stringer("stage", stage), zap.Error(err))
				continue
			}
			if !won {
				continue
			}
			if member {
				log.Info("follow-up skipped, user is back in VIP", zap.Stringer("stage", stage))
				continue
			}
			send(ctx, l.Deps, f.UserID, "follow_up_"+stage.String(), notifier.FormatFollowUp(stage, f.ExpiredAt, now))
		}
	}
	return nil
}

// ActivationLoop announces weekend-deferred trials on Monday 00:00-01:59.
type ActivationLoop struct{ Deps }

func NewActivationLoop(d Deps) *ActivationLoop { return &ActivationLoop{Deps: d} }

func (l *ActivationLoop) Name() string { return "trial_activation" }

func (l *ActivationLoop) Run(ctx context.Context) error {
	now := l.Clock.Now()
	if !l.Calendar.ActivationWindow(now) {
		return nil
	}
	trials, err := l.Store.ActiveTrials(ctx)
	if err != nil {
		return fmt.Errorf("load trials: %w", err)
	}
	for _, t := range trials {
		if !t.WeekendDeferred || t.ActivationAnnounced {
			continue
		}
		won, err := l.Store.ClaimTrialNotice(ctx, t.UserID, model.NoticeActivation)
		if err != nil {
			l.Logger.Error("claim activation", zap.Int64("user_id", t.UserID), zap.Error(err))
			continue
		}
		if won {
			send(ctx, l.Deps, t.UserID, "trial_activated", notifier.FormatTrialActivated(t))
		}
	}
	return nil
}
