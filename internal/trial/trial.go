// Package trial owns the VIP trial lifecycle: granting, pre-expiry notices,
// expiry, post-expiry follow-ups and the Monday activation notice.
package trial

import (
	"context"
	"errors"
	"fmt"
	"time"

	"SignalDesk/internal/calendar"
	"SignalDesk/internal/dispatch"
	"SignalDesk/internal/model"
	"SignalDesk/internal/store"

	"go.uber.org/zap"
)

var (
	ErrTrialUsed   = errors.New("trial already used")
	ErrTrialActive = errors.New("trial already active")
)

// Store is the slice of the persistent store the trial loops need.
type Store interface {
	HasTrialHistory(ctx context.Context, userID int64) (bool, error)
	ActiveTrial(ctx context.Context, userID int64) (model.Trial, error)
	GrantTrial(ctx context.Context, t model.Trial) error
	ActiveTrials(ctx context.Context) ([]model.Trial, error)
	ClaimTrialNotice(ctx context.Context, userID int64, n model.Notice) (bool, error)
	ExpireTrial(ctx context.Context, userID int64, expiredAt time.Time) (bool, error)
	DueFollowUps(ctx context.Context, now time.Time) ([]model.FollowUp, error)
	ClaimFollowUp(ctx context.Context, userID int64, stage model.FollowUpStage) (bool, error)
}

// Membership is the platform's view of the VIP chat.
type Membership interface {
	IsMember(ctx context.Context, chatID, userID int64) (bool, error)
	RemoveMember(ctx context.Context, chatID, userID int64) error
}

type Sender interface {
	Send(ctx context.Context, msg dispatch.Message) (dispatch.Outcome, error)
}

// Deps are shared by every trial loop.
type Deps struct {
	Store     Store
	Members   Membership
	Sender    Sender
	Calendar  *calendar.Calendar
	Clock     calendar.Clock
	VIPChatID int64
	Logger    *zap.Logger
}

// Service grants trials.
type Service struct {
	Deps
}

func NewService(d Deps) *Service {
	return &Service{Deps: d}
}

// Grant issues a trial to userID. A user with any trial history is refused.
func (s *Service) Grant(ctx context.Context, userID int64) (model.Trial, error) {
	used, err := s.Store.HasTrialHistory(ctx, userID)
	if err != nil {
		return model.Trial{}, err
	}
	if used {
		if _, err := s.Store.ActiveTrial(ctx, userID); err == nil {
			return model.Trial{}, ErrTrialActive
		}
		return model.Trial{}, ErrTrialUsed
	}

	now := s.Calendar.In(s.Clock.Now())
	expiry, deferred := s.Calendar.TrialExpiry(now)
	t := model.Trial{UserID: userID, GrantedAt: now, ExpiresAt: expiry, WeekendDeferred: deferred}
	if err := s.Store.GrantTrial(ctx, t); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return model.Trial{}, ErrTrialUsed
		}
		return model.Trial{}, fmt.Errorf("grant trial: %w", err)
	}
	s.Logger.Info("trial granted", zap.Int64("user_id", userID),
		zap.Time("expires_at", expiry), zap.Bool("weekend_deferred", deferred))
	return t, nil
}

// send dispatches a notice whose flag the caller already claimed.
func send(ctx context.Context, d Deps, userID int64, kind, text string) {
	if _, err := d.Sender.Send(ctx, dispatch.Message{RecipientID: userID, Text: text, Kind: kind}); err != nil {
		d.Logger.Error("send trial notice", zap.Int64("user_id", userID), zap.String("kind", kind), zap.Error(err))
	}
}
