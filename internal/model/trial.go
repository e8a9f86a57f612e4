package model

import "time"

// Trial is a time-bounded VIP-tier grant.
type Trial struct {
	UserID              int64
	GrantedAt           time.Time
	ExpiresAt           time.Time
	WeekendDeferred     bool
	Warned24h           bool
	Warned3h            bool
	ActivationAnnounced bool
}

// TrialHistory is kept forever per user and blocks a second free trial.
type TrialHistory struct {
	UserID         int64
	FirstGrantedAt time.Time
	GrantsCount    int
	LastExpiredAt  time.Time // zero until the first expiry
}

// Notice identifies a single-firing trial notice.
type Notice string

const (
	Notice24h        Notice = "24h"
	Notice3h         Notice = "3h"
	NoticeActivation Notice = "activation"
)

// FollowUpStage is one of the post-expiry follow-ups.
type FollowUpStage int

const (
	FollowUp3d FollowUpStage = iota
	FollowUp7d
	FollowUp14d
)

// FollowUpStages lists the stages in due order.
var FollowUpStages = []FollowUpStage{FollowUp3d, FollowUp7d, FollowUp14d}

// Offset is the delay after expiry at which the stage becomes due.
func (s FollowUpStage) Offset() time.Duration {
	switch s {
	case FollowUp3d:
		return 3 * 24 * time.Hour
	case FollowUp7d:
		return 7 * 24 * time.Hour
	default:
		return 14 * 24 * time.Hour
	}
}

func (s FollowUpStage) String() string {
	switch s {
	case FollowUp3d:
		return "3d"
	case FollowUp7d:
		return "7d"
	default:
		return "14d"
	}
}

// FollowUp is the per-expired-trial follow-up schedule.
type FollowUp struct {
	UserID    int64
	ExpiredAt time.Time
	Sent      [3]bool // indexed by FollowUpStage
}

// Due reports whether the stage is unsent and its due time has arrived.
func (f *FollowUp) Due(stage FollowUpStage, now time.Time) bool {
	return !f.Sent[stage] && !now.Before(f.ExpiredAt.Add(stage.Offset()))
}
