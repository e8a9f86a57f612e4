package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"SignalDesk/internal/model"

	"github.com/jmoiron/sqlx"
)

type trialRow struct {
	UserID              int64     `db:"user_id"`
	GrantedAt           Timestamp `db:"granted_at"`
	ExpiresAt           Timestamp `db:"expires_at"`
	WeekendDeferred     bool      `db:"weekend_deferred"`
	Warned24h           bool      `db:"warned_24h"`
	Warned3h            bool      `db:"warned_3h"`
	ActivationAnnounced bool      `db:"activation_announced"`
}

const trialColumns = `user_id, granted_at, expires_at, weekend_deferred, warned_24h, warned_3h, activation_announced`

func (s *Store) toTrial(r trialRow) model.Trial {
	return model.Trial{
		UserID:              r.UserID,
		GrantedAt:           s.in(r.GrantedAt),
		ExpiresAt:           s.in(r.ExpiresAt),
		WeekendDeferred:     r.WeekendDeferred,
		Warned24h:           r.Warned24h,
		Warned3h:            r.Warned3h,
		ActivationAnnounced: r.ActivationAnnounced,
	}
}

// GrantTrial records a new trial and its history row in one transaction.
// ErrConflict if the user has any history or an active trial.
func (s *Store) GrantTrial(ctx context.Context, t model.Trial) error {
	if !t.ExpiresAt.After(t.GrantedAt) {
		return fmt.Errorf("trial for %d expires before it starts", t.UserID)
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO trial_history (user_id, first_granted_at, grants_count)
			VALUES (?, ?, 1) ON CONFLICT (user_id) DO NOTHING`), t.UserID, ts(t.GrantedAt))
		ok, err := claimed(res, err)
		if err != nil {
			return fmt.Errorf("insert trial history: %w", err)
		}
		if !ok {
			return fmt.Errorf("trial history for %d: %w", t.UserID, ErrConflict)
		}
		res, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO trials (`+trialColumns+`)
			VALUES (?, ?, ?, ?, FALSE, FALSE, FALSE) ON CONFLICT (user_id) DO NOTHING`),
			t.UserID, ts(t.GrantedAt), ts(t.ExpiresAt), t.WeekendDeferred)
		ok, err = claimed(res, err)
		if err != nil {
			return fmt.Errorf("insert trial: %w", err)
		}
		if !ok {
			return fmt.Errorf("active trial for %d: %w", t.UserID, ErrConflict)
		}
		return nil
	})
}

// ActiveTrial loads the user's active trial.
func (s *Store) ActiveTrial(ctx context.Context, userID int64) (model.Trial, error) {
	var r trialRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT `+trialColumns+` FROM trials WHERE user_id = ?`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Trial{}, ErrNotFound
	}
	if err != nil {
		return model.Trial{}, fmt.Errorf("select trial: %w", err)
	}
	return s.toTrial(r), nil
}

// ActiveTrials returns every active trial.
func (s *Store) ActiveTrials(ctx context.Context) ([]model.Trial, error) {
	var rows []trialRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+trialColumns+` FROM trials ORDER BY user_id`); err != nil {
		return nil, fmt.Errorf("select trials: %w", err)
	}
	out := make([]model.Trial, len(rows))
	for i, r := range rows {
		out[i] = s.toTrial(r)
	}
	return out, nil
}

type historyRow struct {
	UserID         int64     `db:"user_id"`
	FirstGrantedAt Timestamp `db:"first_granted_at"`
	GrantsCount    int       `db:"grants_count"`
	LastExpiredAt  Timestamp `db:"last_expired_at"`
}

// TrialHistory loads the user's history row.
func (s *Store) TrialHistory(ctx context.Context, userID int64) (model.TrialHistory, error) {
	var r historyRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT user_id, first_granted_at, grants_count, last_expired_at
		FROM trial_history WHERE user_id = ?`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TrialHistory{}, ErrNotFound
	}
	if err != nil {
		return model.TrialHistory{}, fmt.Errorf("select trial history: %w", err)
	}
	return model.TrialHistory{
		UserID:         r.UserID,
		FirstGrantedAt: s.in(r.FirstGrantedAt),
		GrantsCount:    r.GrantsCount,
		LastExpiredAt:  s.in(r.LastExpiredAt),
	}, nil
}

// HasTrialHistory reports whether the user ever held a trial.
func (s *Store) HasTrialHistory(ctx context.Context, userID int64) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM trial_history WHERE user_id = ?`), userID); err != nil {
		return false, fmt.Errorf("count trial history: %w", err)
	}
	return n > 0, nil
}

var noticeColumn = map[model.Notice]string{
	model.Notice24h:        "warned_24h",
	model.Notice3h:         "warned_3h",
	model.NoticeActivation: "activation_announced",
}

// ClaimTrialNotice sets the notice flag and reports whether this call flipped it.
// Only the caller that flips the flag may send the notice.
func (s *Store) ClaimTrialNotice(ctx context.Context, userID int64, n model.Notice) (bool, error) {
	col, ok := noticeColumn[n]
	if !ok {
		return false, fmt.Errorf("unknown notice %q", n)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE trials SET `+col+` = TRUE WHERE user_id = ? AND `+col+` = FALSE`), userID)
	won, err := claimed(res, err)
	if err != nil {
		return false, fmt.Errorf("claim %s notice: %w", n, err)
	}
	return won, nil
}

// ExpireTrial deletes the active trial, stamps the history and seeds the
// follow-up schedule atomically. It reports false if the trial was already gone.
func (s *Store) ExpireTrial(ctx context.Context, userID int64, expiredAt time.Time) (bool, error) {
	var expired bool
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM trials WHERE user_id = ?`), userID)
		won, err := claimed(res, err)
		if err != nil {
			return fmt.Errorf("delete trial: %w", err)
		}
		if !won {
			return nil
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE trial_history SET last_expired_at = ? WHERE user_id = ?`),
			ts(expiredAt), userID); err != nil {
			return fmt.Errorf("update trial history: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO follow_ups (user_id, expired_at, sent_3d, sent_7d, sent_14d)
			VALUES (?, ?, FALSE, FALSE, FALSE)
			ON CONFLICT (user_id) DO UPDATE SET expired_at = excluded.expired_at,
				sent_3d = FALSE, sent_7d = FALSE, sent_14d = FALSE`), userID, ts(expiredAt)); err != nil {
			return fmt.Errorf("seed follow-ups: %w", err)
		}
		expired = true
		return nil
	})
	return expired, err
}

// ClearTrialHistory forgets a user's trial history so they may be granted again.
func (s *Store) ClearTrialHistory(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM trial_history WHERE user_id = ?`), userID)
	if err != nil {
		return fmt.Errorf("delete trial history: %w", err)
	}
	return nil
}

type followUpRow struct {
	UserID    int64     `db:"user_id"`
	ExpiredAt Timestamp `db:"expired_at"`
	Sent3d    bool      `db:"sent_3d"`
	Sent7d    bool      `db:"sent_7d"`
	Sent14d   bool      `db:"sent_14d"`
}

// DueFollowUps returns schedules with at least one stage due at now.
func (s *Store) DueFollowUps(ctx context.Context, now time.Time) ([]model.FollowUp, error) {
	var rows []followUpRow
	err := s.db.SelectContext(ctx, &rows, `SELECT user_id, expired_at, sent_3d, sent_7d, sent_14d FROM follow_ups
		WHERE sent_3d = FALSE OR sent_7d = FALSE OR sent_14d = FALSE ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("select follow-ups: %w", err)
	}
	var out []model.FollowUp
	for _, r := range rows {
		f := model.FollowUp{
			UserID:    r.UserID,
			ExpiredAt: s.in(r.ExpiredAt),
			Sent:      [3]bool{r.Sent3d, r.Sent7d, r.Sent14d},
		}
		for _, stage := range model.FollowUpStages {
			if f.Due(stage, now) {
				out = append(out, f)
				break
			}
		}
	}
	return out, nil
}

var followUpColumn = [3]string{"sent_3d", "sent_7d", "sent_14d"}

// ClaimFollowUp sets the stage's sent flag and reports whether this call flipped it.
func (s *Store) ClaimFollowUp(ctx context.Context, userID int64, stage model.FollowUpStage) (bool, error) {
	if stage < 0 || int(stage) >= len(followUpColumn) {
		return false, fmt.Errorf("unknown follow-up stage %d", stage)
	}
	col := followUpColumn[stage]
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE follow_ups SET `+col+` = TRUE WHERE user_id = ? AND `+col+` = FALSE`), userID)
	won, err := claimed(res, err)
	if err != nil {
		return false, fmt.Errorf("claim follow-up %s: %w", stage, err)
	}
	return won, nil
}
