package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"SignalDesk/internal/model"
)

// OfferRecord loads the user's last offer.
func (s *Store) OfferRecord(ctx context.Context, userID int64) (model.OfferRecord, error) {
	var last Timestamp
	err := s.db.GetContext(ctx, &last, s.db.Rebind(`SELECT last_offered_at FROM offers WHERE user_id = ?`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.OfferRecord{}, ErrNotFound
	}
	if err != nil {
		return model.OfferRecord{}, fmt.Errorf("select offer: %w", err)
	}
	return model.OfferRecord{UserID: userID, LastOfferedAt: s.in(last)}, nil
}

// ClaimOffer stamps now as the user's last offer if the previous one is at
// least cooldown old, and reports whether this call won the slot.
func (s *Store) ClaimOffer(ctx context.Context, userID int64, now time.Time, cooldown time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO offers (user_id, last_offered_at) VALUES (?, ?)
		ON CONFLICT (user_id) DO NOTHING`), userID, ts(now))
	won, err := claimed(res, err)
	if err != nil {
		return false, fmt.Errorf("insert offer: %w", err)
	}
	if won {
		return true, nil
	}

	var raw string
	if err := s.db.GetContext(ctx, &raw, s.db.Rebind(`SELECT last_offered_at FROM offers WHERE user_id = ?`), userID); err != nil {
		return false, fmt.Errorf("select offer: %w", err)
	}
	var last Timestamp
	if err := last.Scan(raw); err != nil {
		return false, err
	}
	if now.Sub(last.Time) < cooldown {
		return false, nil
	}
	// Compare-and-swap on the stored text so two sweeps cannot both win.
	res, err = s.db.ExecContext(ctx, s.db.Rebind(`UPDATE offers SET last_offered_at = ? WHERE user_id = ? AND last_offered_at = ?`),
		ts(now), userID, raw)
	won, err = claimed(res, err)
	if err != nil {
		return false, fmt.Errorf("update offer: %w", err)
	}
	return won, nil
}

type memberRow struct {
	UserID       int64     `db:"user_id"`
	JoinedAt     Timestamp `db:"joined_at"`
	DiscountSent bool      `db:"discount_sent"`
}

// AddMember records a free-tier join. Rejoining keeps the original row.
func (s *Store) AddMember(ctx context.Context, userID int64, joinedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO members (user_id, joined_at, discount_sent) VALUES (?, ?, FALSE)
		ON CONFLICT (user_id) DO NOTHING`), userID, ts(joinedAt))
	if err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	return nil
}

func (s *Store) RemoveMember(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM members WHERE user_id = ?`), userID); err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	return nil
}

// FreeMembers lists every recorded free-tier member.
func (s *Store) FreeMembers(ctx context.Context) ([]model.Member, error) {
	var rows []memberRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT user_id, joined_at, discount_sent FROM members ORDER BY user_id`); err != nil {
		return nil, fmt.Errorf("select members: %w", err)
	}
	out := make([]model.Member, len(rows))
	for i, r := range rows {
		out[i] = model.Member{UserID: r.UserID, JoinedAt: s.in(r.JoinedAt), DiscountSent: r.DiscountSent}
	}
	return out, nil
}

func (s *Store) MarkDiscountSent(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE members SET discount_sent = TRUE WHERE user_id = ?`), userID); err != nil {
		return fmt.Errorf("mark discount sent: %w", err)
	}
	return nil
}

// AddReaction appends a reaction and reports false if the same
// (user, message, emoji) was already recorded.
func (s *Store) AddReaction(ctx context.Context, r model.Reaction) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO reactions (user_id, chat_id, message_id, emoji, reacted_at)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT (user_id, chat_id, message_id, emoji) DO NOTHING`),
		r.UserID, r.ChatID, r.MessageID, r.Emoji, ts(r.ReactedAt))
	added, err := claimed(res, err)
	if err != nil {
		return false, fmt.Errorf("insert reaction: %w", err)
	}
	return added, nil
}

// Stats counts rows in the main tables for operator notices.
func (s *Store) Stats(ctx context.Context) (map[string]int, error) {
	tables := []string{"trades", "closed_trades", "trials", "trial_history", "peers", "peer_archive", "pending_messages", "members", "reactions"}
	out := make(map[string]int, len(tables))
	for _, t := range tables {
		var n int
		if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM `+t); err != nil {
			return nil, fmt.Errorf("count %s: %w", t, err)
		}
		out[t] = n
	}
	return out, nil
}
