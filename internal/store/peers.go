package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"SignalDesk/internal/model"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type peerRow struct {
	RecipientID int64     `db:"recipient_id"`
	FirstSeen   Timestamp `db:"first_seen"`
	Level       int       `db:"level"`
	NextAttempt Timestamp `db:"next_attempt"`
	Established bool      `db:"established"`
	Delivered   bool      `db:"delivered"`
	Abandoned   bool      `db:"abandoned"`
	Blocked     bool      `db:"blocked"`
	Attempts    int       `db:"attempts"`
	LastError   string    `db:"last_error"`
}

const peerColumns = `recipient_id, first_seen, level, next_attempt, established, delivered, abandoned, blocked, attempts, last_error`

func (s *Store) toPeer(r peerRow) model.PeerRecord {
	return model.PeerRecord{
		RecipientID: r.RecipientID,
		FirstSeen:   s.in(r.FirstSeen),
		Level:       r.Level,
		NextAttempt: s.in(r.NextAttempt),
		Established: r.Established,
		Delivered:   r.Delivered,
		Abandoned:   r.Abandoned,
		Blocked:     r.Blocked,
		Attempts:    r.Attempts,
		LastError:   r.LastError,
	}
}

func toPeerRow(p model.PeerRecord) peerRow {
	return peerRow{
		RecipientID: p.RecipientID,
		FirstSeen:   ts(p.FirstSeen),
		Level:       p.Level,
		NextAttempt: ts(p.NextAttempt),
		Established: p.Established,
		Delivered:   p.Delivered,
		Abandoned:   p.Abandoned,
		Blocked:     p.Blocked,
		Attempts:    p.Attempts,
		LastError:   p.LastError,
	}
}

func selectPeer(ctx context.Context, tx *sqlx.Tx, recipient int64) (peerRow, bool, error) {
	var r peerRow
	err := tx.GetContext(ctx, &r, tx.Rebind(`SELECT `+peerColumns+` FROM peers WHERE recipient_id = ?`), recipient)
	if errors.Is(err, sql.ErrNoRows) {
		return peerRow{}, false, nil
	}
	if err != nil {
		return peerRow{}, false, fmt.Errorf("select peer: %w", err)
	}
	return r, true, nil
}

// archivePeer copies a closed ladder into peer_archive before the live row
// is reused for a new ladder.
func archivePeer(ctx context.Context, tx *sqlx.Tx, r peerRow, closedAt time.Time) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO peer_archive
		(recipient_id, first_seen, closed_at, level, established, delivered, abandoned, blocked, attempts, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.RecipientID, r.FirstSeen, ts(closedAt), r.Level, r.Established, r.Delivered, r.Abandoned, r.Blocked,
		r.Attempts, r.LastError)
	if err != nil {
		return fmt.Errorf("archive peer: %w", err)
	}
	return nil
}

// dropPending retires every message still waiting for recipient.
func dropPending(ctx context.Context, ext sqlx.ExtContext, recipient int64, reason string) error {
	_, err := ext.ExecContext(ctx, ext.Rebind(`UPDATE pending_messages SET status = ?, last_error = ?
		WHERE recipient_id = ? AND status = ?`), string(model.MessageDropped), reason, recipient, string(model.MessagePending))
	if err != nil {
		return fmt.Errorf("drop pending messages: %w", err)
	}
	return nil
}

func insertPeer(ctx context.Context, tx *sqlx.Tx, r peerRow) error {
	if _, err := tx.NamedExecContext(ctx, `INSERT INTO peers (`+peerColumns+`)
		VALUES (:recipient_id, :first_seen, :level, :next_attempt, :established, :delivered,
			:abandoned, :blocked, :attempts, :last_error)`, r); err != nil {
		return fmt.Errorf("insert peer: %w", err)
	}
	return nil
}

// EnqueuePending stores msg for later delivery and opens the recipient's peer
// record at level 0. An open record keeps its schedule. A closed record is
// archived first and a new ladder starts from this failure; messages left
// from the old ladder are never delivered by the new one.
func (s *Store) EnqueuePending(ctx context.Context, msg model.PendingMessage, now time.Time, reason string) (model.PeerRecord, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	var rec model.PeerRecord
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		r, found, err := selectPeer(ctx, tx, msg.RecipientID)
		if err != nil {
			return err
		}
		switch {
		case !found:
			r = freshPeer(msg.RecipientID, now, reason)
			if err := insertPeer(ctx, tx, r); err != nil {
				return err
			}
		case r.Delivered || r.Abandoned || r.Blocked:
			if err := archivePeer(ctx, tx, r, now); err != nil {
				return err
			}
			if err := dropPending(ctx, tx, msg.RecipientID, "superseded by a new ladder"); err != nil {
				return err
			}
			r = freshPeer(msg.RecipientID, now, reason)
			if err := updatePeer(ctx, tx, r); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO pending_messages
			(id, recipient_id, text, reply_to, kind, created_at, status) VALUES (?, ?, ?, ?, ?, ?, ?)`),
			msg.ID, msg.RecipientID, msg.Text, msg.ReplyTo, msg.Kind, ts(msg.CreatedAt), string(model.MessagePending)); err != nil {
			return fmt.Errorf("insert pending message: %w", err)
		}
		rec = s.toPeer(r)
		return nil
	})
	return rec, err
}

func freshPeer(recipient int64, now time.Time, reason string) peerRow {
	return peerRow{
		RecipientID: recipient,
		FirstSeen:   ts(now),
		NextAttempt: ts(now.Add(model.PeerLadder[0].Interval)),
		LastError:   reason,
	}
}

func updatePeer(ctx context.Context, ext sqlx.ExtContext, r peerRow) error {
	res, err := sqlx.NamedExecContext(ctx, ext, `UPDATE peers SET first_seen = :first_seen, level = :level,
		next_attempt = :next_attempt, established = :established, delivered = :delivered,
		abandoned = :abandoned, blocked = :blocked, attempts = :attempts, last_error = :last_error
		WHERE recipient_id = :recipient_id`, r)
	ok, err := claimed(res, err)
	if err != nil {
		return fmt.Errorf("update peer: %w", err)
	}
	if !ok {
		return fmt.Errorf("peer %d: %w", r.RecipientID, ErrNotFound)
	}
	return nil
}

// UpdatePeer writes back the mutable fields of a peer record. Abandoning or
// blocking a record drops the messages still queued for it.
func (s *Store) UpdatePeer(ctx context.Context, p model.PeerRecord) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := updatePeer(ctx, tx, toPeerRow(p)); err != nil {
			return err
		}
		if p.Abandoned || p.Blocked {
			return dropPending(ctx, tx, p.RecipientID, p.LastError)
		}
		return nil
	})
}

// Peer loads one peer record.
func (s *Store) Peer(ctx context.Context, recipient int64) (model.PeerRecord, error) {
	var r peerRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT `+peerColumns+` FROM peers WHERE recipient_id = ?`), recipient)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PeerRecord{}, ErrNotFound
	}
	if err != nil {
		return model.PeerRecord{}, fmt.Errorf("select peer: %w", err)
	}
	return s.toPeer(r), nil
}

// ArchivedPeer is a closed ladder kept for audit after a new one started.
type ArchivedPeer struct {
	model.PeerRecord
	ClosedAt time.Time
}

type archiveRow struct {
	peerRow
	ClosedAt Timestamp `db:"closed_at"`
}

// PeerHistory returns the archived ladders of recipient, oldest first.
func (s *Store) PeerHistory(ctx context.Context, recipient int64) ([]ArchivedPeer, error) {
	var rows []archiveRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT recipient_id, first_seen, level, first_seen AS next_attempt,
		established, delivered, abandoned, blocked, attempts, last_error, closed_at
		FROM peer_archive WHERE recipient_id = ? ORDER BY id`), recipient)
	if err != nil {
		return nil, fmt.Errorf("select peer archive: %w", err)
	}
	out := make([]ArchivedPeer, len(rows))
	for i, r := range rows {
		out[i] = ArchivedPeer{PeerRecord: s.toPeer(r.peerRow), ClosedAt: s.in(r.ClosedAt)}
	}
	return out, nil
}

// DuePeers returns open records whose next attempt is at or before now.
func (s *Store) DuePeers(ctx context.Context, now time.Time) ([]model.PeerRecord, error) {
	var rows []peerRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+peerColumns+` FROM peers
		WHERE delivered = FALSE AND abandoned = FALSE AND blocked = FALSE ORDER BY recipient_id`)
	if err != nil {
		return nil, fmt.Errorf("select peers: %w", err)
	}
	var out []model.PeerRecord
	for _, r := range rows {
		p := s.toPeer(r)
		if !p.NextAttempt.After(now) {
			out = append(out, p)
		}
	}
	return out, nil
}

// HasPendingQueue reports whether the recipient has an open record, in which
// case new messages must queue behind the existing ones.
func (s *Store) HasPendingQueue(ctx context.Context, recipient int64) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM peers
		WHERE recipient_id = ? AND delivered = FALSE AND abandoned = FALSE AND blocked = FALSE`), recipient)
	if err != nil {
		return false, fmt.Errorf("count open peers: %w", err)
	}
	return n > 0, nil
}

type pendingRow struct {
	ID          string    `db:"id"`
	RecipientID int64     `db:"recipient_id"`
	Text        string    `db:"text"`
	ReplyTo     int64     `db:"reply_to"`
	Kind        string    `db:"kind"`
	CreatedAt   Timestamp `db:"created_at"`
	Status      string    `db:"status"`
	LastError   string    `db:"last_error"`
}

func (s *Store) selectMessages(ctx context.Context, query string, args ...interface{}) ([]model.PendingMessage, error) {
	var rows []pendingRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT id, recipient_id, text, reply_to, kind, created_at,
		status, last_error FROM pending_messages `+query), args...); err != nil {
		return nil, fmt.Errorf("select pending messages: %w", err)
	}
	out := make([]model.PendingMessage, len(rows))
	for i, r := range rows {
		out[i] = model.PendingMessage{
			ID:          r.ID,
			RecipientID: r.RecipientID,
			Text:        r.Text,
			ReplyTo:     r.ReplyTo,
			Kind:        r.Kind,
			CreatedAt:   s.in(r.CreatedAt),
			Status:      model.MessageStatus(r.Status),
			LastError:   r.LastError,
		}
	}
	return out, nil
}

// PendingMessages returns the recipient's messages still waiting, in enqueue order.
func (s *Store) PendingMessages(ctx context.Context, recipient int64) ([]model.PendingMessage, error) {
	return s.selectMessages(ctx, `WHERE recipient_id = ? AND status = ? ORDER BY seq`, recipient, string(model.MessagePending))
}

// Messages returns every queued message of recipient whatever its status, in enqueue order.
func (s *Store) Messages(ctx context.Context, recipient int64) ([]model.PendingMessage, error) {
	return s.selectMessages(ctx, `WHERE recipient_id = ? ORDER BY seq`, recipient)
}

func (s *Store) setMessageStatus(ctx context.Context, id string, status model.MessageStatus, reason string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE pending_messages SET status = ?, last_error = ?
		WHERE id = ? AND status = ?`), string(status), reason, id, string(model.MessagePending))
	ok, err := claimed(res, err)
	if err != nil {
		return fmt.Errorf("mark message %s: %w", status, err)
	}
	if !ok {
		return fmt.Errorf("pending message %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkMessageDelivered flags one pending message as sent.
func (s *Store) MarkMessageDelivered(ctx context.Context, id string) error {
	return s.setMessageStatus(ctx, id, model.MessageDelivered, "")
}

// MarkMessageFailed retires one message the platform refused for good, so the
// messages behind it can go out.
func (s *Store) MarkMessageFailed(ctx context.Context, id, reason string) error {
	return s.setMessageStatus(ctx, id, model.MessageFailed, reason)
}

// MarkPeerBlocked records that the recipient blocked the bot. Queued messages
// are dropped and the record is never retried automatically. A closed record
// is archived before it is reused.
func (s *Store) MarkPeerBlocked(ctx context.Context, recipient int64, now time.Time, reason string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		r, found, err := selectPeer(ctx, tx, recipient)
		if err != nil {
			return err
		}
		switch {
		case !found:
			r = freshPeer(recipient, now, reason)
			r.Blocked = true
			return insertPeer(ctx, tx, r)
		case r.Delivered || r.Abandoned || r.Blocked:
			if err := archivePeer(ctx, tx, r, now); err != nil {
				return err
			}
			r = freshPeer(recipient, now, reason)
		}
		r.Established = false
		r.Blocked = true
		r.LastError = reason
		if err := updatePeer(ctx, tx, r); err != nil {
			return err
		}
		return dropPending(ctx, tx, recipient, reason)
	})
}
