// Package peer runs the escalating retry ladder for recipients the platform
// could not route to on first sight.
package peer

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"SignalDesk/internal/calendar"
	"SignalDesk/internal/dispatch"
	"SignalDesk/internal/metrics"
	"SignalDesk/internal/model"
	"SignalDesk/internal/notifier"

	"go.uber.org/zap"
)

type Store interface {
	DuePeers(ctx context.Context, now time.Time) ([]model.PeerRecord, error)
	UpdatePeer(ctx context.Context, p model.PeerRecord) error
	PendingMessages(ctx context.Context, recipient int64) ([]model.PendingMessage, error)
	MarkMessageDelivered(ctx context.Context, id string) error
	MarkMessageFailed(ctx context.Context, id, reason string) error
}

// Resolver performs the cheap identity lookup that establishes a peer.
type Resolver interface {
	GetChat(ctx context.Context, chatID int64) (notifier.Chat, error)
}

// Deliverer sends queued messages without re-queueing them.
type Deliverer interface {
	Deliver(ctx context.Context, msg dispatch.Message) error
	NotifyOperator(ctx context.Context, text string)
}

// Loop processes due peer records. The scheduler never overlaps two runs, so
// attempts on one record are strictly sequential.
type Loop struct {
	store    Store
	resolver Resolver
	sender   Deliverer
	clock    calendar.Clock
	timeout  time.Duration
	logger   *zap.Logger
}

func New(st Store, resolver Resolver, sender Deliverer, clock calendar.Clock, logger *zap.Logger) *Loop {
	return &Loop{store: st, resolver: resolver, sender: sender, clock: clock, timeout: 10 * time.Second, logger: logger}
}

func (l *Loop) Name() string { return "peer_resolution" }

func (l *Loop) Run(ctx context.Context) error {
	now := l.clock.Now()
	due, err := l.store.DuePeers(ctx, now)
	if err != nil {
		return fmt.Errorf("load due peers: %w", err)
	}
	for _, p := range due {
		if ctx.Err() != nil {
			return nil
		}
		result := l.attempt(ctx, &p, now)
		metrics.PeerAttemptsTotal.WithLabelValues(strconv.Itoa(p.Level), result).Inc()
		if err := l.store.UpdatePeer(ctx, p); err != nil {
			l.logger.Error("update peer", zap.Int64("recipient", p.RecipientID), zap.Error(err))
		}
	}
	return nil
}

func (l *Loop) attempt(ctx context.Context, p *model.PeerRecord, now time.Time) string {
	log := l.logger.With(zap.Int64("recipient", p.RecipientID), zap.Int("level", p.Level))
	p.Attempts++

	if !p.Established {
		rctx, cancel := context.WithTimeout(ctx, l.timeout)
		_, err := l.resolver.GetChat(rctx, p.RecipientID)
		cancel()
		if err != nil {
			p.LastError = err.Error()
			l.reschedule(ctx, p, now, true)
			log.Debug("peer still unresolved", zap.Error(err), zap.Time("next_attempt", p.NextAttempt))
			if p.Abandoned {
				return "abandoned"
			}
			return "unresolved"
		}
		p.Established = true
		log.Info("peer established", zap.Duration("elapsed", p.Elapsed(now)))
	}

	msgs, err := l.store.PendingMessages(ctx, p.RecipientID)
	if err != nil {
		p.LastError = err.Error()
		l.reschedule(ctx, p, now, false)
		return "store_error"
	}
	for _, m := range msgs {
		err := l.sender.Deliver(ctx, dispatch.Message{RecipientID: m.RecipientID, Text: m.Text, ReplyTo: m.ReplyTo, Kind: m.Kind})
		if err == nil {
			if err := l.store.MarkMessageDelivered(ctx, m.ID); err != nil {
				log.Error("mark delivered", zap.String("message_id", m.ID), zap.Error(err))
			}
			continue
		}

		p.LastError = err.Error()
		switch failure, _ := dispatch.Classify(err); failure {
		case dispatch.FailureBlocked:
			p.Blocked = true
			p.Established = false
			log.Info("recipient blocked the bot while queued")
			l.sender.NotifyOperator(ctx, notifier.FormatBlockedNotice(p.RecipientID, m.Kind))
			return "blocked"
		case dispatch.FailurePermanent:
			// Only this message is refused; the ones behind it still go out.
			if err := l.store.MarkMessageFailed(ctx, m.ID, p.LastError); err != nil {
				log.Error("mark failed", zap.String("message_id", m.ID), zap.Error(err))
			}
			log.Warn("queued message refused", zap.String("message_id", m.ID), zap.String("kind", m.Kind), zap.Error(err))
			l.sender.NotifyOperator(ctx, notifier.FormatFailedNotice(p.RecipientID, m.Kind, p.LastError))
			continue
		}
		if dispatch.IsPeerIDInvalid(err) {
			// The lookup succeeded but the peer proved stale.
			p.Established = false
		}
		l.reschedule(ctx, p, now, false)
		log.Warn("queued delivery failed", zap.String("message_id", m.ID), zap.Error(err))
		if p.Abandoned {
			return "abandoned"
		}
		return "send_failed"
	}

	p.Delivered = true
	p.LastError = ""
	log.Info("pending messages delivered", zap.Int("count", len(msgs)), zap.Int("attempts", p.Attempts))
	return "delivered"
}

// reschedule sets the next attempt. When escalate is set the level climbs
// while the elapsed time has passed the current level's threshold. Past the
// last threshold the record is abandoned whatever its level.
func (l *Loop) reschedule(ctx context.Context, p *model.PeerRecord, now time.Time, escalate bool) {
	elapsed := p.Elapsed(now)
	if escalate {
		for p.Level < model.MaxPeerLevel && elapsed >= model.PeerLadder[p.Level].EscalateAfter {
			p.Level++
		}
	}
	if elapsed >= model.PeerLadder[model.MaxPeerLevel].EscalateAfter {
		p.Abandoned = true
		pending, _ := l.store.PendingMessages(ctx, p.RecipientID)
		l.logger.Warn("peer abandoned", zap.Int64("recipient", p.RecipientID),
			zap.Duration("elapsed", elapsed), zap.Int("attempts", p.Attempts))
		l.sender.NotifyOperator(ctx, notifier.FormatAbandonedNotice(p.RecipientID, len(pending), elapsed))
		return
	}
	p.NextAttempt = now.Add(model.PeerLadder[p.Level].Interval)
}
