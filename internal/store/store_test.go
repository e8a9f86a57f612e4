package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"SignalDesk/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var london, _ = time.LoadLocation("Europe/London")

var dbSeq int64

func newStore(t *testing.T) *Store {
	t.Helper()
	n := atomic.AddInt64(&dbSeq, 1)
	s, err := Open(context.Background(), fmt.Sprintf("file:memdb%d?mode=memory&cache=shared", n), london, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func at(day, hour, min int) time.Time {
	return time.Date(2025, time.March, day, hour, min, 0, 0, london)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func sampleTrade() *model.Trade {
	return &model.Trade{
		ID:     model.TradeID{ChannelID: -100, MessageID: 7},
		Symbol: "EURUSD", Side: model.SideLong,
		Entry: d("1.10000"), TP1: d("1.10200"), TP2: d("1.10400"), TP3: d("1.10700"), SL: d("1.09500"),
		Status:   model.StatusActive,
		OpenedAt: at(3, 10, 0), UpdatedAt: at(3, 10, 0),
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	assert.Equal(t, "sqlite", s.Driver())
}

func TestTimestamp_RoundTrip(t *testing.T) {
	var ts Timestamp
	require.NoError(t, ts.Scan("2025-03-03T10:00:00Z"))
	assert.True(t, ts.Equal(time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)))
	require.NoError(t, ts.Scan(nil))
	assert.True(t, ts.IsZero())
	v, err := Timestamp{}.Value()
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.Error(t, ts.Scan(42))
}

func TestTrades_SaveApplyClose(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	tr := sampleTrade()
	require.NoError(t, s.SaveTrade(ctx, tr))
	assert.ErrorIs(t, s.SaveTrade(ctx, tr), ErrConflict)

	open, err := s.OpenTrades(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	got := open[0]
	assert.True(t, got.TP2.Equal(d("1.104")))
	assert.Equal(t, model.SideLong, got.Side)
	assert.True(t, got.OpenedAt.Equal(at(3, 10, 0)))
	assert.Equal(t, london, got.OpenedAt.Location())

	require.NoError(t, got.MarkHit(1))
	require.NoError(t, got.MarkHit(2))
	got.UpdatedAt = at(3, 11, 0)
	hits := []model.TradeHit{
		{TradeID: got.ID, Kind: model.TransitionTPHit, Level: 1, Price: d("1.1045"), ObservedAt: at(3, 11, 0)},
		{TradeID: got.ID, Kind: model.TransitionTPHit, Level: 2, Price: d("1.1045"), ObservedAt: at(3, 11, 0)},
	}
	stale := got
	require.NoError(t, s.ApplyTrade(ctx, &got, hits))
	assert.Equal(t, int64(1), got.Version)

	// A writer holding the old version loses.
	assert.ErrorIs(t, s.ApplyTrade(ctx, &stale, nil), ErrConflict)

	reloaded, err := s.Trade(ctx, got.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, reloaded.HitSet())
	assert.True(t, reloaded.BreakEvenArmed)

	require.NoError(t, reloaded.Close(model.ReasonBreakEven))
	require.NoError(t, s.ApplyTrade(ctx, &reloaded, []model.TradeHit{
		{TradeID: got.ID, Kind: model.TransitionBreakEvenHit, Price: d("1.09999"), ObservedAt: at(3, 12, 0)},
	}))

	_, err = s.Trade(ctx, got.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	closed, err := s.ClosedTrade(ctx, got.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReasonBreakEven, closed.CloseReason)
	assert.Equal(t, []int{1, 2}, closed.HitSet())

	audit, err := s.TradeHits(ctx, got.ID)
	require.NoError(t, err)
	require.Len(t, audit, 3)
	assert.Equal(t, model.TransitionBreakEvenHit, audit[2].Kind)

	// A closed signal cannot be reopened.
	assert.ErrorIs(t, s.SaveTrade(ctx, sampleTrade()), ErrConflict)
}

func TestTrades_RefusesInvalid(t *testing.T) {
	s := newStore(t)
	tr := sampleTrade()
	tr.SL = d("1.2")
	assert.ErrorIs(t, s.SaveTrade(context.Background(), tr), model.ErrInvalidLevels)
}

func TestCloseTrade_Manual(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.SaveTrade(ctx, sampleTrade()))
	tr, err := s.CloseTrade(ctx, sampleTrade().ID, model.ReasonManual)
	require.NoError(t, err)
	assert.True(t, tr.Closed())
	_, err = s.CloseTrade(ctx, sampleTrade().ID, model.ReasonManual)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTrials_GrantClaimExpire(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	trial := model.Trial{UserID: 5, GrantedAt: at(3, 10, 0), ExpiresAt: at(6, 22, 59)}
	require.NoError(t, s.GrantTrial(ctx, trial))
	assert.ErrorIs(t, s.GrantTrial(ctx, trial), ErrConflict)

	has, err := s.HasTrialHistory(ctx, 5)
	require.NoError(t, err)
	assert.True(t, has)

	won, err := s.ClaimTrialNotice(ctx, 5, model.Notice24h)
	require.NoError(t, err)
	assert.True(t, won)
	won, err = s.ClaimTrialNotice(ctx, 5, model.Notice24h)
	require.NoError(t, err)
	assert.False(t, won, "second claim must lose")

	active, err := s.ActiveTrial(ctx, 5)
	require.NoError(t, err)
	assert.True(t, active.Warned24h)
	assert.False(t, active.Warned3h)
	assert.True(t, active.ExpiresAt.Equal(at(6, 22, 59)))

	ok, err := s.ExpireTrial(ctx, 5, at(6, 23, 0))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ExpireTrial(ctx, 5, at(6, 23, 1))
	require.NoError(t, err)
	assert.False(t, ok)

	hist, err := s.TrialHistory(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, hist.GrantsCount)
	assert.True(t, hist.LastExpiredAt.Equal(at(6, 23, 0)))

	// Anti-abuse: history blocks a second grant even with no active trial.
	assert.ErrorIs(t, s.GrantTrial(ctx, trial), ErrConflict)

	due, err := s.DueFollowUps(ctx, at(8, 0, 0))
	require.NoError(t, err)
	assert.Empty(t, due)
	due, err = s.DueFollowUps(ctx, at(9, 23, 0))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.True(t, due[0].Due(model.FollowUp3d, at(9, 23, 0)))

	won, err = s.ClaimFollowUp(ctx, 5, model.FollowUp3d)
	require.NoError(t, err)
	assert.True(t, won)
	won, err = s.ClaimFollowUp(ctx, 5, model.FollowUp3d)
	require.NoError(t, err)
	assert.False(t, won)
	due, err = s.DueFollowUps(ctx, at(9, 23, 0))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestPeers_EnqueueAndResolve(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := at(3, 10, 0)

	rec, err := s.EnqueuePending(ctx, model.PendingMessage{RecipientID: 9, Text: "one"}, now, "PEER_ID_INVALID")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Level)
	assert.True(t, rec.NextAttempt.Equal(now.Add(3*time.Minute)))

	// A second message queues behind the first without moving the schedule.
	rec, err = s.EnqueuePending(ctx, model.PendingMessage{RecipientID: 9, Text: "two"}, now.Add(time.Minute), "PEER_ID_INVALID")
	require.NoError(t, err)
	assert.True(t, rec.FirstSeen.Equal(now))

	queued, err := s.HasPendingQueue(ctx, 9)
	require.NoError(t, err)
	assert.True(t, queued)

	due, err := s.DuePeers(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, due)
	due, err = s.DuePeers(ctx, now.Add(3*time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)

	msgs, err := s.PendingMessages(ctx, 9)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Text)
	assert.NotEmpty(t, msgs[0].ID)
	for _, m := range msgs {
		require.NoError(t, s.MarkMessageDelivered(ctx, m.ID))
	}
	msgs, err = s.PendingMessages(ctx, 9)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	p := due[0]
	p.Established, p.Delivered = true, true
	require.NoError(t, s.UpdatePeer(ctx, p))
	queued, err = s.HasPendingQueue(ctx, 9)
	require.NoError(t, err)
	assert.False(t, queued)

	// A new failure after delivery reopens the ladder from level 0.
	later := now.Add(48 * time.Hour)
	rec, err = s.EnqueuePending(ctx, model.PendingMessage{RecipientID: 9, Text: "three"}, later, "timeout")
	require.NoError(t, err)
	assert.True(t, rec.FirstSeen.Equal(later))
	assert.False(t, rec.Delivered)
	assert.Equal(t, "timeout", rec.LastError)

	history, err := s.PeerHistory(ctx, 9)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Delivered)
	assert.True(t, history[0].FirstSeen.Equal(now))
	assert.True(t, history[0].ClosedAt.Equal(later))
}

func TestPeers_AbandonedLadderKeptAndNotRedelivered(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := at(3, 10, 0)

	_, err := s.EnqueuePending(ctx, model.PendingMessage{RecipientID: 5, Text: "stale trial warning"}, now, "PEER_ID_INVALID")
	require.NoError(t, err)
	p, err := s.Peer(ctx, 5)
	require.NoError(t, err)
	p.Level, p.Attempts, p.Abandoned = model.MaxPeerLevel, 80, true
	p.LastError = "chat not found"
	require.NoError(t, s.UpdatePeer(ctx, p))

	pending, err := s.PendingMessages(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, pending, "abandoning drops the queue")

	week := now.Add(7 * 24 * time.Hour)
	rec, err := s.EnqueuePending(ctx, model.PendingMessage{RecipientID: 5, Text: "fresh"}, week, "PEER_ID_INVALID")
	require.NoError(t, err)
	assert.True(t, rec.FirstSeen.Equal(week))
	assert.Equal(t, 0, rec.Level)

	pending, err = s.PendingMessages(ctx, 5)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "fresh", pending[0].Text)

	history, err := s.PeerHistory(ctx, 5)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Abandoned)
	assert.True(t, history[0].FirstSeen.Equal(now))
	assert.Equal(t, model.MaxPeerLevel, history[0].Level)
	assert.Equal(t, 80, history[0].Attempts)

	all, err := s.Messages(ctx, 5)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, model.MessageDropped, all[0].Status)
	assert.Equal(t, model.MessagePending, all[1].Status)
}

func TestPeers_FailedMessageUnblocksQueue(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := at(3, 10, 0)
	for _, text := range []string{"too long", "next"} {
		_, err := s.EnqueuePending(ctx, model.PendingMessage{RecipientID: 6, Text: text}, now, "PEER_ID_INVALID")
		require.NoError(t, err)
	}
	pending, err := s.PendingMessages(ctx, 6)
	require.NoError(t, err)
	require.NoError(t, s.MarkMessageFailed(ctx, pending[0].ID, "message is too long"))
	assert.ErrorIs(t, s.MarkMessageDelivered(ctx, pending[0].ID), ErrNotFound)

	pending, err = s.PendingMessages(ctx, 6)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "next", pending[0].Text)
}

func TestPeers_Blocked(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := at(3, 10, 0)
	_, err := s.EnqueuePending(ctx, model.PendingMessage{RecipientID: 4, Text: "x"}, now, "PEER_ID_INVALID")
	require.NoError(t, err)
	require.NoError(t, s.MarkPeerBlocked(ctx, 4, now, "blocked"))
	require.NoError(t, s.MarkPeerBlocked(ctx, 8, now, "blocked"))

	due, err := s.DuePeers(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)

	p, err := s.Peer(ctx, 8)
	require.NoError(t, err)
	assert.True(t, p.Blocked)
	assert.False(t, p.Established)

	pending, err := s.PendingMessages(ctx, 4)
	require.NoError(t, err)
	assert.Empty(t, pending, "blocking drops the queue")

	// Blocking again after a closed ladder keeps the old one in the archive.
	require.NoError(t, s.MarkPeerBlocked(ctx, 8, now.Add(time.Hour), "blocked again"))
	history, err := s.PeerHistory(ctx, 8)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Blocked)
}

func TestOffers_Cooldown(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	cooldown := 40 * time.Hour
	monday := time.Date(2025, 3, 3, 9, 0, 30, 0, london)

	won, err := s.ClaimOffer(ctx, 1, monday, cooldown)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.ClaimOffer(ctx, 1, time.Date(2025, 3, 4, 9, 0, 0, 0, london), cooldown)
	require.NoError(t, err)
	assert.False(t, won, "23h59m30s is inside the cooldown")

	won, err = s.ClaimOffer(ctx, 1, time.Date(2025, 3, 5, 9, 0, 30, 0, london), cooldown)
	require.NoError(t, err)
	assert.True(t, won)

	rec, err := s.OfferRecord(ctx, 1)
	require.NoError(t, err)
	assert.True(t, rec.LastOfferedAt.Equal(time.Date(2025, 3, 5, 9, 0, 30, 0, london)))
	_, err = s.OfferRecord(ctx, 2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngagement_MembersAndReactions(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.AddMember(ctx, 1, at(1, 9, 0)))
	require.NoError(t, s.AddMember(ctx, 1, at(2, 9, 0)))
	require.NoError(t, s.AddMember(ctx, 2, at(2, 9, 0)))
	require.NoError(t, s.MarkDiscountSent(ctx, 2))
	require.NoError(t, s.RemoveMember(ctx, 1))

	members, err := s.FreeMembers(ctx)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, int64(2), members[0].UserID)
	assert.True(t, members[0].DiscountSent)

	r := model.Reaction{UserID: 2, ChatID: -100, MessageID: 5, Emoji: "🔥", ReactedAt: at(2, 10, 0)}
	added, err := s.AddReaction(ctx, r)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = s.AddReaction(ctx, r)
	require.NoError(t, err)
	assert.False(t, added)
	r.Emoji = "👍"
	added, err = s.AddReaction(ctx, r)
	require.NoError(t, err)
	assert.True(t, added)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats["reactions"])
	assert.Equal(t, 1, stats["members"])
}
