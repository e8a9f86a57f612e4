package engagement

import (
	"context"
	"errors"
	"testing"
	"time"

	"SignalDesk/internal/calendar"
	"SignalDesk/internal/dispatch"
	"SignalDesk/internal/model"
	"SignalDesk/internal/notifier"
	"SignalDesk/internal/tracker"
	"SignalDesk/internal/trial"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	vipChat  = int64(-1001)
	freeChat = int64(-1002)
	owner    = int64(99)
)

type fakePlatform struct {
	approved, declined []int64
	deleted            []int64
}

func (p *fakePlatform) ApproveChatJoinRequest(_ context.Context, _, userID int64) error {
	p.approved = append(p.approved, userID)
	return nil
}

func (p *fakePlatform) DeclineChatJoinRequest(_ context.Context, _, userID int64) error {
	p.declined = append(p.declined, userID)
	return nil
}

func (p *fakePlatform) DeleteMessage(_ context.Context, _, messageID int64) error {
	p.deleted = append(p.deleted, messageID)
	return nil
}

type fakeStore struct {
	members   map[int64]time.Time
	reactions []model.Reaction
	closed    []model.TradeID
}

func (s *fakeStore) AddMember(_ context.Context, userID int64, joinedAt time.Time) error {
	s.members[userID] = joinedAt
	return nil
}

func (s *fakeStore) RemoveMember(_ context.Context, userID int64) error {
	delete(s.members, userID)
	return nil
}

func (s *fakeStore) AddReaction(_ context.Context, r model.Reaction) (bool, error) {
	s.reactions = append(s.reactions, r)
	return true, nil
}

func (s *fakeStore) Stats(context.Context) (map[string]int, error) {
	return map[string]int{"trades": 2, "members": len(s.members)}, nil
}

func (s *fakeStore) CloseTrade(_ context.Context, id model.TradeID, reason model.CloseReason) (model.Trade, error) {
	if id.MessageID == 404 {
		return model.Trade{}, errors.New("not found")
	}
	s.closed = append(s.closed, id)
	return model.Trade{ID: id, Symbol: "EURUSD", Status: model.StatusClosed, CloseReason: reason}, nil
}

type fakeGranter struct {
	trial model.Trial
	err   error
}

func (g *fakeGranter) Grant(_ context.Context, userID int64) (model.Trial, error) {
	g.trial.UserID = userID
	return g.trial, g.err
}

type fakeOpener struct {
	posts []int64
	err   error
}

func (o *fakeOpener) OpenFromPost(_ context.Context, channelID, messageID int64, text string, at time.Time) (*model.Trade, error) {
	if o.err != nil {
		return nil, o.err
	}
	o.posts = append(o.posts, messageID)
	return &model.Trade{ID: model.TradeID{ChannelID: channelID, MessageID: messageID}, Symbol: "XAUUSD", Side: model.SideLong}, nil
}

type recSender struct{ msgs []dispatch.Message }

func (s *recSender) Send(_ context.Context, msg dispatch.Message) (dispatch.Outcome, error) {
	s.msgs = append(s.msgs, msg)
	return dispatch.Delivered, nil
}

type env struct {
	h        *Handler
	platform *fakePlatform
	store    *fakeStore
	granter  *fakeGranter
	opener   *fakeOpener
	sender   *recSender
}

func newEnv() *env {
	e := &env{
		platform: &fakePlatform{},
		store:    &fakeStore{members: map[int64]time.Time{}},
		granter:  &fakeGranter{},
		opener:   &fakeOpener{},
		sender:   &recSender{},
	}
	cal, err := calendar.New("America/New_York")
	if err != nil {
		panic(err)
	}
	clock := calendar.NewFixedClock(time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC))
	e.h = NewHandler(e.platform, e.store, e.granter, e.opener, e.sender, cal, clock,
		Options{VIPChatID: vipChat, FreeChatID: freeChat, OwnerID: owner}, zap.NewNop())
	return e
}

func joinRequest(chat, user int64) notifier.Update {
	return notifier.Update{ChatJoinRequest: &notifier.ChatJoinRequest{Chat: notifier.Chat{ID: chat}, From: notifier.User{ID: user}}}
}

func TestChannelPost_OnlyVIPOpensTrades(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	e.h.HandleUpdate(ctx, notifier.Update{ChannelPost: &notifier.Message{MessageID: 5, Chat: notifier.Chat{ID: vipChat}, Text: "XAUUSD BUY 2000"}})
	e.h.HandleUpdate(ctx, notifier.Update{ChannelPost: &notifier.Message{MessageID: 6, Chat: notifier.Chat{ID: freeChat}, Text: "XAUUSD BUY 2000"}})
	assert.Equal(t, []int64{5}, e.opener.posts)

	e.opener.err = tracker.ErrNotSignal
	e.h.HandleUpdate(ctx, notifier.Update{ChannelPost: &notifier.Message{MessageID: 7, Chat: notifier.Chat{ID: vipChat}, Text: "gm"}})
	assert.Equal(t, []int64{5}, e.opener.posts)
}

func TestJoinRequest_VIPGrantsAndWelcomes(t *testing.T) {
	e := newEnv()
	e.granter.trial = model.Trial{ExpiresAt: time.Date(2025, 3, 7, 10, 0, 0, 0, time.UTC)}
	e.h.HandleUpdate(context.Background(), joinRequest(vipChat, 42))

	assert.Equal(t, []int64{42}, e.platform.approved)
	require.Len(t, e.sender.msgs, 1)
	assert.Equal(t, int64(42), e.sender.msgs[0].RecipientID)
	assert.Equal(t, "trial_welcome", e.sender.msgs[0].Kind)
	assert.Contains(t, e.sender.msgs[0].Text, "Welcome")
}

func TestJoinRequest_WeekendDeferredText(t *testing.T) {
	e := newEnv()
	e.granter.trial = model.Trial{ExpiresAt: time.Date(2025, 3, 13, 22, 59, 0, 0, time.UTC), WeekendDeferred: true}
	e.h.HandleUpdate(context.Background(), joinRequest(vipChat, 42))
	require.Len(t, e.sender.msgs, 1)
	assert.Contains(t, e.sender.msgs[0].Text, "Monday")
}

func TestJoinRequest_UsedTrialDeclined(t *testing.T) {
	e := newEnv()
	e.granter.err = trial.ErrTrialUsed
	e.h.HandleUpdate(context.Background(), joinRequest(vipChat, 42))

	assert.Empty(t, e.platform.approved)
	assert.Equal(t, []int64{42}, e.platform.declined)
	require.Len(t, e.sender.msgs, 1)
	assert.Equal(t, "trial_refused", e.sender.msgs[0].Kind)
}

func TestJoinRequest_ActiveTrialReadmitted(t *testing.T) {
	e := newEnv()
	e.granter.err = trial.ErrTrialActive
	e.h.HandleUpdate(context.Background(), joinRequest(vipChat, 42))
	assert.Equal(t, []int64{42}, e.platform.approved)
	assert.Empty(t, e.platform.declined)
}

func TestJoinRequest_StoreFailureLeavesPending(t *testing.T) {
	e := newEnv()
	e.granter.err = errors.New("database is locked")
	e.h.HandleUpdate(context.Background(), joinRequest(vipChat, 42))
	assert.Empty(t, e.platform.approved)
	assert.Empty(t, e.platform.declined)
	assert.Empty(t, e.sender.msgs)
}

func TestFreeTier_JoinAndLeave(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	e.h.HandleUpdate(ctx, joinRequest(freeChat, 7))
	assert.Equal(t, []int64{7}, e.platform.approved)
	assert.Contains(t, e.store.members, int64(7))

	e.h.HandleUpdate(ctx, notifier.Update{ChatMember: &notifier.ChatMemberUpdated{
		Chat:          notifier.Chat{ID: freeChat},
		OldChatMember: notifier.ChatMember{Status: "member", User: notifier.User{ID: 7}},
		NewChatMember: notifier.ChatMember{Status: "left", User: notifier.User{ID: 7}},
	}})
	assert.NotContains(t, e.store.members, int64(7))

	joined := time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC)
	e.h.HandleUpdate(ctx, notifier.Update{ChatMember: &notifier.ChatMemberUpdated{
		Chat:          notifier.Chat{ID: freeChat},
		Date:          joined.Unix(),
		OldChatMember: notifier.ChatMember{Status: "left", User: notifier.User{ID: 8}},
		NewChatMember: notifier.ChatMember{Status: "member", User: notifier.User{ID: 8}},
	}})
	require.Contains(t, e.store.members, int64(8))
	got := e.store.members[8]
	assert.True(t, got.Equal(joined))
	assert.Equal(t, "America/New_York", got.Location().String(), "timestamps are kept in the reference zone")
}

func TestReaction_RecordsOnlyNewEmoji(t *testing.T) {
	e := newEnv()
	e.h.HandleUpdate(context.Background(), notifier.Update{MessageReaction: &notifier.MessageReactionUpdated{
		Chat:        notifier.Chat{ID: freeChat},
		MessageID:   11,
		User:        &notifier.User{ID: 7},
		OldReaction: []notifier.ReactionType{{Type: "emoji", Emoji: "👍"}},
		NewReaction: []notifier.ReactionType{{Type: "emoji", Emoji: "👍"}, {Type: "emoji", Emoji: "🔥"}},
	}})
	require.Len(t, e.store.reactions, 1)
	assert.Equal(t, "🔥", e.store.reactions[0].Emoji)
	assert.Equal(t, int64(11), e.store.reactions[0].MessageID)
}

func TestMessage_ServiceMessagesDeletedAndOwnerStats(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	e.h.HandleUpdate(ctx, notifier.Update{Message: &notifier.Message{
		MessageID: 3, Chat: notifier.Chat{ID: freeChat}, NewChatMembers: []notifier.User{{ID: 7}},
	}})
	assert.Equal(t, []int64{3}, e.platform.deleted)

	e.h.HandleUpdate(ctx, notifier.Update{Message: &notifier.Message{
		Chat: notifier.Chat{ID: 5, Type: "private"}, From: &notifier.User{ID: 5}, Text: "/stats",
	}})
	assert.Empty(t, e.sender.msgs, "non-owner ignored")

	e.h.HandleUpdate(ctx, notifier.Update{Message: &notifier.Message{
		Chat: notifier.Chat{ID: owner, Type: "private"}, From: &notifier.User{ID: owner}, Text: "/stats",
	}})
	require.Len(t, e.sender.msgs, 1)
	assert.Contains(t, e.sender.msgs[0].Text, "trades: 2")
}

func TestMessage_OwnerClosesTrade(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	owned := func(text string) notifier.Update {
		return notifier.Update{Message: &notifier.Message{
			Chat: notifier.Chat{ID: owner, Type: "private"}, From: &notifier.User{ID: owner}, Text: text,
		}}
	}

	e.h.HandleUpdate(ctx, owned("/close 12"))
	assert.Equal(t, []model.TradeID{{ChannelID: vipChat, MessageID: 12}}, e.store.closed)

	e.h.HandleUpdate(ctx, owned("/close abc"))
	e.h.HandleUpdate(ctx, owned("/close 404"))
	assert.Len(t, e.store.closed, 1)
	require.Len(t, e.sender.msgs, 3)
	assert.Contains(t, e.sender.msgs[0].Text, "Closed EURUSD")
	assert.Contains(t, e.sender.msgs[1].Text, "Usage")
	assert.Contains(t, e.sender.msgs[2].Text, "Could not close")
}
