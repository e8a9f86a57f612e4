// Package engagement turns platform updates into store changes: signal posts
// open trades, VIP join requests become trials, free-tier joins and reactions
// are recorded.
package engagement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"SignalDesk/internal/calendar"
	"SignalDesk/internal/dispatch"
	"SignalDesk/internal/model"
	"SignalDesk/internal/notifier"
	"SignalDesk/internal/tracker"
	"SignalDesk/internal/trial"

	"go.uber.org/zap"
)

type Platform interface {
	ApproveChatJoinRequest(ctx context.Context, chatID, userID int64) error
	DeclineChatJoinRequest(ctx context.Context, chatID, userID int64) error
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
}

type Store interface {
	AddMember(ctx context.Context, userID int64, joinedAt time.Time) error
	RemoveMember(ctx context.Context, userID int64) error
	AddReaction(ctx context.Context, r model.Reaction) (bool, error)
	Stats(ctx context.Context) (map[string]int, error)
	CloseTrade(ctx context.Context, id model.TradeID, reason model.CloseReason) (model.Trade, error)
}

type Granter interface {
	Grant(ctx context.Context, userID int64) (model.Trial, error)
}

type SignalOpener interface {
	OpenFromPost(ctx context.Context, channelID, messageID int64, text string, at time.Time) (*model.Trade, error)
}

type Sender interface {
	Send(ctx context.Context, msg dispatch.Message) (dispatch.Outcome, error)
}

type Options struct {
	VIPChatID  int64
	FreeChatID int64
	OwnerID    int64
}

// Handler implements notifier.Handler.
type Handler struct {
	platform Platform
	store    Store
	trials   Granter
	signals  SignalOpener
	sender   Sender
	cal      *calendar.Calendar
	clock    calendar.Clock
	opts     Options
	logger   *zap.Logger
}

func NewHandler(platform Platform, st Store, trials Granter, signals SignalOpener, sender Sender,
	cal *calendar.Calendar, clock calendar.Clock, opts Options, logger *zap.Logger) *Handler {
	return &Handler{
		platform: platform,
		store:    st,
		trials:   trials,
		signals:  signals,
		sender:   sender,
		cal:      cal,
		clock:    clock,
		opts:     opts,
		logger:   logger,
	}
}

func (h *Handler) HandleUpdate(ctx context.Context, u notifier.Update) {
	switch {
	case u.ChannelPost != nil:
		h.onChannelPost(ctx, u.ChannelPost)
	case u.ChatJoinRequest != nil:
		h.onJoinRequest(ctx, u.ChatJoinRequest)
	case u.ChatMember != nil:
		h.onMemberUpdate(ctx, u.ChatMember)
	case u.MessageReaction != nil:
		h.onReaction(ctx, u.MessageReaction)
	case u.Message != nil:
		h.onMessage(ctx, u.Message)
	}
}

// at converts a platform timestamp to the reference zone.
func (h *Handler) at(unix int64) time.Time {
	if unix > 0 {
		return h.cal.In(time.Unix(unix, 0))
	}
	return h.cal.In(h.clock.Now())
}

func (h *Handler) onChannelPost(ctx context.Context, m *notifier.Message) {
	if m.Chat.ID != h.opts.VIPChatID {
		return
	}
	t, err := h.signals.OpenFromPost(ctx, m.Chat.ID, m.MessageID, m.Text, h.at(m.Date))
	switch {
	case errors.Is(err, tracker.ErrNotSignal):
		return
	case errors.Is(err, tracker.ErrUnknownSymbol):
		h.logger.Warn("signal for unknown symbol", zap.Int64("message_id", m.MessageID), zap.Error(err))
	case err != nil:
		h.logger.Error("open trade from post", zap.Int64("message_id", m.MessageID), zap.Error(err))
	default:
		h.logger.Info("trade opened", zap.String("trade", t.ID.String()),
			zap.String("symbol", t.Symbol), zap.String("side", string(t.Side)))
	}
}

func (h *Handler) onJoinRequest(ctx context.Context, r *notifier.ChatJoinRequest) {
	user := r.From.ID
	log := h.logger.With(zap.Int64("user_id", user), zap.Int64("chat_id", r.Chat.ID))
	switch r.Chat.ID {
	case h.opts.VIPChatID:
		h.grant(ctx, log, user)
	case h.opts.FreeChatID:
		if err := h.platform.ApproveChatJoinRequest(ctx, r.Chat.ID, user); err != nil {
			log.Error("approve free join", zap.Error(err))
			return
		}
		if err := h.store.AddMember(ctx, user, h.at(r.Date)); err != nil {
			log.Error("record member", zap.Error(err))
		}
	}
}

func (h *Handler) grant(ctx context.Context, log *zap.Logger, user int64) {
	t, err := h.trials.Grant(ctx, user)
	switch {
	case errors.Is(err, trial.ErrTrialActive):
		// Rejoining during a running trial.
		if err := h.platform.ApproveChatJoinRequest(ctx, h.opts.VIPChatID, user); err != nil {
			log.Error("approve vip rejoin", zap.Error(err))
			return
		}
		h.send(ctx, user, "trial_refused", notifier.FormatTrialRefused(false))
	case errors.Is(err, trial.ErrTrialUsed):
		if err := h.platform.DeclineChatJoinRequest(ctx, h.opts.VIPChatID, user); err != nil {
			log.Error("decline vip join", zap.Error(err))
		}
		h.send(ctx, user, "trial_refused", notifier.FormatTrialRefused(true))
	case err != nil:
		// Left pending so the request can be retried by the user.
		log.Error("grant trial", zap.Error(err))
	default:
		if err := h.platform.ApproveChatJoinRequest(ctx, h.opts.VIPChatID, user); err != nil {
			log.Error("approve vip join", zap.Error(err))
		}
		text := notifier.FormatTrialWelcome(t, h.clock.Now())
		if t.WeekendDeferred {
			text = notifier.FormatTrialDeferred(t)
		}
		h.send(ctx, user, "trial_welcome", text)
	}
}

func (h *Handler) onMemberUpdate(ctx context.Context, u *notifier.ChatMemberUpdated) {
	if u.Chat.ID != h.opts.FreeChatID || u.NewChatMember.User.IsBot {
		return
	}
	user := u.NewChatMember.User.ID
	was, is := u.OldChatMember.Active(), u.NewChatMember.Active()
	var err error
	switch {
	case was && !is:
		err = h.store.RemoveMember(ctx, user)
	case !was && is:
		err = h.store.AddMember(ctx, user, h.at(u.Date))
	}
	if err != nil {
		h.logger.Error("free member update", zap.Int64("user_id", user), zap.Error(err))
	}
}

func (h *Handler) onReaction(ctx context.Context, r *notifier.MessageReactionUpdated) {
	if r.User == nil {
		return
	}
	old := make(map[string]bool, len(r.OldReaction))
	for _, rt := range r.OldReaction {
		old[rt.Key()] = true
	}
	for _, rt := range r.NewReaction {
		if old[rt.Key()] {
			continue
		}
		_, err := h.store.AddReaction(ctx, model.Reaction{
			UserID:    r.User.ID,
			ChatID:    r.Chat.ID,
			MessageID: r.MessageID,
			Emoji:     rt.Key(),
			ReactedAt: h.at(r.Date),
		})
		if err != nil {
			h.logger.Error("record reaction", zap.Int64("user_id", r.User.ID), zap.Error(err))
		}
	}
}

func (h *Handler) onMessage(ctx context.Context, m *notifier.Message) {
	if len(m.NewChatMembers) > 0 || m.LeftChatMember != nil {
		if m.Chat.ID == h.opts.VIPChatID || m.Chat.ID == h.opts.FreeChatID {
			if err := h.platform.DeleteMessage(ctx, m.Chat.ID, m.MessageID); err != nil {
				h.logger.Debug("delete service message", zap.Error(err))
			}
		}
		return
	}
	if m.Chat.Type != "private" || m.From == nil || m.From.ID != h.opts.OwnerID {
		return
	}
	fields := strings.Fields(m.Text)
	if len(fields) == 0 {
		return
	}
	switch fields[0] {
	case "/stats":
		h.stats(ctx, m.Chat.ID)
	case "/close":
		h.closeTrade(ctx, m.Chat.ID, fields[1:])
	}
}

// closeTrade handles "/close <message_id>" for a signal post in the VIP chat.
func (h *Handler) closeTrade(ctx context.Context, chatID int64, args []string) {
	if len(args) != 1 {
		h.send(ctx, chatID, "command", "Usage: /close &lt;message_id&gt;")
		return
	}
	msgID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		h.send(ctx, chatID, "command", "Usage: /close &lt;message_id&gt;")
		return
	}
	id := model.TradeID{ChannelID: h.opts.VIPChatID, MessageID: msgID}
	t, err := h.store.CloseTrade(ctx, id, model.ReasonManual)
	if err != nil {
		h.logger.Warn("manual close", zap.String("trade", id.String()), zap.Error(err))
		h.send(ctx, chatID, "command", fmt.Sprintf("Could not close %s: %v", id, err))
		return
	}
	h.logger.Info("trade closed by owner", zap.String("trade", id.String()), zap.String("symbol", t.Symbol))
	h.send(ctx, chatID, "command", fmt.Sprintf("Closed %s %s.", t.Symbol, id))
}

func (h *Handler) stats(ctx context.Context, chatID int64) {
	counts, err := h.store.Stats(ctx)
	if err != nil {
		h.logger.Error("stats", zap.Error(err))
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("📊 <b>Store</b>\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %d\n", k, counts[k])
	}
	h.send(ctx, chatID, "stats", b.String())
}

func (h *Handler) send(ctx context.Context, user int64, kind, text string) {
	if _, err := h.sender.Send(ctx, dispatch.Message{RecipientID: user, Text: text, Kind: kind}); err != nil {
		h.logger.Error("send", zap.Int64("user_id", user), zap.String("kind", kind), zap.Error(err))
	}
}
