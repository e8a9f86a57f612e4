package notifier

import (
	"fmt"
	"html"
	"strings"
	"time"

	"SignalDesk/internal/model"

	"github.com/dustin/go-humanize"
)

const dateLayout = "Mon 02 Jan 15:04 MST"

func sideLabel(s model.Side) string {
	if s == model.SideShort {
		return "🔴 SELL"
	}
	return "🟢 BUY"
}

// FormatTradeCard formats the levels of a freshly opened signal.
func FormatTradeCard(t model.Trade, digits int32) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("📊 <b>%s</b> %s @ %s\n\n", html.EscapeString(t.Symbol), sideLabel(t.Side), t.Entry.StringFixed(digits)))
	for k := 1; k <= 3; k++ {
		b.WriteString(fmt.Sprintf("🎯 TP%d: %s\n", k, t.TP(k).StringFixed(digits)))
	}
	b.WriteString(fmt.Sprintf("🛑 SL: %s\n", t.SL.StringFixed(digits)))
	return b.String()
}

// FormatTransition formats one hit as a reply to the origin signal.
func FormatTransition(t model.Trade, tr model.Transition, digits int32) string {
	price := tr.Price.StringFixed(digits)
	switch tr.Kind {
	case model.TransitionTPHit:
		var b strings.Builder
		b.WriteString(fmt.Sprintf("✅ <b>%s TP%d hit</b> at %s\n", html.EscapeString(t.Symbol), tr.Level, price))
		switch tr.Level {
		case 2:
			b.WriteString("🔒 Stop moved to entry, the trade is now risk-free.\n")
		case 3:
			b.WriteString("🏁 Final target reached, trade closed.\n")
		}
		return b.String()
	case model.TransitionBreakEvenHit:
		return fmt.Sprintf("⚖️ <b>%s closed at break-even</b> (%s)\nTargets secured: %s\n",
			html.EscapeString(t.Symbol), price, hitList(t))
	case model.TransitionStopLossHit:
		return fmt.Sprintf("❌ <b>%s stop-loss hit</b> at %s\n", html.EscapeString(t.Symbol), price)
	}
	return fmt.Sprintf("%s %s at %s\n", t.Symbol, tr, price)
}

func hitList(t model.Trade) string {
	hits := t.HitSet()
	if len(hits) == 0 {
		return "none"
	}
	parts := make([]string, len(hits))
	for i, k := range hits {
		parts[i] = fmt.Sprintf("TP%d", k)
	}
	return strings.Join(parts, ", ")
}

// FormatTrialWelcome greets a user whose trial starts now.
func FormatTrialWelcome(trial model.Trial, now time.Time) string {
	return fmt.Sprintf("🎉 <b>Welcome to VIP!</b>\n\nYour free trial is active and ends %s (%s).\n",
		trial.ExpiresAt.Format(dateLayout), humanize.RelTime(trial.ExpiresAt, now, "ago", "from now"))
}

// FormatTrialDeferred tells a weekend joiner the trial starts with the trading week.
func FormatTrialDeferred(trial model.Trial) string {
	return fmt.Sprintf("🎉 <b>Welcome to VIP!</b>\n\nMarkets are closed for the weekend, so your trial starts Monday and runs until %s.\n",
		trial.ExpiresAt.Format(dateLayout))
}

// FormatTrialActivated is the Monday notice for weekend-deferred trials.
func FormatTrialActivated(trial model.Trial) string {
	return fmt.Sprintf("📈 <b>Markets are open, your VIP trial is now live.</b>\n\nIt runs until %s.\n",
		trial.ExpiresAt.Format(dateLayout))
}

// FormatTrialWarning is the 24h or 3h pre-expiry notice.
func FormatTrialWarning(trial model.Trial, n model.Notice, now time.Time) string {
	left := "24 hours"
	if n == model.Notice3h {
		left = "3 hours"
	}
	return fmt.Sprintf("⏳ Your VIP trial ends in about %s (%s).\n\nUpgrade to keep receiving signals.\n",
		left, trial.ExpiresAt.Format(dateLayout))
}

func FormatTrialExpired() string {
	return "⌛ <b>Your VIP trial has ended.</b>\n\nThanks for trading with us. You can rejoin VIP at any time with a subscription.\n"
}

// FormatTrialRefused explains a declined join request.
func FormatTrialRefused(alreadyUsed bool) string {
	if alreadyUsed {
		return "ℹ️ You have already used your free VIP trial. Subscribe to rejoin VIP.\n"
	}
	return "ℹ️ Your VIP trial is already running.\n"
}

// FormatFollowUp is the post-expiry nudge for each stage.
func FormatFollowUp(stage model.FollowUpStage, expiredAt, now time.Time) string {
	switch stage {
	case model.FollowUp3d:
		return "👋 Your VIP trial ended " + humanize.RelTime(expiredAt, now, "ago", "from now") +
			". Here is what VIP members caught since then. Rejoin to get every signal.\n"
	case model.FollowUp7d:
		return "📊 A week of VIP signals has gone by without you. Your seat is still open.\n"
	default:
		return "🚀 Last call: rejoin VIP and get back to trading with the full signal feed.\n"
	}
}

// FormatOffer is the daily promotional offer for free-tier members.
func FormatOffer() string {
	return "💎 <b>VIP offer</b>\n\nGet full access to every signal with entry, targets and stop-loss. Reply to claim your discount.\n"
}

// FormatBlockedNotice tells the operator a recipient blocked the bot.
func FormatBlockedNotice(recipient int64, kind string) string {
	return fmt.Sprintf("🚫 User %d blocked the bot; %s message dropped.", recipient, html.EscapeString(kind))
}

// FormatAbandonedNotice tells the operator a peer was given up on.
func FormatAbandonedNotice(recipient int64, pending int, elapsed time.Duration) string {
	return fmt.Sprintf("🪦 Gave up resolving user %d after %s; %d message(s) undelivered.",
		recipient, elapsed.Round(time.Minute), pending)
}

// FormatFailedNotice tells the operator a queued message was refused for good.
func FormatFailedNotice(recipient int64, kind, reason string) string {
	return fmt.Sprintf("❌ %s message to user %d refused: <code>%s</code>",
		html.EscapeString(kind), recipient, html.EscapeString(reason))
}

// FormatInvariantNotice reports a refused update to the operator.
func FormatInvariantNotice(component, detail string) string {
	return fmt.Sprintf("⚠️ <b>Invariant violation</b> in %s\n<code>%s</code>", html.EscapeString(component), html.EscapeString(detail))
}
