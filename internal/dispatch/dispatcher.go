// Package dispatch is the single sink for outbound messages.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"SignalDesk/internal/calendar"
	"SignalDesk/internal/metrics"
	"SignalDesk/internal/model"
	"SignalDesk/internal/notifier"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Outcome is what happened to a Send.
type Outcome string

const (
	Delivered Outcome = "delivered"
	Queued    Outcome = "queued"
	Blocked   Outcome = "blocked"
	Failed    Outcome = "failed"
)

// Message is one outbound text. Kind labels it for metrics and the pending queue.
type Message struct {
	RecipientID int64
	Text        string
	ReplyTo     int64
	Kind        string
}

// Platform sends a single message.
type Platform interface {
	SendMessage(ctx context.Context, msg notifier.OutgoingMessage) (int64, error)
}

// Queue is the peer-resolution queue the dispatcher writes to.
type Queue interface {
	EnqueuePending(ctx context.Context, msg model.PendingMessage, now time.Time, reason string) (model.PeerRecord, error)
	HasPendingQueue(ctx context.Context, recipient int64) (bool, error)
	MarkPeerBlocked(ctx context.Context, recipient int64, now time.Time, reason string) error
}

// Options tune the dispatcher. Zero values take defaults.
type Options struct {
	DebugChatID    int64
	PerSecond      float64       // global send pacing, default 25/s
	SendTimeout    time.Duration // per attempt, default 10s
	MaxRateRetries int           // platform back-offs honoured per send, default 5
}

// Dispatcher serialises sends per recipient, honours platform back-off and
// routes unresolvable recipients into the peer queue.
type Dispatcher struct {
	platform Platform
	queue    Queue
	clock    calendar.Clock
	opts     Options
	limiter  *rate.Limiter
	logger   *zap.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex

	sleep func(ctx context.Context, d time.Duration) error
}

func New(platform Platform, queue Queue, clock calendar.Clock, opts Options, logger *zap.Logger) *Dispatcher {
	if opts.PerSecond <= 0 {
		opts.PerSecond = 25
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if opts.MaxRateRetries <= 0 {
		opts.MaxRateRetries = 5
	}
	return &Dispatcher{
		platform: platform,
		queue:    queue,
		clock:    clock,
		opts:     opts,
		limiter:  rate.NewLimiter(rate.Limit(opts.PerSecond), 1),
		logger:   logger,
		locks:    make(map[int64]*sync.Mutex),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (d *Dispatcher) lock(recipient int64) func() {
	d.mu.Lock()
	l, ok := d.locks[recipient]
	if !ok {
		l = &sync.Mutex{}
		d.locks[recipient] = l
	}
	d.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Send delivers msg or parks it in the peer queue. Only permanent failures
// return an error; a queued message is in flight as far as callers care.
func (d *Dispatcher) Send(ctx context.Context, msg Message) (Outcome, error) {
	unlock := d.lock(msg.RecipientID)
	defer unlock()

	outcome, err := d.send(ctx, msg)
	metrics.DispatchTotal.WithLabelValues(msg.Kind, string(outcome)).Inc()
	return outcome, err
}

func (d *Dispatcher) send(ctx context.Context, msg Message) (Outcome, error) {
	// Messages for a recipient already waiting on peer resolution queue behind
	// the earlier ones so delivery order is kept.
	queued, err := d.queue.HasPendingQueue(ctx, msg.RecipientID)
	if err != nil {
		d.logger.Warn("check pending queue", zap.Int64("recipient", msg.RecipientID), zap.Error(err))
	} else if queued {
		return d.enqueue(ctx, msg, "queued behind pending messages")
	}

	err = d.deliver(ctx, msg)
	failure, _ := Classify(err)
	switch failure {
	case FailureNone:
		return Delivered, nil
	case FailureBlocked:
		if err := d.queue.MarkPeerBlocked(ctx, msg.RecipientID, d.clock.Now(), err.Error()); err != nil {
			d.logger.Error("mark peer blocked", zap.Int64("recipient", msg.RecipientID), zap.Error(err))
		}
		d.logger.Info("recipient blocked the bot", zap.Int64("recipient", msg.RecipientID), zap.String("kind", msg.Kind))
		d.NotifyOperator(ctx, notifier.FormatBlockedNotice(msg.RecipientID, msg.Kind))
		return Blocked, nil
	case FailurePeerUnresolvable, FailureTransient, FailureRateLimited:
		return d.enqueue(ctx, msg, err.Error())
	}
	d.logger.Error("send failed permanently",
		zap.Int64("recipient", msg.RecipientID), zap.String("kind", msg.Kind), zap.Error(err))
	return Failed, err
}

func (d *Dispatcher) enqueue(ctx context.Context, msg Message, reason string) (Outcome, error) {
	rec, err := d.queue.EnqueuePending(ctx, model.PendingMessage{
		RecipientID: msg.RecipientID,
		Text:        msg.Text,
		ReplyTo:     msg.ReplyTo,
		Kind:        msg.Kind,
	}, d.clock.Now(), reason)
	if err != nil {
		return Failed, fmt.Errorf("enqueue for %d: %w", msg.RecipientID, err)
	}
	d.logger.Info("message queued for peer resolution",
		zap.Int64("recipient", msg.RecipientID), zap.String("kind", msg.Kind),
		zap.Int("level", rec.Level), zap.Time("next_attempt", rec.NextAttempt), zap.String("reason", reason))
	return Queued, nil
}

// Deliver performs one send with rate-limit handling and nothing else. The
// peer loop uses it for queued messages so the queue is never re-entered.
func (d *Dispatcher) Deliver(ctx context.Context, msg Message) error {
	unlock := d.lock(msg.RecipientID)
	defer unlock()
	return d.deliver(ctx, msg)
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) error {
	out := notifier.OutgoingMessage{ChatID: msg.RecipientID, Text: msg.Text, ReplyTo: msg.ReplyTo}
	var err error
	for attempt := 0; attempt <= d.opts.MaxRateRetries; attempt++ {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		actx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
		_, err = d.platform.SendMessage(actx, out)
		cancel()

		failure, wait := Classify(err)
		if failure != FailureRateLimited {
			return err
		}
		if wait <= 0 {
			wait = time.Second
		}
		d.logger.Warn("rate limited, backing off",
			zap.Int64("recipient", msg.RecipientID), zap.Duration("wait", wait), zap.Int("attempt", attempt+1))
		metrics.RateLimitWaitSeconds.Add(wait.Seconds())
		if err := d.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return err
}

// NotifyOperator posts to the debug chat, best effort.
func (d *Dispatcher) NotifyOperator(ctx context.Context, text string) {
	if d.opts.DebugChatID == 0 {
		return
	}
	err := d.deliver(ctx, Message{RecipientID: d.opts.DebugChatID, Text: text, Kind: "operator"})
	if err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Warn("operator notice failed", zap.Error(err))
	}
}
