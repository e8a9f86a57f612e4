package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"SignalDesk/internal/calendar"
	"SignalDesk/internal/model"
	"SignalDesk/internal/notifier"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePlatform struct {
	mu   sync.Mutex
	errs []error // consumed one per call; nil when exhausted
	sent []notifier.OutgoingMessage
}

func (f *fakePlatform) SendMessage(_ context.Context, msg notifier.OutgoingMessage) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	if err == nil {
		f.sent = append(f.sent, msg)
	}
	return int64(len(f.sent)), err
}

type fakeQueue struct {
	pending map[int64][]model.PendingMessage
	blocked map[int64]bool
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{pending: map[int64][]model.PendingMessage{}, blocked: map[int64]bool{}}
}

func (q *fakeQueue) EnqueuePending(_ context.Context, msg model.PendingMessage, now time.Time, _ string) (model.PeerRecord, error) {
	q.pending[msg.RecipientID] = append(q.pending[msg.RecipientID], msg)
	return model.PeerRecord{RecipientID: msg.RecipientID, FirstSeen: now, NextAttempt: now.Add(3 * time.Minute)}, nil
}

func (q *fakeQueue) HasPendingQueue(_ context.Context, recipient int64) (bool, error) {
	return len(q.pending[recipient]) > 0, nil
}

func (q *fakeQueue) MarkPeerBlocked(_ context.Context, recipient int64, _ time.Time, _ string) error {
	q.blocked[recipient] = true
	return nil
}

func apiErr(code int, desc string, retry int) error {
	return &notifier.APIError{Method: "sendMessage", Code: code, Description: desc, RetryAfter: retry}
}

func newDispatcher(p Platform, q Queue) (*Dispatcher, *[]time.Duration) {
	clock := calendar.NewFixedClock(time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC))
	d := New(p, q, clock, Options{DebugChatID: -999, PerSecond: 1000}, zap.NewNop())
	var slept []time.Duration
	d.sleep = func(_ context.Context, dur time.Duration) error {
		slept = append(slept, dur)
		return nil
	}
	return d, &slept
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		want  Failure
		retry time.Duration
	}{
		{"nil", nil, FailureNone, 0},
		{"rate limit", apiErr(429, "Too Many Requests: retry after 3", 3), FailureRateLimited, 3 * time.Second},
		{"blocked", apiErr(403, "Forbidden: bot was blocked by the user", 0), FailureBlocked, 0},
		{"deactivated", apiErr(403, "Forbidden: user is deactivated", 0), FailureBlocked, 0},
		{"peer invalid", apiErr(400, "Bad Request: PEER_ID_INVALID", 0), FailurePeerUnresolvable, 0},
		{"chat not found", apiErr(400, "Bad Request: chat not found", 0), FailurePeerUnresolvable, 0},
		{"no conversation", apiErr(403, "Forbidden: bot can't initiate conversation with a user", 0), FailurePeerUnresolvable, 0},
		{"server", apiErr(502, "Bad Gateway", 0), FailureTransient, 0},
		{"timeout", context.DeadlineExceeded, FailureTransient, 0},
		{"network", errors.New("connection reset"), FailureTransient, 0},
		{"bad request", apiErr(400, "Bad Request: message text is empty", 0), FailurePermanent, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, retry := Classify(tt.err)
			assert.Equal(t, tt.want, f)
			assert.Equal(t, tt.retry, retry)
		})
	}
	assert.True(t, IsPeerIDInvalid(apiErr(400, "Bad Request: PEER_ID_INVALID", 0)))
	assert.False(t, IsPeerIDInvalid(apiErr(400, "Bad Request: chat not found", 0)))
}

func TestSend_Delivered(t *testing.T) {
	p := &fakePlatform{}
	d, _ := newDispatcher(p, newFakeQueue())
	out, err := d.Send(context.Background(), Message{RecipientID: 5, Text: "hi", ReplyTo: 3, Kind: "test"})
	require.NoError(t, err)
	assert.Equal(t, Delivered, out)
	require.Len(t, p.sent, 1)
	assert.Equal(t, int64(3), p.sent[0].ReplyTo)
}

func TestSend_RateLimitSleepsAndRetries(t *testing.T) {
	p := &fakePlatform{errs: []error{apiErr(429, "Too Many Requests", 7), apiErr(429, "Too Many Requests", 2)}}
	d, slept := newDispatcher(p, newFakeQueue())
	out, err := d.Send(context.Background(), Message{RecipientID: 5, Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, Delivered, out)
	assert.Equal(t, []time.Duration{7 * time.Second, 2 * time.Second}, *slept)
	assert.Len(t, p.sent, 1)
}

func TestSend_PeerUnresolvableQueues(t *testing.T) {
	p := &fakePlatform{errs: []error{apiErr(400, "Bad Request: PEER_ID_INVALID", 0)}}
	q := newFakeQueue()
	d, _ := newDispatcher(p, q)

	out, err := d.Send(context.Background(), Message{RecipientID: 5, Text: "first", Kind: "welcome"})
	require.NoError(t, err)
	assert.Equal(t, Queued, out)

	// The second message must not overtake the first.
	out, err = d.Send(context.Background(), Message{RecipientID: 5, Text: "second"})
	require.NoError(t, err)
	assert.Equal(t, Queued, out)
	assert.Empty(t, p.sent)
	require.Len(t, q.pending[5], 2)
	assert.Equal(t, "first", q.pending[5][0].Text)
	assert.Equal(t, "welcome", q.pending[5][0].Kind)
}

func TestSend_TransientQueues(t *testing.T) {
	p := &fakePlatform{errs: []error{context.DeadlineExceeded}}
	q := newFakeQueue()
	d, _ := newDispatcher(p, q)
	out, err := d.Send(context.Background(), Message{RecipientID: 5, Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, Queued, out)
	assert.Len(t, q.pending[5], 1)
}

func TestSend_BlockedMarksPeerAndNotifiesOperator(t *testing.T) {
	p := &fakePlatform{errs: []error{apiErr(403, "Forbidden: bot was blocked by the user", 0)}}
	q := newFakeQueue()
	d, _ := newDispatcher(p, q)
	out, err := d.Send(context.Background(), Message{RecipientID: 5, Text: "x", Kind: "offer"})
	require.NoError(t, err)
	assert.Equal(t, Blocked, out)
	assert.True(t, q.blocked[5])
	assert.Empty(t, q.pending[5])
	require.Len(t, p.sent, 1)
	assert.Equal(t, int64(-999), p.sent[0].ChatID)
	assert.Contains(t, p.sent[0].Text, "offer")
}

func TestSend_PermanentFails(t *testing.T) {
	p := &fakePlatform{errs: []error{apiErr(400, "Bad Request: can't parse entities", 0)}}
	q := newFakeQueue()
	d, _ := newDispatcher(p, q)
	out, err := d.Send(context.Background(), Message{RecipientID: 5, Text: "<b"})
	assert.Error(t, err)
	assert.Equal(t, Failed, out)
	assert.Empty(t, q.pending[5])
}

func TestDeliver_NeverQueues(t *testing.T) {
	p := &fakePlatform{errs: []error{apiErr(400, "Bad Request: PEER_ID_INVALID", 0)}}
	q := newFakeQueue()
	d, _ := newDispatcher(p, q)
	err := d.Deliver(context.Background(), Message{RecipientID: 5, Text: "x"})
	assert.True(t, IsPeerIDInvalid(err))
	assert.Empty(t, q.pending)
}
