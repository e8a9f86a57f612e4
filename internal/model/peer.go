package model

import "time"

// PeerLevel is one rung of the peer-resolution ladder.
type PeerLevel struct {
	EscalateAfter time.Duration // elapsed since first seen before moving on
	Interval      time.Duration // spacing between attempts at this level
}

// PeerLadder is indexed by escalation level. The last rung is terminal:
// once its EscalateAfter has elapsed the record is abandoned.
var PeerLadder = [4]PeerLevel{
	{EscalateAfter: 30 * time.Minute, Interval: 3 * time.Minute},
	{EscalateAfter: time.Hour, Interval: 10 * time.Minute},
	{EscalateAfter: 3 * time.Hour, Interval: 20 * time.Minute},
	{EscalateAfter: 24 * time.Hour, Interval: 20 * time.Minute},
}

// MaxPeerLevel is the terminal escalation level.
const MaxPeerLevel = len(PeerLadder) - 1

// PeerRecord tracks a recipient the platform could not yet route to.
type PeerRecord struct {
	RecipientID int64
	FirstSeen   time.Time
	Level       int
	NextAttempt time.Time
	Established bool
	Delivered   bool
	Abandoned   bool
	Blocked     bool // recipient blocked the bot; never retried automatically
	Attempts    int
	LastError   string
}

// Closed reports whether the ladder has ended one way or another.
func (p *PeerRecord) Closed() bool {
	return p.Delivered || p.Abandoned || p.Blocked
}

// Elapsed is the time since the recipient was first seen unresolved.
func (p *PeerRecord) Elapsed(now time.Time) time.Duration {
	return now.Sub(p.FirstSeen)
}

// MessageStatus is the state of a queued message.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageDelivered MessageStatus = "delivered"
	MessageDropped   MessageStatus = "dropped" // its ladder was abandoned or the recipient blocked the bot
	MessageFailed    MessageStatus = "failed"  // the platform refused it for good
)

// PendingMessage is a durable outbound message waiting for its recipient to resolve.
type PendingMessage struct {
	ID          string
	RecipientID int64
	Text        string
	ReplyTo     int64
	Kind        string
	CreatedAt   time.Time
	Status      MessageStatus
	LastError   string
}
