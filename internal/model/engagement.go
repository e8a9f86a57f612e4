package model

import "time"

// Member is a free-tier member.
type Member struct {
	UserID       int64
	JoinedAt     time.Time
	DiscountSent bool
}

// Reaction is an append-only emoji reaction record.
type Reaction struct {
	UserID    int64
	ChatID    int64
	MessageID int64
	Emoji     string
	ReactedAt time.Time
}

// OfferRecord holds the last promotional offer delivered to a user.
type OfferRecord struct {
	UserID        int64
	LastOfferedAt time.Time
}
