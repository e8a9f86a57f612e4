package store

import (
	"context"
	"fmt"
	"strings"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS trades (
		channel_id  BIGINT NOT NULL,
		message_id  BIGINT NOT NULL,
		symbol      TEXT NOT NULL,
		side        TEXT NOT NULL,
		entry       TEXT NOT NULL,
		tp1         TEXT NOT NULL,
		tp2         TEXT NOT NULL,
		tp3         TEXT NOT NULL,
		sl          TEXT NOT NULL,
		hit1        BOOLEAN NOT NULL DEFAULT FALSE,
		hit2        BOOLEAN NOT NULL DEFAULT FALSE,
		hit3        BOOLEAN NOT NULL DEFAULT FALSE,
		be_armed    BOOLEAN NOT NULL DEFAULT FALSE,
		opened_at   TEXT NOT NULL,
		updated_at  TEXT NOT NULL,
		version     BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (channel_id, message_id)
	)`,
	`CREATE TABLE IF NOT EXISTS closed_trades (
		channel_id   BIGINT NOT NULL,
		message_id   BIGINT NOT NULL,
		symbol       TEXT NOT NULL,
		side         TEXT NOT NULL,
		entry        TEXT NOT NULL,
		tp1          TEXT NOT NULL,
		tp2          TEXT NOT NULL,
		tp3          TEXT NOT NULL,
		sl           TEXT NOT NULL,
		hit1         BOOLEAN NOT NULL,
		hit2         BOOLEAN NOT NULL,
		hit3         BOOLEAN NOT NULL,
		be_armed     BOOLEAN NOT NULL,
		opened_at    TEXT NOT NULL,
		updated_at   TEXT NOT NULL,
		version      BIGINT NOT NULL,
		close_reason TEXT NOT NULL,
		PRIMARY KEY (channel_id, message_id)
	)`,
	`CREATE TABLE IF NOT EXISTS trade_hits (
		id          {{serial}},
		channel_id  BIGINT NOT NULL,
		message_id  BIGINT NOT NULL,
		kind        TEXT NOT NULL,
		level       INTEGER NOT NULL,
		price       TEXT NOT NULL,
		observed_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trade_hits_trade ON trade_hits(channel_id, message_id)`,

	`CREATE TABLE IF NOT EXISTS trials (
		user_id              BIGINT PRIMARY KEY,
		granted_at           TEXT NOT NULL,
		expires_at           TEXT NOT NULL,
		weekend_deferred     BOOLEAN NOT NULL DEFAULT FALSE,
		warned_24h           BOOLEAN NOT NULL DEFAULT FALSE,
		warned_3h            BOOLEAN NOT NULL DEFAULT FALSE,
		activation_announced BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS trial_history (
		user_id          BIGINT PRIMARY KEY,
		first_granted_at TEXT NOT NULL,
		grants_count     INTEGER NOT NULL,
		last_expired_at  TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS follow_ups (
		user_id    BIGINT PRIMARY KEY,
		expired_at TEXT NOT NULL,
		sent_3d    BOOLEAN NOT NULL DEFAULT FALSE,
		sent_7d    BOOLEAN NOT NULL DEFAULT FALSE,
		sent_14d   BOOLEAN NOT NULL DEFAULT FALSE
	)`,

	`CREATE TABLE IF NOT EXISTS peers (
		recipient_id BIGINT PRIMARY KEY,
		first_seen   TEXT NOT NULL,
		level        INTEGER NOT NULL DEFAULT 0,
		next_attempt TEXT NOT NULL,
		established  BOOLEAN NOT NULL DEFAULT FALSE,
		delivered    BOOLEAN NOT NULL DEFAULT FALSE,
		abandoned    BOOLEAN NOT NULL DEFAULT FALSE,
		blocked      BOOLEAN NOT NULL DEFAULT FALSE,
		attempts     INTEGER NOT NULL DEFAULT 0,
		last_error   TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS pending_messages (
		seq          {{serial}},
		id           TEXT NOT NULL UNIQUE,
		recipient_id BIGINT NOT NULL,
		text         TEXT NOT NULL,
		reply_to     BIGINT NOT NULL DEFAULT 0,
		kind         TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'pending',
		last_error   TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pending_recipient ON pending_messages(recipient_id, status)`,
	`CREATE TABLE IF NOT EXISTS peer_archive (
		id           {{serial}},
		recipient_id BIGINT NOT NULL,
		first_seen   TEXT NOT NULL,
		closed_at    TEXT NOT NULL,
		level        INTEGER NOT NULL,
		established  BOOLEAN NOT NULL,
		delivered    BOOLEAN NOT NULL,
		abandoned    BOOLEAN NOT NULL,
		blocked      BOOLEAN NOT NULL,
		attempts     INTEGER NOT NULL,
		last_error   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_peer_archive_recipient ON peer_archive(recipient_id)`,

	`CREATE TABLE IF NOT EXISTS offers (
		user_id         BIGINT PRIMARY KEY,
		last_offered_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS members (
		user_id       BIGINT PRIMARY KEY,
		joined_at     TEXT NOT NULL,
		discount_sent BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS reactions (
		user_id    BIGINT NOT NULL,
		chat_id    BIGINT NOT NULL,
		message_id BIGINT NOT NULL,
		emoji      TEXT NOT NULL,
		reacted_at TEXT NOT NULL,
		PRIMARY KEY (user_id, chat_id, message_id, emoji)
	)`,
}

// Migrate creates every table idempotently.
func (s *Store) Migrate(ctx context.Context) error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == "postgres" {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	for _, stmt := range schema {
		stmt = strings.ReplaceAll(stmt, "{{serial}}", serial)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
