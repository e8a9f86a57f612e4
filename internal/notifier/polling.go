package notifier

import (
	"context"
	"net/http"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

// Handler receives push events. Implementations must not block for long;
// polling waits for each update to be handled before fetching the next batch.
type Handler interface {
	HandleUpdate(ctx context.Context, u Update)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, u Update)

func (f HandlerFunc) HandleUpdate(ctx context.Context, u Update) { f(ctx, u) }

var allowedUpdates = []string{"message", "channel_post", "chat_join_request", "chat_member", "message_reaction"}

// StartPolling long-polls getUpdates and feeds every update to handler.
// Blocks until ctx is cancelled.
func (c *Client) StartPolling(ctx context.Context, handler Handler) error {
	offset := 0
	b := &backoff.Backoff{Min: time.Second, Max: time.Minute, Factor: 2, Jitter: true}
	poller := &Client{BotToken: c.BotToken, APIBase: c.APIBase, logger: c.logger,
		HTTP: &http.Client{Timeout: 35 * time.Second, Transport: c.HTTP.Transport}}

	for {
		if ctx.Err() != nil {
			c.logger.Info("telegram polling stopped")
			return nil
		}

		var updates []Update
		err := poller.call(ctx, "getUpdates", map[string]interface{}{
			"offset":          offset,
			"timeout":         30,
			"allowed_updates": allowedUpdates,
		}, &updates)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("telegram polling stopped")
				return nil
			}
			wait := b.Duration()
			c.logger.Warn("polling request failed", zap.Error(err), zap.Duration("retry_in", wait))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()

		for _, u := range updates {
			offset = u.UpdateID + 1
			handler.HandleUpdate(ctx, u)
		}
	}
}
