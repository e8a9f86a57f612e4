package notifier

// User is a Telegram user.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// Chat is a Telegram chat; private chats share the user's id.
type Chat struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

type Message struct {
	MessageID      int64    `json:"message_id"`
	Date           int64    `json:"date"`
	Chat           Chat     `json:"chat"`
	From           *User    `json:"from"`
	SenderChat     *Chat    `json:"sender_chat"`
	Text           string   `json:"text"`
	NewChatMembers []User   `json:"new_chat_members"`
	LeftChatMember *User    `json:"left_chat_member"`
	ReplyTo        *Message `json:"reply_to_message"`
}

// ChatMember is the membership status of a user in a chat.
type ChatMember struct {
	Status   string `json:"status"`
	User     User   `json:"user"`
	IsMember bool   `json:"is_member"`
}

// Active reports whether the status counts as being in the chat.
func (m ChatMember) Active() bool {
	switch m.Status {
	case "creator", "administrator", "member":
		return true
	case "restricted":
		return m.IsMember
	}
	return false
}

type ChatJoinRequest struct {
	Chat       Chat  `json:"chat"`
	From       User  `json:"from"`
	UserChatID int64 `json:"user_chat_id"`
	Date       int64 `json:"date"`
}

type ChatMemberUpdated struct {
	Chat          Chat       `json:"chat"`
	From          User       `json:"from"`
	Date          int64      `json:"date"`
	OldChatMember ChatMember `json:"old_chat_member"`
	NewChatMember ChatMember `json:"new_chat_member"`
}

type ReactionType struct {
	Type          string `json:"type"`
	Emoji         string `json:"emoji"`
	CustomEmojiID string `json:"custom_emoji_id"`
}

// Key is the emoji, or the custom emoji id for custom reactions.
func (r ReactionType) Key() string {
	if r.Type == "custom_emoji" {
		return "custom:" + r.CustomEmojiID
	}
	return r.Emoji
}

type MessageReactionUpdated struct {
	Chat        Chat           `json:"chat"`
	MessageID   int64          `json:"message_id"`
	User        *User          `json:"user"`
	Date        int64          `json:"date"`
	OldReaction []ReactionType `json:"old_reaction"`
	NewReaction []ReactionType `json:"new_reaction"`
}

// Update is one push event from getUpdates. Exactly one payload field is set.
type Update struct {
	UpdateID        int                     `json:"update_id"`
	Message         *Message                `json:"message"`
	ChannelPost     *Message                `json:"channel_post"`
	ChatJoinRequest *ChatJoinRequest        `json:"chat_join_request"`
	ChatMember      *ChatMemberUpdated      `json:"chat_member"`
	MessageReaction *MessageReactionUpdated `json:"message_reaction"`
}
