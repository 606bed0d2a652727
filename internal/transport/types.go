package transport

import "context"

type UpdateKind string

const (
	UpdateMessage    UpdateKind = "message"
	UpdateMembership UpdateKind = "membership"
	UpdateTopic      UpdateKind = "topic"
)

type ChatType string

const (
	ChatPrivate    ChatType = "private"
	ChatGroup      ChatType = "group"
	ChatSuperGroup ChatType = "supergroup"
	ChatChannel    ChatType = "channel"
)

// Update is a platform-neutral inbound event.
type Update struct {
	Kind       UpdateKind
	Message    *Message
	Membership *Membership
	Topic      *Topic
}

// Chat describes where an update happened.
type Chat struct {
	ID      int64
	Type    ChatType
	Title   string
	IsForum bool
}

// IsPrivate reports whether the chat is a one-to-one conversation with the bot.
func (c Chat) IsPrivate() bool { return c.Type == ChatPrivate }

// IsCommunity reports whether the chat is a group the bot can broadcast into.
func (c Chat) IsCommunity() bool { return c.Type == ChatGroup || c.Type == ChatSuperGroup }

type Message struct {
	ID           int
	Chat         Chat
	ThreadID     int // forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
}

// Membership reports the bot joining or leaving a chat, a chat being renamed,
// or a group being upgraded to a supergroup (MigratedFrom holds the old id).
type Membership struct {
	Chat         Chat
	Joined       bool
	Left         bool
	MigratedFrom int64
}

// Topic reports a named forum topic being created or renamed.
type Topic struct {
	Chat     Chat
	ThreadID int
	Name     string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Sender delivers text to a chat.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Resolver turns a stored recipient id into a live chat handle.
type Resolver interface {
	ResolveChat(ctx context.Context, id int64) (ChatTarget, error)
}

// Adapter is a messaging platform connection.
type Adapter interface {
	Sender
	Resolver
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
