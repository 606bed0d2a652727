package adapter

import (
	tele "gopkg.in/telebot.v4"

	kit "github.com/BruceKZ/cfreminder-bot/internal/transport"
)

func convertChat(c *tele.Chat) kit.Chat {
	if c == nil {
		return kit.Chat{}
	}
	out := kit.Chat{ID: c.ID, Title: c.Title, IsForum: c.IsForum}
	switch c.Type {
	case tele.ChatPrivate:
		out.Type = kit.ChatPrivate
	case tele.ChatGroup:
		out.Type = kit.ChatGroup
	case tele.ChatSuperGroup:
		out.Type = kit.ChatSuperGroup
	default:
		out.Type = kit.ChatChannel
	}
	return out
}

func messageUpdate(m *tele.Message) (kit.Update, bool) {
	if m == nil || m.Chat == nil {
		return kit.Update{}, false
	}
	msg := &kit.Message{
		ID:       m.ID,
		Chat:     convertChat(m.Chat),
		ThreadID: m.ThreadID,
		Text:     m.Text,
	}
	if m.Sender != nil {
		msg.FromID = m.Sender.ID
		msg.FromUsername = m.Sender.Username
	}
	return kit.Update{Kind: kit.UpdateMessage, Message: msg}, true
}

func membershipUpdate(c *tele.Chat, joined bool) kit.Update {
	return kit.Update{
		Kind:       kit.UpdateMembership,
		Membership: &kit.Membership{Chat: convertChat(c), Joined: joined, Left: !joined},
	}
}

func topicUpdate(c *tele.Chat, threadID int, name string) kit.Update {
	return kit.Update{
		Kind:  kit.UpdateTopic,
		Topic: &kit.Topic{Chat: convertChat(c), ThreadID: threadID, Name: name},
	}
}

// myChatMemberUpdate maps a change of the bot's own membership.
func myChatMemberUpdate(u *tele.ChatMemberUpdate) (kit.Update, bool) {
	if u == nil || u.Chat == nil || u.NewChatMember == nil {
		return kit.Update{}, false
	}
	if u.Chat.Type != tele.ChatGroup && u.Chat.Type != tele.ChatSuperGroup {
		return kit.Update{}, false
	}
	switch u.NewChatMember.Role {
	case tele.Left, tele.Kicked:
		return membershipUpdate(u.Chat, false), true
	default:
		return membershipUpdate(u.Chat, true), true
	}
}

// migrationUpdate maps a group-to-supergroup upgrade. Telegram reports it in
// the old group (migrate_to_chat_id) and in the new supergroup
// (migrate_from_chat_id); both become the same update keyed by the new chat.
func migrationUpdate(m *tele.Message) (kit.Update, bool) {
	if m == nil || m.Chat == nil {
		return kit.Update{}, false
	}
	var from int64
	ch := convertChat(m.Chat)
	switch {
	case m.MigrateTo != 0:
		from = m.Chat.ID
		ch.ID = m.MigrateTo
		ch.Type = kit.ChatSuperGroup
	case m.MigrateFrom != 0:
		from = m.MigrateFrom
	default:
		return kit.Update{}, false
	}
	if from == ch.ID {
		return kit.Update{}, false
	}
	return kit.Update{
		Kind:       kit.UpdateMembership,
		Membership: &kit.Membership{Chat: ch, MigratedFrom: from},
	}, true
}
