package adapter

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	kit "github.com/BruceKZ/cfreminder-bot/internal/transport"
	logx "github.com/BruceKZ/cfreminder-bot/pkg/logx"
)

func TestSplitTelegramText(t *testing.T) {
	require.Equal(t, []string{"short"}, splitTelegramText("short", 10, ""))

	lines := strings.Repeat("0123456789\n", 10) // 110 runes
	parts := splitTelegramText(lines, 40, "")
	require.Greater(t, len(parts), 1)
	for _, p := range parts {
		require.LessOrEqual(t, len([]rune(p)), 40)
		require.False(t, strings.HasSuffix(p, "\n"))
	}
	require.Equal(t, strings.ReplaceAll(lines, "\n", ""), strings.ReplaceAll(strings.Join(parts, ""), "\n", ""))

	html := strings.Repeat("a", 15) + "<b>bold</b>"
	parts = splitTelegramText(html, 17, "HTML")
	require.Equal(t, strings.Repeat("a", 15), parts[0])
	require.True(t, strings.HasPrefix(parts[1], "<b>"))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want error
	}{
		{&tele.Error{Code: 403, Description: "Forbidden: bot was blocked by the user"}, kit.ErrForbidden},
		{fmt.Errorf("telebot: %w", &tele.Error{Code: 403, Description: "Forbidden: bot can't initiate conversation with a user"}), kit.ErrForbidden},
		{&tele.Error{Code: 400, Description: "Bad Request: chat not found"}, kit.ErrNotFound},
		{&tele.Error{Code: 400, Description: "Bad Request: message thread not found"}, kit.ErrNotFound},
		{&tele.Error{Code: 400, Description: "Bad Request: TOPIC_CLOSED"}, kit.ErrForbidden},
	}
	for _, tc := range cases {
		got := classify(tc.err)
		require.ErrorIs(t, got, tc.want, tc.err.Error())
	}

	plain := errors.New("network down")
	require.Equal(t, plain, classify(plain))
	require.Equal(t, "send_failed", kit.DeliveryReason(classify(&tele.Error{Code: 429, Description: "Too Many Requests"})))
}

func TestConvertUpdates(t *testing.T) {
	group := &tele.Chat{ID: -100, Type: tele.ChatSuperGroup, Title: "Algo", IsForum: true}

	up, ok := messageUpdate(&tele.Message{
		ID:       9,
		Chat:     group,
		ThreadID: 4,
		Sender:   &tele.User{ID: 7, Username: "alice"},
		Text:     "/next",
	})
	require.True(t, ok)
	require.Equal(t, kit.UpdateMessage, up.Kind)
	require.Equal(t, kit.Message{
		ID:           9,
		Chat:         kit.Chat{ID: -100, Type: kit.ChatSuperGroup, Title: "Algo", IsForum: true},
		ThreadID:     4,
		FromID:       7,
		FromUsername: "alice",
		Text:         "/next",
	}, *up.Message)

	_, ok = messageUpdate(&tele.Message{Text: "no chat"})
	require.False(t, ok)

	require.Equal(t, kit.ChatPrivate, convertChat(&tele.Chat{ID: 1, Type: tele.ChatPrivate}).Type)
	require.Equal(t, kit.ChatGroup, convertChat(&tele.Chat{ID: 2, Type: tele.ChatGroup}).Type)

	top := topicUpdate(group, 4, "cf-reminders")
	require.Equal(t, kit.UpdateTopic, top.Kind)
	require.Equal(t, 4, top.Topic.ThreadID)
	require.Equal(t, "cf-reminders", top.Topic.Name)
}

func TestMyChatMemberUpdate(t *testing.T) {
	group := &tele.Chat{ID: -5, Type: tele.ChatGroup, Title: "Club"}

	up, ok := myChatMemberUpdate(&tele.ChatMemberUpdate{Chat: group, NewChatMember: &tele.ChatMember{Role: tele.Member}})
	require.True(t, ok)
	require.True(t, up.Membership.Joined)
	require.Equal(t, "Club", up.Membership.Chat.Title)

	up, ok = myChatMemberUpdate(&tele.ChatMemberUpdate{Chat: group, NewChatMember: &tele.ChatMember{Role: tele.Kicked}})
	require.True(t, ok)
	require.True(t, up.Membership.Left)

	_, ok = myChatMemberUpdate(&tele.ChatMemberUpdate{
		Chat:          &tele.Chat{ID: 3, Type: tele.ChatPrivate},
		NewChatMember: &tele.ChatMember{Role: tele.Kicked},
	})
	require.False(t, ok)
	_, ok = myChatMemberUpdate(nil)
	require.False(t, ok)
}

func TestMigrationUpdate(t *testing.T) {
	old := &tele.Chat{ID: -42, Type: tele.ChatGroup, Title: "Club"}

	up, ok := migrationUpdate(&tele.Message{Chat: old, MigrateTo: -1001234})
	require.True(t, ok)
	require.Equal(t, kit.UpdateMembership, up.Kind)
	require.Equal(t, int64(-42), up.Membership.MigratedFrom)
	require.Equal(t, int64(-1001234), up.Membership.Chat.ID)
	require.Equal(t, kit.ChatSuperGroup, up.Membership.Chat.Type)
	require.Equal(t, "Club", up.Membership.Chat.Title)
	require.False(t, up.Membership.Joined)
	require.False(t, up.Membership.Left)

	super := &tele.Chat{ID: -1001234, Type: tele.ChatSuperGroup, Title: "Club"}
	up, ok = migrationUpdate(&tele.Message{Chat: super, MigrateFrom: -42})
	require.True(t, ok)
	require.Equal(t, int64(-42), up.Membership.MigratedFrom)
	require.Equal(t, int64(-1001234), up.Membership.Chat.ID)

	_, ok = migrationUpdate(&tele.Message{Chat: old})
	require.False(t, ok)
	_, ok = migrationUpdate(nil)
	require.False(t, ok)
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(Config{Token: "  "}, logx.Nop())
	require.Error(t, err)
}
