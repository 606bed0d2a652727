package router

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BruceKZ/cfreminder-bot/internal/contest"
	"github.com/BruceKZ/cfreminder-bot/internal/dispatch"
	"github.com/BruceKZ/cfreminder-bot/internal/eventbus"
	rtsup "github.com/BruceKZ/cfreminder-bot/internal/runtime/supervisor"
	"github.com/BruceKZ/cfreminder-bot/internal/storage"
	kit "github.com/BruceKZ/cfreminder-bot/internal/transport"
	logx "github.com/BruceKZ/cfreminder-bot/pkg/logx"
)

const (
	ownerID  int64 = 1
	userID   int64 = 42
	groupID  int64 = -100
	forumID  int64 = -200
	botLogin       = "cf_bot"
)

type sent struct {
	to   kit.ChatTarget
	text string
}

type fakeSender struct {
	mu  sync.Mutex
	out []sent
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, sent{to: to, text: text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.out)}, nil
}

func (f *fakeSender) all() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.out...)
}

type fixedSource struct{ res contest.Result }

func (f fixedSource) Next(context.Context) contest.Result { return f.res }

type fakeDispatch struct {
	busy bool
	last dispatch.Report
	has  bool
	next time.Time
}

func (f *fakeDispatch) TryRunCycle(context.Context, string) (dispatch.Report, error) {
	if f.busy {
		return dispatch.Report{}, dispatch.ErrBusy
	}
	return f.last, nil
}
func (f *fakeDispatch) LastReport() (dispatch.Report, bool) { return f.last, f.has }
func (f *fakeDispatch) NextRun() time.Time                  { return f.next }

type harness struct {
	m       *CommandManager
	snd     *fakeSender
	store   storage.Store
	bus     eventbus.Bus
	disp    *fakeDispatch
	updates chan kit.Update
}

func newHarness(t *testing.T, res contest.Result) *harness {
	t.Helper()
	store, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		snd:     &fakeSender{},
		store:   store,
		bus:     eventbus.New(),
		disp:    &fakeDispatch{},
		updates: make(chan kit.Update),
	}
	handlers := &Handlers{
		Composer:    contest.NewComposer(fixedSource{res}, time.UTC, ""),
		Recipients:  store,
		Communities: store,
		Dispatch:    h.disp,
		Supervisors: NewSupervisorRegistry(),
		Bus:         h.bus,
	}
	h.m = NewCommandManager(logx.Nop(), h.snd, []int64{ownerID},
		WithBotUsername(botLogin),
		WithObserver(NewDirectory(store, h.bus, logx.Nop())),
	)
	menu := h.m.SetRegistry(handlers.Commands())
	require.NotEmpty(t, menu)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.m.DispatchLoop(ctx, h.updates)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func private(id int64) kit.Chat { return kit.Chat{ID: id, Type: kit.ChatPrivate} }

func group(id int64, title string) kit.Chat {
	return kit.Chat{ID: id, Type: kit.ChatGroup, Title: title}
}

func (h *harness) say(from int64, chat kit.Chat, text string) {
	h.updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ID: 1, Chat: chat, FromID: from, Text: text}}
}

func (h *harness) waitSent(t *testing.T, n int) []sent {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.snd.all()) >= n }, 2*time.Second, 5*time.Millisecond)
	return h.snd.all()
}

func TestNextReportsFetchFailure(t *testing.T) {
	h := newHarness(t, contest.Failed(&contest.FetchError{Cause: "HTTP 503: down"}))

	h.say(userID, private(userID), "/next")
	out := h.waitSent(t, 1)
	require.Contains(t, out[0].text, contest.FetchFailedText)
	require.Contains(t, out[0].text, "HTTP 503: down")
	require.Equal(t, userID, out[0].to.ChatID)
}

func TestNextInGroupRepliesInThread(t *testing.T) {
	h := newHarness(t, contest.NoneUpcoming())

	h.updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID: 3, Chat: kit.Chat{ID: forumID, Type: kit.ChatSuperGroup, IsForum: true}, ThreadID: 9, FromID: userID, Text: "/next@" + botLogin,
	}}
	out := h.waitSent(t, 1)
	require.Contains(t, out[0].text, contest.NoUpcomingText)
	require.Equal(t, kit.ChatTarget{ChatID: forumID, ThreadID: 9}, out[0].to)
}

func TestSubscribeLifecycle(t *testing.T) {
	h := newHarness(t, contest.NoneUpcoming())
	events, unsub := h.bus.Subscribe(8)
	defer unsub()

	h.say(userID, private(userID), "/subscribe")
	out := h.waitSent(t, 1)
	require.Contains(t, out[0].text, textSubscribed)

	ids, err := h.store.ListRecipients(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int64{userID}, ids)

	select {
	case ev := <-events:
		require.Equal(t, eventbus.TypeSubscribed, ev.Type)
		require.Equal(t, userID, ev.Data)
	case <-time.After(time.Second):
		t.Fatal("no subscribe event")
	}

	// Subscribing twice keeps a single entry.
	h.say(userID, private(userID), "/subscribe")
	h.waitSent(t, 2)
	ids, err = h.store.ListRecipients(context.Background())
	require.NoError(t, err)
	require.Len(t, ids, 1)

	h.say(userID, private(userID), "/unsubscribe")
	out = h.waitSent(t, 3)
	require.Contains(t, out[2].text, textUnsubscribed)
	ids, err = h.store.ListRecipients(context.Background())
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestSubscribeReportsStorageFailure(t *testing.T) {
	h := newHarness(t, contest.NoneUpcoming())
	require.NoError(t, h.store.Close())

	h.say(userID, private(userID), "/subscribe")
	out := h.waitSent(t, 1)
	require.Equal(t, textSubscribeFailed, out[0].text)

	h.say(userID, private(userID), "/unsubscribe")
	out = h.waitSent(t, 2)
	require.Equal(t, textSubscribeFailed, out[1].text)
}

func TestNextTimeoutFollowsFetchTimeout(t *testing.T) {
	timeoutOf := func(h *Handlers) time.Duration {
		for _, c := range h.Commands() {
			if c.Name == "next" {
				return c.Timeout
			}
		}
		t.Fatal("next not registered")
		return 0
	}
	require.Equal(t, contest.DefaultTimeout+5*time.Second, timeoutOf(&Handlers{}))
	require.Equal(t, 65*time.Second, timeoutOf(&Handlers{FetchTimeout: time.Minute}))
}

func TestSubscribeOutsidePrivateChat(t *testing.T) {
	h := newHarness(t, contest.NoneUpcoming())

	h.say(userID, group(groupID, "friends"), "/subscribe")
	out := h.waitSent(t, 1)
	require.Equal(t, textPrivateOnly, out[0].text)
	require.Equal(t, groupID, out[0].to.ChatID)

	ids, err := h.store.ListRecipients(context.Background())
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestOwnerOnlyCommands(t *testing.T) {
	h := newHarness(t, contest.NoneUpcoming())
	h.disp.has = true
	h.disp.last = dispatch.Report{
		ID:          "0123456789abcdef",
		Trigger:     dispatch.TriggerSchedule,
		Result:      contest.KindUpcoming,
		Recipients:  2,
		Communities: 1,
		Attempted:   3,
		Delivered:   2,
		Failures: []dispatch.Failure{
			{Target: dispatch.TargetRecipient, ID: 5, Stage: dispatch.StageSend, Reason: "forbidden"},
		},
	}

	h.say(userID, private(userID), "/status")
	out := h.waitSent(t, 1)
	require.Equal(t, textUnauthorized, out[0].text)

	h.say(ownerID, private(ownerID), "/status")
	out = h.waitSent(t, 2)
	require.Contains(t, out[1].text, "Recipients: 0")
	require.Contains(t, out[1].text, "Delivered 2 of 3")
	require.Contains(t, out[1].text, "recipient 5: forbidden")
	require.Contains(t, out[1].text, "01234567")
	require.Contains(t, out[1].text, "Next dispatch: not scheduled")
}

func TestDispatchBusy(t *testing.T) {
	h := newHarness(t, contest.NoneUpcoming())
	h.disp.busy = true

	h.say(ownerID, private(ownerID), "/dispatch")
	out := h.waitSent(t, 1)
	require.Contains(t, out[0].text, textCycleBusy)
}

func TestUnknownCommands(t *testing.T) {
	h := newHarness(t, contest.NoneUpcoming())

	// Ignored in groups, answered in private.
	h.say(userID, group(groupID, "friends"), "/nope")
	h.say(userID, group(groupID, "friends"), "/help")
	out := h.waitSent(t, 1)
	require.Contains(t, out[0].text, "Commands")

	h.say(userID, private(userID), "/nope")
	out = h.waitSent(t, 2)
	require.Equal(t, textUnknown, out[1].text)

	// Commands addressed to another bot are not ours.
	h.say(userID, private(userID), "/next@other_bot")
	h.say(userID, private(userID), "/start")
	out = h.waitSent(t, 3)
	require.Len(t, out, 3)
	require.Contains(t, out[2].text, "/subscribe")
}

func TestHelpHidesOwnerCommands(t *testing.T) {
	h := newHarness(t, contest.NoneUpcoming())

	h.say(userID, private(userID), "/help")
	out := h.waitSent(t, 1)
	require.Contains(t, out[0].text, "/next")
	require.NotContains(t, out[0].text, "/status")
	require.NotContains(t, out[0].text, "/dispatch")

	h.say(ownerID, private(ownerID), "/help")
	out = h.waitSent(t, 2)
	require.Contains(t, out[1].text, "/status")
	require.Contains(t, out[1].text, "/dispatch")

	h.say(userID, private(userID), "/help status")
	out = h.waitSent(t, 3)
	require.Contains(t, out[2].text, "Unknown command")
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text      string
		name      string
		args      []string
		addressed bool
	}{
		{"/next", "next", []string{}, true},
		{"  /Next@CF_Bot now ", "next", []string{"now"}, true},
		{"/next@other_bot", "next", []string{}, false},
		{"hello", "", nil, false},
		{"", "", nil, false},
	}
	for _, tc := range tests {
		t.Run(tc.text, func(t *testing.T) {
			name, args, addressed := parseCommand(tc.text, botLogin)
			require.Equal(t, tc.name, name)
			require.Equal(t, tc.addressed, addressed)
			if tc.args != nil {
				require.Equal(t, tc.args, args)
			}
		})
	}
}

func TestDirectoryTracksCommunities(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "bot")}, logx.Nop())
	require.NoError(t, err)
	defer store.Close()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	d := NewDirectory(store, bus, logx.Nop())

	plain := group(groupID, "CF-Reminders")
	d.Observe(ctx, kit.Update{Kind: kit.UpdateMembership, Membership: &kit.Membership{Chat: plain, Joined: true}})
	ch, ok, err := store.FindChannel(ctx, groupID, "cf-reminders")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, ch.ThreadID)
	require.Equal(t, eventbus.TypeCommunityJoined, (<-events).Type)

	// A rename moves the title channel.
	d.Observe(ctx, kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{Chat: group(groupID, "general"), FromID: userID, Text: "hi"}})
	_, ok, err = store.FindChannel(ctx, groupID, "cf-reminders")
	require.NoError(t, err)
	require.False(t, ok)

	forum := kit.Chat{ID: forumID, Type: kit.ChatSuperGroup, Title: "Club", IsForum: true}
	d.Observe(ctx, kit.Update{Kind: kit.UpdateTopic, Topic: &kit.Topic{Chat: forum, ThreadID: 7, Name: "CF-reminders"}})
	ch, ok, err = store.FindChannel(ctx, forumID, "cf-reminders")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 7, ch.ThreadID)
	_, ok, err = store.FindChannel(ctx, forumID, "club")
	require.NoError(t, err)
	require.False(t, ok)

	d.Observe(ctx, kit.Update{Kind: kit.UpdateMembership, Membership: &kit.Membership{Chat: forum, Left: true}})
	cs, err := store.ListCommunities(ctx)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	require.Equal(t, groupID, cs[0].ID)

	// Private chats never enter the directory.
	d.Observe(ctx, kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{Chat: private(userID), FromID: userID, Text: "hi"}})
	cs, err = store.ListCommunities(ctx)
	require.NoError(t, err)
	require.Len(t, cs, 1)
}

func TestDirectoryFollowsSupergroupUpgrade(t *testing.T) {
	const superID int64 = -1000100
	for _, driver := range []string{"sqlite", "file"} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			store, err := storage.Open(storage.Config{Driver: driver, Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
			require.NoError(t, err)
			defer store.Close()

			bus := eventbus.New()
			events, unsub := bus.Subscribe(16)
			defer unsub()
			d := NewDirectory(store, bus, logx.Nop())

			d.Observe(ctx, kit.Update{Kind: kit.UpdateMembership, Membership: &kit.Membership{Chat: group(groupID, "CF-Reminders"), Joined: true}})
			require.Equal(t, eventbus.TypeCommunityJoined, (<-events).Type)

			upgraded := kit.Chat{ID: superID, Type: kit.ChatSuperGroup, Title: "CF-Reminders"}
			d.Observe(ctx, kit.Update{Kind: kit.UpdateMembership, Membership: &kit.Membership{Chat: upgraded, MigratedFrom: groupID}})

			ev := <-events
			require.Equal(t, eventbus.TypeCommunityMigrated, ev.Type)
			require.Equal(t, [2]int64{groupID, superID}, ev.Data)

			cs, err := store.ListCommunities(ctx)
			require.NoError(t, err)
			require.Equal(t, []storage.Community{{ID: superID, Title: "CF-Reminders", Kind: storage.KindSupergroup}}, cs)

			ch, ok, err := store.FindChannel(ctx, superID, "cf-reminders")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, 0, ch.ThreadID)

			_, ok, err = store.FindChannel(ctx, groupID, "cf-reminders")
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestDirectoryDropsTitleChannelWhenGroupBecomesForum(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	require.NoError(t, err)
	defer store.Close()
	d := NewDirectory(store, eventbus.Nop{}, logx.Nop())

	d.Observe(ctx, kit.Update{Kind: kit.UpdateMembership, Membership: &kit.Membership{
		Chat: kit.Chat{ID: forumID, Type: kit.ChatSuperGroup, Title: "CF-Reminders"}, Joined: true,
	}})
	ch, ok, err := store.FindChannel(ctx, forumID, "cf-reminders")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, ch.ThreadID)

	forum := kit.Chat{ID: forumID, Type: kit.ChatSuperGroup, Title: "CF-Reminders", IsForum: true}
	d.Observe(ctx, kit.Update{Kind: kit.UpdateTopic, Topic: &kit.Topic{Chat: forum, ThreadID: 11, Name: "cf-reminders"}})

	ch, ok, err = store.FindChannel(ctx, forumID, "cf-reminders")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 11, ch.ThreadID)

	cs, err := store.ListCommunities(ctx)
	require.NoError(t, err)
	require.Equal(t, storage.KindForum, cs[0].Kind)
}

func TestSupervisorRegistry(t *testing.T) {
	r := NewSupervisorRegistry()
	r.Set("b", func() CounterSource { return nil })
	r.Set("a", FromSupervisor(func() *rtsup.Supervisor { return nil }))
	snap := r.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "a", snap[0].Name)
	require.False(t, snap[0].Running)

	var nilReg *SupervisorRegistry
	require.Nil(t, nilReg.Snapshot())
}

func TestMenuOrdersOwnerCommandsLast(t *testing.T) {
	h := &Handlers{}
	m := NewCommandManager(logx.Nop(), &fakeSender{}, nil)
	menu := m.SetRegistry(h.Commands())
	require.NotEmpty(t, menu)
	last := menu[len(menu)-1]
	require.True(t, strings.HasPrefix(last.Description, "🔒"), last.Description)
	require.Equal(t, "start", menu[0].Command)
}

func TestPanickingCommandReplies(t *testing.T) {
	snd := &fakeSender{}
	m := NewCommandManager(logx.Nop(), snd, nil)
	m.SetRegistry([]Command{{
		Name:   "boom",
		Handle: func(context.Context, *Request) error { panic("kaboom") },
	}})

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update)
	done := make(chan struct{})
	go func() {
		_ = m.DispatchLoop(ctx, updates)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{Chat: private(userID), FromID: userID, Text: "/boom"}}
	require.Eventually(t, func() bool { return len(snd.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, textInternalError, snd.all()[0].text)

	// The worker survives and keeps serving.
	updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{Chat: private(userID), FromID: userID, Text: "/help"}}
	require.Eventually(t, func() bool { return len(snd.all()) == 2 }, 2*time.Second, 5*time.Millisecond)
}
