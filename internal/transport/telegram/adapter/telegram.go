package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "github.com/BruceKZ/cfreminder-bot/internal/runtime/supervisor"
	kit "github.com/BruceKZ/cfreminder-bot/internal/transport"
	logx "github.com/BruceKZ/cfreminder-bot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Adapter connects the relay to the Telegram Bot API via long polling.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // stores (chan<- kit.Update)
	runMu   sync.Mutex
	running bool

	// sup owns adapter internal goroutines (poll loop, drop logger, stop watcher).
	// It is created on Start() and cancelled on Stop().
	sup *rtsup.Supervisor

	// droppedUpdates counts updates dropped because the consumer was slower than the poll loop.
	droppedUpdates atomic.Uint64

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout, AllowedUpdates: allowedUpdates},
		OnError: func(err error, c tele.Context) {
			a.log.Warn("telebot handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	a.bot = b
	// Ensure atomic.Value is initialized with a stable dynamic type.
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

// allowedUpdates includes my_chat_member so joins and removals are reported.
var allowedUpdates = []string{"message", "my_chat_member"}

// Username is the bot's @name, used to match "/cmd@name" in groups.
func (a *Adapter) Username() string {
	if a.bot == nil || a.bot.Me == nil {
		return ""
	}
	return a.bot.Me.Username
}

// Supervisor returns the adapter's internal supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) registerHandlers() {
	// Handlers forward to the CURRENT output channel. Start() may swap it.
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		if m := c.Message(); m != nil {
			a.forwardMessage(m)
		}
		return nil
	})

	a.bot.Handle(tele.OnAddedToGroup, func(c tele.Context) error {
		if m := c.Message(); m != nil && m.Chat != nil {
			a.sendUpdate(membershipUpdate(m.Chat, true))
		}
		return nil
	})

	a.bot.Handle(tele.OnMyChatMember, func(c tele.Context) error {
		if up, ok := myChatMemberUpdate(c.ChatMember()); ok {
			a.sendUpdate(up)
		}
		return nil
	})

	a.bot.Handle(tele.OnMigration, func(c tele.Context) error {
		if up, ok := migrationUpdate(c.Message()); ok {
			a.sendUpdate(up)
		}
		return nil
	})

	a.bot.Handle(tele.OnNewGroupTitle, func(c tele.Context) error {
		if m := c.Message(); m != nil && m.Chat != nil {
			ch := convertChat(m.Chat)
			if m.NewGroupTitle != "" {
				ch.Title = m.NewGroupTitle
			}
			a.sendUpdate(kit.Update{Kind: kit.UpdateMembership, Membership: &kit.Membership{Chat: ch}})
		}
		return nil
	})

	a.bot.Handle(tele.OnTopicCreated, func(c tele.Context) error {
		if m := c.Message(); m != nil && m.Chat != nil && m.TopicCreated != nil {
			a.sendUpdate(topicUpdate(m.Chat, m.ThreadID, m.TopicCreated.Name))
		}
		return nil
	})

	a.bot.Handle(tele.OnTopicEdited, func(c tele.Context) error {
		if m := c.Message(); m != nil && m.Chat != nil && m.TopicEdited != nil && m.TopicEdited.Name != "" {
			a.sendUpdate(topicUpdate(m.Chat, m.ThreadID, m.TopicEdited.Name))
		}
		return nil
	})
}

func (a *Adapter) forwardMessage(m *tele.Message) {
	up, ok := messageUpdate(m)
	if !ok {
		return
	}
	// Messages inside a forum topic reply to the topic's creation message,
	// which carries the topic name.
	if m.ReplyTo != nil && m.ReplyTo.TopicCreated != nil && m.Chat != nil {
		a.sendUpdate(topicUpdate(m.Chat, m.ThreadID, m.ReplyTo.TopicCreated.Name))
	}
	a.sendUpdate(up)
}

func (a *Adapter) sendUpdate(up kit.Update) {
	v := a.out.Load()
	out, _ := v.(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		// adapter errors should not take down the whole app
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-ticker.C:
				a.reportDropped(cap(out))
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// Telebot's Start() is a long-running loop that can exit unexpectedly;
	// run it under a restart loop so the adapter self-heals.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started", logx.String("bot", a.Username()))
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.droppedUpdates.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Int64("count", int64(n)), logx.Int("chan_cap", capacity))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	a.log.Info("stopping")
	if sup != nil {
		// stop_on_cancel stops telebot.
		sup.Cancel()
	}

	// Keep shutdown snappy even if getUpdates long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	if sup == nil {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

var _ kit.Adapter = (*Adapter)(nil)
var _ kit.CommandMenuUpdater = (*Adapter)(nil)
