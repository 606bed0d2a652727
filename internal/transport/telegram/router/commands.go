package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	rtsup "github.com/BruceKZ/cfreminder-bot/internal/runtime/supervisor"
	kit "github.com/BruceKZ/cfreminder-bot/internal/transport"
	logx "github.com/BruceKZ/cfreminder-bot/pkg/logx"
	"github.com/BruceKZ/cfreminder-bot/pkg/tgui"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

// Scope limits where a command may run.
type Scope int

const (
	ScopeAnywhere Scope = iota
	ScopePrivate
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Scope       Scope

	Timeout time.Duration // optional per-command override
	Handle  HandlerFunc
}

type Request struct {
	Update  kit.Update
	Message *kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string

	Logger logx.Logger
	sender kit.Sender
}

// Reply sends HTML text back to the chat (and topic) the command came from.
func (r *Request) Reply(ctx context.Context, text tgui.H) error {
	_, err := r.sender.SendText(ctx, r.Chat, text.String(), &kit.SendOptions{ParseMode: tgui.ParseMode, DisablePreview: true})
	return err
}

const (
	textUnauthorized = "⛔ This command is for bot owners only."
	textPrivateOnly  = "❌ This command only works in a private chat with the bot."
	textUnknown      = "❓ Unknown command. Try /help"
	textBusy         = "⏳ Busy, try again in a moment."
)

// Observer sees every inbound update before command routing.
type Observer interface {
	Observe(ctx context.Context, up kit.Update)
}

type CommandManager struct {
	mu sync.RWMutex

	cmds  map[string]*Command // name and aliases
	order []*Command

	owners []int64

	log      logx.Logger
	sender   kit.Sender
	observer Observer
	username string
	timeout  time.Duration

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

type Option func(*CommandManager)

// WithObserver installs a hook that sees every update (community tracking).
func WithObserver(o Observer) Option { return func(m *CommandManager) { m.observer = o } }

// WithBotUsername makes "/cmd@other_bot" addressed to other bots be ignored.
func WithBotUsername(name string) Option {
	return func(m *CommandManager) { m.username = strings.TrimPrefix(strings.TrimSpace(name), "@") }
}

// WithDefaultTimeout bounds commands without their own Timeout.
func WithDefaultTimeout(d time.Duration) Option { return func(m *CommandManager) { m.timeout = d } }

func NewCommandManager(log logx.Logger, sender kit.Sender, owners []int64, opts ...Option) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &CommandManager{
		cmds:    map[string]*Command{},
		owners:  slices.Clone(owners),
		log:     log,
		sender:  sender,
		timeout: 45 * time.Second,
		jobs:    make(chan func(), 256),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Supervisor returns the command manager's internal supervisor (nil if not running).
func (m *CommandManager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *CommandManager) setSupervisor(sup *rtsup.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being closed).
func (m *CommandManager) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// SetOwners updates the owner list used for AccessOwnerOnly checks.
// Safe to call during hot-reload.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := slices.Clone(owners)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *CommandManager) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.owners, id)
}

// SetRegistry installs cmds plus the built-in help command and returns the
// Telegram menu for them.
func (m *CommandManager) SetRegistry(cmds []Command) []kit.BotCommand {
	helper := Command{
		Name:        "help",
		Aliases:     []string{"h"},
		Description: "show available commands",
		Usage:       "/help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(req.FromID, req.Args))
		},
	}
	cmds = append(slices.Clone(cmds), helper)

	byName := map[string]*Command{}
	order := make([]*Command, 0, len(cmds))
	for i := range cmds {
		c := &cmds[i]
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		byName[name] = c
		order = append(order, c)
	}
	// Aliases never shadow a real command name.
	for _, c := range order {
		for _, a := range c.Aliases {
			if sa := sanitizeTelegramCommand(a); sa != "" {
				if _, taken := byName[sa]; !taken {
					byName[sa] = c
				}
			}
		}
	}

	m.mu.Lock()
	m.cmds = byName
	m.order = order
	m.mu.Unlock()

	return buildTelegramMenuCommands(order)
}

func (m *CommandManager) lookup(name string) (*Command, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cmds[name]
	return c, ok
}

func (m *CommandManager) commands() []*Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.order)
}

// DispatchLoop routes updates until ctx is done or updates is closed.
// Commands run on a bounded worker pool.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := max(runtime.NumCPU(), 2)

	sup := rtsup.New(ctx,
		rtsup.WithLogger(m.log),
		rtsup.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			// Mark as not running before closing so enqueue can degrade gracefully.
			m.setSupervisor(sup, false)
			close(m.jobs)
		})
	}

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					// middleware already recovers, but keep workers alive regardless
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.routeUpdate(ctx, up)
		}
	}
}

func (m *CommandManager) routeUpdate(ctx context.Context, up kit.Update) {
	if m.observer != nil {
		m.observer.Observe(ctx, up)
	}
	if up.Kind == kit.UpdateMessage && up.Message != nil {
		m.routeMessage(ctx, up)
	}
}

func (m *CommandManager) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	name, args, addressed := parseCommand(msg.Text, m.username)
	if name == "" || !addressed {
		return
	}
	to := kit.ChatTarget{ChatID: msg.Chat.ID, ThreadID: msg.ThreadID}

	cmd, ok := m.lookup(name)
	if !ok {
		// Groups often host several bots; only answer unknown commands in private.
		if msg.Chat.IsPrivate() {
			m.notice(ctx, to, textUnknown)
		}
		return
	}
	if cmd.Access == AccessOwnerOnly && !m.isOwner(msg.FromID) {
		m.notice(ctx, to, textUnauthorized)
		return
	}
	if cmd.Scope == ScopePrivate && !msg.Chat.IsPrivate() {
		m.notice(ctx, to, textPrivateOnly)
		return
	}

	rid := uuid.NewString()
	req := &Request{
		Update:  up,
		Message: msg,
		Chat:    to,
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    args,
		ReqID:   rid,
		sender:  m.sender,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", to.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = m.timeout
	}
	final := Chain(
		cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(timeout),
	)
	if !m.tryEnqueue(func() { _ = final(ctx, req) }) {
		m.notice(ctx, to, textBusy)
	}
}

func (m *CommandManager) notice(ctx context.Context, to kit.ChatTarget, text string) {
	if _, err := m.sender.SendText(ctx, to, text, nil); err != nil {
		m.log.Debug("notice send failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}

// parseCommand extracts "/name@bot arg..." from text. addressed is false when
// the command names a different bot.
func parseCommand(text, username string) (name string, args []string, addressed bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	word := strings.TrimPrefix(fields[0], "/")
	addressed = true
	if i := strings.IndexByte(word, '@'); i >= 0 {
		target := word[i+1:]
		word = word[:i]
		if username != "" && !strings.EqualFold(target, username) {
			addressed = false
		}
	}
	return strings.ToLower(word), fields[1:], addressed
}
