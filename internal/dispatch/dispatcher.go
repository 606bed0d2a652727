package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/BruceKZ/cfreminder-bot/internal/contest"
	"github.com/BruceKZ/cfreminder-bot/internal/eventbus"
	"github.com/BruceKZ/cfreminder-bot/internal/storage"
	"github.com/BruceKZ/cfreminder-bot/internal/transport"
	logx "github.com/BruceKZ/cfreminder-bot/pkg/logx"
	"github.com/BruceKZ/cfreminder-bot/pkg/tgui"
)

const (
	DefaultChannelName = "cf-reminders"
	DefaultRatePerSec  = 20
	DefaultSendTimeout = 15 * time.Second
)

// Trigger names recorded in reports.
const (
	TriggerSchedule = "schedule"
	TriggerStartup  = "startup"
	TriggerManual   = "manual"
)

// ErrBusy is returned by TryRunCycle while another cycle is active.
var ErrBusy = errors.New("dispatch cycle already running")

type Config struct {
	Enabled     bool
	Schedule    string
	RunOnStart  bool
	RatePerSec  int
	SendTimeout time.Duration

	Broadcast   bool
	ChannelName string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = DefaultSchedule
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = DefaultRatePerSec
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if strings.TrimSpace(c.ChannelName) == "" {
		c.ChannelName = DefaultChannelName
	}
	return c
}

// Composer builds the cycle payload.
type Composer interface {
	Compose(ctx context.Context, now time.Time) contest.Message
}

// Store is the read side the dispatcher needs.
type Store interface {
	ListRecipients(ctx context.Context) ([]int64, error)
	ListCommunities(ctx context.Context) ([]storage.Community, error)
	FindChannel(ctx context.Context, communityID int64, name string) (storage.Channel, bool, error)
}

// Messenger resolves and delivers.
type Messenger interface {
	transport.Sender
	transport.Resolver
}

// Dispatcher runs delivery cycles on a cron schedule and on demand.
// At most one cycle is active at a time, whatever triggered it.
type Dispatcher struct {
	composer Composer
	store    Store
	msg      Messenger
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time

	cycleMu sync.Mutex

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	cron    *cron.Cron
	entry   cron.EntryID
	runCtx  context.Context
	last    *Report
}

type Option func(*Dispatcher)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

func WithBus(b eventbus.Bus) Option { return func(d *Dispatcher) { d.bus = b } }

func New(cfg Config, composer Composer, store Store, msg Messenger, log logx.Logger, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		composer: composer,
		store:    store,
		msg:      msg,
		bus:      eventbus.Nop{},
		log:      log,
		now:      time.Now,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Start installs the cron trigger. ctx bounds every scheduled cycle.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cron != nil {
		return nil
	}
	d.runCtx = ctx
	cl := cronLogger{log: d.log}
	d.cron = cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.DelayIfStillRunning(cl)),
	)
	if err := d.installLocked(); err != nil {
		d.cron = nil
		return err
	}
	d.cron.Start()
	d.log.Info("dispatcher started",
		logx.Bool("enabled", d.cfg.Enabled),
		logx.String("schedule", d.cfg.Schedule),
		logx.Time("next", d.nextLocked()),
	)
	return nil
}

// Stop halts the trigger and waits for a running scheduled job, bounded by ctx.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	c := d.cron
	d.cron = nil
	d.entry = 0
	d.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	d.log.Info("dispatcher stopped")
}

// Apply swaps pacing, channel name and schedule. A bad schedule is rejected
// and the previous trigger is kept.
func (d *Dispatcher) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	if _, err := ParseSchedule(cfg.Schedule); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.cfg
	d.cfg = cfg
	if old.RatePerSec != cfg.RatePerSec {
		d.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	}
	if d.cron != nil && (old.Schedule != cfg.Schedule || old.Enabled != cfg.Enabled) {
		if d.entry != 0 {
			d.cron.Remove(d.entry)
			d.entry = 0
		}
		if err := d.installLocked(); err != nil {
			return err
		}
		d.log.Info("dispatch schedule updated",
			logx.Bool("enabled", cfg.Enabled),
			logx.String("schedule", cfg.Schedule),
			logx.Time("next", d.nextLocked()),
		)
	}
	return nil
}

func (d *Dispatcher) installLocked() error {
	if !d.cfg.Enabled {
		return nil
	}
	spec, err := ParseSchedule(d.cfg.Schedule)
	if err != nil {
		return err
	}
	sched, err := spec.Schedule()
	if err != nil {
		return err
	}
	d.entry = d.cron.Schedule(sched, cron.FuncJob(func() {
		d.mu.Lock()
		ctx := d.runCtx
		d.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}
		d.RunCycle(ctx, TriggerSchedule)
	}))
	return nil
}

func (d *Dispatcher) nextLocked() time.Time {
	if d.cron == nil || d.entry == 0 {
		return time.Time{}
	}
	return d.cron.Entry(d.entry).Next
}

// NextRun is the next scheduled cycle, zero when none.
func (d *Dispatcher) NextRun() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nextLocked()
}

// Config returns the active settings.
func (d *Dispatcher) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// LastReport returns the most recent finished cycle.
func (d *Dispatcher) LastReport() (Report, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last == nil {
		return Report{}, false
	}
	return *d.last, true
}

// TryRunCycle runs a cycle unless one is already active.
func (d *Dispatcher) TryRunCycle(ctx context.Context, trigger string) (Report, error) {
	if !d.cycleMu.TryLock() {
		return Report{}, ErrBusy
	}
	defer d.cycleMu.Unlock()
	return d.runLocked(ctx, trigger), nil
}

// RunCycle waits for any active cycle, then runs one.
// It never returns an error: every problem lands in the report.
func (d *Dispatcher) RunCycle(ctx context.Context, trigger string) Report {
	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()
	return d.runLocked(ctx, trigger)
}

func (d *Dispatcher) runLocked(ctx context.Context, trigger string) Report {
	d.mu.Lock()
	cfg := d.cfg
	lim := d.limiter
	d.mu.Unlock()

	rep := Report{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		StartedAt: d.now(),
	}
	log := d.log.With(logx.String("cycle", rep.ID), logx.String("trigger", trigger))
	log.Info("dispatch cycle started")

	// The payload is fixed before any delivery.
	msg := d.composer.Compose(ctx, rep.StartedAt)
	text := msg.Text.String()
	rep.Result = msg.Result.Kind
	rep.Preview = tgui.TruncRunes(tgui.Plain(msg.Text), 120)
	opt := &transport.SendOptions{ParseMode: tgui.ParseMode, DisablePreview: true}

	c := cycle{d: d, cfg: cfg, lim: lim, log: log, rep: &rep, text: text, opt: opt}
	c.recipients(ctx)
	if cfg.Broadcast {
		c.communities(ctx)
	}

	rep.Duration = time.Since(rep.StartedAt)
	fields := []logx.Field{
		logx.String("result", rep.Result.String()),
		logx.Int("attempted", rep.Attempted),
		logx.Int("delivered", rep.Delivered),
		logx.Int("failed", rep.Failed()),
		logx.Duration("dur", rep.Duration),
	}
	if rep.Failed() > 0 {
		log.Warn("dispatch cycle finished with failures", fields...)
	} else {
		log.Info("dispatch cycle finished", fields...)
	}

	d.mu.Lock()
	last := rep
	d.last = &last
	d.mu.Unlock()
	d.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchCycle, Data: rep})
	return rep
}

// cycle carries one run's state through the two delivery halves.
type cycle struct {
	d    *Dispatcher
	cfg  Config
	lim  *rate.Limiter
	log  logx.Logger
	rep  *Report
	text string
	opt  *transport.SendOptions
}

func (c *cycle) recipients(ctx context.Context) {
	ids, err := c.d.store.ListRecipients(ctx)
	if err != nil {
		c.log.Error("list recipients failed", logx.Err(err))
		c.rep.fail(Failure{Target: TargetRecipient, Stage: StageList, Reason: "storage", Err: err.Error()})
		return
	}
	c.rep.Recipients = len(ids)
	for _, id := range ids {
		c.attempt(ctx, TargetRecipient, id, 0, func(ctx context.Context) (Stage, error) {
			to, err := c.d.msg.ResolveChat(ctx, id)
			if err != nil {
				return StageResolve, err
			}
			return StageSend, c.send(ctx, to)
		})
	}
}

func (c *cycle) communities(ctx context.Context) {
	list, err := c.d.store.ListCommunities(ctx)
	if err != nil {
		c.log.Error("list communities failed", logx.Err(err))
		c.rep.fail(Failure{Target: TargetCommunity, Stage: StageList, Reason: "storage", Err: err.Error()})
		return
	}
	c.rep.Communities = len(list)
	for _, cm := range list {
		ch, ok, err := c.d.store.FindChannel(ctx, cm.ID, c.cfg.ChannelName)
		if err != nil {
			c.log.Warn("channel lookup failed", logx.Int64("community", cm.ID), logx.Err(err))
			c.rep.fail(Failure{Target: TargetCommunity, ID: cm.ID, Stage: StageLookup, Reason: "storage", Err: err.Error()})
			continue
		}
		if !ok {
			c.log.Warn("broadcast channel missing, skipping",
				logx.Int64("community", cm.ID),
				logx.String("title", cm.Title),
				logx.String("channel", c.cfg.ChannelName),
			)
			c.rep.fail(Failure{Target: TargetCommunity, ID: cm.ID, Stage: StageLookup, Reason: "missing_channel"})
			continue
		}
		to := transport.ChatTarget{ChatID: ch.CommunityID, ThreadID: ch.ThreadID}
		c.attempt(ctx, TargetCommunity, cm.ID, ch.ThreadID, func(ctx context.Context) (Stage, error) {
			return StageSend, c.send(ctx, to)
		})
	}
}

func (c *cycle) send(ctx context.Context, to transport.ChatTarget) error {
	_, err := c.d.msg.SendText(ctx, to, c.text, c.opt)
	return err
}

// attempt runs one isolated delivery: paced, time-bounded and panic-safe.
func (c *cycle) attempt(ctx context.Context, kind TargetKind, id int64, thread int, fn func(ctx context.Context) (Stage, error)) {
	c.rep.Attempted++
	if err := c.lim.Wait(ctx); err != nil {
		c.record(kind, id, thread, StageSend, err)
		return
	}

	actx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()

	stage, err := func() (stage Stage, err error) {
		defer func() {
			if r := recover(); r != nil {
				stage, err = StageSend, fmt.Errorf("panic: %v", r)
			}
		}()
		return fn(actx)
	}()
	if err != nil {
		c.record(kind, id, thread, stage, err)
		return
	}
	c.rep.Delivered++
	c.log.Debug("delivered", logx.String("target", string(kind)), logx.Int64("id", id), logx.Int("thread_id", thread))
}

func (c *cycle) record(kind TargetKind, id int64, thread int, stage Stage, err error) {
	reason := transport.DeliveryReason(err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		reason = "timeout"
	}
	c.log.Warn("delivery failed",
		logx.String("target", string(kind)),
		logx.Int64("id", id),
		logx.Int("thread_id", thread),
		logx.String("stage", string(stage)),
		logx.String("reason", reason),
		logx.Err(err),
	)
	c.rep.fail(Failure{Target: kind, ID: id, ThreadID: thread, Stage: stage, Reason: reason, Err: err.Error()})
}
