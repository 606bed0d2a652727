package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/BruceKZ/cfreminder-bot/internal/contest"
	"github.com/BruceKZ/cfreminder-bot/internal/dispatch"
	"github.com/BruceKZ/cfreminder-bot/internal/eventbus"
	"github.com/BruceKZ/cfreminder-bot/internal/storage"
	logx "github.com/BruceKZ/cfreminder-bot/pkg/logx"
	"github.com/BruceKZ/cfreminder-bot/pkg/tgui"
)

const (
	textSubscribed      = "✅ You are now subscribed to Codeforces contest reminders!"
	textUnsubscribed    = "✅ You have unsubscribed from Codeforces contest reminders."
	textSubscribeFailed = "⚠️ Could not update your subscription. Please try again later."
	textCycleBusy       = "⏳ A dispatch cycle is already running."
)

type Composer interface {
	Compose(ctx context.Context, now time.Time) contest.Message
}

type Dispatch interface {
	TryRunCycle(ctx context.Context, trigger string) (dispatch.Report, error)
	LastReport() (dispatch.Report, bool)
	NextRun() time.Time
}

type CommunityLister interface {
	ListCommunities(ctx context.Context) ([]storage.Community, error)
}

// Handlers implements the bot's commands.
type Handlers struct {
	Composer    Composer
	Recipients  storage.Recipients
	Communities CommunityLister
	Dispatch    Dispatch
	Supervisors *SupervisorRegistry
	Bus         eventbus.Bus

	// FetchTimeout is the contest client's request timeout; next waits a
	// little longer so the client reports its own deadline.
	FetchTimeout time.Duration

	// ChannelName returns the current broadcast channel name.
	ChannelName func() string
	// Location returns the zone used to print times.
	Location  func() *time.Location
	Now       func() time.Time
	StartedAt time.Time
}

func (h *Handlers) Commands() []Command {
	return []Command{
		{
			Name:        "start",
			Description: "what this bot does",
			Handle:      h.start,
		},
		{
			Name:        "next",
			Aliases:     []string{"contest"},
			Description: "show the next Codeforces contest",
			Timeout:     h.nextTimeout(),
			Handle:      h.next,
		},
		{
			Name:        "subscribe",
			Description: "get contest reminders by direct message",
			Scope:       ScopePrivate,
			Handle:      h.subscribe,
		},
		{
			Name:        "unsubscribe",
			Description: "stop contest reminders",
			Scope:       ScopePrivate,
			Handle:      h.unsubscribe,
		},
		{
			Name:        "status",
			Description: "relay status and last dispatch",
			Access:      AccessOwnerOnly,
			Handle:      h.status,
		},
		{
			Name:        "dispatch",
			Description: "run a dispatch cycle now",
			Access:      AccessOwnerOnly,
			Timeout:     15 * time.Minute,
			Handle:      h.dispatchNow,
		},
	}
}

func (h *Handlers) nextTimeout() time.Duration {
	d := h.FetchTimeout
	if d <= 0 {
		d = contest.DefaultTimeout
	}
	return d + 5*time.Second
}

func (h *Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Handlers) loc() *time.Location {
	if h.Location != nil {
		if l := h.Location(); l != nil {
			return l
		}
	}
	return time.UTC
}

func (h *Handlers) publish(typ string, data any) {
	if h.Bus != nil {
		h.Bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

func (h *Handlers) start(ctx context.Context, req *Request) error {
	channel := dispatch.DefaultChannelName
	if h.ChannelName != nil {
		channel = h.ChannelName()
	}
	return req.Reply(ctx, tgui.Lines(
		tgui.Raw("👋 ")+tgui.B("Codeforces contest reminders"),
		"",
		tgui.Code("/next")+tgui.Raw(" - show the next contest and a countdown"),
		tgui.Code("/subscribe")+tgui.Raw(" - get periodic reminders here (private chat)"),
		tgui.Code("/unsubscribe")+tgui.Raw(" - stop them"),
		"",
		tgui.Raw("Groups: add me and name the group (or a forum topic) ")+tgui.Code(channel)+
			tgui.Raw(" to receive reminders there."),
	))
}

func (h *Handlers) next(ctx context.Context, req *Request) error {
	msg := h.Composer.Compose(ctx, h.now())
	if msg.Result.Kind == contest.KindFailed && msg.Result.Err != nil {
		req.Logger.Warn("next: fetch failed", logx.String("cause", msg.Result.Err.Cause))
	}
	return req.Reply(ctx, msg.Text)
}

func (h *Handlers) subscribe(ctx context.Context, req *Request) error {
	if err := h.Recipients.AddRecipient(ctx, req.FromID); err != nil {
		_ = req.Reply(ctx, tgui.Esc(textSubscribeFailed))
		return err
	}
	h.publish(eventbus.TypeSubscribed, req.FromID)
	return req.Reply(ctx, tgui.Esc(textSubscribed))
}

func (h *Handlers) unsubscribe(ctx context.Context, req *Request) error {
	if err := h.Recipients.RemoveRecipient(ctx, req.FromID); err != nil {
		_ = req.Reply(ctx, tgui.Esc(textSubscribeFailed))
		return err
	}
	h.publish(eventbus.TypeUnsubscribed, req.FromID)
	return req.Reply(ctx, tgui.Esc(textUnsubscribed))
}

func (h *Handlers) status(ctx context.Context, req *Request) error {
	lines := []tgui.H{tgui.Raw("📊 ") + tgui.B("Status")}

	if ids, err := h.Recipients.ListRecipients(ctx); err != nil {
		lines = append(lines, tgui.Esc("Recipients: error: "+err.Error()))
	} else {
		lines = append(lines, tgui.Esc("Recipients: "+strconv.Itoa(len(ids))))
	}
	if h.Communities != nil {
		if cs, err := h.Communities.ListCommunities(ctx); err != nil {
			lines = append(lines, tgui.Esc("Communities: error: "+err.Error()))
		} else {
			lines = append(lines, tgui.Esc("Communities: "+strconv.Itoa(len(cs))))
		}
	}
	if !h.StartedAt.IsZero() {
		lines = append(lines, tgui.Esc("Uptime: "+h.now().Sub(h.StartedAt).Truncate(time.Second).String()))
	}

	if h.Dispatch != nil {
		if next := h.Dispatch.NextRun(); next.IsZero() {
			lines = append(lines, tgui.Esc("Next dispatch: not scheduled"))
		} else {
			lines = append(lines, tgui.Esc("Next dispatch: "+next.In(h.loc()).Format(time.DateTime+" MST")))
		}
		if rep, ok := h.Dispatch.LastReport(); ok {
			lines = append(lines, "", h.reportLines(rep))
		} else {
			lines = append(lines, tgui.Esc("Last dispatch: none yet"))
		}
	}

	if snap := h.Supervisors.Snapshot(); len(snap) > 0 {
		lines = append(lines, "", tgui.B("Supervisors"))
		for _, s := range snap {
			if !s.Running {
				lines = append(lines, tgui.Esc("• "+s.Name+": stopped"))
				continue
			}
			lines = append(lines, tgui.Esc(fmt.Sprintf("• %s: active=%d started=%d panics=%d restarts=%d",
				s.Name, s.Active, s.Started, s.Panics, s.Restarts)))
		}
	}
	return req.Reply(ctx, tgui.Lines(lines...))
}

func (h *Handlers) dispatchNow(ctx context.Context, req *Request) error {
	rep, err := h.Dispatch.TryRunCycle(ctx, dispatch.TriggerManual)
	if errors.Is(err, dispatch.ErrBusy) {
		return req.Reply(ctx, tgui.Esc(textCycleBusy))
	}
	if err != nil {
		return err
	}
	return req.Reply(ctx, h.reportLines(rep))
}

const maxListedFailures = 10

func (h *Handlers) reportLines(rep dispatch.Report) tgui.H {
	lines := []tgui.H{
		tgui.Raw("📨 ") + tgui.B("Dispatch ") + tgui.Code(shortID(rep.ID)),
		tgui.Esc(fmt.Sprintf("%s at %s (%s), result %s",
			rep.Trigger,
			rep.StartedAt.In(h.loc()).Format(time.DateTime+" MST"),
			rep.Duration.Truncate(time.Millisecond),
			rep.Result,
		)),
		tgui.Esc(fmt.Sprintf("Delivered %d of %d (recipients %d, communities %d), failures %d",
			rep.Delivered, rep.Attempted, rep.Recipients, rep.Communities, rep.Failed())),
	}
	for i, f := range rep.Failures {
		if i == maxListedFailures {
			lines = append(lines, tgui.Esc(fmt.Sprintf("… and %d more", len(rep.Failures)-i)))
			break
		}
		lines = append(lines, tgui.Esc(fmt.Sprintf("• %s %d: %s (%s)", f.Target, f.ID, f.Reason, f.Stage)))
	}
	return tgui.Lines(lines...)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
