package contest

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/BruceKZ/cfreminder-bot/internal/countdown"
	"github.com/BruceKZ/cfreminder-bot/pkg/tgui"
)

const DefaultLinkBase = "https://codeforces.com/contest/"

const (
	NoUpcomingText  = "📢 No upcoming contests right now!"
	FetchFailedText = "❌ Failed to fetch contest info: "
)

// Message is the composed notification. Text is Telegram HTML.
type Message struct {
	Text   tgui.H
	Result Result
}

// Composer turns a fresh Source result into notification text.
// The query commands and the dispatcher both go through it.
type Composer struct {
	src      Source
	loc      atomic.Pointer[time.Location]
	linkBase atomic.Pointer[string]
}

func NewComposer(src Source, loc *time.Location, linkBase string) *Composer {
	c := &Composer{src: src}
	c.SetLocation(loc)
	c.SetLinkBase(linkBase)
	return c
}

// SetLocation changes the display zone; nil means UTC.
func (c *Composer) SetLocation(loc *time.Location) {
	if loc == nil {
		loc = time.UTC
	}
	c.loc.Store(loc)
}

func (c *Composer) SetLinkBase(base string) {
	base = strings.TrimSpace(base)
	if base == "" {
		base = DefaultLinkBase
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	c.linkBase.Store(&base)
}

func (c *Composer) Location() *time.Location { return c.loc.Load() }

// Compose fetches and renders. It never fails: fetch errors become the text.
func (c *Composer) Compose(ctx context.Context, now time.Time) Message {
	res := c.src.Next(ctx)
	return Message{Text: c.Render(res, now), Result: res}
}

// Render formats res relative to now.
func (c *Composer) Render(res Result, now time.Time) tgui.H {
	switch res.Kind {
	case KindUpcoming:
		return c.renderContest(res.Contest, now)
	case KindNoneUpcoming:
		return tgui.Esc(NoUpcomingText)
	default:
		cause := "unknown error"
		if res.Err != nil && res.Err.Cause != "" {
			cause = res.Err.Cause
		}
		return tgui.Esc(FetchFailedText + cause)
	}
}

func (c *Composer) renderContest(ct Contest, now time.Time) tgui.H {
	d := countdown.Format(ct.StartTime, now, c.Location())
	link := c.Link(ct.ID)

	wait := d.Countdown
	if d.Started {
		wait += " (starting now)"
	}
	block := strings.Join([]string{
		"🏆 Contest: " + ct.Name,
		"🕒 Starts: " + d.LocalTime,
		"⏳ Countdown: " + wait,
	}, "\n")

	return tgui.Lines(
		tgui.Raw("🎯 ")+tgui.B("Next Codeforces contest"),
		tgui.Pre(block),
		tgui.Raw("🔗 ")+tgui.Link(link, link),
	)
}

// Link returns the public contest page.
func (c *Composer) Link(id int64) string {
	return *c.linkBase.Load() + strconv.FormatInt(id, 10)
}
