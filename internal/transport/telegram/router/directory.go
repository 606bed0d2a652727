package router

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BruceKZ/cfreminder-bot/internal/eventbus"
	"github.com/BruceKZ/cfreminder-bot/internal/storage"
	kit "github.com/BruceKZ/cfreminder-bot/internal/transport"
	logx "github.com/BruceKZ/cfreminder-bot/pkg/logx"
)

// Directory keeps the community directory in sync with what the bot sees:
// joins, removals, renames, forum topics and ordinary group traffic.
//
// A plain group is one channel (thread 0) named by the group title.
// A forum supergroup has one channel per topic, named by the topic.
type Directory struct {
	store storage.Directory
	bus   eventbus.Bus
	log   logx.Logger

	mu     sync.Mutex
	seen   map[int64]string // community id -> last written signature
	topics map[string]string
}

func NewDirectory(store storage.Directory, bus eventbus.Bus, log logx.Logger) *Directory {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Directory{store: store, bus: bus, log: log, seen: map[int64]string{}, topics: map[string]string{}}
}

const directoryWriteTimeout = 5 * time.Second

func (d *Directory) Observe(ctx context.Context, up kit.Update) {
	ctx, cancel := context.WithTimeout(ctx, directoryWriteTimeout)
	defer cancel()

	switch up.Kind {
	case kit.UpdateMembership:
		if up.Membership == nil || !up.Membership.Chat.IsCommunity() {
			return
		}
		if up.Membership.Left {
			d.leave(ctx, up.Membership.Chat)
			return
		}
		if up.Membership.MigratedFrom != 0 {
			d.migrate(ctx, up.Membership.MigratedFrom, up.Membership.Chat)
			return
		}
		if d.ensure(ctx, up.Membership.Chat, true) && up.Membership.Joined {
			d.bus.Publish(eventbus.Event{Type: eventbus.TypeCommunityJoined, Data: up.Membership.Chat.ID})
			d.log.Info("joined community", logx.Int64("community", up.Membership.Chat.ID), logx.String("title", up.Membership.Chat.Title))
		}
	case kit.UpdateTopic:
		if up.Topic == nil || !up.Topic.Chat.IsCommunity() {
			return
		}
		d.ensure(ctx, up.Topic.Chat, false)
		d.topic(ctx, *up.Topic)
	case kit.UpdateMessage:
		if up.Message != nil && up.Message.Chat.IsCommunity() {
			d.ensure(ctx, up.Message.Chat, false)
		}
	}
}

func kindOf(c kit.Chat) storage.CommunityKind {
	switch {
	case c.IsForum:
		return storage.KindForum
	case c.Type == kit.ChatSuperGroup:
		return storage.KindSupergroup
	default:
		return storage.KindGroup
	}
}

// ensure writes the community (and its title channel for non-forums) when it
// changed since the last write. It reports whether it wrote.
func (d *Directory) ensure(ctx context.Context, c kit.Chat, force bool) bool {
	kind := kindOf(c)
	sig := string(kind) + "|" + c.Title

	d.mu.Lock()
	if !force && d.seen[c.ID] == sig {
		d.mu.Unlock()
		return false
	}
	d.mu.Unlock()

	if err := d.store.UpsertCommunity(ctx, storage.Community{ID: c.ID, Title: c.Title, Kind: kind}); err != nil {
		d.log.Warn("community upsert failed", logx.Int64("community", c.ID), logx.Err(err))
		return false
	}
	switch {
	case kind == storage.KindForum:
		// A group turned forum keeps no title channel; topics replace it.
		if err := d.store.RemoveChannel(ctx, c.ID, 0); err != nil {
			d.log.Warn("channel remove failed", logx.Int64("community", c.ID), logx.Err(err))
			return false
		}
	case c.Title != "":
		if err := d.store.UpsertChannel(ctx, storage.Channel{CommunityID: c.ID, ThreadID: 0, Name: c.Title}); err != nil {
			d.log.Warn("channel upsert failed", logx.Int64("community", c.ID), logx.Err(err))
			return false
		}
	}

	d.mu.Lock()
	d.seen[c.ID] = sig
	d.mu.Unlock()
	d.log.Debug("community recorded", logx.Int64("community", c.ID), logx.String("kind", string(kind)), logx.String("title", c.Title))
	return true
}

func (d *Directory) topic(ctx context.Context, t kit.Topic) {
	if t.Name == "" {
		return
	}
	key := strconv.FormatInt(t.Chat.ID, 10) + "/" + strconv.Itoa(t.ThreadID)

	d.mu.Lock()
	same := d.topics[key] == t.Name
	d.mu.Unlock()
	if same {
		return
	}

	if err := d.store.UpsertChannel(ctx, storage.Channel{CommunityID: t.Chat.ID, ThreadID: t.ThreadID, Name: t.Name}); err != nil {
		d.log.Warn("topic upsert failed", logx.Int64("community", t.Chat.ID), logx.Int("thread_id", t.ThreadID), logx.Err(err))
		return
	}
	d.mu.Lock()
	d.topics[key] = t.Name
	d.mu.Unlock()

	d.bus.Publish(eventbus.Event{Type: eventbus.TypeChannelDiscovered, Data: t})
	d.log.Info("channel recorded", logx.Int64("community", t.Chat.ID), logx.Int("thread_id", t.ThreadID), logx.String("name", t.Name))
}

// migrate moves a community upgraded to a supergroup to its new chat id.
func (d *Directory) migrate(ctx context.Context, from int64, c kit.Chat) {
	if err := d.store.MoveCommunity(ctx, from, c.ID); err != nil {
		d.log.Warn("community move failed", logx.Int64("from", from), logx.Int64("community", c.ID), logx.Err(err))
		return
	}
	d.forget(from)
	d.ensure(ctx, c, true)

	d.bus.Publish(eventbus.Event{Type: eventbus.TypeCommunityMigrated, Data: [2]int64{from, c.ID}})
	d.log.Info("community migrated", logx.Int64("from", from), logx.Int64("community", c.ID), logx.String("title", c.Title))
}

func (d *Directory) leave(ctx context.Context, c kit.Chat) {
	if err := d.store.RemoveCommunity(ctx, c.ID); err != nil {
		d.log.Warn("community remove failed", logx.Int64("community", c.ID), logx.Err(err))
		return
	}
	d.forget(c.ID)

	d.bus.Publish(eventbus.Event{Type: eventbus.TypeCommunityLeft, Data: c.ID})
	d.log.Info("left community", logx.Int64("community", c.ID), logx.String("title", c.Title))
}

func (d *Directory) forget(id int64) {
	prefix := strconv.FormatInt(id, 10) + "/"
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
	for k := range d.topics {
		if strings.HasPrefix(k, prefix) {
			delete(d.topics, k)
		}
	}
}
