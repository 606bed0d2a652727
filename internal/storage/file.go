package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	logx "github.com/BruceKZ/cfreminder-bot/pkg/logx"
)

const fileCompactEvery = 1000

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal, fsynced per write)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	writes       int

	recipients  map[int64]struct{}
	communities map[int64]Community
	channels    map[int64]map[int]Channel
}

type fileSnapshot struct {
	Recipients  []int64     `json:"recipients"`
	Communities []Community `json:"communities"`
	Channels    []Channel   `json:"channels"`
}

type journalOp string

const (
	opAddRecipient    journalOp = "recipient.add"
	opRemoveRecipient journalOp = "recipient.remove"
	opUpsertCommunity journalOp = "community.upsert"
	opRemoveCommunity journalOp = "community.remove"
	opMoveCommunity   journalOp = "community.move"
	opUpsertChannel   journalOp = "channel.upsert"
	opRemoveChannel   journalOp = "channel.remove"
)

type journalRecord struct {
	Op        journalOp  `json:"op"`
	ID        int64      `json:"id,omitempty"`
	To        int64      `json:"to,omitempty"`
	Community *Community `json:"community,omitempty"`
	Channel   *Channel   `json:"channel,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wrapErr("open", err)
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		recipients:   map[int64]struct{}{},
		communities:  map[int64]Community{},
		channels:     map[int64]map[int]Channel{},
	}
	journalPath := prefix + ".journal.jsonl"

	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, wrapErr("load snapshot", err)
	}
	if err := s.replay(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, wrapErr("replay journal", err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, wrapErr("open", err)
	}
	s.journal = jf
	log.Debug("file store ready",
		logx.String("prefix", prefix),
		logx.Int("recipients", len(s.recipients)),
		logx.Int("communities", len(s.communities)),
	)
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) AddRecipient(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recipients[id]; ok {
		return s.openErr("add recipient")
	}
	if err := s.appendLocked(journalRecord{Op: opAddRecipient, ID: id}); err != nil {
		return wrapErr("add recipient", err)
	}
	s.apply(journalRecord{Op: opAddRecipient, ID: id})
	return nil
}

func (s *fileStore) RemoveRecipient(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recipients[id]; !ok {
		return s.openErr("remove recipient")
	}
	if err := s.appendLocked(journalRecord{Op: opRemoveRecipient, ID: id}); err != nil {
		return wrapErr("remove recipient", err)
	}
	s.apply(journalRecord{Op: opRemoveRecipient, ID: id})
	return nil
}

func (s *fileStore) ListRecipients(ctx context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.openErr("list recipients"); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(s.recipients))
	for id := range s.recipients {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *fileStore) UpsertCommunity(ctx context.Context, c Community) error {
	if c.Kind == "" {
		c.Kind = KindGroup
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.communities[c.ID]; ok && cur == c {
		return s.openErr("upsert community")
	}
	rec := journalRecord{Op: opUpsertCommunity, Community: &c}
	if err := s.appendLocked(rec); err != nil {
		return wrapErr("upsert community", err)
	}
	s.apply(rec)
	return nil
}

func (s *fileStore) RemoveCommunity(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.communities[id]; !ok {
		if _, ok := s.channels[id]; !ok {
			return s.openErr("remove community")
		}
	}
	rec := journalRecord{Op: opRemoveCommunity, ID: id}
	if err := s.appendLocked(rec); err != nil {
		return wrapErr("remove community", err)
	}
	s.apply(rec)
	return nil
}

func (s *fileStore) MoveCommunity(ctx context.Context, from, to int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, known := s.communities[from]
	if from == to || !known {
		return s.openErr("move community")
	}
	rec := journalRecord{Op: opMoveCommunity, ID: from, To: to}
	if err := s.appendLocked(rec); err != nil {
		return wrapErr("move community", err)
	}
	s.apply(rec)
	return nil
}

func (s *fileStore) ListCommunities(ctx context.Context) ([]Community, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.openErr("list communities"); err != nil {
		return nil, err
	}
	out := make([]Community, 0, len(s.communities))
	for _, c := range s.communities {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) UpsertChannel(ctx context.Context, ch Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.channels[ch.CommunityID][ch.ThreadID]; ok && cur == ch {
		if _, known := s.communities[ch.CommunityID]; known {
			return s.openErr("upsert channel")
		}
	}
	rec := journalRecord{Op: opUpsertChannel, Channel: &ch}
	if err := s.appendLocked(rec); err != nil {
		return wrapErr("upsert channel", err)
	}
	s.apply(rec)
	return nil
}

func (s *fileStore) RemoveChannel(ctx context.Context, communityID int64, threadID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[communityID][threadID]; !ok {
		return s.openErr("remove channel")
	}
	rec := journalRecord{Op: opRemoveChannel, Channel: &Channel{CommunityID: communityID, ThreadID: threadID}}
	if err := s.appendLocked(rec); err != nil {
		return wrapErr("remove channel", err)
	}
	s.apply(rec)
	return nil
}

func (s *fileStore) FindChannel(ctx context.Context, communityID int64, name string) (Channel, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.openErr("find channel"); err != nil {
		return Channel{}, false, err
	}
	want := normName(name)
	var (
		best  Channel
		found bool
	)
	for _, ch := range s.channels[communityID] {
		if normName(ch.Name) != want {
			continue
		}
		if !found || ch.ThreadID < best.ThreadID {
			best, found = ch, true
		}
	}
	return best, found, nil
}

func (s *fileStore) openErr(op string) error {
	if s.journal == nil {
		return wrapErr(op, ErrClosed)
	}
	return nil
}

// apply mutates in-memory state; callers hold mu (or own s exclusively).
func (s *fileStore) apply(r journalRecord) {
	switch r.Op {
	case opAddRecipient:
		s.recipients[r.ID] = struct{}{}
	case opRemoveRecipient:
		delete(s.recipients, r.ID)
	case opUpsertCommunity:
		if r.Community != nil {
			s.communities[r.Community.ID] = *r.Community
		}
	case opRemoveCommunity:
		delete(s.communities, r.ID)
		delete(s.channels, r.ID)
	case opMoveCommunity:
		old, ok := s.communities[r.ID]
		if !ok || r.To == r.ID {
			return
		}
		if _, exists := s.communities[r.To]; !exists {
			old.ID = r.To
			s.communities[r.To] = old
		}
		dst := s.channels[r.To]
		if dst == nil {
			dst = map[int]Channel{}
		}
		for tid, ch := range s.channels[r.ID] {
			if _, exists := dst[tid]; !exists {
				ch.CommunityID = r.To
				dst[tid] = ch
			}
		}
		if len(dst) > 0 {
			s.channels[r.To] = dst
		}
		delete(s.communities, r.ID)
		delete(s.channels, r.ID)
	case opRemoveChannel:
		if r.Channel != nil {
			delete(s.channels[r.Channel.CommunityID], r.Channel.ThreadID)
		}
	case opUpsertChannel:
		if r.Channel == nil {
			return
		}
		ch := *r.Channel
		if _, ok := s.communities[ch.CommunityID]; !ok {
			s.communities[ch.CommunityID] = Community{ID: ch.CommunityID, Kind: KindGroup}
		}
		m := s.channels[ch.CommunityID]
		if m == nil {
			m = map[int]Channel{}
			s.channels[ch.CommunityID] = m
		}
		m[ch.ThreadID] = ch
	}
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	if err := s.journal.Sync(); err != nil {
		return err
	}
	s.writes++
	if s.writes%fileCompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	snap := fileSnapshot{}
	for id := range s.recipients {
		snap.Recipients = append(snap.Recipients, id)
	}
	slices.Sort(snap.Recipients)
	for _, c := range s.communities {
		snap.Communities = append(snap.Communities, c)
	}
	for _, m := range s.channels {
		for _, ch := range m {
			snap.Channels = append(snap.Channels, ch)
		}
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, id := range snap.Recipients {
		s.recipients[id] = struct{}{}
	}
	for _, c := range snap.Communities {
		s.communities[c.ID] = c
	}
	for _, ch := range snap.Channels {
		s.apply(journalRecord{Op: opUpsertChannel, Channel: &ch})
	}
	return nil
}

func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn final line from a crash mid-write.
			s.log.Warn("skipping corrupt journal line", logx.Err(err))
			continue
		}
		s.apply(r)
	}
	return sc.Err()
}
