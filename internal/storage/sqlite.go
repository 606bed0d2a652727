package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	logx "github.com/BruceKZ/cfreminder-bot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, wrapErr("open", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrapErr("open", err)
	}
	// SQLite is a single-writer engine; one connection also keeps PRAGMAs in effect.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	ctx := context.Background()
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, wrapErr("pragma", err)
		}
	}

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, wrapErr("migrate", err)
	}
	log.Debug("sqlite store ready", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AddRecipient(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO recipients(id) VALUES(?)`, id)
	return wrapErr("add recipient", err)
}

func (s *sqliteStore) RemoveRecipient(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM recipients WHERE id = ?`, id)
	return wrapErr("remove recipient", err)
}

func (s *sqliteStore) ListRecipients(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM recipients ORDER BY id`)
	if err != nil {
		return nil, wrapErr("list recipients", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr("list recipients", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list recipients", err)
	}
	return ids, nil
}

func (s *sqliteStore) UpsertCommunity(ctx context.Context, c Community) error {
	if c.Kind == "" {
		c.Kind = KindGroup
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO communities(id, title, kind, updated_at) VALUES(?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title      = excluded.title,
			kind       = excluded.kind,
			updated_at = excluded.updated_at`,
		c.ID, c.Title, string(c.Kind), time.Now().UTC().Unix(),
	)
	return wrapErr("upsert community", err)
}

func (s *sqliteStore) RemoveCommunity(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("remove community", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM channels WHERE community_id = ?`, id); err != nil {
		_ = tx.Rollback()
		return wrapErr("remove community", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM communities WHERE id = ?`, id); err != nil {
		_ = tx.Rollback()
		return wrapErr("remove community", err)
	}
	return wrapErr("remove community", tx.Commit())
}

// MoveCommunity re-keys a community and its channels. Rows already stored
// under the new id win over the moved ones.
func (s *sqliteStore) MoveCommunity(ctx context.Context, from, to int64) error {
	if from == to {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("move community", err)
	}
	stmts := []struct {
		q    string
		args []any
	}{
		{`INSERT OR IGNORE INTO communities(id, title, kind, updated_at)
			SELECT ?, title, kind, ? FROM communities WHERE id = ?`, []any{to, time.Now().UTC().Unix(), from}},
		{`INSERT OR IGNORE INTO channels(community_id, thread_id, name, name_norm)
			SELECT ?, thread_id, name, name_norm FROM channels WHERE community_id = ?`, []any{to, from}},
		{`DELETE FROM channels WHERE community_id = ?`, []any{from}},
		{`DELETE FROM communities WHERE id = ?`, []any{from}},
	}
	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, st.q, st.args...); err != nil {
			_ = tx.Rollback()
			return wrapErr("move community", err)
		}
	}
	return wrapErr("move community", tx.Commit())
}

func (s *sqliteStore) ListCommunities(ctx context.Context) ([]Community, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, kind FROM communities ORDER BY id`)
	if err != nil {
		return nil, wrapErr("list communities", err)
	}
	defer rows.Close()

	var out []Community
	for rows.Next() {
		var (
			c    Community
			kind string
		)
		if err := rows.Scan(&c.ID, &c.Title, &kind); err != nil {
			return nil, wrapErr("list communities", err)
		}
		c.Kind = CommunityKind(kind)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list communities", err)
	}
	return out, nil
}

func (s *sqliteStore) UpsertChannel(ctx context.Context, ch Channel) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("upsert channel", err)
	}
	// Topics can be seen before the community itself (e.g. after a restore).
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO communities(id, title, kind, updated_at) VALUES(?, '', ?, ?)`,
		ch.CommunityID, string(KindGroup), time.Now().UTC().Unix(),
	); err != nil {
		_ = tx.Rollback()
		return wrapErr("upsert channel", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO channels(community_id, thread_id, name, name_norm) VALUES(?, ?, ?, ?)
		ON CONFLICT(community_id, thread_id) DO UPDATE SET
			name      = excluded.name,
			name_norm = excluded.name_norm`,
		ch.CommunityID, ch.ThreadID, ch.Name, normName(ch.Name),
	); err != nil {
		_ = tx.Rollback()
		return wrapErr("upsert channel", err)
	}
	return wrapErr("upsert channel", tx.Commit())
}

func (s *sqliteStore) RemoveChannel(ctx context.Context, communityID int64, threadID int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM channels WHERE community_id = ? AND thread_id = ?`, communityID, threadID)
	return wrapErr("remove channel", err)
}

func (s *sqliteStore) FindChannel(ctx context.Context, communityID int64, name string) (Channel, bool, error) {
	var ch Channel
	err := s.db.QueryRowContext(ctx, `
		SELECT community_id, thread_id, name FROM channels
		WHERE community_id = ? AND name_norm = ?
		ORDER BY thread_id
		LIMIT 1`,
		communityID, normName(name),
	).Scan(&ch.CommunityID, &ch.ThreadID, &ch.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return Channel{}, false, nil
	}
	if err != nil {
		return Channel{}, false, wrapErr("find channel", err)
	}
	return ch, true, nil
}
